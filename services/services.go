package services

import (
	"time"
)

// Subjects for the shared NATS work queue. Transition requests are consumed
// through a queue group so a given message reaches exactly one archiver
// worker; delivery is at-least-once and handlers must tolerate redelivery.
const (
	SubjectTransfer   = "receptor.str.transfer"
	SubjectTransition = "receptor.str.transition"
	SubjectReset      = "receptor.str.reset"
	SubjectCompleted  = "receptor.str.completed"
)

// QueueArchivers is the queue group name shared by all archiver workers.
const QueueArchivers = "archivers"

// Transition names a requested session state-machine step.
type Transition string

const (
	Transition_BUILD   Transition = "BUILD"
	Transition_ARCHIVE Transition = "ARCHIVE"
)

// SessionTransitionRequest is the work item dispatched onto the queue by
// the sweep (and by completion chaining): one session, one requested
// transition.
type SessionTransitionRequest struct {
	SessionID  string
	Transition Transition
	Created    time.Time
}

// SessionResetRequest asks the archiver to move a session back to
// RECEIVING, either to retry an errored session or to recover one whose
// dispatched work item was lost. The session is named by ID, or by its
// (project, name, tag) key when the requester only knows the study.
type SessionResetRequest struct {
	SessionID string
	Project   string
	Name      string
	Tag       string
	Created   time.Time
}

// SessionCompletedEvent announces that a session reached COMPLETED. The
// stats service consumes these.
type SessionCompletedEvent struct {
	SessionID string
	Created   time.Time
}
