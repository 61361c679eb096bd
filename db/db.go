package db

import (
	"errors"
	"time"

	"github.com/opentracing/opentracing-go"

	models "github.com/openmri/receptor/db/models"
)

// Sentinel errors for the conditions callers have to branch on. A creation
// race is resolved by the caller re-reading the winner's record when
// ErrSessionExists comes back; everything else is just context.
var (
	ErrSessionExists   = errors.New("session record already exists")
	ErrSessionNotFound = errors.New("session record not found")
)

// DataManager defines the full session repository surface. Use this to
// provide a mock layer for tests.
type DataManager interface {

	// Misc
	Preflight(sc opentracing.SpanContext) error
	Initialize(sc opentracing.SpanContext) error

	// Sessions
	//
	// CreateSession must return ErrSessionExists if a record with the same
	// (project, name, tag) triple is already present - this is the only
	// concurrency primitive the state machine relies on for duplicate
	// creation across nodes.
	CreateSession(sc opentracing.SpanContext, session *models.SessionRecord) error
	GetSession(sc opentracing.SpanContext, id string) (*models.SessionRecord, error)
	GetSessionByKey(sc opentracing.SpanContext, project, name, tag string) (*models.SessionRecord, error)
	ListSessions(sc opentracing.SpanContext) (map[string]models.SessionRecord, error)

	// ListStaleSessions returns sessions in the given status whose
	// LastBuilt timestamp is older than the threshold.
	ListStaleSessions(sc opentracing.SpanContext, status models.SessionStatus, threshold time.Time) ([]models.SessionRecord, error)

	// UpdateSessionStatus transitions a session's status only when its
	// current status is in the "from" set, and reports whether anything
	// changed. Transitions from an unexpected current state are a no-op,
	// not an error - the work queue may redeliver.
	UpdateSessionStatus(sc opentracing.SpanContext, id string, from []models.SessionStatus, to models.SessionStatus) (bool, error)

	// SetSessionFailure moves a session to STATUS_ERROR and records the
	// captured message for operators.
	SetSessionFailure(sc opentracing.SpanContext, id, message string) error

	// TouchSession refreshes a session's LastBuilt timestamp, resetting the
	// sweep's staleness clock while data is still arriving.
	TouchSession(sc opentracing.SpanContext, id string, t time.Time) error

	// DeleteSession exists for explicit administrative cleanup only; the
	// state machine never deletes records.
	DeleteSession(sc opentracing.SpanContext, id string) error
}
