package db

import "time"

// SessionRecord tracks one incoming study from first receipt through
// permanent archival. Records are created when the first data for a study
// arrives and are mutated only by the archiver's state machine after that.
// The (Project, Name, Tag) triple is unique - the storage layer enforces
// this, since multiple nodes may race to create the same study.
type SessionRecord struct {
	ID string `json:"ID,omitempty" sql:",pk"`

	Project string `json:"Project,omitempty"`
	Subject string `json:"Subject,omitempty"`
	Name    string `json:"Name,omitempty"`

	// FolderName is the directory name used for this session under the
	// transient and archive roots.
	FolderName string `json:"FolderName,omitempty"`

	// Tag disambiguates multiple uploads of the same study name within a
	// project.
	Tag string `json:"Tag,omitempty"`

	VisitLabel    string `json:"VisitLabel,omitempty"`
	ProtocolLabel string `json:"ProtocolLabel,omitempty"`
	Timezone      string `json:"Timezone,omitempty"`

	// Location names the storage location this session's transient data
	// lives on.
	Location string `json:"Location,omitempty"`

	// Source identifies what sent this session, typically "deviceId:port".
	Source string `json:"Source,omitempty"`

	UploadTime time.Time `json:"UploadTime,omitempty"`

	// LastBuilt is the staleness clock for the sweep: refreshed on every
	// touch while data is still arriving.
	LastBuilt time.Time `json:"LastBuilt,omitempty"`

	ScanDate time.Time `json:"ScanDate,omitempty"`

	Status SessionStatus `json:"Status,omitempty"`

	// FailureMessage holds the captured error for sessions in STATUS_ERROR.
	FailureMessage string `json:"FailureMessage,omitempty"`
}

// Key returns the identifying triple for this record.
func (s *SessionRecord) Key() (string, string, string) {
	return s.Project, s.Name, s.Tag
}

// SessionStatus is a session's position in the receive/build/archive state
// machine.
type SessionStatus string

const (
	Status_RECEIVING        SessionStatus = "RECEIVING"
	Status_QUEUED_BUILDING  SessionStatus = "QUEUED_BUILDING"
	Status_BUILDING         SessionStatus = "BUILDING"
	Status_QUEUED_ARCHIVING SessionStatus = "QUEUED_ARCHIVING"
	Status_ARCHIVING        SessionStatus = "ARCHIVING"
	Status_COMPLETED        SessionStatus = "COMPLETED"
	Status_ERROR            SessionStatus = "ERROR"
)

// Terminal reports whether a status permits no further automatic
// transitions. STATUS_ERROR is terminal for sweeps but can be reset
// administratively.
func (s SessionStatus) Terminal() bool {
	return s == Status_COMPLETED || s == Status_ERROR
}
