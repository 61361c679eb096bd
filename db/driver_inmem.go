package db

import (
	"fmt"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"

	models "github.com/openmri/receptor/db/models"
)

// NewRDMInMem produces an initialized instance of RDMInMem ready to be used
func NewRDMInMem() DataManager {
	return &RDMInMem{
		sessions:    map[string]*models.SessionRecord{},
		sessionKeys: map[string]string{},
		sessionsMu:  &sync.Mutex{},
	}
}

// RDMInMem is an implementation of DataManager which uses in-memory
// constructs as a backing data store. The (project, name, tag) uniqueness
// constraint is emulated under the driver's mutex, which makes this driver
// correct for a single node only - clustered deployments need the postgres
// driver, where the constraint is a real unique index.
type RDMInMem struct {

	// All fields are unexported; since these are managed in memory, they should only be accessible through
	// exported functions in this driver that allow this to be done safely
	sessions    map[string]*models.SessionRecord
	sessionKeys map[string]string
	sessionsMu  *sync.Mutex
}

var _ DataManager = &RDMInMem{}

func sessionKey(project, name, tag string) string {
	return fmt.Sprintf("%s/%s/%s", project, name, tag)
}

// HOUSEKEEPING

// Preflight performs any necessary tasks to ensure the database is ready to be used.
//
// This function is left blank for the in-memory driver, as it's not needed.
func (r *RDMInMem) Preflight(sc opentracing.SpanContext) error {
	return nil
}

// Initialize resets the datastore to its defaults.
//
// This function is left blank for the in-memory driver, as it's not needed.
func (r *RDMInMem) Initialize(sc opentracing.SpanContext) error {
	return nil
}

// SESSIONS

// CreateSession adds a new SessionRecord to the in-memory data store. If a
// record already holds the same (project, name, tag) triple, ErrSessionExists
// is returned and the store is unchanged.
func (r *RDMInMem) CreateSession(sc opentracing.SpanContext, session *models.SessionRecord) error {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_create",
		opentracing.ChildOf(sc))
	defer span.Finish()

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	key := sessionKey(session.Project, session.Name, session.Tag)
	if _, ok := r.sessionKeys[key]; ok {
		return ErrSessionExists
	}
	if _, ok := r.sessions[session.ID]; ok {
		return ErrSessionExists
	}
	copied := *session
	r.sessions[session.ID] = &copied
	r.sessionKeys[key] = session.ID

	log.Infof("Created session record %s for %s", session.ID, key)
	return nil
}

// GetSession retrieves a specific SessionRecord from the in-memory store via ID
func (r *RDMInMem) GetSession(sc opentracing.SpanContext, id string) (*models.SessionRecord, error) {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_get",
		opentracing.ChildOf(sc))
	defer span.Finish()

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	if session, ok := r.sessions[id]; ok {
		copied := *session
		return &copied, nil
	}
	return nil, ErrSessionNotFound
}

// GetSessionByKey retrieves a SessionRecord via its identifying
// (project, name, tag) triple
func (r *RDMInMem) GetSessionByKey(sc opentracing.SpanContext, project, name, tag string) (*models.SessionRecord, error) {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_get_by_key",
		opentracing.ChildOf(sc))
	defer span.Finish()

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	if id, ok := r.sessionKeys[sessionKey(project, name, tag)]; ok {
		copied := *r.sessions[id]
		return &copied, nil
	}
	return nil, ErrSessionNotFound
}

// ListSessions lists all SessionRecords currently tracked in memory
func (r *RDMInMem) ListSessions(sc opentracing.SpanContext) (map[string]models.SessionRecord, error) {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_list",
		opentracing.ChildOf(sc))
	defer span.Finish()

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	sessions := map[string]models.SessionRecord{}
	for id, session := range r.sessions {
		sessions[id] = *session
	}
	return sessions, nil
}

// ListStaleSessions lists SessionRecords in the given status whose LastBuilt
// timestamp is older than the threshold
func (r *RDMInMem) ListStaleSessions(sc opentracing.SpanContext, status models.SessionStatus, threshold time.Time) ([]models.SessionRecord, error) {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_list_stale",
		opentracing.ChildOf(sc))
	defer span.Finish()

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	stale := []models.SessionRecord{}
	for _, session := range r.sessions {
		if session.Status != status {
			continue
		}
		if !session.LastBuilt.Before(threshold) {
			continue
		}
		stale = append(stale, *session)
	}
	return stale, nil
}

// UpdateSessionStatus transitions a session's status if its current status
// is within the expected "from" set. Returns false (and no error) when the
// session is in any other state, so redelivered transitions degrade to
// no-ops.
func (r *RDMInMem) UpdateSessionStatus(sc opentracing.SpanContext, id string, from []models.SessionStatus, to models.SessionStatus) (bool, error) {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_update_status",
		opentracing.ChildOf(sc))
	defer span.Finish()

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return false, ErrSessionNotFound
	}

	for _, status := range from {
		if session.Status == status {
			session.Status = to
			return true, nil
		}
	}

	log.Debugf("Session %s is %s, not transitioning to %s", id, session.Status, to)
	return false, nil
}

// SetSessionFailure moves a session to STATUS_ERROR and records the message
func (r *RDMInMem) SetSessionFailure(sc opentracing.SpanContext, id, message string) error {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_set_failure",
		opentracing.ChildOf(sc))
	defer span.Finish()

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.Status = models.Status_ERROR
	session.FailureMessage = message
	return nil
}

// TouchSession refreshes a session's LastBuilt timestamp
func (r *RDMInMem) TouchSession(sc opentracing.SpanContext, id string, t time.Time) error {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_touch",
		opentracing.ChildOf(sc))
	defer span.Finish()

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	session.LastBuilt = t
	return nil
}

// DeleteSession deletes an existing SessionRecord from the in-memory data
// store by ID
func (r *RDMInMem) DeleteSession(sc opentracing.SpanContext, id string) error {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_delete",
		opentracing.ChildOf(sc))
	defer span.Finish()

	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessionKeys, sessionKey(session.Project, session.Name, session.Tag))
	delete(r.sessions, id)
	return nil
}
