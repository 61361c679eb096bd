package db

import (
	"time"

	"github.com/go-pg/pg"
	"github.com/go-pg/pg/orm"
	"github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"

	config "github.com/openmri/receptor/config"
	models "github.com/openmri/receptor/db/models"
)

// NewRDMPostgres connects to the configured postgres instance and returns a
// DataManager backed by it. This is the driver clustered deployments must
// use - the (project, name, tag) unique index is what arbitrates creation
// races between nodes.
func NewRDMPostgres(cfg config.ReceptorConfig) DataManager {
	pgdb := pg.Connect(&pg.Options{
		Addr:     cfg.Postgres.Address,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
	})
	return &RDMPostgres{pg: pgdb}
}

// RDMPostgres is an implementation of DataManager backed by postgres via
// go-pg.
type RDMPostgres struct {
	pg *pg.DB
}

var _ DataManager = &RDMPostgres{}

// HOUSEKEEPING

// Preflight ensures the schema this driver needs is in place, and that the
// database is reachable. Safe to run on every process start.
func (r *RDMPostgres) Preflight(sc opentracing.SpanContext) error {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_preflight",
		opentracing.ChildOf(sc))
	defer span.Finish()

	err := r.pg.CreateTable(&models.SessionRecord{}, &orm.CreateTableOptions{
		IfNotExists: true,
	})
	if err != nil {
		return err
	}

	// The storage layer owns the uniqueness of (project, name, tag); this
	// index is the whole mechanism.
	_, err = r.pg.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS session_records_project_name_tag_idx
		ON session_records (project, name, tag)`)
	return err
}

// Initialize drops and recreates the session schema. A very destructive
// operation - use with caution.
func (r *RDMPostgres) Initialize(sc opentracing.SpanContext) error {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_initialize",
		opentracing.ChildOf(sc))
	defer span.Finish()

	_, err := r.pg.Exec(`DROP TABLE IF EXISTS session_records`)
	if err != nil {
		return err
	}
	return r.Preflight(span.Context())
}

// SESSIONS

// CreateSession inserts a new SessionRecord. A unique index violation on
// (project, name, tag) is translated to ErrSessionExists so the caller can
// resolve the creation race by re-reading the winner.
func (r *RDMPostgres) CreateSession(sc opentracing.SpanContext, session *models.SessionRecord) error {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_create",
		opentracing.ChildOf(sc))
	defer span.Finish()

	err := r.pg.Insert(session)
	if err != nil {
		if pgErr, ok := err.(pg.Error); ok && pgErr.IntegrityViolation() {
			return ErrSessionExists
		}
		return err
	}

	log.Infof("Created session record %s for %s/%s/%s", session.ID, session.Project, session.Name, session.Tag)
	return nil
}

// GetSession retrieves a specific SessionRecord by ID
func (r *RDMPostgres) GetSession(sc opentracing.SpanContext, id string) (*models.SessionRecord, error) {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_get",
		opentracing.ChildOf(sc))
	defer span.Finish()

	session := &models.SessionRecord{}
	err := r.pg.Model(session).Where("id = ?", id).Select()
	if err == pg.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// GetSessionByKey retrieves a SessionRecord via its identifying
// (project, name, tag) triple
func (r *RDMPostgres) GetSessionByKey(sc opentracing.SpanContext, project, name, tag string) (*models.SessionRecord, error) {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_get_by_key",
		opentracing.ChildOf(sc))
	defer span.Finish()

	session := &models.SessionRecord{}
	err := r.pg.Model(session).
		Where("project = ?", project).
		Where("name = ?", name).
		Where("tag = ?", tag).
		Select()
	if err == pg.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessions lists all SessionRecords
func (r *RDMPostgres) ListSessions(sc opentracing.SpanContext) (map[string]models.SessionRecord, error) {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_list",
		opentracing.ChildOf(sc))
	defer span.Finish()

	var records []models.SessionRecord
	err := r.pg.Model(&records).Select()
	if err != nil {
		return nil, err
	}

	sessions := map[string]models.SessionRecord{}
	for i := range records {
		sessions[records[i].ID] = records[i]
	}
	return sessions, nil
}

// ListStaleSessions lists SessionRecords in the given status whose LastBuilt
// timestamp is older than the threshold
func (r *RDMPostgres) ListStaleSessions(sc opentracing.SpanContext, status models.SessionStatus, threshold time.Time) ([]models.SessionRecord, error) {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_list_stale",
		opentracing.ChildOf(sc))
	defer span.Finish()

	var records []models.SessionRecord
	err := r.pg.Model(&records).
		Where("status = ?", status).
		Where("last_built < ?", threshold).
		Select()
	if err != nil {
		return nil, err
	}
	return records, nil
}

// UpdateSessionStatus transitions a session's status under the row's native
// locking, only when the current status is within the expected "from" set.
// The conditional UPDATE is what makes concurrent redelivered transitions
// collapse into one effective transition.
func (r *RDMPostgres) UpdateSessionStatus(sc opentracing.SpanContext, id string, from []models.SessionStatus, to models.SessionStatus) (bool, error) {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_update_status",
		opentracing.ChildOf(sc))
	defer span.Finish()

	res, err := r.pg.Model(&models.SessionRecord{}).
		Set("status = ?", to).
		Where("id = ?", id).
		Where("status in (?)", pg.In(from)).
		Update()
	if err != nil {
		return false, err
	}
	if res.RowsAffected() == 0 {
		log.Debugf("Session %s not transitioned to %s (unexpected current status)", id, to)
		return false, nil
	}
	return true, nil
}

// SetSessionFailure moves a session to STATUS_ERROR and records the message
func (r *RDMPostgres) SetSessionFailure(sc opentracing.SpanContext, id, message string) error {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_set_failure",
		opentracing.ChildOf(sc))
	defer span.Finish()

	res, err := r.pg.Model(&models.SessionRecord{}).
		Set("status = ?", models.Status_ERROR).
		Set("failure_message = ?", message).
		Where("id = ?", id).
		Update()
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// TouchSession refreshes a session's LastBuilt timestamp
func (r *RDMPostgres) TouchSession(sc opentracing.SpanContext, id string, t time.Time) error {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_touch",
		opentracing.ChildOf(sc))
	defer span.Finish()

	res, err := r.pg.Model(&models.SessionRecord{}).
		Set("last_built = ?", t).
		Where("id = ?", id).
		Update()
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// DeleteSession deletes a SessionRecord by ID
func (r *RDMPostgres) DeleteSession(sc opentracing.SpanContext, id string) error {
	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"db_session_delete",
		opentracing.ChildOf(sc))
	defer span.Finish()

	_, err := r.pg.Model(&models.SessionRecord{}).Where("id = ?", id).Delete()
	return err
}
