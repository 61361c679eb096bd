package archiver

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	ot "github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	models "github.com/openmri/receptor/db/models"
	"github.com/openmri/receptor/importer"
	"github.com/openmri/receptor/processors"
	"github.com/openmri/receptor/services"
)

func fromStatuses(statuses ...models.SessionStatus) []models.SessionStatus {
	return statuses
}

// HandleTransition dispatches one work item to its handler.
func (a *ReceptorArchiver) HandleTransition(sc ot.SpanContext, req services.SessionTransitionRequest) error {
	switch req.Transition {
	case services.Transition_BUILD:
		return a.HandleBuild(sc, req.SessionID)
	case services.Transition_ARCHIVE:
		return a.HandleArchive(sc, req.SessionID)
	default:
		return fmt.Errorf("unknown transition %q for session %s", req.Transition, req.SessionID)
	}
}

// HandleBuild executes the build transition: claim the session, construct
// the archive layout in place, and queue archiving. The initial
// compare-and-set makes redelivery safe: a session in any unexpected state,
// including COMPLETED, turns the message into a no-op.
func (a *ReceptorArchiver) HandleBuild(sc ot.SpanContext, id string) error {
	tracer := ot.GlobalTracer()
	span := tracer.StartSpan(
		"archiver_build",
		ot.ChildOf(sc))
	defer span.Finish()

	// RECEIVING is accepted alongside QUEUED_BUILDING to cover a reset
	// session whose earlier queued message is still in flight.
	changed, err := a.Db.UpdateSessionStatus(span.Context(), id,
		fromStatuses(models.Status_RECEIVING, models.Status_QUEUED_BUILDING), models.Status_BUILDING)
	if err != nil {
		return err
	}
	if !changed {
		log.Debugf("Ignoring build request for session %s (not in a buildable state)", id)
		return nil
	}

	session, err := a.Db.GetSession(span.Context(), id)
	if err != nil {
		return err
	}

	if err := a.buildSession(span.Context(), session); err != nil {
		log.Errorf("Build failed for session %s: %v", id, err)
		if dberr := a.Db.SetSessionFailure(span.Context(), id, err.Error()); dberr != nil {
			log.Errorf("Failed to record build failure for session %s: %v", id, dberr)
		}
		return err
	}

	if _, err := a.Db.UpdateSessionStatus(span.Context(), id,
		fromStatuses(models.Status_BUILDING), models.Status_QUEUED_ARCHIVING); err != nil {
		return err
	}

	return a.publish(span.Context(), services.SubjectTransition, services.SessionTransitionRequest{
		SessionID:  id,
		Transition: services.Transition_ARCHIVE,
		Created:    time.Now(),
	})
}

// HandleArchive executes the archive transition: claim the session and move
// its built directory into the permanent archive. Safe to re-invoke on an
// already-completed session.
func (a *ReceptorArchiver) HandleArchive(sc ot.SpanContext, id string) error {
	tracer := ot.GlobalTracer()
	span := tracer.StartSpan(
		"archiver_archive",
		ot.ChildOf(sc))
	defer span.Finish()

	changed, err := a.Db.UpdateSessionStatus(span.Context(), id,
		fromStatuses(models.Status_QUEUED_ARCHIVING), models.Status_ARCHIVING)
	if err != nil {
		return err
	}
	if !changed {
		log.Debugf("Ignoring archive request for session %s (not queued for archiving)", id)
		return nil
	}

	session, err := a.Db.GetSession(span.Context(), id)
	if err != nil {
		return err
	}

	if err := a.archiveSession(session); err != nil {
		log.Errorf("Archive failed for session %s: %v", id, err)
		if dberr := a.Db.SetSessionFailure(span.Context(), id, err.Error()); dberr != nil {
			log.Errorf("Failed to record archive failure for session %s: %v", id, dberr)
		}
		return err
	}

	if _, err := a.Db.UpdateSessionStatus(span.Context(), id,
		fromStatuses(models.Status_ARCHIVING), models.Status_COMPLETED); err != nil {
		return err
	}
	log.Infof("Session %s archived to %s", id, filepath.Join(a.Config.ArchiveDir, session.Project, session.FolderName))

	return a.publish(span.Context(), services.SubjectCompleted, services.SessionCompletedEvent{
		SessionID: id,
		Created:   time.Now(),
	})
}

// HandleReset is the compensation path: move a session back to RECEIVING,
// whether it is stuck in ERROR or its dispatched work item was lost. The
// staleness clock is re-stamped so the next sweep waits a full rebuild
// interval before picking it up again.
func (a *ReceptorArchiver) HandleReset(sc ot.SpanContext, id string) error {
	tracer := ot.GlobalTracer()
	span := tracer.StartSpan(
		"archiver_reset",
		ot.ChildOf(sc))
	defer span.Finish()

	changed, err := a.Db.UpdateSessionStatus(span.Context(), id,
		fromStatuses(
			models.Status_QUEUED_BUILDING,
			models.Status_BUILDING,
			models.Status_QUEUED_ARCHIVING,
			models.Status_ARCHIVING,
			models.Status_ERROR,
		), models.Status_RECEIVING)
	if err != nil {
		return err
	}
	if !changed {
		log.Debugf("Ignoring reset for session %s (already receiving or completed)", id)
		return nil
	}

	log.Infof("Session %s reset to receiving", id)
	return a.Db.TouchSession(span.Context(), id, time.Now())
}

// buildSession performs the archive-directory construction work: the
// processor chain runs once more, now at the complete-data stage, and the
// metadata sidecar is rewritten with its output.
func (a *ReceptorArchiver) buildSession(sc ot.SpanContext, session *models.SessionRecord) error {
	dir := filepath.Join(a.Config.TransientDir, session.FolderName)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("session %s has no transient data at %s", session.ID, dir)
	}

	metadata := map[string]string{}
	metadataPath := filepath.Join(dir, importer.MetadataFile)
	if contents, err := ioutil.ReadFile(metadataPath); err == nil {
		if err := yaml.Unmarshal(contents, &metadata); err != nil {
			return fmt.Errorf("session %s has a corrupt metadata sidecar: %v", session.ID, err)
		}
	}

	deviceID, port := splitSource(session.Source)
	ctx := &processors.TransferContext{
		DeviceID:   deviceID,
		Port:       port,
		Project:    session.Project,
		StudyID:    session.Name,
		Location:   session.Location,
		Stage:      processors.StageComplete,
		Metadata:   metadata,
		ScratchDir: dir,
	}

	for _, step := range a.Catalog.Resolve(ctx) {
		result, err := step.Process(ctx)
		if err != nil {
			return fmt.Errorf("processor %s: %v", step.Instance.ID, err)
		}
		if result == processors.ResultSuppress {
			// At the complete stage a suppression only ends the chain; the
			// build itself proceeds with what has been done so far.
			log.Debugf("Processor %s ended the complete-stage chain for session %s", step.Instance.ID, session.ID)
			break
		}
	}

	contents, err := yaml.Marshal(ctx.Metadata)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(metadataPath, contents, 0644)
}

// archiveSession moves the built session directory from transient storage
// into the permanent archive, laid out by project.
func (a *ReceptorArchiver) archiveSession(session *models.SessionRecord) error {
	src := filepath.Join(a.Config.TransientDir, session.FolderName)
	destDir := filepath.Join(a.Config.ArchiveDir, session.Project)
	dest := filepath.Join(destDir, session.FolderName)

	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("archive destination %s already exists", dest)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	return os.Rename(src, dest)
}

func splitSource(source string) (string, int) {
	idx := strings.LastIndex(source, ":")
	if idx < 0 {
		return source, 0
	}
	port, err := strconv.Atoi(source[idx+1:])
	if err != nil {
		return source, 0
	}
	return source[:idx], port
}
