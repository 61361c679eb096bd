// Package importer implements the synchronous inbound path: admission,
// the processor chain, transient persistence, and session record
// creation. Everything here runs on the thread handling the inbound
// association - a failure unwinds that connection's handling only.
package importer

import (
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"time"

	copier "github.com/jinzhu/copier"
	nats "github.com/nats-io/nats.go"
	ot "github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/openmri/receptor/admission"
	config "github.com/openmri/receptor/config"
	"github.com/openmri/receptor/db"
	models "github.com/openmri/receptor/db/models"
	"github.com/openmri/receptor/processors"
	"github.com/openmri/receptor/services"
)

// MetadataFile is the sidecar written next to a session's objects. The
// archiver re-reads it when it re-runs the chain at the complete stage.
const MetadataFile = "metadata.yaml"

// Transfer is one incoming data object plus everything the chain needs to
// know about it.
type Transfer struct {
	DeviceID string
	Port     int

	Project string
	Subject string
	Name    string
	Tag     string

	// StudyID is the study-level identifier used by remapping scripts.
	StudyID string

	VisitLabel    string
	ProtocolLabel string
	Timezone      string

	Location string

	ObjectName string
	Payload    []byte

	Metadata map[string]string
	ScanDate time.Time
}

// Importer gates, transforms, and lands incoming transfers.
type Importer struct {
	Config  config.ReceptorConfig
	Db      db.DataManager
	NC      *nats.Conn
	Filter  *admission.Filter
	Catalog *processors.Catalog
}

// Negotiate is called by the protocol layer during association negotiation,
// before any payload is read. A returned *admission.RejectionError maps to
// the protocol's own negotiation-rejection primitive.
func (i *Importer) Negotiate(deviceID string, sourceAddress net.IP) error {
	tracer := ot.GlobalTracer()
	span := tracer.StartSpan("importer_negotiate")
	defer span.Finish()

	err := i.Filter.Negotiate(deviceID, sourceAddress)
	if err != nil {
		// Connection-level and non-retryable for this association, but
		// never a server error.
		log.Infof("Rejected association from %s at %s", deviceID, sourceAddress)
		return err
	}
	log.Debugf("Admitted association from %s at %s", deviceID, sourceAddress)
	return nil
}

// Import runs one admitted transfer through the processor chain and, if the
// chain completes, persists the payload into the session's transient
// directory and creates or refreshes the session record.
//
// A suppressed chain drops the transfer by design and returns (nil, nil).
// An error from any step aborts the whole import: the scratch payload is
// discarded and no session record mutation from this transfer is retained.
func (i *Importer) Import(t Transfer) (*models.SessionRecord, error) {
	tracer := ot.GlobalTracer()
	span := tracer.StartSpan("importer_import")
	defer span.Finish()

	if t.Project == "" || t.Name == "" || t.Tag == "" {
		return nil, fmt.Errorf("transfer is missing identifying fields (project/name/tag)")
	}

	scratch, err := ioutil.TempDir(i.Config.TransientDir, ".incoming-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	if t.ObjectName != "" {
		if err := ioutil.WriteFile(filepath.Join(scratch, t.ObjectName), t.Payload, 0644); err != nil {
			return nil, err
		}
	}

	ctx := &processors.TransferContext{
		DeviceID:   t.DeviceID,
		Port:       t.Port,
		Project:    t.Project,
		StudyID:    t.StudyID,
		Location:   t.Location,
		Stage:      processors.StageMetadata,
		Metadata:   t.Metadata,
		ScratchDir: scratch,
	}
	if ctx.Metadata == nil {
		ctx.Metadata = map[string]string{}
	}

	for _, step := range i.Catalog.Resolve(ctx) {
		result, err := step.Process(ctx)
		if err != nil {
			log.Errorf("Processor %s failed for study %s: %v", step.Instance.ID, t.StudyID, err)
			return nil, fmt.Errorf("import aborted by processor %s: %v", step.Instance.ID, err)
		}
		if result == processors.ResultSuppress {
			log.Infof("Processor %s suppressed transfer of study %s from %s", step.Instance.ID, t.StudyID, ctx.Source())
			return nil, nil
		}
	}

	session, err := i.getOrCreateSession(span.Context(), t)
	if err != nil {
		return nil, err
	}

	if err := i.promote(ctx, session); err != nil {
		return nil, err
	}

	if err := i.Db.TouchSession(span.Context(), session.ID, time.Now()); err != nil {
		return nil, err
	}

	return session, nil
}

// getOrCreateSession looks a session up by (project, name, tag), creating it
// in RECEIVING if absent. When two nodes race to create the same key, the
// storage layer's uniqueness constraint fails one of them; the loser
// re-reads and returns the winner's record.
func (i *Importer) getOrCreateSession(sc ot.SpanContext, t Transfer) (*models.SessionRecord, error) {
	tracer := ot.GlobalTracer()
	span := tracer.StartSpan(
		"importer_get_or_create_session",
		ot.ChildOf(sc))
	defer span.Finish()

	session, err := i.Db.GetSessionByKey(span.Context(), t.Project, t.Name, t.Tag)
	if err == nil {
		return session, nil
	}
	if err != db.ErrSessionNotFound {
		return nil, err
	}

	session = &models.SessionRecord{
		ID:         db.RandomID(10),
		FolderName: services.NewSessionKey(t.Project, t.Name, t.Tag).ToString(),
		Source:     fmt.Sprintf("%s:%d", t.DeviceID, t.Port),
		Status:     models.Status_RECEIVING,
		UploadTime: time.Now(),
		LastBuilt:  time.Now(),
	}
	copier.Copy(session, &t)

	err = i.Db.CreateSession(span.Context(), session)
	if err == db.ErrSessionExists {
		// Lost the creation race; the winner's record is the session.
		return i.Db.GetSessionByKey(span.Context(), t.Project, t.Name, t.Tag)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// promote moves the scratch contents into the session's transient directory
// and refreshes the metadata sidecar. Nothing before this point has touched
// shared storage.
func (i *Importer) promote(ctx *processors.TransferContext, session *models.SessionRecord) error {
	dest := filepath.Join(i.Config.TransientDir, session.FolderName)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	entries, err := ioutil.ReadDir(ctx.ScratchDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.Rename(
			filepath.Join(ctx.ScratchDir, entry.Name()),
			filepath.Join(dest, entry.Name()),
		); err != nil {
			return err
		}
	}

	contents, err := yaml.Marshal(ctx.Metadata)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(filepath.Join(dest, MetadataFile), contents, 0644)
}
