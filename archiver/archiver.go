// Package archiver drives the persisted session state machine: the sweep
// that finds stale RECEIVING sessions, and the build/archive transitions
// that move a study from transient storage into the permanent archive.
package archiver

import (
	"encoding/json"
	"time"

	nats "github.com/nats-io/nats.go"
	ot "github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"

	"github.com/openmri/receptor/cluster"
	config "github.com/openmri/receptor/config"
	"github.com/openmri/receptor/db"
	models "github.com/openmri/receptor/db/models"
	"github.com/openmri/receptor/processors"
	"github.com/openmri/receptor/services"
)

// Publisher is the slice of the NATS connection the archiver publishes
// through. *nats.Conn satisfies it; tests substitute a recorder.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ReceptorArchiver consumes transition work items from the shared queue and
// executes them. Any number of nodes run this service; the queue group
// ensures a given message reaches one of them, and the status
// compare-and-set in the repository makes redelivered messages collapse
// into no-ops.
type ReceptorArchiver struct {
	Config    config.ReceptorConfig
	BuildInfo map[string]string
	Db        db.DataManager
	NC        *nats.Conn
	Pub       Publisher
	Cluster   cluster.Membership
	Catalog   *processors.Catalog
}

// Start subscribes to the work subjects and begins the scheduled sweep
// ticker. Meant to be run as a goroutine.
func (a *ReceptorArchiver) Start() error {

	tracer := ot.GlobalTracer()
	span := tracer.StartSpan("archiver_root")
	defer span.Finish()

	_, err := a.NC.QueueSubscribe(services.SubjectTransition, services.QueueArchivers, func(msg *nats.Msg) {
		t := services.NewTraceMsg(msg)
		sc, err := tracer.Extract(ot.Binary, t)
		if err != nil {
			log.Errorf("Failed to extract span context from transition message: %v", err)
		}

		span := tracer.StartSpan(
			"archiver_transition_incoming",
			ot.ChildOf(sc))
		defer span.Finish()
		span.LogEventWithPayload("transition", services.SafePayload(string(t.Bytes())))

		var req services.SessionTransitionRequest
		if err := json.Unmarshal(t.Bytes(), &req); err != nil {
			log.Errorf("Discarding malformed transition message: %v", err)
			return
		}

		if err := a.HandleTransition(span.Context(), req); err != nil {
			log.Errorf("Transition %s for session %s failed: %v", req.Transition, req.SessionID, err)
		}
	})
	if err != nil {
		return err
	}

	_, err = a.NC.Subscribe(services.SubjectReset, func(msg *nats.Msg) {
		t := services.NewTraceMsg(msg)
		sc, err := tracer.Extract(ot.Binary, t)
		if err != nil {
			log.Errorf("Failed to extract span context from reset message: %v", err)
		}

		span := tracer.StartSpan(
			"archiver_reset_incoming",
			ot.ChildOf(sc))
		defer span.Finish()

		var req services.SessionResetRequest
		if err := json.Unmarshal(t.Bytes(), &req); err != nil {
			log.Errorf("Discarding malformed reset message: %v", err)
			return
		}

		id := req.SessionID
		if id == "" {
			session, err := a.Db.GetSessionByKey(span.Context(), req.Project, req.Name, req.Tag)
			if err != nil {
				log.Errorf("Discarding reset for unknown session %s/%s/%s: %v", req.Project, req.Name, req.Tag, err)
				return
			}
			id = session.ID
		}

		if err := a.HandleReset(span.Context(), id); err != nil {
			log.Errorf("Reset for session %s failed: %v", id, err)
		}
	})
	if err != nil {
		return err
	}

	go func() {
		for {
			time.Sleep(time.Duration(a.Config.SweepInterval) * time.Second)
			a.Tick()
		}
	}()
	log.Infof("Archiver started (sweep every %ds, rebuild threshold %ds)", a.Config.SweepInterval, a.Config.RebuildInterval)

	// Wait forever
	ch := make(chan struct{})
	<-ch

	return nil
}

// Tick is one scheduled sweep invocation. Every node ticks, but the sweep
// itself runs only on the cluster's primary - that is what keeps several
// nodes sharing one database from dispatching duplicate work items.
func (a *ReceptorArchiver) Tick() {
	if !a.Cluster.IsPrimary() {
		log.Debug("Skipping sweep; this node is not the cluster primary")
		return
	}

	tracer := ot.GlobalTracer()
	span := tracer.StartSpan("archiver_sweep_tick")
	defer span.Finish()

	dispatched, err := a.Sweep(span.Context())
	if err != nil {
		log.Errorf("Sweep failed: %v", err)
		return
	}
	if len(dispatched) > 0 {
		log.Infof("Sweep dispatched build work for %d sessions", len(dispatched))
	}
}

// Sweep selects RECEIVING sessions whose staleness clock has run past the
// rebuild interval and dispatches one build work item for each. Sessions in
// ERROR or COMPLETED are never selected; a session still receiving data
// keeps resetting its own clock via touch.
func (a *ReceptorArchiver) Sweep(sc ot.SpanContext) ([]string, error) {
	tracer := ot.GlobalTracer()
	span := tracer.StartSpan(
		"archiver_sweep",
		ot.ChildOf(sc))
	defer span.Finish()

	threshold := time.Now().Add(-time.Duration(a.Config.RebuildInterval) * time.Second)
	stale, err := a.Db.ListStaleSessions(span.Context(), models.Status_RECEIVING, threshold)
	if err != nil {
		return nil, err
	}

	dispatched := []string{}
	for i := range stale {
		session := stale[i]

		// Claim the session before publishing, so a sweep racing its own
		// redelivered messages can't double-dispatch.
		changed, err := a.Db.UpdateSessionStatus(span.Context(), session.ID,
			fromStatuses(models.Status_RECEIVING), models.Status_QUEUED_BUILDING)
		if err != nil {
			log.Errorf("Failed to queue session %s for building: %v", session.ID, err)
			continue
		}
		if !changed {
			continue
		}

		err = a.publish(span.Context(), services.SubjectTransition, services.SessionTransitionRequest{
			SessionID:  session.ID,
			Transition: services.Transition_BUILD,
			Created:    time.Now(),
		})
		if err != nil {
			log.Errorf("Failed to dispatch build for session %s: %v", session.ID, err)
			continue
		}
		dispatched = append(dispatched, session.ID)
	}
	return dispatched, nil
}

// publish writes the span context followed by the JSON payload, so the
// consumer can pick the trace back up on its side of the queue.
func (a *ReceptorArchiver) publish(sc ot.SpanContext, subject string, payload interface{}) error {
	tracer := ot.GlobalTracer()

	t := services.TraceMsg{}
	if err := tracer.Inject(sc, ot.Binary, &t); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := t.Write(data); err != nil {
		return err
	}

	return a.Pub.Publish(subject, t.Bytes())
}
