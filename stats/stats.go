package stats

import (
	"encoding/json"
	"time"

	influx "github.com/influxdata/influxdb/client/v2"
	nats "github.com/nats-io/nats.go"
	"github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"

	config "github.com/openmri/receptor/config"
	"github.com/openmri/receptor/db"
	models "github.com/openmri/receptor/db/models"
	"github.com/openmri/receptor/services"
)

const metricsDatabase = "receptor_metrics"

// ReceptorStats records archival completion timing, and periodically exports
// session status counts to a TSDB
type ReceptorStats struct {
	NC     *nats.Conn
	Config config.ReceptorConfig
	Db     db.DataManager
}

// Start starts the ReceptorStats service
func (s *ReceptorStats) Start() error {

	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan("stats_root")
	defer span.Finish()

	// Begin periodically exporting metrics to TSDB
	go s.startTSDBExport(span.Context())

	s.NC.Subscribe(services.SubjectCompleted, func(msg *nats.Msg) {
		t := services.NewTraceMsg(msg)
		tracer := opentracing.GlobalTracer()
		sc, err := tracer.Extract(opentracing.Binary, t)
		if err != nil {
			log.Printf("Extract error: %v", err)
		}

		span := tracer.StartSpan(
			"stats_completed_incoming",
			opentracing.ChildOf(sc))
		defer span.Finish()

		rem := t.Bytes()
		var event services.SessionCompletedEvent
		_ = json.Unmarshal(rem, &event)
		s.recordArchivalTime(span.Context(), event)

	})

	// Wait forever
	ch := make(chan struct{})
	<-ch

	return nil
}

func (s *ReceptorStats) recordArchivalTime(sc opentracing.SpanContext, event services.SessionCompletedEvent) error {

	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"stats_record_archival",
		opentracing.ChildOf(sc))
	defer span.Finish()

	session, err := s.Db.GetSession(span.Context(), event.SessionID)
	if err != nil {
		log.Errorf("Problem getting session details for recording archival time: %v", err)
		return err
	}

	// Make client
	c, err := influx.NewHTTPClient(influx.HTTPConfig{
		Addr:     s.Config.Stats.URL,
		Username: s.Config.Stats.Username,
		Password: s.Config.Stats.Password,

		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Error("Error creating InfluxDB Client: ", err.Error())
		return err
	}
	defer c.Close()

	q := influx.NewQuery("CREATE DATABASE "+metricsDatabase, "", "")
	if response, err := c.Query(q); err == nil && response.Error() == nil {
		//
	}

	// Create a new point batch
	bp, err := influx.NewBatchPoints(influx.BatchPointsConfig{
		Database:  metricsDatabase,
		Precision: "s",
	})
	if err != nil {
		log.Error("Unable to create metrics batch point: ", err)
		return err
	}

	// Create a point and add to batch
	tags := map[string]string{
		"project":      session.Project,
		"source":       session.Source,
		"receptorTier": s.Config.Tier,
		"receptorId":   s.Config.InstanceID,
	}

	fields := map[string]interface{}{
		"sessionId":    session.ID,
		"project":      session.Project,
		"archivalTime": int(time.Since(session.UploadTime).Seconds()),
	}

	pt, err := influx.NewPoint("archivalTime", tags, fields, time.Now())
	if err != nil {
		log.Error("Error creating InfluxDB Point: ", err)
		return err
	}

	bp.AddPoint(pt)

	// Write the batch
	err = c.Write(bp)
	if err != nil {
		log.Warn("Unable to push archival time to Influx: ", err)
		return err
	}

	return nil
}

func (s *ReceptorStats) startTSDBExport(sc opentracing.SpanContext) error {

	tracer := opentracing.GlobalTracer()
	span := tracer.StartSpan(
		"stats_periodic_export",
		opentracing.ChildOf(sc))
	defer span.Finish()

	// Make client
	c, err := influx.NewHTTPClient(influx.HTTPConfig{
		Addr: s.Config.Stats.URL,

		Username: s.Config.Stats.Username,
		Password: s.Config.Stats.Password,

		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Error("Error creating InfluxDB Client: ", err.Error())
		return err
	}
	defer c.Close()

	q := influx.NewQuery("CREATE DATABASE "+metricsDatabase, "", "")
	if response, err := c.Query(q); err == nil && response.Error() == nil {
		//
	}

	for {
		time.Sleep(1 * time.Minute)

		log.Debug("Recording periodic influxdb metrics")

		// Create a new point batch
		bp, err := influx.NewBatchPoints(influx.BatchPointsConfig{
			Database:  metricsDatabase,
			Precision: "s",
		})
		if err != nil {
			log.Error("Unable to create metrics batch point: ", err)
			continue
		}

		tags := map[string]string{
			"receptorTier": s.Config.Tier,
			"receptorId":   s.Config.InstanceID,
		}

		fields := map[string]interface{}{}
		counts := s.getStatusCounts(span.Context())
		for status, count := range counts {
			fields[string(status)] = count
		}

		pt, err := influx.NewPoint("sessionStatus", tags, fields, time.Now())
		if err != nil {
			log.Error("Error creating InfluxDB Point: ", err)
			continue
		}

		bp.AddPoint(pt)

		// Write the batch
		err = c.Write(bp)
		if err != nil {
			log.Warn("Unable to push periodic metrics to Influx: ", err)
			continue
		}
	}
}

func (s *ReceptorStats) getStatusCounts(sc opentracing.SpanContext) map[models.SessionStatus]int {
	// Don't bother opening a new span for this function, just pass to the underlying DB call

	counts := map[models.SessionStatus]int{}

	sessions, err := s.Db.ListSessions(sc)
	if err != nil {
		log.Errorf("Problem retrieving sessions - %v", err)
		return counts
	}

	for _, session := range sessions {
		counts[session.Status] = counts[session.Status] + 1
	}

	return counts
}
