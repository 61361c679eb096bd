package importer

import (
	"encoding/json"

	nats "github.com/nats-io/nats.go"
	ot "github.com/opentracing/opentracing-go"
	log "github.com/sirupsen/logrus"

	"github.com/openmri/receptor/services"
)

// Start subscribes the importer to the inbound transfer subject. Protocol
// front-ends terminate the device association, gate it through Negotiate,
// and publish each admitted transfer here. Meant to be run as a goroutine.
func (i *Importer) Start() error {

	tracer := ot.GlobalTracer()
	span := tracer.StartSpan("importer_root")
	defer span.Finish()

	i.logAdmissionPosture()

	_, err := i.NC.Subscribe(services.SubjectTransfer, func(msg *nats.Msg) {
		t := services.NewTraceMsg(msg)
		sc, err := tracer.Extract(ot.Binary, t)
		if err != nil {
			log.Errorf("Failed to extract span context from transfer message: %v", err)
		}

		span := tracer.StartSpan(
			"importer_transfer_incoming",
			ot.ChildOf(sc))
		defer span.Finish()

		var transfer Transfer
		if err := json.Unmarshal(t.Bytes(), &transfer); err != nil {
			log.Errorf("Discarding malformed transfer message: %v", err)
			return
		}

		if _, err := i.Import(transfer); err != nil {
			log.Errorf("Import of %s from %s failed: %v", transfer.ObjectName, transfer.DeviceID, err)
		}
	})
	if err != nil {
		return err
	}
	log.Info("Importer subscribed for inbound transfers")

	// Wait forever
	ch := make(chan struct{})
	<-ch

	return nil
}

// logAdmissionPosture flags deployments that enabled the receiver
// allow-list: transfers arriving on the bus were already admitted by the
// protocol front end (which calls Negotiate during association setup), so
// the list is not re-checked on this path.
func (i *Importer) logAdmissionPosture() {
	if i.Config.Receiver.AllowListEnabled {
		log.Warnf("Receiver allow-list is enabled, but transfers on %s are not re-checked here; enforcement happens at the protocol front end during negotiation", services.SubjectTransfer)
	}
}
