package main

import (
	"os"

	ot "github.com/opentracing/opentracing-go"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/openmri/receptor/admission"
	"github.com/openmri/receptor/archiver"
	"github.com/openmri/receptor/cluster"
	config "github.com/openmri/receptor/config"
	"github.com/openmri/receptor/db"
	"github.com/openmri/receptor/importer"
	"github.com/openmri/receptor/processors"
	"github.com/openmri/receptor/services"
	stats "github.com/openmri/receptor/stats"
)

func init() {
	// log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.DebugLevel)
}

func main() {

	app := cli.NewApp()
	app.Name = "receptord"
	app.Version = buildInfo["buildVersion"]
	app.Usage = "The back-end receiving service for the Receptor imaging archive"

	var configFile string

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:        "config",
			Usage:       "Configuration file for receptord",
			Value:       "/etc/receptor/receptor-config.yml",
			Destination: &configFile,
		},
	}

	app.Action = func(c *cli.Context) error {

		log.Infof("receptord (%s) starting.", buildInfo["buildVersion"])

		config, err := config.LoadConfig(configFile)
		if err != nil {
			log.Fatalf("Failed to read configuration: %v", err)
		}

		tracer, closer := services.InitTracing(config.InstanceID)
		ot.SetGlobalTracer(tracer)
		defer closer.Close()

		// Initialize DataManager
		var rdb db.DataManager
		switch config.Database {
		case "postgres":
			rdb = db.NewRDMPostgres(config)
		default:
			rdb = db.NewRDMInMem()
		}
		if err := rdb.Preflight(nil); err != nil {
			log.Fatalf("Session repository failed preflight: %v", err)
		}

		catalog, err := processors.NewCatalog(config.Processors, processors.DefaultRegistry())
		if err != nil {
			log.Fatalf("Failed to assemble processor catalog: %v", err)
		}

		nc, err := nats.Connect(config.NATSUrl)
		if err != nil {
			log.Fatal(err)
		}
		defer nc.Close()

		if config.IsServiceEnabled("importer") {
			imp := &importer.Importer{
				Config:  config,
				Db:      rdb,
				NC:      nc,
				Filter:  admission.NewFilter(config.Receiver),
				Catalog: catalog,
			}
			go func() {
				err = imp.Start()
				if err != nil {
					log.Fatalf("Problem starting importer: %s", err)
				}
			}()
			log.Info("Importer started.")
		}

		if config.IsServiceEnabled("archiver") {
			arch := &archiver.ReceptorArchiver{
				Config:    config,
				BuildInfo: buildInfo,
				Db:        rdb,
				NC:        nc,
				Pub:       nc,
				Cluster:   cluster.NewStaticMembership(config),
				Catalog:   catalog,
			}
			go func() {
				err = arch.Start()
				if err != nil {
					log.Fatalf("Problem starting archiver: %s", err)
				}
			}()
			log.Info("Archiver started.")
		}

		if config.IsServiceEnabled("stats") {
			stats := &stats.ReceptorStats{
				Config: config,
				Db:     rdb,
				NC:     nc,
			}
			go func() {
				err = stats.Start()
				if err != nil {
					log.Fatalf("Problem starting Stats: %s", err)
				}
			}()
			log.Info("Stats service started.")
		}

		// Wait forever
		ch := make(chan struct{})
		<-ch

		return nil
	}
	app.Run(os.Args)
}
