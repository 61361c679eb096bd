package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/nats-io/nats.go"
	ot "github.com/opentracing/opentracing-go"
	cli "github.com/urfave/cli"

	config "github.com/openmri/receptor/config"
	"github.com/openmri/receptor/services"
)

func newApp() *cli.App {

	app := cli.NewApp()
	app.Name = "receptorctl"
	app.Version = buildInfo["buildVersion"]
	app.Usage = "Admin/debug tool for the Receptor platform. Use at your own risk"

	var natsURL string

	// global level flags
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:        "N, nats",
			Usage:       "NATS url for the receptor deployment",
			Value:       "nats://127.0.0.1:4222",
			Destination: &natsURL,
		},
	}

	app.Commands = []cli.Command{
		{
			Name:    "config",
			Aliases: []string{},
			Usage:   "Work with receptor configuration",
			Subcommands: []cli.Command{
				{
					Name:  "validate",
					Usage: "receptorctl config validate <CONFIG FILE>",
					Action: func(c *cli.Context) {
						cfg, err := config.LoadConfig(c.Args().First())
						if err != nil {
							color.Red("Configuration failed to validate: %v", err)
							os.Exit(1)
						}
						color.Green("Configuration validated.")
						fmt.Println(cfg.JSON())
					},
				},
			},
		},
		{
			Name:    "session",
			Aliases: []string{"s"},
			Usage:   "Examine/modify receiving sessions",
			Subcommands: []cli.Command{
				{
					Name:  "retry",
					Usage: "receptorctl session retry <project> <name> <tag>",
					Action: func(c *cli.Context) {
						if len(c.Args()) < 3 {
							fmt.Println("Missing args to command: receptorctl session retry <project> <name> <tag>")
							os.Exit(1)
						}

						nc, err := nats.Connect(natsURL)
						if err != nil {
							fmt.Println(err)
							os.Exit(1)
						}
						defer nc.Close()

						tracer, closer := services.InitTracing("receptorctl")
						ot.SetGlobalTracer(tracer)
						defer closer.Close()
						span := tracer.StartSpan("receptorctl_session_retry")
						defer span.Finish()

						req := services.SessionResetRequest{
							Project: c.Args()[0],
							Name:    c.Args()[1],
							Tag:     c.Args()[2],
							Created: time.Now(),
						}

						t := services.TraceMsg{}
						if err := tracer.Inject(span.Context(), ot.Binary, &t); err != nil {
							fmt.Println(err)
							os.Exit(1)
						}
						reqJSON, _ := json.Marshal(req)
						t.Write(reqJSON)

						if err := nc.Publish(services.SubjectReset, t.Bytes()); err != nil {
							fmt.Println(err)
							os.Exit(1)
						}
						nc.Flush()

						color.Green("Requested reset of session %s/%s/%s to receiving.", req.Project, req.Name, req.Tag)
					},
				},
			},
		},
		{
			Name:  "version",
			Usage: "Print receptorctl version information",
			Action: func(c *cli.Context) {
				fmt.Fprintf(c.App.Writer, "receptorctl %s (built %s)\n", buildInfo["buildVersion"], buildInfo["buildDate"])
			},
		},
	}

	return app
}

func main() {
	newApp().Run(os.Args)
}
