package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

// Exit status of the run command.
const (
	exitSucceeded = 0
	exitFailed    = 1
	exitUsage     = 2
	exitNoWork    = 3
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Print(err)
		os.Exit(exitFailed)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "logarchiver",
		Usage: "Bundle a day of CDN access logs into one archive and remove the originals",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Optional YAML/JSON/TOML config file",
				EnvVars: []string{"LOGARCHIVER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log format (console, json)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Archive the logs of one day (yesterday by default)",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "date",
						Usage: "Day to archive as YYYY-MM-DD",
					},
					&cli.StringFlag{
						Name:  "codec",
						Usage: "Archive codec (tar.gz, gz, zst)",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent object fetches",
					},
				},
				Action: runArchive,
			},
			{
				Name:  "schedule",
				Usage: "Archive yesterday's logs on a cron schedule until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "cron",
						Usage: "Five-field cron spec or descriptor such as @daily",
					},
				},
				Action: runSchedule,
			},
			{
				Name:  "history",
				Usage: "Show recorded runs for a day",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "date",
						Usage:    "Day as YYYY-MM-DD",
						Required: true,
					},
				},
				Action: showHistory,
			},
		},
	}
}
