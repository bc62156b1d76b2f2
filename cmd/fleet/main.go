// Command fleet runs a supervised fleet of Fibonacci workers.
//
//	fleet supervise   start one worker per CPU and keep them running
//	fleet worker      run a single worker (started by the supervisor)
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "fleet",
		Usage:   "process supervisor with bounded per-process task pools",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML configuration file",
				EnvVars: []string{"FLEET_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				EnvVars: []string{"FLEET_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "text or json",
				EnvVars: []string{"FLEET_LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "listen",
				Usage:   "address every worker binds",
				EnvVars: []string{"FLEET_LISTEN"},
			},
		},
		Commands: []*cli.Command{
			superviseCommand(),
			workerCommand(),
		},
	}
}
