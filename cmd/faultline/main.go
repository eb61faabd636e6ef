package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/st3v3nmw/faultline/internal/cli"
	commands "github.com/urfave/cli/v3"
)

func main() {
	cmd := &commands.Command{
		Name:  "faultline",
		Usage: "Run fault-injection scenarios against containerized topologies",
		Commands: []*commands.Command{
			{
				Name:      "run",
				Usage:     "Run a scenario end to end",
				ArgsUsage: "<scenario.yaml | preset:name>",
				Flags: []commands.Flag{
					&commands.BoolFlag{
						Name:    "verbose",
						Usage:   "Show detailed step output and debug logs",
						Aliases: []string{"v"},
					},
					&commands.BoolFlag{
						Name:  "json",
						Usage: "Emit the report as JSON",
					},
					&commands.StringFlag{
						Name:  "driver",
						Usage: "Runtime driver: docker or fake",
						Value: "docker",
					},
					&commands.DurationFlag{
						Name:  "timeout",
						Usage: "Override the scenario timeout",
						Value: 0 * time.Second,
					},
					&commands.StringFlag{
						Name:  "log-format",
						Usage: "Log format: text or json",
						Value: "text",
					},
				},
				Action: cli.Run,
			},
			{
				Name:      "validate",
				Usage:     "Validate a scenario file without running it",
				ArgsUsage: "<scenario.yaml | preset:name>",
				Action:    cli.Validate,
			},
			{
				Name:   "presets",
				Usage:  "Show built-in scenarios",
				Action: cli.Presets,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		var coder commands.ExitCoder
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}

		log.Fatal(err)
	}
}
