package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	commands "github.com/urfave/cli/v3"

	"github.com/st3v3nmw/faultline/internal/driver"
	"github.com/st3v3nmw/faultline/internal/logging"
	"github.com/st3v3nmw/faultline/internal/scenario"
	"github.com/st3v3nmw/faultline/internal/scheduler"
)

const presetPrefix = "preset:"

// exitError carries the report's exit code out of the run command so main can
// pass it through to os.Exit.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("scenario failed (exit %d)", e.code)
}

func (e *exitError) ExitCode() int {
	return e.code
}

func load(arg string) (*scenario.Definition, error) {
	if name, ok := strings.CutPrefix(arg, presetPrefix); ok {
		return scenario.Preset(name)
	}

	return scenario.Load(arg)
}

// Run executes a scenario file (or preset) end to end.
func Run(ctx context.Context, cmd *commands.Command) error {
	args := cmd.Args().Slice()
	if len(args) != 1 {
		return fmt.Errorf("Scenario file is required\nUsage: faultline run <scenario.yaml | preset:name>")
	}

	def, err := load(args[0])
	if err != nil {
		return err
	}

	if timeout := cmd.Duration("timeout"); timeout > 0 {
		def.Defaults.ScenarioTimeout = scenario.Duration(timeout)
	}

	level := "info"
	if cmd.Bool("verbose") {
		level = "debug"
	}
	log := logging.New(logging.Config{Level: level, Format: cmd.String("log-format")})

	runID := uuid.NewString()[:8]

	opts := []scheduler.Option{
		scheduler.WithRunID(runID),
		scheduler.WithLogger(log),
	}

	var drv driver.Driver
	switch name := cmd.String("driver"); name {
	case "docker":
		drv = driver.NewDocker(runID, def.Defaults.DriverOpTimeout.Std())
	case "fake":
		// Walks the full scenario without a container runtime.
		drv = driver.Discard{}
		opts = append(opts, scheduler.WithoutReadinessWait())
	default:
		return fmt.Errorf("unknown driver %q (want docker or fake)", name)
	}
	drv = driver.Retrying(drv, driver.RetryPolicy{MaxTries: def.Defaults.DriverRetries})

	engine := scheduler.New(def, drv, opts...)
	result := engine.Run(ctx)

	if cmd.Bool("json") {
		rendered, err := result.JSON()
		if err != nil {
			return err
		}
		fmt.Println(string(rendered))
	} else {
		result.Render(os.Stdout, cmd.Bool("verbose"))
	}

	if code := result.ExitCode(); code != 0 {
		return &exitError{code: code}
	}

	return nil
}

// Validate parses and validates a scenario file without any runtime action.
func Validate(ctx context.Context, cmd *commands.Command) error {
	args := cmd.Args().Slice()
	if len(args) != 1 {
		return fmt.Errorf("Scenario file is required\nUsage: faultline validate <scenario.yaml | preset:name>")
	}

	def, err := load(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%s is valid: %d node(s), %d network(s), %d step(s)\n",
		args[0], len(def.Nodes), len(def.Networks), len(def.Steps))

	return nil
}

// Presets lists the built-in scenarios.
func Presets(ctx context.Context, cmd *commands.Command) error {
	fmt.Println("Available presets:")
	fmt.Println()

	for _, name := range scenario.ListPresets() {
		def, err := scenario.Preset(name)
		if err != nil {
			continue
		}

		fmt.Printf("  %-16s - %s (%d steps)\n", name, def.Description, len(def.Steps))
	}

	fmt.Println()
	fmt.Println("Run one with: faultline run preset:<name>")

	return nil
}
