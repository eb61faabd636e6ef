// Package scheduler executes a scenario: it realizes the topology through the
// runtime driver, runs the ordered step list strictly sequentially, and
// guarantees that every exit path reverts all active faults and tears the
// ephemeral environment down before the report is emitted.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/st3v3nmw/faultline/internal/client"
	"github.com/st3v3nmw/faultline/internal/driver"
	"github.com/st3v3nmw/faultline/internal/fault"
	"github.com/st3v3nmw/faultline/internal/logging"
	"github.com/st3v3nmw/faultline/internal/probe"
	"github.com/st3v3nmw/faultline/internal/report"
	"github.com/st3v3nmw/faultline/internal/scenario"
	"github.com/st3v3nmw/faultline/internal/topology"
)

// Engine runs one scenario. Engines are single-use: topology and fault state
// belong to exactly one run, so independent runs need separate engines.
type Engine struct {
	def *scenario.Definition
	drv driver.Driver
	kv  *client.Client
	log *slog.Logger

	runID         string
	skipReadiness bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClient overrides the node client. Tests use this to point client calls
// at httptest servers instead of container addresses.
func WithClient(kv *client.Client) Option {
	return func(e *Engine) { e.kv = kv }
}

// WithRunID fixes the run ID instead of generating one.
func WithRunID(id string) Option {
	return func(e *Engine) { e.runID = id }
}

// WithoutReadinessWait skips waiting for node health after startup. Used with
// drivers that bring up no real containers.
func WithoutReadinessWait() Option {
	return func(e *Engine) { e.skipReadiness = true }
}

// New creates an Engine for the given scenario and driver.
func New(def *scenario.Definition, drv driver.Driver, opts ...Option) *Engine {
	e := &Engine{
		def: def,
		drv: drv,
		log: logging.Discard(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.runID == "" {
		e.runID = uuid.NewString()[:8]
	}
	if e.kv == nil {
		e.kv = client.New(def.Endpoints(), def.Defaults.StepTimeout.Std())
	}

	return e
}

// Run executes the scenario and always returns a report, aborted or not.
func (e *Engine) Run(ctx context.Context) *report.Report {
	start := time.Now()
	log := e.log.With("run", e.runID, "scenario", e.def.Name)

	var (
		results []report.StepResult
		diag    report.Diagnostics
	)

	topo, err := e.def.Topology()
	if err != nil {
		// Invalid input: zero runtime side effects.
		diag.SetupErr = err.Error()
		results = e.skipAll(0)
		return report.New(e.runID, e.def.Name, start, results, diag)
	}

	faults := fault.NewController(e.drv, topo, log)

	runCtx, cancel := context.WithTimeout(ctx, e.def.Defaults.ScenarioTimeout.Std())
	defer cancel()

	if err := e.setup(runCtx, topo); err != nil {
		log.Error("setup failed", "error", err)
		diag.SetupErr = err.Error()
		results = e.skipAll(0)
		e.cleanup(topo, faults, &diag)
		return report.New(e.runID, e.def.Name, start, results, diag)
	}

	halted := false
	for i, step := range e.def.Steps {
		if halted || runCtx.Err() != nil {
			results = append(results, report.StepResult{
				Index: i, Name: step.Name, Kind: step.Kind,
				Outcome: report.Skipped, BestEffort: step.BestEffort,
			})
			continue
		}

		result := e.runStep(runCtx, i, step, faults)
		results = append(results, result)

		log.Info("step finished",
			"step", step.Name, "kind", step.Kind,
			"outcome", result.Outcome.String(), "elapsed", time.Duration(result.Elapsed))

		if result.Outcome != report.Succeeded && !step.BestEffort {
			// Fail-fast: remaining steps are skipped, cleanup still runs.
			halted = true
		}
	}

	e.cleanup(topo, faults, &diag)

	return report.New(e.runID, e.def.Name, start, results, diag)
}

func (e *Engine) skipAll(from int) []report.StepResult {
	results := make([]report.StepResult, 0, len(e.def.Steps)-from)
	for i := from; i < len(e.def.Steps); i++ {
		step := e.def.Steps[i]
		results = append(results, report.StepResult{
			Index: i, Name: step.Name, Kind: step.Kind,
			Outcome: report.Skipped, BestEffort: step.BestEffort,
		})
	}

	return results
}

// setup realizes the declared topology: networks first, then nodes created
// with their primary network, remaining attachments, then start and wait for
// readiness.
func (e *Engine) setup(ctx context.Context, topo *topology.Model) error {
	for _, network := range topo.NetworkNames() {
		nw, _ := topo.Network(network)
		if err := e.drv.CreateNetwork(ctx, nw.Name, nw.Subnet); err != nil {
			return fmt.Errorf("create network %q: %w", nw.Name, err)
		}
	}

	for _, name := range topo.NodeNames() {
		node, _ := topo.Node(name)

		attachments := make(map[string]string, len(node.Attachments))
		for network, att := range node.Attachments {
			attachments[network] = att.Address
		}

		spec := driver.NodeSpec{Name: node.Name, Image: node.Image, Attachments: attachments}
		if err := e.drv.CreateNode(ctx, spec); err != nil {
			return fmt.Errorf("create node %q: %w", node.Name, err)
		}

		// The driver wires the primary (lexically first) network at create
		// time; attach the rest in the same deterministic order.
		networks := make([]string, 0, len(node.Attachments))
		for network := range node.Attachments {
			networks = append(networks, network)
		}
		sort.Strings(networks)

		for i, network := range networks {
			if i == 0 {
				continue
			}

			address := node.Attachments[network].Address
			if err := e.drv.AttachNetwork(ctx, node.Name, network, address); err != nil {
				return fmt.Errorf("attach node %q to network %q: %w", node.Name, network, err)
			}
		}
	}

	for _, name := range topo.NodeNames() {
		if err := e.drv.StartNode(ctx, name); err != nil {
			return fmt.Errorf("start node %q: %w", name, err)
		}
		if err := topo.SetLifecycle(name, topology.Running); err != nil {
			return err
		}
	}

	if e.skipReadiness {
		return nil
	}

	for _, name := range topo.NodeNames() {
		node := name
		ready := func(ctx context.Context) (bool, error) {
			// Connection refused while a node boots is expected, not probe
			// instability.
			return e.kv.Health(ctx, node) == nil, nil
		}

		err := probe.WaitUntil(ctx, ready, probe.Options{
			PollInterval: e.def.Defaults.PollInterval.Std(),
			Deadline:     e.def.Defaults.StartupTimeout.Std(),
		})
		if err != nil {
			return fmt.Errorf("node %q never became healthy: %w", node, err)
		}
	}

	return nil
}

// runStep executes one step through its state machine:
// Pending -> Running -> {Succeeded, Failed, TimedOut}.
func (e *Engine) runStep(runCtx context.Context, index int, step scenario.Step, faults *fault.Controller) report.StepResult {
	result := report.StepResult{
		Index: index, Name: step.Name, Kind: step.Kind,
		Outcome: report.Running, BestEffort: step.BestEffort,
	}

	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = e.def.Defaults.StepTimeout.Std()
	}

	start := time.Now()
	err := e.executeStep(runCtx, step, timeout, faults)
	result.Elapsed = report.Millis(time.Since(start))

	switch {
	case err == nil:
		result.Outcome = report.Succeeded
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, probe.ErrConvergenceTimeout):
		result.Outcome = report.TimedOut
		result.Error = err.Error()
	default:
		result.Outcome = report.Failed
		result.Error = err.Error()
	}

	return result
}

func (e *Engine) executeStep(runCtx context.Context, step scenario.Step, timeout time.Duration, faults *fault.Controller) error {
	switch step.Kind {
	case scenario.StepConvergence:
		// The probe enforces the deadline itself so a timeout surfaces as
		// ErrConvergenceTimeout; runCtx still cancels it on scenario abort.
		return probe.WaitUntil(runCtx, e.predicate(step.Converge), probe.Options{
			PollInterval:   e.def.Defaults.PollInterval.Std(),
			Deadline:       timeout,
			ErrorThreshold: e.def.Defaults.ProbeErrorThreshold,
		})

	case scenario.StepClientCall, scenario.StepAssert:
		ctx, cancel := context.WithTimeout(runCtx, timeout)
		defer cancel()
		return e.call(ctx, step)

	case scenario.StepApplyFault:
		ctx, cancel := context.WithTimeout(runCtx, timeout)
		defer cancel()

		op, err := step.Fault.Op()
		if err != nil {
			return err
		}
		return faults.Apply(ctx, op)

	case scenario.StepRevertFault:
		ctx, cancel := context.WithTimeout(runCtx, timeout)
		defer cancel()

		op, err := step.Fault.Op()
		if err != nil {
			return err
		}
		return faults.Revert(ctx, op)

	default:
		return fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func (e *Engine) call(ctx context.Context, step scenario.Step) error {
	var (
		resp client.Response
		err  error
	)

	switch step.Call.Op {
	case "put":
		resp, err = e.kv.Put(ctx, step.Call.Node, step.Call.Key, step.Call.Value)
	case "get":
		resp, err = e.kv.Get(ctx, step.Call.Node, step.Call.Key)
	case "delete":
		resp, err = e.kv.Delete(ctx, step.Call.Node, step.Call.Key)
	default:
		return fmt.Errorf("unknown call op %q", step.Call.Op)
	}
	if err != nil {
		return err
	}

	if step.Expect != nil {
		return client.Verify(resp, *step.Expect)
	}

	return nil
}

func (e *Engine) predicate(converge *scenario.ConvergeDef) probe.Predicate {
	switch converge.Predicate {
	case "keys_agree":
		return probe.KeysAgree(e.kv, converge.Nodes, converge.Key)
	case "node_healthy":
		return probe.NodeHealthy(e.kv, converge.Node)
	default:
		name := converge.Predicate
		return func(context.Context) (bool, error) {
			return false, fmt.Errorf("unknown predicate %q", name)
		}
	}
}

// cleanup reverts every active fault in reverse application order, captures
// diagnostics, and tears the ephemeral topology down. It runs on every exit
// path, including timeouts and cancellation, on a fresh context so an expired
// scenario deadline cannot strand partitions or crashed nodes.
func (e *Engine) cleanup(topo *topology.Model, faults *fault.Controller, diag *report.Diagnostics) {
	ctx, cancel := context.WithTimeout(context.Background(), e.def.Defaults.ScenarioTimeout.Std())
	defer cancel()

	diag.ActiveFaults = faults.Active()

	if err := faults.RevertAll(ctx); err != nil {
		diag.RevertAllErr = err.Error()
		e.log.Error("revert-all failed", "error", err)
	}

	diag.NodeStates = describeNodes(topo.Snapshot())

	for _, name := range topo.NodeNames() {
		if err := e.drv.StopNode(ctx, name); err != nil {
			e.log.Warn("teardown: stop node failed", "node", name, "error", err)
		}
		_ = topo.SetLifecycle(name, topology.Stopped)

		if err := e.drv.RemoveNode(ctx, name); err != nil {
			e.log.Warn("teardown: remove node failed", "node", name, "error", err)
		}
	}

	for _, network := range topo.NetworkNames() {
		if err := e.drv.RemoveNetwork(ctx, network); err != nil {
			e.log.Warn("teardown: remove network failed", "network", network, "error", err)
		}
	}

	if tracker, ok := e.drv.(interface{ Leaked() []string }); ok {
		diag.LeakedResources = tracker.Leaked()
	}
}

func describeNodes(snap topology.Snapshot) map[string]string {
	states := make(map[string]string, len(snap.Nodes))
	for name, node := range snap.Nodes {
		var detached []string
		for network, att := range node.Attachments {
			if !att.Attached {
				detached = append(detached, network)
			}
		}
		sort.Strings(detached)

		state := node.Lifecycle.String()
		if len(detached) > 0 {
			state += " (detached from " + strings.Join(detached, ", ") + ")"
		}

		states[name] = state
	}

	return states
}
