package scheduler_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/st3v3nmw/faultline/internal/client"
	"github.com/st3v3nmw/faultline/internal/driver/drivertest"
	"github.com/st3v3nmw/faultline/internal/report"
	"github.com/st3v3nmw/faultline/internal/scenario"
	"github.com/st3v3nmw/faultline/internal/scheduler"
)

// testCluster simulates a last-writer-wins replicated KV store. Replication
// between nodes is cut while either side is partitioned and catches up when
// the partition heals, which is exactly what the scenarios under test poke at.
type testCluster struct {
	mu          sync.Mutex
	stores      map[string]map[string]entry
	partitioned map[string]bool
	down        map[string]bool
	clock       int64
}

type entry struct {
	value string
	seq   int64
}

func newTestCluster(nodes ...string) *testCluster {
	c := &testCluster{
		stores:      make(map[string]map[string]entry),
		partitioned: make(map[string]bool),
		down:        make(map[string]bool),
	}
	for _, node := range nodes {
		c.stores[node] = make(map[string]entry)
	}

	return c
}

func (c *testCluster) put(node, key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clock++
	c.stores[node][key] = entry{value: value, seq: c.clock}
	c.replicateLocked()
}

func (c *testCluster) get(node, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.stores[node][key]
	return e.value, ok
}

func (c *testCluster) isDown(node string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.down[node]
}

func (c *testCluster) setDown(node string, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.down[node] = down
	if !down {
		c.replicateLocked()
	}
}

func (c *testCluster) setPartitioned(node string, partitioned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.partitioned[node] = partitioned
	if !partitioned {
		c.replicateLocked()
	}
}

// replicateLocked propagates the highest-seq value of every key between all
// reachable node pairs.
func (c *testCluster) replicateLocked() {
	reachable := make([]string, 0, len(c.stores))
	for node := range c.stores {
		if !c.partitioned[node] && !c.down[node] {
			reachable = append(reachable, node)
		}
	}

	merged := make(map[string]entry)
	for _, node := range reachable {
		for key, e := range c.stores[node] {
			if best, ok := merged[key]; !ok || e.seq > best.seq {
				merged[key] = e
			}
		}
	}

	for _, node := range reachable {
		for key, e := range merged {
			c.stores[node][key] = e
		}
	}
}

// serve exposes one node's /kv and /health API. A down node aborts the
// connection so callers see a transport error, not a clean HTTP response.
func (c *testCluster) serve(t *testing.T, node string) *httptest.Server {
	t.Helper()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.isDown(node) {
			panic(http.ErrAbortHandler)
		}

		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}

		key := strings.TrimPrefix(r.URL.Path, "/kv/")
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			c.put(node, key, string(body))
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			value, ok := c.get(node, key)
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write([]byte(value))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

// clusterDriver mirrors driver calls into the simulated cluster so partitions
// and crashes actually affect what the client observes.
type clusterDriver struct {
	*drivertest.Fake
	cluster *testCluster
}

func (d *clusterDriver) DetachNetwork(ctx context.Context, node, network string) error {
	d.cluster.setPartitioned(node, true)
	return d.Fake.DetachNetwork(ctx, node, network)
}

func (d *clusterDriver) AttachNetwork(ctx context.Context, node, network, address string) error {
	d.cluster.setPartitioned(node, false)
	return d.Fake.AttachNetwork(ctx, node, network, address)
}

func (d *clusterDriver) StopNode(ctx context.Context, node string) error {
	d.cluster.setDown(node, true)
	return d.Fake.StopNode(ctx, node)
}

func (d *clusterDriver) StartNode(ctx context.Context, node string) error {
	d.cluster.setDown(node, false)
	return d.Fake.StartNode(ctx, node)
}

func harness(t *testing.T, nodes ...string) (*testCluster, *clusterDriver, *client.Client) {
	t.Helper()

	cluster := newTestCluster(nodes...)
	drv := &clusterDriver{Fake: drivertest.New(), cluster: cluster}

	endpoints := make(map[string]string, len(nodes))
	for _, node := range nodes {
		endpoints[node] = cluster.serve(t, node).URL
	}

	return cluster, drv, client.New(endpoints, 2*time.Second)
}

func quickDefaults() scenario.Defaults {
	defaults := scenario.DefaultDefaults()
	defaults.StepTimeout = scenario.Duration(3 * time.Second)
	defaults.PollInterval = scenario.Duration(10 * time.Millisecond)
	defaults.StartupTimeout = scenario.Duration(3 * time.Second)
	return defaults
}

func TestSplitBrainScenario(t *testing.T) {
	cluster, drv, kv := harness(t, "node1", "node2")

	def, err := scenario.Preset("split-brain")
	if err != nil {
		t.Fatalf("Preset() failed: %v", err)
	}
	def.Defaults = quickDefaults()

	engine := scheduler.New(def, drv,
		scheduler.WithClient(kv), scheduler.WithRunID("t-split"))
	result := engine.Run(t.Context())

	if !result.Passed {
		t.Fatalf("scenario failed: %+v", result)
	}
	if len(result.Steps) != 5 {
		t.Fatalf("steps = %d, want 5", len(result.Steps))
	}
	for _, step := range result.Steps {
		if step.Outcome != report.Succeeded {
			t.Errorf("step %d (%s) = %s: %s", step.Index, step.Name, step.Outcome, step.Error)
		}
	}
	if code := result.ExitCode(); code != 0 {
		t.Errorf("ExitCode() = %d, want 0", code)
	}

	// Last writer wins: the later write (cat, on node2) survives on both.
	for _, node := range []string{"node1", "node2"} {
		if value, _ := cluster.get(node, "animal"); value != "cat" {
			t.Errorf("%s animal = %q, want \"cat\"", node, value)
		}
	}

	// Healing the partition reattaches in the mirror image of apply order.
	attaches := drv.CallsMatching("attach")
	if len(attaches) < 2 {
		t.Fatalf("too few attach calls: %v", attaches)
	}
	tail := attaches[len(attaches)-2:]
	want := []drivertest.Call{
		"attach node2 nw2 172.28.2.12",
		"attach node1 nw2 172.28.2.11",
	}
	if diff := cmp.Diff(want, tail); diff != "" {
		t.Errorf("heal order mismatch (-want +got):\n%s", diff)
	}
}

func TestCrashedNodeFailsCallThenRevertAll(t *testing.T) {
	_, drv, kv := harness(t, "node1", "node2")

	def := &scenario.Definition{
		Name:     "crash-call",
		Defaults: quickDefaults(),
		Networks: []scenario.NetworkDef{{Name: "nw1", Subnet: "172.28.1.0/24"}},
		Nodes: []scenario.NodeDef{
			{Name: "node1", Image: "kv:latest", Port: 8080,
				Networks: []scenario.AttachmentDef{{Network: "nw1", Address: "172.28.1.11"}}},
			{Name: "node2", Image: "kv:latest", Port: 8080,
				Networks: []scenario.AttachmentDef{{Network: "nw1", Address: "172.28.1.12"}}},
		},
		Steps: []scenario.Step{
			{Name: "crash", Kind: scenario.StepApplyFault,
				Fault: &scenario.FaultDef{Kind: "crash", Node: "node1"}},
			{Name: "read-crashed", Kind: scenario.StepClientCall,
				Call: &scenario.CallDef{Node: "node1", Op: "get", Key: "animal"}},
			{Name: "unreached", Kind: scenario.StepClientCall,
				Call: &scenario.CallDef{Node: "node2", Op: "get", Key: "animal"}},
		},
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	engine := scheduler.New(def, drv,
		scheduler.WithClient(kv), scheduler.WithRunID("t-crash"))
	result := engine.Run(t.Context())

	if result.Passed {
		t.Fatal("scenario should fail")
	}

	outcomes := []report.Outcome{
		result.Steps[0].Outcome, result.Steps[1].Outcome, result.Steps[2].Outcome,
	}
	want := []report.Outcome{report.Succeeded, report.Failed, report.Skipped}
	if diff := cmp.Diff(want, outcomes); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}

	// Exit code encodes the first failing step.
	if code := result.ExitCode(); code != 2 {
		t.Errorf("ExitCode() = %d, want 2", code)
	}

	// The crash was active at abort and revert-all restarted the node:
	// one start from setup, one from the revert.
	found := false
	for _, active := range result.Diagnostics.ActiveFaults {
		if active == "crash(node1)" {
			found = true
		}
	}
	if !found {
		t.Errorf("active faults at abort = %v, want crash(node1)", result.Diagnostics.ActiveFaults)
	}
	if starts := drv.CallsMatching("start node1"); len(starts) != 2 {
		t.Errorf("start node1 calls = %d, want 2 (setup + revert-all)", len(starts))
	}
}

func TestConvergenceTimeoutTriggersRevertAll(t *testing.T) {
	_, drv, kv := harness(t, "node1", "node2")

	def, err := scenario.Preset("split-brain")
	if err != nil {
		t.Fatalf("Preset() failed: %v", err)
	}
	def.Defaults = quickDefaults()

	// Drop the heal step: the nodes never agree and the probe must time out.
	def.Steps = []scenario.Step{
		def.Steps[0], def.Steps[1], def.Steps[2],
		{Name: "converge", Kind: scenario.StepConvergence,
			Timeout:  scenario.Duration(300 * time.Millisecond),
			Converge: &scenario.ConvergeDef{Predicate: "keys_agree", Nodes: []string{"node1", "node2"}, Key: "animal"}},
	}

	engine := scheduler.New(def, drv,
		scheduler.WithClient(kv), scheduler.WithRunID("t-timeout"))
	result := engine.Run(t.Context())

	if result.Passed {
		t.Fatal("scenario should fail")
	}
	if result.Steps[3].Outcome != report.TimedOut {
		t.Errorf("converge outcome = %s, want timed_out", result.Steps[3].Outcome)
	}
	if code := result.ExitCode(); code != 4 {
		t.Errorf("ExitCode() = %d, want 4", code)
	}

	// The partition was still active at abort and cleanup healed it.
	if len(result.Diagnostics.ActiveFaults) != 1 {
		t.Errorf("active faults = %v, want the partition", result.Diagnostics.ActiveFaults)
	}
	if attaches := drv.CallsMatching("attach node1 nw2"); len(attaches) < 2 {
		t.Errorf("partition not healed during cleanup: %v", drv.Calls())
	}
}

func TestInvalidTopologyHasZeroSideEffects(t *testing.T) {
	_, drv, kv := harness(t, "node1", "node2")

	def := &scenario.Definition{
		Name:     "bad",
		Defaults: quickDefaults(),
		Networks: []scenario.NetworkDef{{Name: "nw1", Subnet: "172.28.1.0/24"}},
		Nodes: []scenario.NodeDef{
			{Name: "node1", Image: "kv:latest", Port: 8080,
				Networks: []scenario.AttachmentDef{{Network: "nw1", Address: "172.28.1.11"}}},
			{Name: "node2", Image: "kv:latest", Port: 8080,
				Networks: []scenario.AttachmentDef{{Network: "nw1", Address: "172.28.1.11"}}},
		},
		Steps: []scenario.Step{
			{Name: "read", Kind: scenario.StepClientCall,
				Call: &scenario.CallDef{Node: "node1", Op: "get", Key: "animal"}},
		},
	}

	engine := scheduler.New(def, drv,
		scheduler.WithClient(kv), scheduler.WithRunID("t-bad"))
	result := engine.Run(t.Context())

	if result.Passed {
		t.Fatal("scenario should fail")
	}
	if result.Diagnostics.SetupErr == "" {
		t.Error("expected a setup error in diagnostics")
	}
	if calls := drv.Calls(); len(calls) != 0 {
		t.Errorf("invalid input reached the driver: %v", calls)
	}
	if result.Steps[0].Outcome != report.Skipped {
		t.Errorf("step outcome = %s, want skipped", result.Steps[0].Outcome)
	}
}

// leakTracker wraps the cluster driver and reports resources still present
// after teardown, like the docker driver does for containers a forced rm
// failed to remove.
type leakTracker struct {
	*clusterDriver
}

func (d *leakTracker) Leaked() []string { return []string{"fl-t-leak-node1"} }

func TestLeakedResourcesSurfaceInDiagnostics(t *testing.T) {
	cluster, drv, kv := harness(t, "node1", "node2")
	cluster.put("node1", "city", "Nairobi")

	def := &scenario.Definition{
		Name:     "leak-check",
		Defaults: quickDefaults(),
		Networks: []scenario.NetworkDef{{Name: "nw1", Subnet: "172.28.1.0/24"}},
		Nodes: []scenario.NodeDef{
			{Name: "node1", Image: "kv:latest", Port: 8080,
				Networks: []scenario.AttachmentDef{{Network: "nw1", Address: "172.28.1.11"}}},
			{Name: "node2", Image: "kv:latest", Port: 8080,
				Networks: []scenario.AttachmentDef{{Network: "nw1", Address: "172.28.1.12"}}},
		},
		Steps: []scenario.Step{
			{Name: "read", Kind: scenario.StepClientCall,
				Call: &scenario.CallDef{Node: "node1", Op: "get", Key: "city"}},
		},
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	engine := scheduler.New(def, &leakTracker{clusterDriver: drv},
		scheduler.WithClient(kv), scheduler.WithRunID("t-leak"))
	result := engine.Run(t.Context())

	if !result.Passed {
		t.Fatalf("scenario failed: %+v", result)
	}

	want := []string{"fl-t-leak-node1"}
	if diff := cmp.Diff(want, result.Diagnostics.LeakedResources); diff != "" {
		t.Errorf("leaked resources mismatch (-want +got):\n%s", diff)
	}
}

func TestBestEffortStepDoesNotHalt(t *testing.T) {
	cluster, drv, kv := harness(t, "node1", "node2")
	cluster.put("node1", "city", "Nairobi")

	def := &scenario.Definition{
		Name:     "best-effort",
		Defaults: quickDefaults(),
		Networks: []scenario.NetworkDef{{Name: "nw1", Subnet: "172.28.1.0/24"}},
		Nodes: []scenario.NodeDef{
			{Name: "node1", Image: "kv:latest", Port: 8080,
				Networks: []scenario.AttachmentDef{{Network: "nw1", Address: "172.28.1.11"}}},
			{Name: "node2", Image: "kv:latest", Port: 8080,
				Networks: []scenario.AttachmentDef{{Network: "nw1", Address: "172.28.1.12"}}},
		},
		Steps: []scenario.Step{
			{Name: "flaky-check", Kind: scenario.StepAssert, BestEffort: true,
				Call:   &scenario.CallDef{Node: "node1", Op: "get", Key: "city"},
				Expect: &client.Expect{Status: 200, Body: "Mombasa"}},
			{Name: "real-check", Kind: scenario.StepAssert,
				Call:   &scenario.CallDef{Node: "node1", Op: "get", Key: "city"},
				Expect: &client.Expect{Status: 200, Body: "Nairobi"}},
		},
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	engine := scheduler.New(def, drv,
		scheduler.WithClient(kv), scheduler.WithRunID("t-best"))
	result := engine.Run(t.Context())

	if result.Steps[0].Outcome != report.Failed {
		t.Errorf("best-effort step = %s, want failed", result.Steps[0].Outcome)
	}
	if result.Steps[1].Outcome != report.Succeeded {
		t.Errorf("follow-up step = %s, want succeeded (no halt)", result.Steps[1].Outcome)
	}
	if !result.Passed {
		t.Error("best-effort failure must not fail the run")
	}
}
