// Package scenario defines the declarative scenario format: the topology
// (nodes, networks, fixed addresses) plus the ordered step list, with all
// limits expressed as configuration rather than constants.
package scenario

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/st3v3nmw/faultline/internal/client"
	"github.com/st3v3nmw/faultline/internal/fault"
	"github.com/st3v3nmw/faultline/internal/topology"
)

// Step kinds.
const (
	StepClientCall  = "client_call"
	StepApplyFault  = "apply_fault"
	StepRevertFault = "revert_fault"
	StepConvergence = "wait_for_convergence"
	StepAssert      = "assert"
)

// Duration wraps time.Duration with YAML support for "30s"-style strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"'`)
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Defaults holds the run-wide limits. Every field has a built-in default and
// can be overridden per scenario file; step timeouts can be overridden per
// step.
type Defaults struct {
	StepTimeout         Duration `yaml:"step_timeout,omitempty"`
	ScenarioTimeout     Duration `yaml:"scenario_timeout,omitempty"`
	PollInterval        Duration `yaml:"poll_interval,omitempty"`
	ProbeErrorThreshold int      `yaml:"probe_error_threshold,omitempty"`
	DriverOpTimeout     Duration `yaml:"driver_op_timeout,omitempty"`
	DriverRetries       uint     `yaml:"driver_retries,omitempty"`
	StartupTimeout      Duration `yaml:"startup_timeout,omitempty"`
}

// DefaultDefaults returns the built-in limits.
func DefaultDefaults() Defaults {
	return Defaults{
		StepTimeout:         Duration(30 * time.Second),
		ScenarioTimeout:     Duration(5 * time.Minute),
		PollInterval:        Duration(250 * time.Millisecond),
		ProbeErrorThreshold: 5,
		DriverOpTimeout:     Duration(30 * time.Second),
		DriverRetries:       3,
		StartupTimeout:      Duration(60 * time.Second),
	}
}

func (d Defaults) merged() Defaults {
	base := DefaultDefaults()

	if d.StepTimeout > 0 {
		base.StepTimeout = d.StepTimeout
	}
	if d.ScenarioTimeout > 0 {
		base.ScenarioTimeout = d.ScenarioTimeout
	}
	if d.PollInterval > 0 {
		base.PollInterval = d.PollInterval
	}
	if d.ProbeErrorThreshold > 0 {
		base.ProbeErrorThreshold = d.ProbeErrorThreshold
	}
	if d.DriverOpTimeout > 0 {
		base.DriverOpTimeout = d.DriverOpTimeout
	}
	if d.DriverRetries > 0 {
		base.DriverRetries = d.DriverRetries
	}
	if d.StartupTimeout > 0 {
		base.StartupTimeout = d.StartupTimeout
	}

	return base
}

// NetworkDef declares a virtual network.
type NetworkDef struct {
	Name   string `yaml:"name"`
	Subnet string `yaml:"subnet"`
}

// AttachmentDef declares a node's fixed address on one network.
type AttachmentDef struct {
	Network string `yaml:"network"`
	Address string `yaml:"address"`
}

// NodeDef declares a node.
type NodeDef struct {
	Name     string          `yaml:"name"`
	Image    string          `yaml:"image"`
	Port     int             `yaml:"port"`
	Networks []AttachmentDef `yaml:"networks"`
}

// FaultDef declares a fault for apply_fault / revert_fault steps.
type FaultDef struct {
	Kind    string   `yaml:"kind"`
	Node    string   `yaml:"node,omitempty"`
	Nodes   []string `yaml:"nodes,omitempty"`
	Network string   `yaml:"network,omitempty"`
	Delay   Duration `yaml:"delay,omitempty"`
}

// Op builds the fault operation this definition describes.
func (f *FaultDef) Op() (fault.Op, error) {
	switch f.Kind {
	case "partition":
		return &fault.Partition{Nodes: f.Nodes, Network: f.Network}, nil
	case "crash":
		return &fault.Crash{Node: f.Node}, nil
	case "restart":
		return &fault.Restart{Node: f.Node}, nil
	case "latency":
		return &fault.Latency{Node: f.Node, Network: f.Network, Delay: f.Delay.Std()}, nil
	default:
		return nil, fmt.Errorf("unknown fault kind %q", f.Kind)
	}
}

// CallDef declares a client request.
type CallDef struct {
	Node  string `yaml:"node"`
	Op    string `yaml:"op"` // put, get, delete
	Key   string `yaml:"key"`
	Value string `yaml:"value,omitempty"`
}

// ConvergeDef declares a convergence predicate.
type ConvergeDef struct {
	Predicate string   `yaml:"predicate"` // keys_agree, node_healthy
	Nodes     []string `yaml:"nodes,omitempty"`
	Node      string   `yaml:"node,omitempty"`
	Key       string   `yaml:"key,omitempty"`
}

// Step is one ordered scenario step.
type Step struct {
	Name       string         `yaml:"name"`
	Kind       string         `yaml:"kind"`
	Timeout    Duration       `yaml:"timeout,omitempty"`
	BestEffort bool           `yaml:"best_effort,omitempty"`
	Fault      *FaultDef      `yaml:"fault,omitempty"`
	Call       *CallDef       `yaml:"call,omitempty"`
	Converge   *ConvergeDef   `yaml:"converge,omitempty"`
	Expect     *client.Expect `yaml:"expect,omitempty"`
}

// Definition is a complete scenario.
type Definition struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description,omitempty"`
	Defaults    Defaults     `yaml:"defaults,omitempty"`
	Networks    []NetworkDef `yaml:"networks"`
	Nodes       []NodeDef    `yaml:"nodes"`
	Steps       []Step       `yaml:"steps"`
}

// Load reads, parses, and validates a scenario file.
func Load(path string) (*Definition, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	return Parse(bytes)
}

// Parse parses and validates a scenario document.
func Parse(bytes []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(bytes, &def); err != nil {
		return nil, &ConfigError{Violations: []string{fmt.Sprintf("failed to parse scenario: %v", err)}}
	}

	def.Defaults = def.Defaults.merged()

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return &def, nil
}

// Topology builds the topology model for this scenario.
func (d *Definition) Topology() (*topology.Model, error) {
	networks := make([]topology.Network, 0, len(d.Networks))
	for _, nw := range d.Networks {
		networks = append(networks, topology.Network{Name: nw.Name, Subnet: nw.Subnet})
	}

	nodes := make([]topology.Node, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		attachments := make(map[string]topology.Attachment, len(n.Networks))
		for _, att := range n.Networks {
			attachments[att.Network] = topology.Attachment{Address: att.Address}
		}

		nodes = append(nodes, topology.Node{
			Name:        n.Name,
			Image:       n.Image,
			Port:        n.Port,
			Attachments: attachments,
		})
	}

	return topology.New(nodes, networks)
}

// Endpoints maps each node to its client base URL on its primary (lexically
// first) network.
func (d *Definition) Endpoints() map[string]string {
	endpoints := make(map[string]string, len(d.Nodes))
	for _, n := range d.Nodes {
		if len(n.Networks) == 0 {
			continue
		}

		attachments := append([]AttachmentDef(nil), n.Networks...)
		sort.Slice(attachments, func(i, j int) bool {
			return attachments[i].Network < attachments[j].Network
		})

		endpoints[n.Name] = fmt.Sprintf("http://%s:%d", attachments[0].Address, n.Port)
	}

	return endpoints
}
