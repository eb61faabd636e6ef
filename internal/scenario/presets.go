package scenario

import (
	"fmt"
	"sort"
	"time"

	"github.com/st3v3nmw/faultline/internal/client"
)

// Presets are the built-in scenarios, runnable as "preset:<name>". They
// assume an image exposing the /kv API on port 8080.

func splitBrain() *Definition {
	return &Definition{
		Name:        "split-brain",
		Description: "Partition two nodes off the cluster network, write conflicting values, heal, and wait for last-writer-wins convergence",
		Defaults:    DefaultDefaults(),
		Networks: []NetworkDef{
			{Name: "nw1", Subnet: "172.28.1.0/24"},
			{Name: "nw2", Subnet: "172.28.2.0/24"},
		},
		Nodes: []NodeDef{
			{
				Name: "node1", Image: "faultline/kv:latest", Port: 8080,
				Networks: []AttachmentDef{
					{Network: "nw1", Address: "172.28.1.11"},
					{Network: "nw2", Address: "172.28.2.11"},
				},
			},
			{
				Name: "node2", Image: "faultline/kv:latest", Port: 8080,
				Networks: []AttachmentDef{
					{Network: "nw1", Address: "172.28.1.12"},
					{Network: "nw2", Address: "172.28.2.12"},
				},
			},
		},
		Steps: []Step{
			{
				Name: "isolate", Kind: StepApplyFault,
				Fault: &FaultDef{Kind: "partition", Nodes: []string{"node1", "node2"}, Network: "nw2"},
			},
			{
				Name: "write-dog", Kind: StepClientCall,
				Call: &CallDef{Node: "node1", Op: "put", Key: "animal", Value: "dog"},
			},
			{
				Name: "write-cat", Kind: StepClientCall,
				Call: &CallDef{Node: "node2", Op: "put", Key: "animal", Value: "cat"},
			},
			{
				Name: "heal", Kind: StepRevertFault,
				Fault: &FaultDef{Kind: "partition", Nodes: []string{"node1", "node2"}, Network: "nw2"},
			},
			{
				Name: "converge", Kind: StepConvergence, Timeout: Duration(10 * time.Second),
				Converge: &ConvergeDef{Predicate: "keys_agree", Nodes: []string{"node1", "node2"}, Key: "animal"},
			},
		},
	}
}

func crashRestart() *Definition {
	return &Definition{
		Name:        "crash-restart",
		Description: "Crash a node mid-traffic, restart it, and verify it rejoins with its reserved address and converges",
		Defaults:    DefaultDefaults(),
		Networks: []NetworkDef{
			{Name: "nw1", Subnet: "172.28.1.0/24"},
		},
		Nodes: []NodeDef{
			{
				Name: "node1", Image: "faultline/kv:latest", Port: 8080,
				Networks: []AttachmentDef{{Network: "nw1", Address: "172.28.1.11"}},
			},
			{
				Name: "node2", Image: "faultline/kv:latest", Port: 8080,
				Networks: []AttachmentDef{{Network: "nw1", Address: "172.28.1.12"}},
			},
		},
		Steps: []Step{
			{
				Name: "seed", Kind: StepClientCall,
				Call: &CallDef{Node: "node1", Op: "put", Key: "city", Value: "Nairobi"},
			},
			{
				Name: "crash", Kind: StepApplyFault,
				Fault: &FaultDef{Kind: "crash", Node: "node2"},
			},
			{
				Name: "write-while-down", Kind: StepClientCall,
				Call: &CallDef{Node: "node1", Op: "put", Key: "city", Value: "Mombasa"},
			},
			{
				Name: "recover", Kind: StepRevertFault,
				Fault: &FaultDef{Kind: "crash", Node: "node2"},
			},
			{
				Name: "converge", Kind: StepConvergence, Timeout: Duration(30 * time.Second),
				Converge: &ConvergeDef{Predicate: "keys_agree", Nodes: []string{"node1", "node2"}, Key: "city"},
			},
			{
				Name: "verify", Kind: StepAssert,
				Call:   &CallDef{Node: "node2", Op: "get", Key: "city"},
				Expect: &client.Expect{Status: 200, Body: "Mombasa"},
			},
		},
	}
}

func latency() *Definition {
	return &Definition{
		Name:        "latency",
		Description: "Inject delay on one node's cluster interface and verify writes still converge",
		Defaults:    DefaultDefaults(),
		Networks: []NetworkDef{
			{Name: "nw1", Subnet: "172.28.1.0/24"},
		},
		Nodes: []NodeDef{
			{
				Name: "node1", Image: "faultline/kv:latest", Port: 8080,
				Networks: []AttachmentDef{{Network: "nw1", Address: "172.28.1.11"}},
			},
			{
				Name: "node2", Image: "faultline/kv:latest", Port: 8080,
				Networks: []AttachmentDef{{Network: "nw1", Address: "172.28.1.12"}},
			},
		},
		Steps: []Step{
			{
				Name: "slow-down", Kind: StepApplyFault,
				Fault: &FaultDef{Kind: "latency", Node: "node2", Network: "nw1", Delay: Duration(200 * time.Millisecond)},
			},
			{
				Name: "write", Kind: StepClientCall,
				Call: &CallDef{Node: "node1", Op: "put", Key: "fruit", Value: "mango"},
			},
			{
				Name: "converge-slowly", Kind: StepConvergence, Timeout: Duration(30 * time.Second),
				Converge: &ConvergeDef{Predicate: "keys_agree", Nodes: []string{"node1", "node2"}, Key: "fruit"},
			},
			{
				Name: "heal", Kind: StepRevertFault,
				Fault: &FaultDef{Kind: "latency", Node: "node2", Network: "nw1", Delay: Duration(200 * time.Millisecond)},
			},
		},
	}
}

var presets = map[string]func() *Definition{
	"split-brain":   splitBrain,
	"crash-restart": crashRestart,
	"latency":       latency,
}

// Preset returns a built-in scenario by name.
func Preset(name string) (*Definition, error) {
	fn, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown preset %q", name)
	}

	def := fn()
	if err := def.Validate(); err != nil {
		return nil, err
	}

	return def, nil
}

// ListPresets returns the available preset names in sorted order.
func ListPresets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}
