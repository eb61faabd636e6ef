package scenario

import (
	"fmt"
	"net/netip"
	"strings"
)

// ConfigError reports every violation found in a scenario definition. It is
// fatal: a scenario that fails validation never reaches the runtime driver.
type ConfigError struct {
	Violations []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid scenario: %s", strings.Join(e.Violations, "; "))
}

// Validate checks the definition for contradictions and dangling references.
// It returns a ConfigError listing every violation, or nil.
func (d *Definition) Validate() error {
	var violations []string
	complain := func(format string, args ...any) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	if d.Name == "" {
		complain("scenario name is required")
	}

	networks := make(map[string]netip.Prefix, len(d.Networks))
	for _, nw := range d.Networks {
		if nw.Name == "" {
			complain("network name is required")
			continue
		}
		if _, dup := networks[nw.Name]; dup {
			complain("network %q declared twice", nw.Name)
			continue
		}

		prefix, err := netip.ParsePrefix(nw.Subnet)
		if err != nil {
			complain("network %q has invalid subnet %q", nw.Name, nw.Subnet)
			prefix = netip.Prefix{}
		}

		networks[nw.Name] = prefix
	}

	if len(d.Nodes) == 0 {
		complain("at least one node is required")
	}

	nodes := make(map[string]bool, len(d.Nodes))
	claimed := make(map[string]string) // network/address -> node
	for _, n := range d.Nodes {
		if n.Name == "" {
			complain("node name is required")
			continue
		}
		if nodes[n.Name] {
			complain("node %q declared twice", n.Name)
			continue
		}
		nodes[n.Name] = true

		if n.Image == "" {
			complain("node %q has no image", n.Name)
		}
		if n.Port <= 0 {
			complain("node %q has no port", n.Name)
		}
		if len(n.Networks) == 0 {
			complain("node %q has no network attachments", n.Name)
		}

		for _, att := range n.Networks {
			prefix, declared := networks[att.Network]
			if !declared {
				complain("node %q references undeclared network %q", n.Name, att.Network)
				continue
			}

			addr, err := netip.ParseAddr(att.Address)
			if err != nil {
				complain("node %q has invalid address %q on network %q", n.Name, att.Address, att.Network)
				continue
			}
			if prefix.IsValid() && !prefix.Contains(addr) {
				complain("node %q address %s is outside network %q subnet %s",
					n.Name, att.Address, att.Network, prefix)
			}

			claim := att.Network + "/" + att.Address
			if other, taken := claimed[claim]; taken {
				complain("address %s on network %q claimed by both %q and %q",
					att.Address, att.Network, other, n.Name)
				continue
			}
			claimed[claim] = n.Name
		}
	}

	if len(d.Steps) == 0 {
		complain("at least one step is required")
	}

	for i, step := range d.Steps {
		where := fmt.Sprintf("step %d (%s)", i, step.Name)
		if step.Name == "" {
			where = fmt.Sprintf("step %d", i)
			complain("%s has no name", where)
		}
		if step.Timeout < 0 {
			complain("%s has a negative timeout", where)
		}

		switch step.Kind {
		case StepClientCall:
			d.validateCall(complain, where, step, nodes)
		case StepAssert:
			d.validateCall(complain, where, step, nodes)
			if step.Expect == nil || step.Expect.Empty() {
				complain("%s: assert requires an expectation", where)
			}
		case StepApplyFault, StepRevertFault:
			d.validateFault(complain, where, step, nodes, networks)
		case StepConvergence:
			d.validateConvergence(complain, where, step, nodes)
		case "":
			complain("%s has no kind", where)
		default:
			complain("%s has unknown kind %q", where, step.Kind)
		}
	}

	if len(violations) > 0 {
		return &ConfigError{Violations: violations}
	}

	return nil
}

func (d *Definition) validateCall(complain func(string, ...any), where string, step Step, nodes map[string]bool) {
	if step.Call == nil {
		complain("%s: %s requires a call", where, step.Kind)
		return
	}

	if !nodes[step.Call.Node] {
		complain("%s references undeclared node %q", where, step.Call.Node)
	}

	switch step.Call.Op {
	case "put":
		if step.Call.Value == "" {
			complain("%s: put requires a value", where)
		}
	case "get", "delete":
	default:
		complain("%s has unknown call op %q", where, step.Call.Op)
	}

	if step.Call.Key == "" {
		complain("%s: call requires a key", where)
	}
}

func (d *Definition) validateFault(complain func(string, ...any), where string, step Step,
	nodes map[string]bool, networks map[string]netip.Prefix) {
	if step.Fault == nil {
		complain("%s: %s requires a fault", where, step.Kind)
		return
	}

	f := step.Fault
	switch f.Kind {
	case "partition":
		if len(f.Nodes) == 0 {
			complain("%s: partition requires nodes", where)
		}
		for _, node := range f.Nodes {
			if !nodes[node] {
				complain("%s references undeclared node %q", where, node)
			}
		}
		if _, declared := networks[f.Network]; !declared {
			complain("%s references undeclared network %q", where, f.Network)
		}
	case "crash", "restart":
		if !nodes[f.Node] {
			complain("%s references undeclared node %q", where, f.Node)
		}
	case "latency":
		if !nodes[f.Node] {
			complain("%s references undeclared node %q", where, f.Node)
		}
		if _, declared := networks[f.Network]; !declared {
			complain("%s references undeclared network %q", where, f.Network)
		}
		if f.Delay <= 0 {
			complain("%s: latency requires a positive delay", where)
		}
	default:
		complain("%s has unknown fault kind %q", where, f.Kind)
	}
}

func (d *Definition) validateConvergence(complain func(string, ...any), where string, step Step, nodes map[string]bool) {
	if step.Converge == nil {
		complain("%s: %s requires a converge block", where, step.Kind)
		return
	}

	c := step.Converge
	switch c.Predicate {
	case "keys_agree":
		if len(c.Nodes) < 2 {
			complain("%s: keys_agree requires at least two nodes", where)
		}
		for _, node := range c.Nodes {
			if !nodes[node] {
				complain("%s references undeclared node %q", where, node)
			}
		}
		if c.Key == "" {
			complain("%s: keys_agree requires a key", where)
		}
	case "node_healthy":
		if !nodes[c.Node] {
			complain("%s references undeclared node %q", where, c.Node)
		}
	default:
		complain("%s has unknown predicate %q", where, c.Predicate)
	}
}
