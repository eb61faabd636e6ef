// Package topology holds the in-memory model of a scenario's nodes, virtual
// networks, and attachment edges. The model is built fresh per run and owns
// all attachment and lifecycle state; the fault controller and scheduler
// mutate it to mirror what they have done through the runtime driver.
package topology

import (
	"fmt"
	"sort"
	"sync"
)

// Lifecycle is a node's lifecycle state.
type Lifecycle int

const (
	Planned Lifecycle = iota
	Running
	Crashed
	Stopped
	Restarting
)

func (l Lifecycle) String() string {
	switch l {
	case Planned:
		return "planned"
	case Running:
		return "running"
	case Crashed:
		return "crashed"
	case Stopped:
		return "stopped"
	case Restarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// Attachment is a node's relationship to one virtual network. The address is
// fixed at declaration time and is retained while detached so that healing a
// partition or restarting a crashed node reattaches at the same address.
type Attachment struct {
	Address  string
	Attached bool
}

// Node is a single container in the topology.
type Node struct {
	Name        string
	Image       string
	Port        int
	Lifecycle   Lifecycle
	Attachments map[string]Attachment
}

// Network is a virtual network.
type Network struct {
	Name   string
	Subnet string
}

// Model tracks the current topology state for one scenario run.
type Model struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	networks map[string]*Network
}

// New builds a Model from declared nodes and networks. It validates that
// every attachment references a declared network and that addresses are
// unique within each network.
func New(nodes []Node, networks []Network) (*Model, error) {
	m := &Model{
		nodes:    make(map[string]*Node, len(nodes)),
		networks: make(map[string]*Network, len(networks)),
	}

	for _, nw := range networks {
		if _, exists := m.networks[nw.Name]; exists {
			return nil, fmt.Errorf("network %q declared twice", nw.Name)
		}

		copied := nw
		m.networks[nw.Name] = &copied
	}

	seen := make(map[string]string) // network/address -> node
	for _, n := range nodes {
		if _, exists := m.nodes[n.Name]; exists {
			return nil, fmt.Errorf("node %q declared twice", n.Name)
		}

		copied := n
		copied.Attachments = make(map[string]Attachment, len(n.Attachments))
		for network, att := range n.Attachments {
			if _, exists := m.networks[network]; !exists {
				return nil, fmt.Errorf("node %q references undeclared network %q", n.Name, network)
			}

			claim := network + "/" + att.Address
			if other, taken := seen[claim]; taken {
				return nil, fmt.Errorf("address %s on network %q claimed by both %q and %q",
					att.Address, network, other, n.Name)
			}
			seen[claim] = n.Name

			att.Attached = true
			copied.Attachments[network] = att
		}

		copied.Lifecycle = Planned
		m.nodes[n.Name] = &copied
	}

	return m, nil
}

// Attach marks a node as attached to a network. Attaching an already-attached
// node is a no-op. The address must match the one fixed at declaration time.
func (m *Model) Attach(node, network, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, att, err := m.attachment(node, network)
	if err != nil {
		return err
	}

	if att.Address != address {
		return fmt.Errorf("node %q has address %s reserved on network %q, cannot attach as %s",
			node, att.Address, network, address)
	}

	att.Attached = true
	n.Attachments[network] = att
	return nil
}

// Detach marks a node as detached from a network. Detaching an
// already-detached node is a no-op. The reserved address is retained.
func (m *Model) Detach(node, network string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, att, err := m.attachment(node, network)
	if err != nil {
		return err
	}

	att.Attached = false
	n.Attachments[network] = att
	return nil
}

func (m *Model) attachment(node, network string) (*Node, Attachment, error) {
	n, exists := m.nodes[node]
	if !exists {
		return nil, Attachment{}, fmt.Errorf("unknown node %q", node)
	}

	att, exists := n.Attachments[network]
	if !exists {
		return nil, Attachment{}, fmt.Errorf("node %q has no attachment to network %q", node, network)
	}

	return n, att, nil
}

// SetLifecycle transitions a node's lifecycle state.
func (m *Model) SetLifecycle(node string, lc Lifecycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, exists := m.nodes[node]
	if !exists {
		return fmt.Errorf("unknown node %q", node)
	}

	n.Lifecycle = lc
	return nil
}

// Node returns a deep copy of the named node.
func (m *Model) Node(name string) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, exists := m.nodes[name]
	if !exists {
		return Node{}, false
	}

	return copyNode(n), true
}

// NodeNames returns all node names in sorted order.
func (m *Model) NodeNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.nodes))
	for name := range m.nodes {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// NetworkNames returns all network names in sorted order.
func (m *Model) NetworkNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.networks))
	for name := range m.networks {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Network returns the named network.
func (m *Model) Network(name string) (Network, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nw, exists := m.networks[name]
	if !exists {
		return Network{}, false
	}

	return *nw, true
}

// Snapshot is an immutable copy of the topology state at a point in time.
type Snapshot struct {
	Nodes    map[string]Node
	Networks map[string]Network
}

// Snapshot returns a deep copy of the current state. The copy shares nothing
// with the live model, so it is safe to hold across later mutations.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Nodes:    make(map[string]Node, len(m.nodes)),
		Networks: make(map[string]Network, len(m.networks)),
	}

	for name, n := range m.nodes {
		snap.Nodes[name] = copyNode(n)
	}
	for name, nw := range m.networks {
		snap.Networks[name] = *nw
	}

	return snap
}

func copyNode(n *Node) Node {
	copied := *n
	copied.Attachments = make(map[string]Attachment, len(n.Attachments))
	for network, att := range n.Attachments {
		copied.Attachments[network] = att
	}

	return copied
}
