// Package fault implements reversible fault operations and the controller
// that tracks them. Every operation carries its exact inverse: applying the
// inverse restores the attachment and lifecycle state recorded at apply time,
// same addresses included.
package fault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/st3v3nmw/faultline/internal/driver"
	"github.com/st3v3nmw/faultline/internal/topology"
)

// Kind is the fault variant.
type Kind int

const (
	KindPartition Kind = iota
	KindCrash
	KindRestart
	KindLatency
)

func (k Kind) String() string {
	switch k {
	case KindPartition:
		return "partition"
	case KindCrash:
		return "crash"
	case KindRestart:
		return "restart"
	case KindLatency:
		return "latency"
	default:
		return "unknown"
	}
}

// Env is what fault operations act on: the runtime driver for side effects
// and the topology model for bookkeeping.
type Env struct {
	Driver   driver.Driver
	Topology *topology.Model
}

// Op is a reversible fault operation.
type Op interface {
	Kind() Kind
	// Key identifies the fault for idempotence and conflict checks.
	Key() string
	// Repeatable reports whether applying an identical active fault again is
	// a no-op (partitions, latency) rather than a conflict (crash, restart).
	Repeatable() bool
	// ConflictsWith reports whether this op structurally conflicts with an
	// already-active one.
	ConflictsWith(active Op) bool

	Apply(ctx context.Context, env Env) error
	Revert(ctx context.Context, env Env) error

	fmt.Stringer
}

// Partition detaches a set of nodes from one network. Its inverse reattaches
// them, in reverse order, at the addresses recorded when it was applied.
type Partition struct {
	Nodes   []string
	Network string

	addresses map[string]string // recorded at apply for bit-for-bit revert
}

var _ Op = (*Partition)(nil)

func (p *Partition) Kind() Kind { return KindPartition }

func (p *Partition) Key() string {
	nodes := append([]string(nil), p.Nodes...)
	sort.Strings(nodes)
	return "partition/" + p.Network + "/" + strings.Join(nodes, ",")
}

func (p *Partition) Repeatable() bool { return true }

func (p *Partition) ConflictsWith(active Op) bool {
	other, ok := active.(*Partition)
	if !ok || other.Network != p.Network {
		return false
	}

	// Overlapping but non-identical partitions on one network would make the
	// recorded inverses ambiguous.
	for _, a := range p.Nodes {
		for _, b := range other.Nodes {
			if a == b {
				return true
			}
		}
	}

	return false
}

func (p *Partition) Apply(ctx context.Context, env Env) error {
	p.addresses = make(map[string]string, len(p.Nodes))

	// Detach failures part-way through must not strand the nodes already
	// detached: they get reattached before the error is returned, so a failed
	// apply never leaves a silent partial partition behind.
	detached := make([]string, 0, len(p.Nodes))
	for _, name := range p.Nodes {
		node, ok := env.Topology.Node(name)
		if !ok {
			return fmt.Errorf("partition: unknown node %q", name)
		}

		att, ok := node.Attachments[p.Network]
		if !ok {
			return fmt.Errorf("partition: node %q not declared on network %q", name, p.Network)
		}
		p.addresses[name] = att.Address

		if err := env.Driver.DetachNetwork(ctx, name, p.Network); err != nil {
			return errors.Join(err, p.reattach(ctx, env, detached))
		}
		detached = append(detached, name)

		if err := env.Topology.Detach(name, p.Network); err != nil {
			return errors.Join(err, p.reattach(ctx, env, detached))
		}
	}

	return nil
}

func (p *Partition) Revert(ctx context.Context, env Env) error {
	return p.reattach(ctx, env, p.Nodes)
}

// reattach heals the given nodes in reverse order at their recorded addresses.
// It keeps going past individual failures and returns them joined.
func (p *Partition) reattach(ctx context.Context, env Env, nodes []string) error {
	var errs []error
	for i := len(nodes) - 1; i >= 0; i-- {
		name := nodes[i]
		address := p.addresses[name]

		if err := env.Driver.AttachNetwork(ctx, name, p.Network, address); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := env.Topology.Attach(name, p.Network, address); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (p *Partition) String() string {
	return fmt.Sprintf("partition(%s off %s)", strings.Join(p.Nodes, ","), p.Network)
}

// Crash stops a node without removing it: the container keeps its identity
// and reserved addresses. Its inverse starts the node again.
type Crash struct {
	Node string
}

var _ Op = (*Crash)(nil)

func (c *Crash) Kind() Kind       { return KindCrash }
func (c *Crash) Key() string      { return "lifecycle/" + c.Node }
func (c *Crash) Repeatable() bool { return false }

func (c *Crash) ConflictsWith(active Op) bool {
	// Any active lifecycle fault on the same node conflicts.
	return active.Key() == c.Key()
}

func (c *Crash) Apply(ctx context.Context, env Env) error {
	node, ok := env.Topology.Node(c.Node)
	if !ok {
		return fmt.Errorf("crash: unknown node %q", c.Node)
	}
	if node.Lifecycle != topology.Running {
		return fmt.Errorf("crash: node %q is %s, not running", c.Node, node.Lifecycle)
	}

	if err := env.Driver.StopNode(ctx, c.Node); err != nil {
		return err
	}

	return env.Topology.SetLifecycle(c.Node, topology.Crashed)
}

func (c *Crash) Revert(ctx context.Context, env Env) error {
	if err := env.Driver.StartNode(ctx, c.Node); err != nil {
		return err
	}

	return env.Topology.SetLifecycle(c.Node, topology.Running)
}

func (c *Crash) String() string {
	return fmt.Sprintf("crash(%s)", c.Node)
}

// Restart stops and immediately starts a node. The node rejoins with the same
// identity and addresses. Since the node ends up where it began, the inverse
// only has to ensure the node is running.
type Restart struct {
	Node string
}

var _ Op = (*Restart)(nil)

func (r *Restart) Kind() Kind       { return KindRestart }
func (r *Restart) Key() string      { return "lifecycle/" + r.Node }
func (r *Restart) Repeatable() bool { return false }

func (r *Restart) ConflictsWith(active Op) bool {
	return active.Key() == r.Key()
}

func (r *Restart) Apply(ctx context.Context, env Env) error {
	node, ok := env.Topology.Node(r.Node)
	if !ok {
		return fmt.Errorf("restart: unknown node %q", r.Node)
	}
	if node.Lifecycle != topology.Running {
		return fmt.Errorf("restart: node %q is %s, not running", r.Node, node.Lifecycle)
	}

	if err := env.Topology.SetLifecycle(r.Node, topology.Restarting); err != nil {
		return err
	}

	if err := env.Driver.StopNode(ctx, r.Node); err != nil {
		return err
	}
	if err := env.Driver.StartNode(ctx, r.Node); err != nil {
		return err
	}

	return env.Topology.SetLifecycle(r.Node, topology.Running)
}

func (r *Restart) Revert(ctx context.Context, env Env) error {
	node, ok := env.Topology.Node(r.Node)
	if !ok {
		return fmt.Errorf("restart: unknown node %q", r.Node)
	}
	if node.Lifecycle == topology.Running {
		return nil
	}

	if err := env.Driver.StartNode(ctx, r.Node); err != nil {
		return err
	}

	return env.Topology.SetLifecycle(r.Node, topology.Running)
}

func (r *Restart) String() string {
	return fmt.Sprintf("restart(%s)", r.Node)
}

// Latency injects a fixed delay on a node's interface to one network using
// netem inside the container. Its inverse deletes the qdisc.
type Latency struct {
	Node    string
	Network string
	Delay   time.Duration
}

var _ Op = (*Latency)(nil)

func (l *Latency) Kind() Kind { return KindLatency }

func (l *Latency) Key() string {
	return fmt.Sprintf("latency/%s/%s/%s", l.Node, l.Network, l.Delay)
}

func (l *Latency) Repeatable() bool { return true }

func (l *Latency) ConflictsWith(active Op) bool {
	other, ok := active.(*Latency)
	if !ok {
		return false
	}

	// Same interface, different delay: the inverse would be ambiguous.
	return other.Node == l.Node && other.Network == l.Network && other.Delay != l.Delay
}

func (l *Latency) Apply(ctx context.Context, env Env) error {
	dev, err := l.device(env)
	if err != nil {
		return err
	}

	delay := strconv.FormatInt(l.Delay.Milliseconds(), 10) + "ms"
	_, err = env.Driver.Exec(ctx, l.Node,
		[]string{"tc", "qdisc", "add", "dev", dev, "root", "netem", "delay", delay})
	return err
}

func (l *Latency) Revert(ctx context.Context, env Env) error {
	dev, err := l.device(env)
	if err != nil {
		return err
	}

	_, err = env.Driver.Exec(ctx, l.Node,
		[]string{"tc", "qdisc", "del", "dev", dev, "root"})
	return err
}

// device maps the target network to the container interface. Interfaces are
// assigned in lexical network order because the scheduler attaches networks
// in that order.
func (l *Latency) device(env Env) (string, error) {
	node, ok := env.Topology.Node(l.Node)
	if !ok {
		return "", fmt.Errorf("latency: unknown node %q", l.Node)
	}

	networks := make([]string, 0, len(node.Attachments))
	for network := range node.Attachments {
		networks = append(networks, network)
	}
	sort.Strings(networks)

	for i, network := range networks {
		if network == l.Network {
			return "eth" + strconv.Itoa(i), nil
		}
	}

	return "", fmt.Errorf("latency: node %q not declared on network %q", l.Node, l.Network)
}

func (l *Latency) String() string {
	return fmt.Sprintf("latency(%s@%s %s)", l.Node, l.Network, l.Delay)
}
