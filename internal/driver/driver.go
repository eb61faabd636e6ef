// Package driver is the boundary to the container runtime. It is the only
// place the orchestrator performs blocking I/O; every call takes a context
// that the caller has already bounded with a timeout.
package driver

import (
	"context"
	"errors"
	"fmt"
)

// NodeSpec describes a node to create: its image and the network attachments
// with the addresses reserved for it.
type NodeSpec struct {
	Name        string
	Image       string
	Attachments map[string]string // network -> address
}

// Driver realizes topology and fault operations against a container runtime.
type Driver interface {
	CreateNetwork(ctx context.Context, name, subnet string) error
	RemoveNetwork(ctx context.Context, name string) error

	CreateNode(ctx context.Context, spec NodeSpec) error
	StartNode(ctx context.Context, name string) error
	// StopNode stops a node without removing it: the container keeps its
	// identity and reserved addresses so a later StartNode rejoins in place.
	StopNode(ctx context.Context, name string) error
	RemoveNode(ctx context.Context, name string) error

	AttachNetwork(ctx context.Context, node, network, address string) error
	DetachNetwork(ctx context.Context, node, network string) error

	Exec(ctx context.Context, node string, cmd []string) (string, error)
}

// Error is a failed runtime operation. Transient errors (runtime busy,
// connection refused) may be retried; everything else fails the caller
// immediately.
type Error struct {
	Op        string
	Target    string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("driver: %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a driver error worth retrying.
func IsTransient(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Transient
}

// Discard is a Driver that accepts every operation and does nothing. It backs
// the fake driver mode, where the scheduler walks the full scenario without
// touching a container runtime.
type Discard struct{}

var _ Driver = Discard{}

func (Discard) CreateNetwork(context.Context, string, string) error { return nil }
func (Discard) RemoveNetwork(context.Context, string) error         { return nil }
func (Discard) CreateNode(context.Context, NodeSpec) error          { return nil }
func (Discard) StartNode(context.Context, string) error             { return nil }
func (Discard) StopNode(context.Context, string) error              { return nil }
func (Discard) RemoveNode(context.Context, string) error            { return nil }
func (Discard) AttachNetwork(context.Context, string, string, string) error {
	return nil
}
func (Discard) DetachNetwork(context.Context, string, string) error { return nil }
func (Discard) Exec(context.Context, string, []string) (string, error) {
	return "", nil
}
