// Package drivertest provides a recording fake driver for tests.
package drivertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/st3v3nmw/faultline/internal/driver"
)

// Call is one recorded driver invocation, e.g. "detach node1 nw2".
type Call string

// Fake records every driver call in order and can be scripted to fail.
type Fake struct {
	mu    sync.Mutex
	calls []Call
	fail  map[string][]error // call prefix -> queued errors, consumed in order
}

var _ driver.Driver = (*Fake)(nil)

// New creates an empty fake driver.
func New() *Fake {
	return &Fake{fail: make(map[string][]error)}
}

// FailNext queues an error for the next call whose string starts with prefix.
// Queue multiple errors to fail several consecutive calls.
func (f *Fake) FailNext(prefix string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fail[prefix] = append(f.fail[prefix], errs...)
}

// Calls returns all recorded calls in invocation order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	calls := make([]Call, len(f.calls))
	copy(calls, f.calls)
	return calls
}

// CallsMatching returns recorded calls that start with prefix.
func (f *Fake) CallsMatching(prefix string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []Call
	for _, call := range f.calls {
		if len(call) >= len(prefix) && string(call[:len(prefix)]) == prefix {
			matched = append(matched, call)
		}
	}

	return matched
}

// Reset clears the recorded calls but keeps scripted failures.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = nil
}

func (f *Fake) record(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := Call(fmt.Sprintf(format, args...))
	f.calls = append(f.calls, call)

	for prefix, queued := range f.fail {
		if len(queued) == 0 {
			continue
		}

		if len(call) >= len(prefix) && string(call[:len(prefix)]) == prefix {
			err := queued[0]
			f.fail[prefix] = queued[1:]
			return err
		}
	}

	return nil
}

func (f *Fake) CreateNetwork(_ context.Context, name, subnet string) error {
	return f.record("create-network %s %s", name, subnet)
}

func (f *Fake) RemoveNetwork(_ context.Context, name string) error {
	return f.record("remove-network %s", name)
}

func (f *Fake) CreateNode(_ context.Context, spec driver.NodeSpec) error {
	return f.record("create %s %s", spec.Name, spec.Image)
}

func (f *Fake) StartNode(_ context.Context, name string) error {
	return f.record("start %s", name)
}

func (f *Fake) StopNode(_ context.Context, name string) error {
	return f.record("stop %s", name)
}

func (f *Fake) RemoveNode(_ context.Context, name string) error {
	return f.record("remove %s", name)
}

func (f *Fake) AttachNetwork(_ context.Context, node, network, address string) error {
	return f.record("attach %s %s %s", node, network, address)
}

func (f *Fake) DetachNetwork(_ context.Context, node, network string) error {
	return f.record("detach %s %s", node, network)
}

func (f *Fake) Exec(_ context.Context, node string, cmd []string) (string, error) {
	return "", f.record("exec %s %v", node, cmd)
}
