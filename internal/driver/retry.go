package driver

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how transient driver errors are retried.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        3,
		InitialInterval: 200 * time.Millisecond,
	}
}

// retrying decorates a Driver with bounded exponential-backoff retries for
// transient errors. Non-transient errors pass through immediately.
type retrying struct {
	next   Driver
	policy RetryPolicy
}

var _ Driver = (*retrying)(nil)

// Retrying wraps a Driver with the given retry policy.
func Retrying(next Driver, policy RetryPolicy) Driver {
	if policy.MaxTries == 0 {
		policy.MaxTries = DefaultRetryPolicy().MaxTries
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = DefaultRetryPolicy().InitialInterval
	}

	return &retrying{next: next, policy: policy}
}

func (r *retrying) do(ctx context.Context, op func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.policy.InitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(r.policy.MaxTries))

	return err
}

func (r *retrying) CreateNetwork(ctx context.Context, name, subnet string) error {
	return r.do(ctx, func() error { return r.next.CreateNetwork(ctx, name, subnet) })
}

func (r *retrying) RemoveNetwork(ctx context.Context, name string) error {
	return r.do(ctx, func() error { return r.next.RemoveNetwork(ctx, name) })
}

func (r *retrying) CreateNode(ctx context.Context, spec NodeSpec) error {
	return r.do(ctx, func() error { return r.next.CreateNode(ctx, spec) })
}

func (r *retrying) StartNode(ctx context.Context, name string) error {
	return r.do(ctx, func() error { return r.next.StartNode(ctx, name) })
}

func (r *retrying) StopNode(ctx context.Context, name string) error {
	return r.do(ctx, func() error { return r.next.StopNode(ctx, name) })
}

func (r *retrying) RemoveNode(ctx context.Context, name string) error {
	return r.do(ctx, func() error { return r.next.RemoveNode(ctx, name) })
}

func (r *retrying) AttachNetwork(ctx context.Context, node, network, address string) error {
	return r.do(ctx, func() error { return r.next.AttachNetwork(ctx, node, network, address) })
}

func (r *retrying) DetachNetwork(ctx context.Context, node, network string) error {
	return r.do(ctx, func() error { return r.next.DetachNetwork(ctx, node, network) })
}

// Leaked passes through to the wrapped driver's leak report, if it keeps one.
func (r *retrying) Leaked() []string {
	if tracker, ok := r.next.(interface{ Leaked() []string }); ok {
		return tracker.Leaked()
	}

	return nil
}

func (r *retrying) Exec(ctx context.Context, node string, cmd []string) (string, error) {
	var out string
	err := r.do(ctx, func() error {
		var execErr error
		out, execErr = r.next.Exec(ctx, node, cmd)
		return execErr
	})

	return out, err
}
