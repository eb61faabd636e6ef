// Package probe polls observable cluster state until a stability predicate
// holds or a deadline expires. It is the scheduler's only suspension point
// and is fully cancellable.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/st3v3nmw/faultline/internal/client"
)

// ErrConvergenceTimeout is returned when the deadline elapses before the
// predicate holds. It is never returned before the deadline.
var ErrConvergenceTimeout = errors.New("convergence deadline exceeded")

// ErrProbeUnstable is returned when consecutive predicate errors exceed the
// configured threshold.
var ErrProbeUnstable = errors.New("probe unstable")

// Predicate evaluates a fresh snapshot of observable state. An error counts
// as "not converged yet" until the error threshold is reached.
type Predicate func(ctx context.Context) (bool, error)

// Options bound a WaitUntil call.
type Options struct {
	PollInterval   time.Duration
	Deadline       time.Duration
	ErrorThreshold int
}

// DefaultOptions returns the default probe options.
func DefaultOptions() Options {
	return Options{
		PollInterval:   250 * time.Millisecond,
		Deadline:       30 * time.Second,
		ErrorThreshold: 5,
	}
}

// WaitUntil polls pred at the configured interval. It returns nil on the
// first true evaluation, ErrConvergenceTimeout once the deadline has passed,
// ErrProbeUnstable after ErrorThreshold consecutive errors, or the context
// error on cancellation. The predicate is evaluated immediately, so an
// already-converged system returns in near-zero time.
func WaitUntil(ctx context.Context, pred Predicate, opts Options) error {
	defaults := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.Deadline <= 0 {
		opts.Deadline = defaults.Deadline
	}
	if opts.ErrorThreshold <= 0 {
		opts.ErrorThreshold = defaults.ErrorThreshold
	}

	deadline := time.Now().Add(opts.Deadline)
	consecutive := 0

	for {
		ok, err := pred(ctx)
		switch {
		case err != nil:
			consecutive++
			if consecutive >= opts.ErrorThreshold {
				return fmt.Errorf("%w: %d consecutive errors, last: %v",
					ErrProbeUnstable, consecutive, err)
			}
		case ok:
			return nil
		default:
			consecutive = 0
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrConvergenceTimeout
		}

		wait := opts.PollInterval
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// KeysAgree returns a predicate that holds when every listed node returns the
// same value for key with a 200 status.
func KeysAgree(c *client.Client, nodes []string, key string) Predicate {
	return func(ctx context.Context) (bool, error) {
		var first string
		for i, node := range nodes {
			resp, err := c.Get(ctx, node, key)
			if err != nil {
				return false, err
			}
			if resp.Status != 200 {
				return false, nil
			}

			if i == 0 {
				first = resp.Body
				continue
			}
			if resp.Body != first {
				return false, nil
			}
		}

		return true, nil
	}
}

// NodeHealthy returns a predicate that holds when the node answers its health
// endpoint.
func NodeHealthy(c *client.Client, node string) Predicate {
	return func(ctx context.Context) (bool, error) {
		if err := c.Health(ctx, node); err != nil {
			return false, err
		}

		return true, nil
	}
}
