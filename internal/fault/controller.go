package fault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/st3v3nmw/faultline/internal/driver"
	"github.com/st3v3nmw/faultline/internal/topology"
	"github.com/st3v3nmw/faultline/pkg/threadsafe"
)

// ConflictError is returned when a fault structurally conflicts with an
// already-active one.
type ConflictError struct {
	Op     string
	Active string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("fault conflict: %s conflicts with active %s", e.Op, e.Active)
}

// ErrNotActive is returned when reverting a fault that is not active.
var ErrNotActive = errors.New("fault not active")

// Controller applies and reverts fault operations, keeping the active ones on
// a stack so RevertAll can undo them in strict reverse application order.
type Controller struct {
	env    Env
	active *threadsafe.Stack[Op]
	log    *slog.Logger
}

// NewController creates a Controller over the given driver and topology.
func NewController(d driver.Driver, topo *topology.Model, log *slog.Logger) *Controller {
	return &Controller{
		env:    Env{Driver: d, Topology: topo},
		active: threadsafe.NewStack[Op](),
		log:    log,
	}
}

// Apply applies op and records it. Re-applying an identical active repeatable
// fault is a no-op; a structurally conflicting fault returns ConflictError
// without touching the runtime.
func (c *Controller) Apply(ctx context.Context, op Op) error {
	if existing, ok := c.findActive(op); ok {
		if op.Repeatable() {
			c.log.Debug("fault already active", "fault", op.String())
			return nil
		}

		return &ConflictError{Op: op.String(), Active: existing.String()}
	}

	if conflicting, ok := c.active.Find(func(active Op) bool {
		return op.ConflictsWith(active) || active.ConflictsWith(op)
	}); ok {
		return &ConflictError{Op: op.String(), Active: conflicting.String()}
	}

	if err := op.Apply(ctx, c.env); err != nil {
		return fmt.Errorf("apply %s: %w", op, err)
	}

	c.active.Push(op)
	c.log.Info("fault applied", "fault", op.String(), "active", c.active.Len())
	return nil
}

// Revert undoes the active fault matching op's kind and key. The stored op is
// the one reverted, so recorded inverse state (addresses) is used, not the
// caller's reconstruction.
func (c *Controller) Revert(ctx context.Context, op Op) error {
	stored, ok := c.active.Remove(func(active Op) bool {
		return active.Kind() == op.Kind() && active.Key() == op.Key()
	})
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotActive, op)
	}

	if err := stored.Revert(ctx, c.env); err != nil {
		// Put it back: the fault is still (partially) in effect and must be
		// visible to RevertAll.
		c.active.Push(stored)
		return fmt.Errorf("revert %s: %w", stored, err)
	}

	c.log.Info("fault reverted", "fault", stored.String(), "active", c.active.Len())
	return nil
}

// RevertAll undoes every active fault in reverse application order. It keeps
// going past individual failures and returns them joined, so one stuck revert
// never strands the faults beneath it.
func (c *Controller) RevertAll(ctx context.Context) error {
	var errs []error

	for {
		op, ok := c.active.Pop()
		if !ok {
			break
		}

		if err := op.Revert(ctx, c.env); err != nil {
			errs = append(errs, fmt.Errorf("revert %s: %w", op, err))
			continue
		}

		c.log.Info("fault reverted", "fault", op.String())
	}

	return errors.Join(errs...)
}

// Active returns descriptions of the active faults, oldest first.
func (c *Controller) Active() []string {
	ops := c.active.Items()
	described := make([]string, len(ops))
	for i, op := range ops {
		described[i] = op.String()
	}

	return described
}

func (c *Controller) findActive(op Op) (Op, bool) {
	return c.active.Find(func(active Op) bool {
		return active.Kind() == op.Kind() && active.Key() == op.Key()
	})
}
