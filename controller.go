package faultd

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/faultd/internal/svcfields"
	"pkt.systems/pslog"
)

// Controller is the harness's control surface. Callers use it to wait for
// the admitted connection, schedule delay changes against it, and shut the
// scheduler down. All methods are safe for concurrent use.
type Controller struct {
	ctrl         *control
	sched        *delayScheduler
	logger       pslog.Logger
	awaitTimeout time.Duration
	applyTimeout time.Duration
}

func newController(ctrl *control, sched *delayScheduler, logger pslog.Logger, awaitTimeout, applyTimeout time.Duration) *Controller {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Controller{
		ctrl:         ctrl,
		sched:        sched,
		logger:       svcfields.WithSubsystem(logger, "harness.controller"),
		awaitTimeout: awaitTimeout,
		applyTimeout: applyTimeout,
	}
}

// AwaitLink blocks until the first connection has been admitted and returns
// its link. When ctx carries no deadline the configured await timeout bounds
// the wait; expiry yields ErrAwaitLinkTimeout.
func (c *Controller) AwaitLink(ctx context.Context) (Link, error) {
	return c.ctrl.awaitLink(ctx, c.awaitTimeout)
}

// ScheduleDelay arms a delay change: after the given duration has elapsed,
// the forwarding delay on the admitted connection becomes delay. A zero
// after means immediate: the call blocks until the scheduler confirms the
// apply, bounded by the configured apply timeout (ErrApplyTimeout) and by
// ctx. A positive after returns once the change is armed; the scheduler
// applies it when the deadline arrives.
//
// At most one delay change is pending at a time. Scheduling while one is
// pending replaces it; a blocked caller stranded by the replacement gets
// ErrDelaySuperseded. Scheduling against a terminated harness fails with
// ErrTerminated, and a delay coming due before any connection was admitted
// fails with ErrNoLinkAdmitted.
func (c *Controller) ScheduleDelay(ctx context.Context, after, delay time.Duration) error {
	if after < 0 {
		return fmt.Errorf("controller: negative after %s", after)
	}
	if delay < 0 {
		return fmt.Errorf("controller: negative delay %s", delay)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	block := after == 0
	c.logger.Debug("faultd.controller.schedule",
		"after", after,
		"delay", delay,
		"block", block)
	confirm, deadline, err := c.ctrl.arm(after, delay, block)
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	if !block {
		c.logger.Trace("faultd.controller.armed", "deadline", deadline)
		return nil
	}
	t := c.ctrl.clk.NewTimer(c.applyTimeout)
	select {
	case err := <-confirm:
		t.Stop()
		if err != nil {
			return fmt.Errorf("controller: %w", err)
		}
		return nil
	case <-t.C():
		return fmt.Errorf("controller: no apply confirmation within %s: %w", c.applyTimeout, ErrApplyTimeout)
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

// ClearDelay schedules the delay back to zero. It has ScheduleDelay's
// blocking semantics: a zero after waits for confirmation, a positive after
// arms and returns.
func (c *Controller) ClearDelay(ctx context.Context, after time.Duration) error {
	return c.ScheduleDelay(ctx, after, 0)
}

// Terminate requests scheduler shutdown and waits for the scheduler
// goroutine to exit. Pending delay changes are abandoned without being
// applied; blocked ScheduleDelay callers get ErrTerminated. Terminate is
// idempotent.
func (c *Controller) Terminate(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.ctrl.beginTermination()
	select {
	case <-c.sched.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a point-in-time copy of the shared control state.
func (c *Controller) Snapshot() ControlSnapshot {
	return c.ctrl.snapshot()
}
