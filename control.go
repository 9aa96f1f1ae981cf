package faultd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/faultd/internal/clock"
	"pkt.systems/faultd/internal/svcfields"
	"pkt.systems/pslog"
)

// ControlSnapshot is a point-in-time view of the shared control state, taken
// under the state lock. Tests and diagnostics read it; nothing mutates
// through it.
type ControlSnapshot struct {
	// LinkAdmitted reports whether the single connection handle is recorded.
	LinkAdmitted bool
	// LinkID is the admitted connection's identifier, empty before admission.
	LinkID string
	// DeadlineArmed reports whether a delay change is pending.
	DeadlineArmed bool
	// Deadline is the pending activation instant; zero when disarmed.
	Deadline time.Time
	// PendingDelay is the delay magnitude paired with the deadline.
	PendingDelay time.Duration
	// Acknowledged reports whether the scheduler completed its latest
	// wake-and-evaluate cycle.
	Acknowledged bool
	// Terminating reports whether scheduler shutdown has been requested.
	Terminating bool
}

// control is the guarded rendezvous shared by the admission gate, the delay
// scheduler, and the controller surface. One instance per harness; it is
// created before the scheduler starts and torn down only after the scheduler
// has been joined.
type control struct {
	clk     clock.Clock
	logger  pslog.Logger
	metrics *harnessMetrics

	mu          sync.Mutex
	link        Link
	deadline    time.Time
	pending     time.Duration
	acked       bool
	terminating bool
	waiters     []chan error

	firstCh chan struct{}
	wake    chan struct{}
}

func newControl(clk clock.Clock, logger pslog.Logger) *control {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	c := &control{
		clk:     clk,
		logger:  svcfields.WithSubsystem(logger, "harness.control"),
		firstCh: make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	c.metrics = newHarnessMetrics(logger, c.snapshot)
	return c
}

// recordLink stores the admitted connection handle. It succeeds at most once
// per control instance; the gate guarantees only the first connection reaches
// it, so a second call is an invariant violation, not an expected refusal.
func (c *control) recordLink(link Link) error {
	if link == nil {
		return errors.New("control: nil link")
	}
	c.mu.Lock()
	if c.link != nil {
		c.mu.Unlock()
		return fmt.Errorf("control: %w", ErrLinkAlreadyAdmitted)
	}
	c.link = link
	close(c.firstCh)
	c.mu.Unlock()
	c.logger.Debug("faultd.control.link_recorded", svcfields.ConnKey, link.ID())
	c.wakeScheduler("link")
	return nil
}

func (c *control) currentLink() Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// awaitLink blocks until the first connection is admitted, the context ends,
// or the fallback timeout expires (applied only when the context carries no
// earlier deadline).
func (c *control) awaitLink(ctx context.Context, fallback time.Duration) (Link, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if fallback > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, fallback)
			defer cancel()
		}
	}
	select {
	case <-c.firstCh:
		return c.currentLink(), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w (waited %s)", ErrAwaitLinkTimeout, fallback)
		}
		return nil, ctx.Err()
	}
}

// arm schedules a pending delay pair (deadline = now + after) and wakes the
// scheduler. A newer schedule replaces the pending pair; waiters stranded by
// the replacement receive ErrDelaySuperseded. When block is true the returned
// channel delivers exactly one apply result. Arming after termination fails
// with ErrTerminated; the exited scheduler would never evaluate the pair.
func (c *control) arm(after, delay time.Duration, block bool) (<-chan error, time.Time, error) {
	c.mu.Lock()
	if c.terminating {
		c.mu.Unlock()
		return nil, time.Time{}, ErrTerminated
	}
	deadline := c.clk.Now().Add(after)
	for _, w := range c.waiters {
		w <- ErrDelaySuperseded
	}
	c.waiters = nil
	c.deadline = deadline
	c.pending = delay
	c.acked = false
	var confirm chan error
	if block {
		confirm = make(chan error, 1)
		c.waiters = append(c.waiters, confirm)
	}
	c.mu.Unlock()
	c.wakeScheduler("schedule")
	return confirm, deadline, nil
}

// beginTermination requests cooperative scheduler shutdown. Monotonic:
// repeated calls only re-wake the scheduler.
func (c *control) beginTermination() {
	c.mu.Lock()
	already := c.terminating
	c.terminating = true
	c.mu.Unlock()
	if !already {
		c.logger.Debug("faultd.control.terminating")
	}
	c.wakeScheduler("terminate")
}

// waitPlan tells the scheduler how to wait for its next cycle.
func (c *control) waitPlan() (armed bool, remaining time.Duration, terminating bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminating {
		return false, 0, true
	}
	if c.deadline.IsZero() {
		return false, 0, false
	}
	return true, c.deadline.Sub(c.clk.Now()), false
}

// sweep runs one evaluate cycle under the lock: exit on termination, apply
// the pending delay when its deadline has been reached or passed, and
// acknowledge the cycle regardless. It reports whether the scheduler loop
// should exit.
func (c *control) sweep(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminating {
		for _, w := range c.waiters {
			w <- ErrTerminated
		}
		c.waiters = nil
		return true
	}
	if !c.deadline.IsZero() {
		now := c.clk.Now()
		if !now.Before(c.deadline) {
			c.applyLocked(ctx, now)
		}
	}
	c.acked = true
	c.metrics.recordAck(ctx)
	return false
}

func (c *control) applyLocked(ctx context.Context, now time.Time) {
	deadline := c.deadline
	delay := c.pending
	c.deadline = time.Time{}
	c.pending = 0
	if c.link == nil {
		c.logger.Error("faultd.control.apply_without_link",
			"delay", delay,
			"deadline", deadline)
		for _, w := range c.waiters {
			w <- ErrNoLinkAdmitted
		}
		c.waiters = nil
		return
	}
	c.link.SetDelay(delay)
	c.logger.Info("faultd.control.delay_applied",
		svcfields.ConnKey, c.link.ID(),
		"delay", delay,
		"deadline", deadline,
		"late_by", now.Sub(deadline))
	c.metrics.recordDelayApplied(ctx, delay)
	for _, w := range c.waiters {
		w <- nil
	}
	c.waiters = nil
}

func (c *control) wakeScheduler(reason string) {
	select {
	case c.wake <- struct{}{}:
		c.logger.Trace("faultd.control.wake", "reason", reason)
	default:
		select {
		case <-c.wake:
		default:
		}
		select {
		case c.wake <- struct{}{}:
			c.logger.Trace("faultd.control.wake", "reason", reason, "coalesced", true)
		default:
		}
	}
}

func (c *control) wakeCh() <-chan struct{} {
	return c.wake
}

func (c *control) snapshot() ControlSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := ControlSnapshot{
		LinkAdmitted:  c.link != nil,
		DeadlineArmed: !c.deadline.IsZero(),
		Deadline:      c.deadline,
		PendingDelay:  c.pending,
		Acknowledged:  c.acked,
		Terminating:   c.terminating,
	}
	if c.link != nil {
		snap.LinkID = c.link.ID()
	}
	return snap
}
