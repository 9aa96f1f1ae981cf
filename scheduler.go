package faultd

import (
	"context"

	"pkt.systems/faultd/internal/svcfields"
	"pkt.systems/pslog"
)

// delayScheduler owns the wake-evaluate-apply cycle. It sleeps on whichever
// of the wake signal, the pending activation deadline, or context
// cancellation fires first, then sweeps the control state exactly once per
// wake. Termination wins over a due deadline: a terminating sweep never
// applies a pending delay.
type delayScheduler struct {
	ctrl   *control
	logger pslog.Logger
	done   chan struct{}
}

func newDelayScheduler(ctrl *control, logger pslog.Logger) *delayScheduler {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &delayScheduler{
		ctrl:   ctrl,
		logger: svcfields.WithSubsystem(logger, "harness.scheduler"),
		done:   make(chan struct{}),
	}
}

// Done is closed when the scheduler goroutine has exited.
func (s *delayScheduler) Done() <-chan struct{} { return s.done }

func (s *delayScheduler) run(ctx context.Context) {
	defer close(s.done)
	s.logger.Debug("faultd.scheduler.started")
	for {
		armed, remaining, terminating := s.ctrl.waitPlan()
		switch {
		case terminating:
			// Evaluate immediately; sweep exits below.
		case armed && remaining > 0:
			s.logger.Trace("faultd.scheduler.state", "state", "armed", "remaining", remaining)
			t := s.ctrl.clk.NewTimer(remaining)
			select {
			case <-s.ctrl.wakeCh():
				t.Stop()
			case <-t.C():
			case <-ctx.Done():
				t.Stop()
				s.ctrl.beginTermination()
			}
		case armed:
			// Deadline already reached; evaluate without waiting.
			s.logger.Trace("faultd.scheduler.state", "state", "armed", "remaining", remaining)
		default:
			s.logger.Trace("faultd.scheduler.state", "state", "idle")
			select {
			case <-s.ctrl.wakeCh():
			case <-ctx.Done():
				s.ctrl.beginTermination()
			}
		}
		if s.ctrl.sweep(ctx) {
			s.logger.Debug("faultd.scheduler.terminated")
			return
		}
	}
}
