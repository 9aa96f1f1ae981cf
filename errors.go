package faultd

import "errors"

var (
	// ErrAwaitLinkTimeout is returned when no connection is admitted within
	// the bounded wait of AwaitLink.
	ErrAwaitLinkTimeout = errors.New("timed out waiting for first admitted connection")
	// ErrApplyTimeout is returned by the blocking ScheduleDelay path when the
	// scheduler does not confirm the apply within the configured bound.
	ErrApplyTimeout = errors.New("timed out waiting for delay apply confirmation")
	// ErrTerminated is delivered to waiters when the scheduler shuts down
	// before their pending delay was applied.
	ErrTerminated = errors.New("delay scheduler terminated")
	// ErrDelaySuperseded is delivered to waiters whose pending delay was
	// replaced by a newer schedule before it applied.
	ErrDelaySuperseded = errors.New("pending delay superseded by newer schedule")
	// ErrNoLinkAdmitted is reported when a scheduled delay comes due before
	// any connection was admitted; the pending pair is disarmed.
	ErrNoLinkAdmitted = errors.New("scheduled delay due with no admitted connection")
	// ErrLinkAlreadyAdmitted guards the single-admission invariant; a second
	// recording attempt is a harness bug, not an expected refusal.
	ErrLinkAlreadyAdmitted = errors.New("connection link already admitted")
	// ErrHarnessClosed is returned for operations on a harness that has been
	// shut down.
	ErrHarnessClosed = errors.New("harness closed")
)
