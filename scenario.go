package faultd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/faultd/internal/svcfields"
	"pkt.systems/faultd/probe"
	"pkt.systems/pslog"
)

const (
	// DefaultScenarioAttemptTimeout bounds each probe attempt.
	DefaultScenarioAttemptTimeout = 1 * time.Second
	// DefaultScenarioRetryBackoff is the fixed pause between probe attempts.
	DefaultScenarioRetryBackoff = 5 * time.Second
	// DefaultScenarioBaselineTimeout bounds the undelayed baseline request.
	DefaultScenarioBaselineTimeout = 2 * time.Second
	// DefaultScenarioInjectedDelay is the forwarding delay injected after the
	// baseline.
	DefaultScenarioInjectedDelay = 3 * time.Second
	// DefaultScenarioMaxAttempts is the probe's per-request attempt budget.
	DefaultScenarioMaxAttempts = 3
	// DefaultScenarioPayload is the request payload.
	DefaultScenarioPayload = "retry-probe"

	// scenarioMargin offsets the derived clear instant and delivery deadline
	// around two full attempt-plus-backoff cycles.
	scenarioMargin = 100 * time.Millisecond
)

// ScenarioConfig controls RunRetryScenario. The zero value is not runnable;
// start from DefaultScenarioConfig.
type ScenarioConfig struct {
	// AttemptTimeout bounds each probe attempt on the wire.
	AttemptTimeout time.Duration
	// RetryBackoff is the fixed pause between probe attempts.
	RetryBackoff time.Duration
	// BaselineTimeout bounds the undelayed baseline request.
	BaselineTimeout time.Duration
	// InjectedDelay is applied to the admitted connection after the baseline;
	// zero skips injection (and the clear) entirely.
	InjectedDelay time.Duration
	// ClearDelay schedules the injected delay's removal. With it disabled the
	// delay stays in force and the final request is expected to fail.
	ClearDelay bool
	// ClearAfter is the offset for the scheduled clear. Zero derives two full
	// attempt-plus-backoff cycles minus a small margin, which lands the clear
	// between the second and third attempt.
	ClearAfter time.Duration
	// Deadline bounds the final request. Zero derives two full cycles plus
	// the same margin.
	Deadline time.Duration
	// MaxAttempts is the probe's per-request attempt budget.
	MaxAttempts int
	// Payload is the request payload line.
	Payload string
	// ProbeSecondConnection verifies that a second connection is refused
	// while the first is admitted.
	ProbeSecondConnection bool
	// SampleHost captures a host load sample into the report.
	SampleHost bool
	// Logger receives scenario diagnostics; nil discards them.
	Logger pslog.Logger
}

// DefaultScenarioConfig returns the reference retry scenario: 1s attempts,
// 5s fixed backoff, a 3s injected delay, the clear landing between the
// second and third attempt, and delivery required within two cycles plus
// margin.
func DefaultScenarioConfig() ScenarioConfig {
	return ScenarioConfig{
		AttemptTimeout:        DefaultScenarioAttemptTimeout,
		RetryBackoff:          DefaultScenarioRetryBackoff,
		BaselineTimeout:       DefaultScenarioBaselineTimeout,
		InjectedDelay:         DefaultScenarioInjectedDelay,
		ClearDelay:            true,
		MaxAttempts:           DefaultScenarioMaxAttempts,
		Payload:               DefaultScenarioPayload,
		ProbeSecondConnection: true,
		SampleHost:            true,
	}
}

func (c ScenarioConfig) withDefaults() (ScenarioConfig, error) {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultScenarioAttemptTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultScenarioRetryBackoff
	}
	if c.BaselineTimeout <= 0 {
		c.BaselineTimeout = DefaultScenarioBaselineTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultScenarioMaxAttempts
	}
	if c.Payload == "" {
		c.Payload = DefaultScenarioPayload
	}
	cycles := 2 * (c.AttemptTimeout + c.RetryBackoff)
	if c.ClearAfter == 0 {
		c.ClearAfter = cycles - scenarioMargin
	}
	if c.Deadline == 0 {
		c.Deadline = cycles + scenarioMargin
	}
	if c.ClearAfter <= 0 {
		return c, fmt.Errorf("scenario: timings too small to derive clear offset, set ClearAfter explicitly")
	}
	if c.Deadline <= 0 {
		return c, fmt.Errorf("scenario: negative deadline")
	}
	return c, nil
}

// HostSample is a point-in-time load reading taken while the scenario ran.
type HostSample struct {
	CPUPercent float64 `json:"cpu_percent"`
	Load1      float64 `json:"load1"`
	NumCPU     int     `json:"num_cpu"`
}

// Report is the observable outcome of one scenario run. Behavioural
// violations land here, not in RunRetryScenario's error return; the error is
// reserved for infrastructure failures.
type Report struct {
	// RunID identifies the run across logs, traces, and this report.
	RunID string `json:"run_id"`
	// StartedAt is when the scenario began.
	StartedAt time.Time `json:"started_at"`
	// HarnessAddr is the gated listener the probe connected to.
	HarnessAddr string `json:"harness_addr"`
	// UpstreamAddr is the in-process ack upstream.
	UpstreamAddr string `json:"upstream_addr"`

	// BaselineElapsed is the undelayed request's round trip.
	BaselineElapsed time.Duration `json:"baseline_elapsed"`
	// BaselineError is set when the baseline request failed; the scenario
	// stops there.
	BaselineError string `json:"baseline_error,omitempty"`

	// DelayInjected reports that the injected delay was confirmed active.
	DelayInjected bool `json:"delay_injected"`
	// ClearScheduledAt is the instant the delay removal was armed for.
	ClearScheduledAt time.Time `json:"clear_scheduled_at,omitempty"`
	// Deadline is the final request's delivery deadline.
	Deadline time.Time `json:"deadline,omitempty"`

	// Delivered reports whether the final request was acknowledged in time.
	Delivered bool `json:"delivered"`
	// DeliveryError is set when the final request failed.
	DeliveryError string `json:"delivery_error,omitempty"`
	// DeliveredIn is the final request's elapsed time.
	DeliveredIn time.Duration `json:"delivered_in"`
	// Attempts, Retries and Stale mirror the probe receipt for the final
	// request.
	Attempts int `json:"attempts"`
	Retries  int `json:"retries"`
	Stale    int `json:"stale"`

	// Admitted and Refused are the gate counters at scenario end.
	Admitted int `json:"admitted"`
	Refused  int `json:"refused"`
	// SecondConnectionRefused reports the outcome of the extra-connection
	// probe; false when the probe was disabled.
	SecondConnectionRefused bool `json:"second_connection_refused"`

	// Host is a load sample taken at scenario end; zero when disabled.
	Host HostSample `json:"host"`
}

// RunRetryScenario stands up an ack upstream and a harness in front of it,
// then drives the retry contract end to end: an undelayed baseline request,
// an immediately confirmed delay injection, a clear scheduled between the
// second and third attempt, and a final request that must be delivered
// within the deadline over the one admitted connection. The harness is
// terminated and joined before the report is returned.
func RunRetryScenario(ctx context.Context, cfg ScenarioConfig) (Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return Report{}, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	report := Report{
		RunID:     uuid.Must(uuid.NewV7()).String(),
		StartedAt: time.Now(),
	}
	logger = svcfields.WithSubsystem(logger, "scenario").With("run_id", report.RunID)
	tracer := otel.Tracer("pkt.systems/faultd")
	ctx, span := tracer.Start(ctx, "faultd.scenario",
		trace.WithAttributes(attribute.String("faultd.run_id", report.RunID)))
	defer span.End()

	upstream, err := StartAckServer("", logger)
	if err != nil {
		return report, err
	}
	defer func() { _ = upstream.Close() }()
	report.UpstreamAddr = upstream.Addr()

	h, stop, err := StartHarness(ctx, Config{
		Listen:   "127.0.0.1:0",
		Upstream: upstream.Addr(),
	}, WithLogger(logger))
	if err != nil {
		return report, err
	}
	defer func() { _ = stop(context.Background()) }()
	report.HarnessAddr = h.ListenerAddr().String()
	ctrl := h.Controller()

	client, err := probe.Dial(ctx, report.HarnessAddr, probe.Config{
		AttemptTimeout: cfg.AttemptTimeout,
		Backoff: probe.BackoffConfig{
			Initial:    cfg.RetryBackoff,
			Multiplier: 1,
		},
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return report, err
	}
	defer func() { _ = client.Close() }()

	if _, err := ctrl.AwaitLink(ctx); err != nil {
		return report, err
	}

	// Baseline: prove the path end to end before any fault is injected.
	baselineCtx, cancel := context.WithTimeout(ctx, cfg.BaselineTimeout)
	rec, err := scenarioPhase(baselineCtx, tracer, "faultd.scenario.baseline", func(ctx context.Context) (probe.Receipt, error) {
		return client.Request(ctx, cfg.Payload)
	})
	cancel()
	report.BaselineElapsed = rec.Elapsed
	if err != nil {
		report.BaselineError = err.Error()
		span.RecordError(err)
		logger.Error("faultd.scenario.baseline_failed", "error", err)
		return report, nil
	}
	logger.Info("faultd.scenario.baseline_ok", "elapsed", rec.Elapsed)

	if cfg.InjectedDelay > 0 {
		// Inject with confirmation: the delay is active before this returns.
		if err := ctrl.ScheduleDelay(ctx, 0, cfg.InjectedDelay); err != nil {
			return report, fmt.Errorf("scenario: inject delay: %w", err)
		}
		report.DelayInjected = true
		logger.Info("faultd.scenario.delay_injected", "delay", cfg.InjectedDelay)

		if cfg.ClearDelay {
			if err := ctrl.ClearDelay(ctx, cfg.ClearAfter); err != nil {
				return report, fmt.Errorf("scenario: schedule clear: %w", err)
			}
			report.ClearScheduledAt = time.Now().Add(cfg.ClearAfter)
			logger.Info("faultd.scenario.clear_scheduled", "after", cfg.ClearAfter)
		}
	}

	finalCtx, cancel := context.WithTimeout(ctx, cfg.Deadline)
	report.Deadline = time.Now().Add(cfg.Deadline)
	rec, err = scenarioPhase(finalCtx, tracer, "faultd.scenario.final", func(ctx context.Context) (probe.Receipt, error) {
		return client.Request(ctx, cfg.Payload)
	})
	cancel()
	report.DeliveredIn = rec.Elapsed
	report.Attempts = rec.Attempts
	report.Retries = rec.Retries
	report.Stale = rec.Stale
	if err != nil {
		report.DeliveryError = err.Error()
		span.RecordError(err)
		logger.Warn("faultd.scenario.delivery_failed",
			"attempts", rec.Attempts,
			"elapsed", rec.Elapsed,
			"error", err)
	} else {
		report.Delivered = true
		logger.Info("faultd.scenario.delivered",
			"attempts", rec.Attempts,
			"retries", rec.Retries,
			"stale", rec.Stale,
			"elapsed", rec.Elapsed)
	}

	if cfg.ProbeSecondConnection {
		report.SecondConnectionRefused = secondConnectionRefused(report.HarnessAddr, cfg.AttemptTimeout)
		logger.Info("faultd.scenario.second_connection",
			"refused", report.SecondConnectionRefused)
	}

	report.Admitted, report.Refused = h.GateCounts()

	if err := ctrl.Terminate(ctx); err != nil {
		return report, fmt.Errorf("scenario: terminate: %w", err)
	}
	if err := stop(context.Background()); err != nil {
		return report, fmt.Errorf("scenario: stop harness: %w", err)
	}

	if cfg.SampleHost {
		report.Host = sampleHost(logger)
	}
	span.SetAttributes(
		attribute.Bool("faultd.delivered", report.Delivered),
		attribute.Int("faultd.attempts", report.Attempts),
		attribute.Int("faultd.refused", report.Refused),
	)
	return report, nil
}

func scenarioPhase(ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) (probe.Receipt, error)) (probe.Receipt, error) {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	rec, err := fn(ctx)
	span.SetAttributes(
		attribute.Int("faultd.attempts", rec.Attempts),
		attribute.Int("faultd.stale", rec.Stale),
	)
	if err != nil {
		span.RecordError(err)
	}
	return rec, err
}

// secondConnectionRefused dials the harness while a connection is admitted
// and reports whether the extra connection was torn down without service.
// Refusal is accept-then-close, so the dial itself usually succeeds and the
// first read observes the reset.
func secondConnectionRefused(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return true
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := fmt.Fprintln(conn, "HELLO"); err != nil {
		return true
	}
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return false
		}
		return true
	}
	return false
}

func sampleHost(logger pslog.Logger) HostSample {
	sample := HostSample{NumCPU: runtime.NumCPU()}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	} else if err != nil {
		logger.Debug("faultd.scenario.cpu_sample_failed", "error", err)
	}
	if avg, err := load.Avg(); err == nil {
		sample.Load1 = avg.Load1
	} else {
		logger.Debug("faultd.scenario.load_sample_failed", "error", err)
	}
	return sample
}
