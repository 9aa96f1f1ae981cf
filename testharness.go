package faultd

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/faultd/internal/clock"
	"pkt.systems/pslog"
)

// TestHarness wraps a running Harness plus a backing AckServer with
// convenient handles for tests.
type TestHarness struct {
	Harness  *Harness
	Upstream *AckServer
	Addr     string
	Config   Config

	stop        func(context.Context) error
	ownUpstream bool
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return len(p), nil
	}
	lines := bytes.Split(p, []byte{'\n'})
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		w.t.Helper()
		func(entry string) {
			defer func() {
				if r := recover(); r != nil {
					msg := fmt.Sprint(r)
					if strings.Contains(msg, "Log in goroutine after") {
						return
					}
					if strings.Contains(msg, "Log in goroutine during concurrent Cleanups") {
						return
					}
					panic(r)
				}
			}()
			w.t.Log(entry)
		}(string(line))
	}
	w.mu.Unlock()
	return len(p), nil
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger creates a pslog logger that writes through testing.TB.
func NewTestingLogger(t testing.TB, level pslog.Level) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	logger := pslog.NewWithOptions(context.Background(), writer, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: level,
	})
	return logger.With("app", "faultd")
}

// Stop shuts down the harness and any upstream it owns.
func (th *TestHarness) Stop(ctx context.Context) error {
	if th == nil || th.stop == nil {
		return nil
	}
	err := th.stop(ctx)
	if th.ownUpstream && th.Upstream != nil {
		if cerr := th.Upstream.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Controller returns the control-plane handle of the wrapped harness.
func (th *TestHarness) Controller() *Controller {
	if th == nil || th.Harness == nil {
		return nil
	}
	return th.Harness.Controller()
}

type testHarnessOptions struct {
	cfg          Config
	cfgSet       bool
	mutators     []func(*Config)
	upstream     *AckServer
	logger       pslog.Logger
	clk          clock.Clock
	startTimeout time.Duration
	testTB       testing.TB
	testLogLevel pslog.Level
}

// TestHarnessOption customises NewTestHarness/StartTestHarness behaviour.
type TestHarnessOption func(*testHarnessOptions)

// WithTestConfig provides an explicit Config to use. Missing fields will be
// defaulted during validation.
func WithTestConfig(cfg Config) TestHarnessOption {
	return func(o *testHarnessOptions) {
		o.cfg = cfg
		o.cfgSet = true
	}
}

// WithTestConfigFunc applies a mutation to the harness configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestHarnessOption {
	return func(o *testHarnessOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestListener overrides the listen protocol and address.
func WithTestListener(proto, address string) TestHarnessOption {
	return WithTestConfigFunc(func(cfg *Config) {
		cfg.ListenProto = proto
		cfg.Listen = address
	})
}

// WithTestUpstream injects a pre-started upstream (shared between harnesses
// if desired). The caller keeps ownership and must close it.
func WithTestUpstream(ack *AckServer) TestHarnessOption {
	return func(o *testHarnessOptions) {
		o.upstream = ack
	}
}

// WithTestLogger supplies a custom logger.
func WithTestLogger(logger pslog.Logger) TestHarnessOption {
	return func(o *testHarnessOptions) {
		o.logger = logger
	}
}

// WithTestClock injects the clock driving the delay scheduler.
func WithTestClock(clk clock.Clock) TestHarnessOption {
	return func(o *testHarnessOptions) {
		o.clk = clk
	}
}

// WithTestStartTimeout overrides the wait timeout when starting the harness.
func WithTestStartTimeout(d time.Duration) TestHarnessOption {
	return func(o *testHarnessOptions) {
		o.startTimeout = d
	}
}

// WithTestLoggerFromTB routes harness logs to the provided testing logger at the supplied level.
func WithTestLoggerFromTB(t testing.TB, level pslog.Level) TestHarnessOption {
	return func(o *testHarnessOptions) {
		o.testTB = t
		o.testLogLevel = level
	}
}

// WithTestLoggerTB uses the testing logger with Debug level.
func WithTestLoggerTB(t testing.TB) TestHarnessOption {
	return WithTestLoggerFromTB(t, pslog.DebugLevel)
}

// NewTestHarness starts a harness suitable for tests. When no upstream is
// injected it also starts an AckServer and points the harness at it. Call
// Stop to clean up resources.
func NewTestHarness(ctx context.Context, opts ...TestHarnessOption) (*TestHarness, error) {
	options := testHarnessOptions{
		cfg: Config{
			ListenProto: "tcp",
			Listen:      "127.0.0.1:0",
		},
		startTimeout: 5 * time.Second,
		testLogLevel: pslog.DebugLevel,
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := options.cfg
	if !options.cfgSet {
		cfg.ListenProto = defaultIfEmpty(cfg.ListenProto, "tcp")
		if cfg.Listen == "" && cfg.ListenProto != "unix" {
			cfg.Listen = "127.0.0.1:0"
		}
	}
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	if cfg.ListenProto == "" {
		cfg.ListenProto = "tcp"
	}
	if cfg.ListenProto != "unix" && cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}

	logger := options.logger
	if logger == nil {
		if options.testTB != nil {
			logger = NewTestingLogger(options.testTB, options.testLogLevel)
		} else {
			logger = pslog.NoopLogger()
		}
	}

	upstream := options.upstream
	ownUpstream := false
	if upstream == nil && cfg.Upstream == "" {
		ack, err := StartAckServer("", logger)
		if err != nil {
			return nil, fmt.Errorf("test harness: start upstream: %w", err)
		}
		upstream = ack
		ownUpstream = true
	}
	if upstream != nil {
		cfg.Upstream = upstream.Addr()
	}

	ctxHarness, cancel := context.WithCancel(context.Background())
	type startResult struct {
		h    *Harness
		stop func(context.Context) error
		err  error
	}
	resultCh := make(chan startResult, 1)
	go func() {
		startOpts := []Option{WithLogger(logger)}
		if options.clk != nil {
			startOpts = append(startOpts, WithClock(options.clk))
		}
		h, stop, err := StartHarness(ctxHarness, cfg, startOpts...)
		resultCh <- startResult{h: h, stop: stop, err: err}
	}()

	var (
		res     startResult
		timeout <-chan time.Time
		ctxDone <-chan struct{}
	)
	if options.startTimeout > 0 {
		timeout = time.After(options.startTimeout)
	}
	if ctx != nil {
		ctxDone = ctx.Done()
	}

	select {
	case res = <-resultCh:
	case <-timeout:
		cancel()
		res = <-resultCh
		if res.err == nil {
			res.err = fmt.Errorf("test harness start timeout after %s", options.startTimeout)
		}
	case <-ctxDone:
		cancel()
		res = <-resultCh
		if res.err == nil {
			res.err = ctx.Err()
		}
	}
	if res.err != nil {
		if ownUpstream {
			_ = upstream.Close()
		}
		cancel()
		return nil, res.err
	}
	h := res.h
	originalStop := res.stop
	stop := func(stopCtx context.Context) error {
		cancel()
		return originalStop(stopCtx)
	}

	addr := h.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		if ownUpstream {
			_ = upstream.Close()
		}
		return nil, fmt.Errorf("test harness: listener not initialised")
	}

	return &TestHarness{
		Harness:     h,
		Upstream:    upstream,
		Addr:        addr.String(),
		Config:      cfg,
		stop:        stop,
		ownUpstream: ownUpstream,
	}, nil
}

// StartTestHarness is a convenience wrapper that fails the test on error and registers cleanup.
func StartTestHarness(t testing.TB, opts ...TestHarnessOption) *TestHarness {
	t.Helper()
	th, err := NewTestHarness(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test harness: %v", err)
	}
	t.Cleanup(func() {
		if err := th.Stop(context.Background()); err != nil {
			t.Fatalf("stop test harness: %v", err)
		}
	})
	return th
}

func defaultIfEmpty(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
