package faultd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"pkt.systems/faultd/internal/clock"
	"pkt.systems/pslog"
)

// Harness wraps the gated listener, the relay to the upstream peer, and the
// delay scheduler, and exposes the Controller used to drive fault timing.
type Harness struct {
	cfg        Config
	logger     pslog.Logger
	clk        clock.Clock
	ctrl       *control
	sched      *delayScheduler
	gate       *admissionGate
	controller *Controller
	telemetry  *telemetryBundle

	mu            sync.Mutex
	shutdown      bool
	listener      net.Listener
	providedLn    net.Listener
	socketPath    string
	link          *RelayLink
	schedCancel   context.CancelFunc
	lastAcceptErr error

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures harness instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	Listener     net.Listener
	OTLPEndpoint string
	configHooks  []func(*Config)
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithListener injects a pre-bound listener, bypassing Config.Listen. The
// harness takes ownership and closes it on shutdown.
func WithListener(ln net.Listener) Option {
	return func(o *options) {
		o.Listener = ln
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithInitialDelay sets the forwarding delay the admitted connection starts
// with, before any scheduled change.
func WithInitialDelay(d time.Duration) Option {
	return func(o *options) {
		o.configHooks = append(o.configHooks, func(cfg *Config) {
			cfg.InitialDelay = d
		})
	}
}

// NewHarness constructs a harness according to cfg.
// Example:
//
//	cfg := faultd.Config{Listen: ":9757", Upstream: "broker.internal:9092"}
//	h, err := faultd.NewHarness(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go h.Start()
func NewHarness(cfg Config, opts ...Option) (*Harness, error) {
	cfgCopy := cfg
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	for _, hook := range o.configHooks {
		hook(&cfgCopy)
	}
	if o.Listener == nil {
		if err := cfgCopy.Validate(); err != nil {
			return nil, err
		}
	} else if cfgCopy.Upstream == "" {
		return nil, fmt.Errorf("config: upstream address required")
	}
	cfg = cfgCopy.withDefaults()
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), cfg, logger.With("svc", "telemetry"))
	if err != nil {
		return nil, err
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ctrl := newControl(clk, logger)
	sched := newDelayScheduler(ctrl, logger)
	gate := newAdmissionGate(logger, ctrl.metrics)
	controller := newController(ctrl, sched, logger, cfg.AwaitLinkTimeout, cfg.ApplyTimeout)
	return &Harness{
		cfg:        cfg,
		logger:     logger.With("svc", "harness"),
		clk:        clk,
		ctrl:       ctrl,
		sched:      sched,
		gate:       gate,
		controller: controller,
		telemetry:  telemetry,
		providedLn: o.Listener,
		readyCh:    make(chan struct{}),
	}, nil
}

// Controller returns the harness control surface.
func (h *Harness) Controller() *Controller {
	return h.controller
}

// Link returns the admitted connection's link, or nil before admission.
func (h *Harness) Link() Link {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.link == nil {
		return nil
	}
	return h.link
}

// GateCounts reports how many connections were admitted and refused.
func (h *Harness) GateCounts() (admitted, refused int) {
	return h.gate.counts()
}

// Start begins accepting connections and blocks until the harness stops. The
// first connection is admitted and relayed to the upstream; every later one
// is refused.
func (h *Harness) Start() error {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return ErrHarnessClosed
	}
	h.mu.Unlock()
	ln := h.providedLn
	if ln == nil {
		if h.cfg.ListenProto == "unix" {
			if err := os.Remove(h.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove stale unix socket: %w", err)
			}
		}
		var err error
		ln, err = net.Listen(h.cfg.ListenProto, h.cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen (%s %s): %w", h.cfg.ListenProto, h.cfg.Listen, err)
		}
	}
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		_ = ln.Close()
		return ErrHarnessClosed
	}
	h.listener = ln
	if h.providedLn == nil && h.cfg.ListenProto == "unix" {
		h.socketPath = h.cfg.Listen
	}
	h.mu.Unlock()
	h.startScheduler()
	h.signalReady()
	h.logger.Info("listening",
		"network", ln.Addr().Network(),
		"address", ln.Addr().String(),
		"upstream", h.cfg.Upstream)
	gated := &gatedListener{Listener: ln, gate: h.gate}
	err := h.acceptLoop(gated)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	if err != nil {
		h.recordAcceptErr(err)
		return fmt.Errorf("accept: %w", err)
	}
	return nil
}

// acceptLoop admits connections from the gated listener and binds each to an
// upstream relay. It returns when the listener closes.
func (h *Harness) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		remote := remoteAddress(conn)
		upstream, err := net.DialTimeout("tcp", h.cfg.Upstream, h.cfg.DialTimeout)
		if err != nil {
			h.logger.Warn("faultd.harness.upstream_dial_failed",
				"upstream", h.cfg.Upstream,
				"remote", remote,
				"error", err)
			_ = conn.Close()
			h.gate.release(remote)
			continue
		}
		link := newRelayLink(relayParams{
			client:       conn,
			upstream:     upstream,
			clk:          h.clk,
			logger:       h.logger,
			metrics:      h.ctrl.metrics,
			chunkSize:    h.cfg.ChunkSize,
			bandwidth:    h.cfg.BandwidthBytesPerSecond,
			initialDelay: h.cfg.InitialDelay,
		})
		if err := h.ctrl.recordLink(link); err != nil {
			h.logger.Error("faultd.harness.record_link_failed", "error", err)
			_ = link.Close()
			continue
		}
		h.mu.Lock()
		h.link = link
		h.mu.Unlock()
		link.start()
	}
}

// Shutdown gracefully stops the harness: the scheduler is terminated and
// joined, the listener and relay close, and telemetry flushes. The returned
// error is nil for clean shutdowns.
func (h *Harness) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		return nil
	}
	h.shutdown = true
	listener := h.listener
	h.listener = nil
	link := h.link
	h.mu.Unlock()

	if err := h.stopScheduler(ctx); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	if listener != nil {
		_ = listener.Close()
	}
	if link != nil {
		_ = link.Close()
		select {
		case <-link.Done():
		case <-ctx.Done():
			return fmt.Errorf("relay shutdown: %w", ctx.Err())
		}
	}
	if h.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := h.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		h.telemetry = nil
	}
	if h.socketPath != "" {
		if err := os.Remove(h.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := h.lastAcceptError(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the harness down using a background context.
func (h *Harness) Close() error {
	return h.Shutdown(context.Background())
}

func (h *Harness) startScheduler() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.schedCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.schedCancel = cancel
	go h.sched.run(ctx)
}

func (h *Harness) stopScheduler(ctx context.Context) error {
	h.mu.Lock()
	cancel := h.schedCancel
	h.mu.Unlock()
	if cancel == nil {
		return nil
	}
	defer cancel()
	h.ctrl.beginTermination()
	select {
	case <-h.sched.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Harness) signalReady() {
	h.readyOnce.Do(func() {
		close(h.readyCh)
	})
}

// WaitUntilReady blocks until the harness listener is initialized or context ends.
func (h *Harness) WaitUntilReady(ctx context.Context) error {
	select {
	case <-h.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (h *Harness) ListenerAddr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr()
	}
	return nil
}

func (h *Harness) recordAcceptErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastAcceptErr == nil {
		h.lastAcceptErr = err
	}
}

func (h *Harness) lastAcceptError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastAcceptErr
}

// StartHarness starts a harness in a background goroutine and waits until it
// is ready to accept connections. It returns the running harness alongside a
// stop function that gracefully shuts it down.
// Example:
//
//	cfg := faultd.Config{Listen: "127.0.0.1:0", Upstream: upstreamAddr}
//	h, stop, err := faultd.StartHarness(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartHarness(ctx context.Context, cfg Config, opts ...Option) (*Harness, func(context.Context) error, error) {
	h, err := NewHarness(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := h.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := h.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, ErrHarnessClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return h, stop, nil
}
