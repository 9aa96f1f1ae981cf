package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"pkt.systems/faultd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultAttemptTimeout bounds each request attempt on the wire.
	DefaultAttemptTimeout = 1 * time.Second
	// DefaultDialTimeout bounds Dial.
	DefaultDialTimeout = 5 * time.Second
	// DefaultMaxAttempts is the per-request attempt budget.
	DefaultMaxAttempts = 3
)

var (
	// ErrExhausted is returned when a request used up its attempt budget
	// without being acknowledged.
	ErrExhausted = errors.New("attempt budget exhausted")
	// ErrHandshake is returned when the peer does not answer HELLO with
	// WELCOME.
	ErrHandshake = errors.New("handshake rejected")
)

// FatalClassifier reports whether an attempt error should abort the retry
// loop instead of scheduling another attempt.
type FatalClassifier func(error) bool

// DefaultFatalClassifier keeps retrying through the failures a fault harness
// manufactures: attempt timeouts, connection resets, broken pipes, and
// half-closed reads. Anything else, protocol violations included, aborts.
func DefaultFatalClassifier(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return false
	}
	return true
}

// Config controls a probe client.
type Config struct {
	// AttemptTimeout bounds each attempt: the request write plus the wait
	// for its acknowledgement.
	AttemptTimeout time.Duration
	// Backoff configures the pause between attempts.
	Backoff BackoffConfig
	// MaxAttempts caps attempts per request; 0 leaves the budget to the
	// caller's context deadline.
	MaxAttempts int
	// DisableHandshake skips the HELLO/WELCOME exchange after dialing.
	DisableHandshake bool
	// DialTimeout bounds Dial when ctx carries no earlier deadline.
	DialTimeout time.Duration
	// Fatal overrides DefaultFatalClassifier.
	Fatal FatalClassifier
	// Logger receives attempt-level diagnostics; nil discards them.
	Logger pslog.Logger
}

func (c Config) withDefaults() Config {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.Fatal == nil {
		c.Fatal = DefaultFatalClassifier
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
	return c
}

// Receipt summarises one delivered (or abandoned) request.
type Receipt struct {
	// Seq is the sequence number the upstream acknowledged.
	Seq int64
	// Attempts counts wire attempts, the successful one included.
	Attempts int
	// Retries is Attempts minus one.
	Retries int
	// Stale counts acknowledgements that surfaced for earlier attempts and
	// were skipped.
	Stale int
	// Elapsed is the wall time from first attempt to outcome.
	Elapsed time.Duration
}

// Client drives the ack protocol over one TCP connection. It never redials:
// a request that keeps failing is retried on the same connection until the
// budget or deadline runs out. Request is not safe for concurrent use; the
// client issues one request at a time.
type Client struct {
	cfg    Config
	logger pslog.Logger
	conn   net.Conn
	reader *bufio.Reader
	seq    atomic.Int64
}

// Dial connects to addr and, unless disabled, performs the HELLO/WELCOME
// handshake.
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if ctx == nil {
		ctx = context.Background()
	}
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("probe: dial %s: %w", addr, err)
	}
	c := &Client{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(cfg.Logger, "probe.client"),
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
	if !cfg.DisableHandshake {
		if err := c.handshake(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	c.logger.Debug("probe.connected", "address", addr, "handshake", !cfg.DisableHandshake)
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	if err := c.conn.SetDeadline(c.attemptDeadline(ctx)); err != nil {
		return fmt.Errorf("probe: handshake deadline: %w", err)
	}
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	if _, err := fmt.Fprintln(c.conn, "HELLO"); err != nil {
		return fmt.Errorf("probe: handshake write: %w", err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("probe: handshake read: %w", err)
	}
	if strings.TrimSpace(line) != "WELCOME" {
		return fmt.Errorf("probe: %w: got %q", ErrHandshake, strings.TrimSpace(line))
	}
	return nil
}

// RemoteAddr returns the connected peer address.
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Request sends payload and waits for its acknowledgement, retrying on the
// same connection until delivered, aborted by a fatal error, out of
// attempts, or past the context deadline. The payload must be a single line.
func (c *Client) Request(ctx context.Context, payload string) (rec Receipt, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.ContainsAny(payload, "\r\n") {
		return Receipt{}, fmt.Errorf("probe: payload must be a single line")
	}
	start := time.Now()
	backoff := NewBackoff(c.cfg.Backoff)
	defer func() {
		if rec.Attempts > 0 {
			rec.Retries = rec.Attempts - 1
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			rec.Elapsed = time.Since(start)
			return rec, fmt.Errorf("probe: %w", err)
		}
		rec.Attempts++
		seq := c.seq.Add(1)
		err := c.attempt(ctx, seq, payload, &rec)
		if err == nil {
			rec.Seq = seq
			rec.Elapsed = time.Since(start)
			c.logger.Debug("probe.request.delivered",
				"seq", seq,
				"attempts", rec.Attempts,
				"stale", rec.Stale,
				"elapsed", rec.Elapsed)
			return rec, nil
		}
		if c.cfg.Fatal(err) {
			rec.Elapsed = time.Since(start)
			return rec, fmt.Errorf("probe: attempt %d: %w", rec.Attempts, err)
		}
		if err := ctx.Err(); err != nil {
			rec.Elapsed = time.Since(start)
			return rec, fmt.Errorf("probe: %w", err)
		}
		if c.cfg.MaxAttempts > 0 && rec.Attempts >= c.cfg.MaxAttempts {
			rec.Elapsed = time.Since(start)
			return rec, fmt.Errorf("probe: %w after %d attempts: %w", ErrExhausted, rec.Attempts, err)
		}
		pause := backoff.Next()
		c.logger.Debug("probe.request.retry",
			"seq", seq,
			"attempt", rec.Attempts,
			"backoff", pause,
			"error", err)
		timer := time.NewTimer(pause)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			rec.Elapsed = time.Since(start)
			return rec, fmt.Errorf("probe: %w", ctx.Err())
		}
	}
}

// attempt performs one write-and-await cycle for seq. Acknowledgements for
// earlier sequence numbers can surface here when a delayed reply finally
// lands; they are counted and skipped.
func (c *Client) attempt(ctx context.Context, seq int64, payload string, rec *Receipt) error {
	if err := c.conn.SetDeadline(c.attemptDeadline(ctx)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if _, err := fmt.Fprintf(c.conn, "SEND %d %s\n", seq, payload); err != nil {
		return err
	}
	want := fmt.Sprintf("OK %d", seq)
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch {
		case line == want:
			return nil
		case strings.HasPrefix(line, "OK "):
			rec.Stale++
			c.logger.Trace("probe.request.stale_ack", "got", line, "want", want)
		case strings.HasPrefix(line, "ERR "):
			return fmt.Errorf("upstream error: %s", strings.TrimPrefix(line, "ERR "))
		default:
			return fmt.Errorf("unexpected response %q", line)
		}
	}
}

func (c *Client) attemptDeadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.cfg.AttemptTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}
