package faultd

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"pkt.systems/faultd/internal/clock"
	"pkt.systems/faultd/internal/svcfields"
	"pkt.systems/pslog"
)

// Link is the harness's handle to the admitted connection. The delay
// scheduler applies pending delays through it; SetDelay and Delay are safe
// for concurrent use.
type Link interface {
	// ID identifies the connection in logs and snapshots.
	ID() string
	// SetDelay replaces the per-chunk forwarding delay. Zero clears it.
	SetDelay(d time.Duration)
	// Delay returns the forwarding delay currently in effect.
	Delay() time.Duration
	// Close tears the connection down in both directions.
	Close() error
}

type relayParams struct {
	client    net.Conn
	upstream  net.Conn
	clk       clock.Clock
	logger    pslog.Logger
	metrics   *harnessMetrics
	chunkSize int
	// bandwidth caps relayed throughput in bytes per second; zero is
	// unlimited.
	bandwidth    int64
	initialDelay time.Duration
}

// RelayLink relays bytes between the admitted client connection and the
// upstream, one chunk at a time. Before forwarding each chunk it sleeps for
// the configured delay, re-read per chunk so a delay change takes effect on
// the next chunk in either direction.
type RelayLink struct {
	id        string
	client    net.Conn
	upstream  net.Conn
	clk       clock.Clock
	logger    pslog.Logger
	metrics   *harnessMetrics
	chunkSize int
	bandwidth int64

	delayNanos atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

func newRelayLink(p relayParams) *RelayLink {
	if p.clk == nil {
		p.clk = clock.Real{}
	}
	if p.logger == nil {
		p.logger = pslog.NoopLogger()
	}
	if p.chunkSize <= 0 {
		p.chunkSize = DefaultChunkSize
	}
	id := xid.New().String()
	l := &RelayLink{
		id:        id,
		client:    p.client,
		upstream:  p.upstream,
		clk:       p.clk,
		logger:    svcfields.WithConn(svcfields.WithSubsystem(p.logger, "harness.relay"), id),
		metrics:   p.metrics,
		chunkSize: p.chunkSize,
		bandwidth: p.bandwidth,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	if p.initialDelay > 0 {
		l.delayNanos.Store(int64(p.initialDelay))
	}
	return l
}

// ID returns the link's connection identifier.
func (l *RelayLink) ID() string { return l.id }

// SetDelay replaces the per-chunk forwarding delay.
func (l *RelayLink) SetDelay(d time.Duration) {
	if d < 0 {
		d = 0
	}
	l.delayNanos.Store(int64(d))
	l.logger.Debug("faultd.link.delay_set", "delay", d)
	l.metrics.observeLinkDelay(d)
}

// Delay returns the forwarding delay currently in effect.
func (l *RelayLink) Delay() time.Duration {
	return time.Duration(l.delayNanos.Load())
}

// Close stops both relay directions and closes both connections. Safe to
// call more than once.
func (l *RelayLink) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		_ = l.client.Close()
		_ = l.upstream.Close()
	})
	return nil
}

// Done is closed once both relay directions have exited.
func (l *RelayLink) Done() <-chan struct{} { return l.done }

// start launches both relay directions. Either direction ending tears the
// whole link down; the admitted connection has a single life.
func (l *RelayLink) start() {
	l.logger.Debug("faultd.link.started",
		"client", remoteAddress(l.client),
		"upstream", remoteAddress(l.upstream))
	l.wg.Add(2)
	go l.pipe(l.upstream, l.client, "to_upstream")
	go l.pipe(l.client, l.upstream, "to_client")
	go func() {
		l.wg.Wait()
		close(l.done)
		l.logger.Debug("faultd.link.closed")
	}()
}

func (l *RelayLink) pipe(dst, src net.Conn, dir string) {
	defer l.wg.Done()
	defer func() { _ = l.Close() }()
	buf := make([]byte, l.chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if !l.pause(n) {
				return
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				if !closedConnError(werr) {
					l.logger.Debug("faultd.link.write_error", "dir", dir, "error", werr)
				}
				return
			}
			l.metrics.recordRelayBytes(dir, int64(n))
		}
		if err != nil {
			if !closedConnError(err) {
				l.logger.Debug("faultd.link.read_error", "dir", dir, "error", err)
			}
			return
		}
	}
}

// pause blocks for the current forwarding delay plus the bandwidth budget
// for n bytes. It reports false when the link stopped while waiting.
func (l *RelayLink) pause(n int) bool {
	if d := l.Delay(); d > 0 {
		if !l.sleep(d) {
			return false
		}
	}
	if l.bandwidth > 0 {
		d := time.Duration(float64(n) / float64(l.bandwidth) * float64(time.Second))
		if d > 0 && !l.sleep(d) {
			return false
		}
	}
	return true
}

func (l *RelayLink) sleep(d time.Duration) bool {
	t := l.clk.NewTimer(d)
	select {
	case <-t.C():
		return true
	case <-l.stopCh:
		t.Stop()
		return false
	}
}

func closedConnError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
