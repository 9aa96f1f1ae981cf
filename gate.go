package faultd

import (
	"net"
	"sync"

	"pkt.systems/faultd/internal/svcfields"
	"pkt.systems/pslog"
)

// admissionGate enforces the single-connection policy: the first inbound
// connection is admitted, every later one is refused. Refusal is
// accept-then-close, which the peer observes as a reset before any byte is
// exchanged.
type admissionGate struct {
	logger  pslog.Logger
	metrics *harnessMetrics

	mu       sync.Mutex
	admitted bool
	admits   int
	refusals int
}

func newAdmissionGate(logger pslog.Logger, metrics *harnessMetrics) *admissionGate {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &admissionGate{
		logger:  svcfields.WithSubsystem(logger, "harness.gate"),
		metrics: metrics,
	}
}

// tryAdmit claims the single admission slot. It reports true exactly once
// until release returns the slot.
func (g *admissionGate) tryAdmit(remote string) bool {
	g.mu.Lock()
	if g.admitted {
		g.refusals++
		refusals := g.refusals
		g.mu.Unlock()
		g.logger.Warn("faultd.gate.refused", "remote", remote, "refusals", refusals)
		g.metrics.recordRefused()
		return false
	}
	g.admitted = true
	g.admits++
	g.mu.Unlock()
	g.logger.Info("faultd.gate.admitted", "remote", remote)
	g.metrics.recordAdmitted()
	return true
}

// release returns the admission slot after an admitted connection failed
// before it was recorded, typically because the upstream dial failed. Without
// this the harness would refuse every future connection while never having
// had a usable one.
func (g *admissionGate) release(remote string) {
	g.mu.Lock()
	g.admitted = false
	g.mu.Unlock()
	g.logger.Warn("faultd.gate.released", "remote", remote)
}

func (g *admissionGate) counts() (admits, refusals int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admits, g.refusals
}

type gatedListener struct {
	net.Listener
	gate *admissionGate
}

// Accept returns the first admitted connection and silently closes the rest.
func (l *gatedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if l.gate.tryAdmit(remoteAddress(conn)) {
			return conn, nil
		}
		_ = conn.Close()
	}
}

func remoteAddress(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	remote := conn.RemoteAddr()
	if remote == nil {
		return ""
	}
	return remote.String()
}
