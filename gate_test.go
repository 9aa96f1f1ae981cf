package faultd

import (
	"net"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestGateAdmitsExactlyOne(t *testing.T) {
	gate := newAdmissionGate(pslog.NoopLogger(), nil)

	if !gate.tryAdmit("10.0.0.1:1111") {
		t.Fatalf("first connection refused")
	}
	if gate.tryAdmit("10.0.0.2:2222") {
		t.Fatalf("second connection admitted")
	}
	if gate.tryAdmit("10.0.0.3:3333") {
		t.Fatalf("third connection admitted")
	}

	admits, refusals := gate.counts()
	if admits != 1 || refusals != 2 {
		t.Fatalf("counts = %d admits %d refusals, want 1 and 2", admits, refusals)
	}
}

func TestGateReleaseReturnsSlot(t *testing.T) {
	gate := newAdmissionGate(pslog.NoopLogger(), nil)

	if !gate.tryAdmit("10.0.0.1:1111") {
		t.Fatalf("first connection refused")
	}
	gate.release("10.0.0.1:1111")
	if !gate.tryAdmit("10.0.0.2:2222") {
		t.Fatalf("connection refused after release")
	}

	admits, refusals := gate.counts()
	if admits != 2 || refusals != 0 {
		t.Fatalf("counts = %d admits %d refusals, want 2 and 0", admits, refusals)
	}
}

func TestGatedListenerClosesRefusedConns(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	gated := &gatedListener{Listener: ln, gate: newAdmissionGate(pslog.NoopLogger(), nil)}
	defer gated.Close()

	first, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	admitted, err := gated.Accept()
	if err != nil {
		t.Fatalf("accept first: %v", err)
	}
	defer admitted.Close()

	// The next Accept loops on refused connections and never returns while
	// only refused peers arrive.
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		if conn, err := gated.Accept(); err == nil {
			conn.Close()
		}
	}()

	second, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	// EOF or a reset both mean the refusal closed the socket; only data or a
	// still-open connection would be wrong.
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatalf("refused connection delivered data")
	} else if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		t.Fatalf("refused connection left open: %v", err)
	}

	gated.Close()
	select {
	case <-acceptDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("accept loop did not exit after close")
	}

	admits, refusals := gated.gate.counts()
	if admits != 1 || refusals < 1 {
		t.Fatalf("counts = %d admits %d refusals", admits, refusals)
	}
}
