package faultd

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"pkt.systems/faultd/probe"
)

func dialProbe(t *testing.T, ctx context.Context, addr string, cfg probe.Config) *probe.Client {
	t.Helper()
	client, err := probe.Dial(ctx, addr, cfg)
	if err != nil {
		t.Fatalf("probe dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHarnessAdmitsOneConnectionAndRelays(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	th := StartTestHarness(t)

	client := dialProbe(t, ctx, th.Addr, probe.Config{AttemptTimeout: 2 * time.Second})

	link, err := th.Controller().AwaitLink(ctx)
	if err != nil {
		t.Fatalf("await link: %v", err)
	}
	if link == nil || link.ID() == "" {
		t.Fatalf("admitted link = %v", link)
	}

	rec, err := client.Request(ctx, "baseline ping")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if rec.Attempts != 1 || rec.Retries != 0 {
		t.Fatalf("receipt = %+v, want first-attempt delivery", rec)
	}
	if got := th.Upstream.Requests(); got != 1 {
		t.Fatalf("upstream requests = %d, want 1", got)
	}

	// A second connection is accepted and immediately closed.
	second, err := net.DialTimeout("tcp", th.Addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatalf("second connection delivered data")
	}

	waitUntil(t, 2*time.Second, "refusal to be counted", func() bool {
		admitted, refused := th.Harness.GateCounts()
		return admitted == 1 && refused >= 1
	})

	// The admitted connection is unaffected by the refusal.
	if _, err := client.Request(ctx, "still here"); err != nil {
		t.Fatalf("request after refusal: %v", err)
	}
}

func TestHarnessAppliedDelayHoldsRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	th := StartTestHarness(t)

	client := dialProbe(t, ctx, th.Addr, probe.Config{AttemptTimeout: 2 * time.Second})
	ctrl := th.Controller()
	if _, err := ctrl.AwaitLink(ctx); err != nil {
		t.Fatalf("await link: %v", err)
	}

	if _, err := client.Request(ctx, "baseline"); err != nil {
		t.Fatalf("baseline request: %v", err)
	}

	if err := ctrl.ScheduleDelay(ctx, 0, 300*time.Millisecond); err != nil {
		t.Fatalf("inject delay: %v", err)
	}
	start := time.Now()
	rec, err := client.Request(ctx, "delayed")
	if err != nil {
		t.Fatalf("delayed request: %v", err)
	}
	// The delay is charged per chunk in each direction: request and reply.
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Fatalf("delayed request completed in %s, want >= 500ms", elapsed)
	}
	if rec.Attempts != 1 {
		t.Fatalf("delayed receipt = %+v, want single attempt", rec)
	}

	if err := ctrl.ClearDelay(ctx, 0); err != nil {
		t.Fatalf("clear delay: %v", err)
	}
	if _, err := client.Request(ctx, "restored"); err != nil {
		t.Fatalf("request after clear: %v", err)
	}
	if snap := ctrl.Snapshot(); snap.DeadlineArmed {
		t.Fatalf("snapshot still armed after confirmed applies: %+v", snap)
	}
}

func TestHarnessUpstreamDialFailureReleasesSlot(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Reserve an address nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve addr: %v", err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()

	th, err := NewTestHarness(ctx, WithTestConfigFunc(func(cfg *Config) {
		cfg.Upstream = deadAddr
		cfg.DialTimeout = time.Second
	}))
	if err != nil {
		t.Fatalf("start harness: %v", err)
	}
	defer th.Stop(context.Background())

	for i := 0; i < 2; i++ {
		conn, err := net.DialTimeout("tcp", th.Addr, 2*time.Second)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := conn.Read(make([]byte, 1)); err == nil {
			t.Fatalf("connection %d delivered data with dead upstream", i)
		}
		conn.Close()
	}

	waitUntil(t, 2*time.Second, "released slot to re-admit", func() bool {
		admitted, refused := th.Harness.GateCounts()
		return admitted == 2 && refused == 0
	})
	if snap := th.Controller().Snapshot(); snap.LinkAdmitted {
		t.Fatalf("link recorded despite upstream dial failures: %+v", snap)
	}
}

func TestStartHarnessStopIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	upstream, err := StartAckServer("", nil)
	if err != nil {
		t.Fatalf("start upstream: %v", err)
	}
	defer upstream.Close()

	h, stop, err := StartHarness(ctx, Config{
		Listen:   "127.0.0.1:0",
		Upstream: upstream.Addr(),
	})
	if err != nil {
		t.Fatalf("start harness: %v", err)
	}
	if h.ListenerAddr() == nil {
		t.Fatalf("listener address not available after ready")
	}

	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := h.Start(); !errors.Is(err, ErrHarnessClosed) {
		t.Fatalf("start after shutdown = %v, want ErrHarnessClosed", err)
	}
}

func TestHarnessStartFailsOnBadListen(t *testing.T) {
	h, err := NewHarness(Config{Listen: "127.0.0.1:99999", Upstream: "127.0.0.1:1"})
	if err != nil {
		t.Fatalf("new harness: %v", err)
	}
	if err := h.Start(); err == nil || !strings.Contains(err.Error(), "listen") {
		t.Fatalf("start error = %v, want listen failure", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close after failed start: %v", err)
	}
}

func TestNewHarnessRequiresUpstream(t *testing.T) {
	if _, err := NewHarness(Config{Listen: "127.0.0.1:0"}); err == nil {
		t.Fatalf("config without upstream accepted")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if _, err := NewHarness(Config{}, WithListener(ln)); err == nil {
		t.Fatalf("injected listener without upstream accepted")
	}
}
