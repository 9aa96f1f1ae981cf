package probe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// startLineServer serves a newline-delimited protocol on a loopback listener.
// The handler runs once per received line on the connection's goroutine, so a
// sleeping handler delays that connection's later replies too.
func startLineServer(t *testing.T, handler func(line string, w io.Writer)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			go func(c net.Conn) {
				defer c.Close()
				scanner := bufio.NewScanner(c)
				for scanner.Scan() {
					line := strings.TrimSpace(scanner.Text())
					if line == "" {
						continue
					}
					handler(line, c)
				}
			}(conn)
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	})
	return ln.Addr().String()
}

// ackingHandler answers the handshake and acknowledges every request.
func ackingHandler(line string, w io.Writer) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "HELLO":
		fmt.Fprintln(w, "WELCOME")
	case "SEND":
		fmt.Fprintln(w, "OK "+fields[1])
	}
}

func TestClientDeliversFirstAttempt(t *testing.T) {
	addr := startLineServer(t, ackingHandler)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, Config{AttemptTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	rec, err := client.Request(ctx, "payload one")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if rec.Seq != 1 || rec.Attempts != 1 || rec.Retries != 0 || rec.Stale != 0 {
		t.Fatalf("receipt = %+v, want clean first delivery of seq 1", rec)
	}

	rec, err = client.Request(ctx, "payload two")
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if rec.Seq != 2 {
		t.Fatalf("second receipt = %+v, want seq 2", rec)
	}
}

func TestClientRetriesWhenServerStaysSilent(t *testing.T) {
	var sends int
	addr := startLineServer(t, func(line string, w io.Writer) {
		fields := strings.Fields(line)
		switch fields[0] {
		case "HELLO":
			fmt.Fprintln(w, "WELCOME")
		case "SEND":
			sends++
			if sends == 1 {
				return // swallow the first request
			}
			fmt.Fprintln(w, "OK "+fields[1])
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, Config{
		AttemptTimeout: 100 * time.Millisecond,
		Backoff:        BackoffConfig{Initial: 50 * time.Millisecond, Multiplier: 1},
		MaxAttempts:    3,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	rec, err := client.Request(ctx, "needs a retry")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if rec.Attempts != 2 || rec.Retries != 1 {
		t.Fatalf("receipt = %+v, want delivery on the second attempt", rec)
	}
	if rec.Seq != 2 {
		t.Fatalf("receipt seq = %d, want the retried sequence 2", rec.Seq)
	}
	if rec.Elapsed < 150*time.Millisecond {
		t.Fatalf("elapsed = %s, want at least one timeout plus backoff", rec.Elapsed)
	}
}

func TestClientSkipsStaleAcknowledgement(t *testing.T) {
	var sends int
	addr := startLineServer(t, func(line string, w io.Writer) {
		fields := strings.Fields(line)
		switch fields[0] {
		case "HELLO":
			fmt.Fprintln(w, "WELCOME")
		case "SEND":
			sends++
			if sends == 1 {
				// Answer well past the attempt timeout; the ack surfaces
				// during the next attempt.
				time.Sleep(250 * time.Millisecond)
			}
			fmt.Fprintln(w, "OK "+fields[1])
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, Config{
		AttemptTimeout: 150 * time.Millisecond,
		Backoff:        BackoffConfig{Initial: 50 * time.Millisecond, Multiplier: 1},
		MaxAttempts:    3,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	rec, err := client.Request(ctx, "late ack")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if rec.Attempts != 2 || rec.Stale != 1 {
		t.Fatalf("receipt = %+v, want one stale ack skipped on the second attempt", rec)
	}
	if rec.Seq != 2 {
		t.Fatalf("receipt seq = %d, want 2", rec.Seq)
	}
}

func TestClientExhaustsAttemptBudget(t *testing.T) {
	addr := startLineServer(t, func(line string, w io.Writer) {
		if strings.HasPrefix(line, "HELLO") {
			fmt.Fprintln(w, "WELCOME")
		}
		// Requests are read and dropped.
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, Config{
		AttemptTimeout: 50 * time.Millisecond,
		Backoff:        BackoffConfig{Initial: 20 * time.Millisecond, Multiplier: 1},
		MaxAttempts:    2,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	rec, err := client.Request(ctx, "never acked")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("error = %v, want ErrExhausted", err)
	}
	if rec.Attempts != 2 || rec.Retries != 1 {
		t.Fatalf("receipt = %+v, want the full budget of 2 attempts", rec)
	}
}

func TestClientContextBoundsUnlimitedRetries(t *testing.T) {
	addr := startLineServer(t, func(line string, w io.Writer) {
		if strings.HasPrefix(line, "HELLO") {
			fmt.Fprintln(w, "WELCOME")
		}
	})

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	client, err := Dial(dialCtx, addr, Config{
		AttemptTimeout: 50 * time.Millisecond,
		Backoff:        BackoffConfig{Initial: 20 * time.Millisecond, Multiplier: 1},
		MaxAttempts:    0,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	rec, err := client.Request(ctx, "until deadline")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
	if rec.Attempts < 2 {
		t.Fatalf("attempts = %d, want several before the deadline", rec.Attempts)
	}
}

func TestClientAbortsOnUpstreamError(t *testing.T) {
	addr := startLineServer(t, func(line string, w io.Writer) {
		fields := strings.Fields(line)
		switch fields[0] {
		case "HELLO":
			fmt.Fprintln(w, "WELCOME")
		case "SEND":
			fmt.Fprintln(w, "ERR boom")
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, Config{AttemptTimeout: time.Second, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	rec, err := client.Request(ctx, "rejected")
	if err == nil || !strings.Contains(err.Error(), "upstream error: boom") {
		t.Fatalf("error = %v, want upstream error", err)
	}
	if rec.Attempts != 1 {
		t.Fatalf("attempts = %d, want no retry on a fatal error", rec.Attempts)
	}
}

func TestClientAbortsOnProtocolGarbage(t *testing.T) {
	addr := startLineServer(t, func(line string, w io.Writer) {
		fields := strings.Fields(line)
		switch fields[0] {
		case "HELLO":
			fmt.Fprintln(w, "WELCOME")
		case "SEND":
			fmt.Fprintln(w, "GARBAGE")
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, Config{AttemptTimeout: time.Second, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Request(ctx, "x"); err == nil || !strings.Contains(err.Error(), "unexpected response") {
		t.Fatalf("error = %v, want unexpected response", err)
	}
}

func TestClientRejectsMultilinePayload(t *testing.T) {
	addr := startLineServer(t, ackingHandler)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, Config{AttemptTimeout: time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Request(ctx, "two\nlines"); err == nil || !strings.Contains(err.Error(), "single line") {
		t.Fatalf("error = %v, want single-line rejection", err)
	}
}

func TestDialRejectsBadHandshake(t *testing.T) {
	addr := startLineServer(t, func(line string, w io.Writer) {
		fmt.Fprintln(w, "NOPE")
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := Dial(ctx, addr, Config{AttemptTimeout: time.Second}); !errors.Is(err, ErrHandshake) {
		t.Fatalf("dial error = %v, want ErrHandshake", err)
	}
}

func TestDialWithoutHandshake(t *testing.T) {
	addr := startLineServer(t, func(line string, w io.Writer) {
		fields := strings.Fields(line)
		if fields[0] == "SEND" {
			fmt.Fprintln(w, "OK "+fields[1])
		}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, Config{AttemptTimeout: time.Second, DisableHandshake: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	rec, err := client.Request(ctx, "no greeting")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if rec.Attempts != 1 {
		t.Fatalf("receipt = %+v", rec)
	}
}

func TestDefaultFatalClassifier(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"eof", io.EOF, false},
		{"unexpected eof", io.ErrUnexpectedEOF, false},
		{"closed", net.ErrClosed, false},
		{"protocol", errors.New("unexpected response"), true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := DefaultFatalClassifier(tc.err); got != tc.fatal {
				t.Fatalf("fatal(%v) = %v, want %v", tc.err, got, tc.fatal)
			}
		})
	}
}
