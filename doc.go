// Package faultd is a deterministic network-fault injection harness for
// validating client retry and backoff behaviour over exactly one connection.
// It admits the first inbound connection, refuses every later one, relays the
// admitted connection to an upstream peer, and applies a configurable delay to
// that relay at precisely scheduled instants: immediately with a synchronous
// confirmation, or at a future offset without blocking.
//
// Copyright (C) 2026 Michel Blomgren <https://pkt.systems>
//
// # Running a harness
//
// The harness listens on `Config.Listen` and relays the single admitted
// connection to `Config.Upstream`:
//
//	cfg := faultd.Config{
//	    Listen:   ":9757",
//	    Upstream: "broker.internal:9092",
//	}
//	h, stop, err := faultd.StartHarness(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
//	ctrl := h.Controller()
//	link, err := ctrl.AwaitLink(ctx)          // first connection admitted
//	if err != nil { log.Fatal(err) }
//	_ = link
//	err = ctrl.ScheduleDelay(ctx, 0, 3*time.Second)  // active before return
//	if err != nil { log.Fatal(err) }
//	err = ctrl.ClearDelay(ctx, 11900*time.Millisecond) // fires later, non-blocking
//	if err != nil { log.Fatal(err) }
//
// A delay scheduled with offset zero is guaranteed active before
// ScheduleDelay returns; a future offset activates no earlier than requested,
// within scheduler wake granularity. Termination is cooperative and
// idempotent: Shutdown (or Controller.Terminate) flags the scheduler, wakes
// it, and joins it before tearing down the relay.
//
// # Validating a client
//
// RunRetryScenario drives the whole sequence against an in-process upstream
// and the bundled probe client: baseline request, immediate delay, scheduled
// clear landing between the second and third retry, delivery deadline, and a
// report with attempt counts and admission statistics:
//
//	report, err := faultd.RunRetryScenario(ctx, faultd.DefaultScenarioConfig())
//	if err != nil { log.Fatal(err) }
//	if !report.Delivered || report.Retries != 2 {
//	    log.Fatalf("retry contract violated: %+v", report)
//	}
//
// Tests use the TestHarness fixture (StartTestHarness): options configure the
// harness, an ack upstream is started on demand, logs route to testing.TB, and
// cleanup is automatic.
package faultd
