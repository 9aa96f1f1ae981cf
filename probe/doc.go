// Package probe is a retrying line-protocol client used to validate fault
// harness behaviour from the outside. It speaks the ack protocol ("SEND
// <seq> <payload>" answered by "OK <seq>") over a single TCP connection and
// retries timed-out requests on that same connection: each attempt uses a
// fresh sequence number, so acknowledgements surfacing late for an earlier
// attempt are recognised and skipped rather than misattributed.
//
// Copyright (C) 2026 Michel Blomgren <https://pkt.systems>
package probe
