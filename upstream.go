package faultd

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"pkt.systems/faultd/internal/svcfields"
	"pkt.systems/pslog"
)

// AckServer is a minimal line-protocol upstream used by scenarios and tests.
// It answers "SEND <seq> <payload>" with "OK <seq>" and an optional "HELLO"
// greeting with "WELCOME". Every line is terminated by '\n'. The server
// itself never delays; all fault timing comes from the harness relay in
// front of it.
type AckServer struct {
	logger pslog.Logger
	ln     net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup

	requests atomic.Int64
}

// StartAckServer binds addr (empty means 127.0.0.1:0) and serves in the
// background until Close.
func StartAckServer(addr string, logger pslog.Logger) (*AckServer, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ackserver: listen: %w", err)
	}
	s := &AckServer{
		logger: svcfields.WithSubsystem(logger, "upstream.ack"),
		ln:     ln,
		conns:  make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	s.logger.Debug("faultd.upstream.listening", "address", ln.Addr().String())
	return s, nil
}

// Addr returns the bound address.
func (s *AckServer) Addr() string {
	return s.ln.Addr().String()
}

// Requests reports how many SEND lines were answered.
func (s *AckServer) Requests() int64 {
	return s.requests.Load()
}

// Close stops the listener and tears down every open connection.
func (s *AckServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	err := s.ln.Close()
	s.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *AckServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("faultd.upstream.accept_error", "error", err)
			}
			return
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *AckServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *AckServer) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *AckServer) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer func() { _ = conn.Close() }()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := s.replyFor(line)
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			if !closedConnError(err) {
				s.logger.Debug("faultd.upstream.write_error", "error", err)
			}
			return
		}
	}
	if err := scanner.Err(); err != nil && !closedConnError(err) {
		s.logger.Debug("faultd.upstream.read_error", "error", err)
	}
}

func (s *AckServer) replyFor(line string) string {
	fields := strings.Fields(line)
	switch strings.ToUpper(fields[0]) {
	case "HELLO":
		return "WELCOME"
	case "SEND":
		if len(fields) < 2 {
			return "ERR missing sequence"
		}
		s.requests.Add(1)
		return "OK " + fields[1]
	default:
		return "ERR unknown command"
	}
}
