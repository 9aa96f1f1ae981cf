package faultd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the harness binds to.
	DefaultListen = ":9757"
	// DefaultListenProto controls the listener network when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultAwaitLinkTimeout bounds how long AwaitLink waits for the first
	// admitted connection before failing.
	DefaultAwaitLinkTimeout = 30 * time.Second
	// DefaultApplyTimeout bounds the blocking ScheduleDelay wait for apply
	// confirmation.
	DefaultApplyTimeout = 5 * time.Second
	// DefaultDialTimeout bounds the upstream dial performed when a connection
	// is admitted.
	DefaultDialTimeout = 5 * time.Second
	// DefaultChunkSize is the relay copy chunk size; the configured delay is
	// charged once per forwarded chunk.
	DefaultChunkSize = 32 * 1024
	// DefaultShutdownTimeout caps graceful shutdown (scheduler join + relay
	// teardown + telemetry).
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is
	// omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config describes one harness instance.
type Config struct {
	// Listen is the harness bind address (for example ":9757").
	Listen string
	// ListenProto selects the listener network (tcp, tcp4, tcp6).
	ListenProto string
	// Upstream is the address the admitted connection is relayed to.
	Upstream string
	// MetricsListen is the metrics endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics enables Go runtime metrics on the metrics endpoint.
	EnableProfilingMetrics bool
	// OTLPEndpoint enables OTLP trace export to the given collector endpoint.
	OTLPEndpoint string
	// AwaitLinkTimeout bounds AwaitLink when the caller's context carries no
	// earlier deadline.
	AwaitLinkTimeout time.Duration
	// ApplyTimeout bounds the blocking ScheduleDelay confirmation wait.
	ApplyTimeout time.Duration
	// DialTimeout bounds the upstream dial for the admitted connection.
	DialTimeout time.Duration
	// ChunkSize is the relay copy chunk size in bytes.
	ChunkSize int
	// BandwidthBytesPerSecond caps relay throughput; 0 means unlimited.
	BandwidthBytesPerSecond int64
	// InitialDelay is applied to the admitted link as soon as it is
	// established, before any scheduled change.
	InitialDelay time.Duration
	// ShutdownTimeout caps the total graceful shutdown duration.
	ShutdownTimeout time.Duration
}

// Validate reports configuration errors a harness cannot start with.
func (c Config) Validate() error {
	if c.Upstream == "" {
		return fmt.Errorf("config: upstream address required")
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("config: chunk size must not be negative")
	}
	if c.BandwidthBytesPerSecond < 0 {
		return fmt.Errorf("config: bandwidth must not be negative")
	}
	if c.InitialDelay < 0 {
		return fmt.Errorf("config: initial delay must not be negative")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"await-link-timeout", c.AwaitLinkTimeout},
		{"apply-timeout", c.ApplyTimeout},
		{"dial-timeout", c.DialTimeout},
		{"shutdown-timeout", c.ShutdownTimeout},
	} {
		if d.value < 0 {
			return fmt.Errorf("config: %s must not be negative", d.name)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	if c.AwaitLinkTimeout == 0 {
		c.AwaitLinkTimeout = DefaultAwaitLinkTimeout
	}
	if c.ApplyTimeout == 0 {
		c.ApplyTimeout = DefaultApplyTimeout
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// DefaultConfigDir returns the per-user configuration directory.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".faultd"), nil
}
