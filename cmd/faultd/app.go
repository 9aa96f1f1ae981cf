package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/faultd"
	"pkt.systems/faultd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("FAULTD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "faultd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if !isSubcommandToken(root, tok) {
				continue
			}
			return true
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") && arg != "--" {
			if eq := strings.IndexByte(arg, '='); eq >= 0 {
				i++
				continue
			}
			name := strings.TrimPrefix(arg, "--")
			flag := lookupLong(name)
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := faultd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, faultd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg faultd.Config

	cmd := &cobra.Command{
		Use:           "faultd",
		Short:         "faultd is a deterministic fault-injection relay that admits exactly one connection and schedules forwarding delays against it",
		SilenceErrors: true,
		Example: `
  # Relay to a local broker, inject a 3s delay immediately, clear it at 11.9s
  faultd --upstream localhost:9092 --schedule plan.yaml

  # Keep the plan file hot: edits re-apply the plan to the admitted connection
  faultd --upstream localhost:9092 --schedule plan.yaml --watch

  # Expose Prometheus metrics while relaying
  faultd --upstream localhost:9092 --metrics-listen :9758

  # Start every relayed byte 500ms late until a plan says otherwise
  faultd --upstream localhost:9092 --initial-delay 500ms
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "harness.lifecycle.init").WithLogLevel().Info(
				"welcome to faultd",
				"app", "faultd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			level, ok := pslog.ParseLevel(logLevel)
			if ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			schedulePath := strings.TrimSpace(viper.GetString("schedule"))
			watchSchedule := viper.GetBool("watch")

			harness, err := faultd.NewHarness(cfg, faultd.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = harness.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := harness.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if schedulePath != "" {
				expanded, err := expandPath(schedulePath)
				if err != nil {
					return fmt.Errorf("expand schedule path %q: %w", schedulePath, err)
				}
				planLogger := svcfields.WithSubsystem(logger, "cli.schedule")
				go func() {
					if err := harness.WaitUntilReady(ctx); err != nil {
						return
					}
					err := faultd.RunScheduleFile(ctx, expanded, harness.Controller(), watchSchedule, logger)
					if err != nil && !errors.Is(err, context.Canceled) {
						planLogger.Error("fault plan failed", "path", expanded, "error", err)
					}
				}()
			}

			err = harness.Start()
			if err != nil && !errors.Is(err, faultd.ErrHarnessClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.faultd/"+faultd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", faultd.DefaultListen, "listen address the probed client connects to")
	flags.String("listen-proto", faultd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.StringP("upstream", "u", "", "upstream address the admitted connection is relayed to (required)")
	flags.String("schedule", "", "path to a YAML fault plan applied to the admitted connection")
	flags.Bool("watch", false, "reload and re-apply the fault plan when the file changes")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("bandwidth", "", "relay bandwidth cap in bytes per second (e.g. 512KB; empty disables)")
	flags.String("chunk-size", humanizeBytes(faultd.DefaultChunkSize), "relay read/write batch size")
	flags.Duration("initial-delay", 0, "forwarding delay in effect from admission until a schedule changes it")
	flags.Duration("await-link-timeout", faultd.DefaultAwaitLinkTimeout, "how long controller waits for the first admitted connection")
	flags.Duration("apply-timeout", faultd.DefaultApplyTimeout, "how long a blocking delay change waits for apply confirmation")
	flags.Duration("dial-timeout", faultd.DefaultDialTimeout, "upstream dial timeout per admitted connection")
	flags.Duration("shutdown-timeout", faultd.DefaultShutdownTimeout, "overall shutdown timeout")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("FAULTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "listen-proto", "upstream", "schedule", "watch",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"bandwidth", "chunk-size", "initial-delay",
		"await-link-timeout", "apply-timeout", "dial-timeout", "shutdown-timeout",
		"otlp-endpoint", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newCheckCommand(baseLogger))
	cmd.AddCommand(newPlanCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *faultd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.Upstream = strings.TrimSpace(viper.GetString("upstream"))
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	if bw := strings.TrimSpace(viper.GetString("bandwidth")); bw != "" {
		size, err := humanize.ParseBytes(bw)
		if err != nil {
			return fmt.Errorf("parse bandwidth: %w", err)
		}
		cfg.BandwidthBytesPerSecond = int64(size)
	}
	if chunk := strings.TrimSpace(viper.GetString("chunk-size")); chunk != "" {
		size, err := humanize.ParseBytes(chunk)
		if err != nil {
			return fmt.Errorf("parse chunk-size: %w", err)
		}
		cfg.ChunkSize = int(size)
	}
	cfg.InitialDelay = viper.GetDuration("initial-delay")
	cfg.AwaitLinkTimeout = viper.GetDuration("await-link-timeout")
	cfg.ApplyTimeout = viper.GetDuration("apply-timeout")
	cfg.DialTimeout = viper.GetDuration("dial-timeout")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	return nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
