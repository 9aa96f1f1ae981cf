package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/faultd"
	"pkt.systems/faultd/internal/svcfields"
	"pkt.systems/pslog"
)

func newCheckCommand(baseLogger pslog.Logger) *cobra.Command {
	var (
		attemptTimeout  time.Duration
		retryBackoff    time.Duration
		baselineTimeout time.Duration
		injectedDelay   time.Duration
		clearAfter      time.Duration
		deadline        time.Duration
		maxAttempts     int
		keepDelay       bool
		skipSecondConn  bool
		skipHostSample  bool
		logLevel        string
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the retry validation scenario against an in-process harness and upstream",
		Long: `check stands up an ack upstream and a harness in front of it, then drives
the retry contract end to end: an undelayed baseline request, a confirmed
delay injection, a clear scheduled between the second and third retry, and a
final request that must be delivered in time over the one admitted
connection. The report is printed as JSON; violations exit non-zero.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			if lvl := strings.TrimSpace(logLevel); lvl != "" {
				if level, ok := pslog.ParseLevel(lvl); ok {
					logger = logger.LogLevel(level)
				}
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.check")

			cfg := faultd.DefaultScenarioConfig()
			cfg.AttemptTimeout = attemptTimeout
			cfg.RetryBackoff = retryBackoff
			cfg.BaselineTimeout = baselineTimeout
			cfg.InjectedDelay = injectedDelay
			cfg.ClearDelay = !keepDelay
			cfg.ClearAfter = clearAfter
			cfg.Deadline = deadline
			cfg.MaxAttempts = maxAttempts
			cfg.ProbeSecondConnection = !skipSecondConn
			cfg.SampleHost = !skipHostSample
			cfg.Logger = logger

			report, err := faultd.RunRetryScenario(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))

			if violations := reportViolations(cfg, report); len(violations) > 0 {
				for _, v := range violations {
					cliLogger.Error("scenario violation", "violation", v, "run_id", report.RunID)
				}
				return fmt.Errorf("scenario failed: %s", strings.Join(violations, "; "))
			}
			cliLogger.Info("scenario passed",
				"run_id", report.RunID,
				"attempts", report.Attempts,
				"delivered_in", report.DeliveredIn)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&attemptTimeout, "attempt-timeout", faultd.DefaultScenarioAttemptTimeout, "per-attempt timeout of the probed client")
	flags.DurationVar(&retryBackoff, "retry-backoff", faultd.DefaultScenarioRetryBackoff, "fixed pause between probe attempts")
	flags.DurationVar(&baselineTimeout, "baseline-timeout", faultd.DefaultScenarioBaselineTimeout, "timeout for the undelayed baseline request")
	flags.DurationVar(&injectedDelay, "delay", faultd.DefaultScenarioInjectedDelay, "forwarding delay injected after the baseline (0 disables)")
	flags.DurationVar(&clearAfter, "clear-after", 0, "offset for the scheduled clear (0 derives two attempt cycles minus margin)")
	flags.DurationVar(&deadline, "deadline", 0, "delivery deadline for the final request (0 derives two attempt cycles plus margin)")
	flags.IntVar(&maxAttempts, "max-attempts", faultd.DefaultScenarioMaxAttempts, "probe attempt budget per request")
	flags.BoolVar(&keepDelay, "keep-delay", false, "never clear the injected delay; the final request is expected to fail")
	flags.BoolVar(&skipSecondConn, "skip-second-connection", false, "skip probing that a second connection is refused")
	flags.BoolVar(&skipHostSample, "skip-host-sample", false, "skip the host load sample in the report")
	flags.StringVar(&logLevel, "log-level", "", "log level for the scenario run (trace, debug, info, warn, error)")

	return cmd
}

// reportViolations compares the run against the scenario contract. With
// --keep-delay the contract inverts: the final request must NOT get through.
func reportViolations(cfg faultd.ScenarioConfig, report faultd.Report) []string {
	var violations []string
	if report.BaselineError != "" {
		violations = append(violations, fmt.Sprintf("baseline request failed: %s", report.BaselineError))
		return violations
	}
	expectDelivery := cfg.ClearDelay || cfg.InjectedDelay == 0
	if expectDelivery && !report.Delivered {
		violations = append(violations, fmt.Sprintf("final request not delivered: %s", report.DeliveryError))
	}
	if !expectDelivery && report.Delivered {
		violations = append(violations, "final request delivered although the delay was never cleared")
	}
	if report.Admitted != 1 {
		violations = append(violations, fmt.Sprintf("expected exactly one admitted connection, got %d", report.Admitted))
	}
	if cfg.ProbeSecondConnection && !report.SecondConnectionRefused {
		violations = append(violations, "second connection was not refused")
	}
	return violations
}
