package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/faultd/internal/version"
	"pkt.systems/pslog"
)

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--upstream", "localhost:9092"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "upstream shorthand with value", args: []string{"-u", "localhost:9092"}, want: true},
		{name: "subcommand", args: []string{"check"}, want: false},
		{name: "plan subcommand", args: []string{"plan", "validate", "plan.yaml"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "check"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown shorthand before subcommand", args: []string{"-z", "check"}, want: false},
		{name: "unknown long before subcommand", args: []string{"--bogus", "version"}, want: false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	t.Setenv("FAULTD_CONFIG", "")

	stdout, stderr, err := executeRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestPlanValidateCommand(t *testing.T) {
	t.Setenv("FAULTD_CONFIG", "")

	path := filepath.Join(t.TempDir(), "plan.yaml")
	plan := "steps:\n  - after: 0s\n    delay: 3s\n  - after: 11.9s\n    delay: 0s\n"
	if err := os.WriteFile(path, []byte(plan), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	stdout, _, err := executeRootCommand(t, "plan", "validate", path)
	if err != nil {
		t.Fatalf("plan validate failed: %v", err)
	}
	if !strings.Contains(stdout, "step 0: after 0s set delay 3s") {
		t.Fatalf("missing first step in output: %q", stdout)
	}
	if !strings.Contains(stdout, "step 1: after 11.9s set delay 0s") {
		t.Fatalf("missing second step in output: %q", stdout)
	}
}

func TestPlanValidateCommandRejectsEmptyPlan(t *testing.T) {
	t.Setenv("FAULTD_CONFIG", "")

	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte("steps: []\n"), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	_, _, err := executeRootCommand(t, "plan", "validate", path)
	if err == nil {
		t.Fatal("expected validation error for empty plan")
	}
	if !strings.Contains(err.Error(), "no steps") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPlanGenCommandWritesFile(t *testing.T) {
	t.Setenv("FAULTD_CONFIG", "")

	path := filepath.Join(t.TempDir(), "plan.yaml")
	stdout, _, err := executeRootCommand(t, "plan", "gen", "--out", path)
	if err != nil {
		t.Fatalf("plan gen failed: %v", err)
	}
	if !strings.Contains(stdout, "wrote fault plan") {
		t.Fatalf("unexpected stdout: %q", stdout)
	}

	stdout, _, err = executeRootCommand(t, "plan", "validate", path)
	if err != nil {
		t.Fatalf("generated plan failed validation: %v", err)
	}
	if !strings.Contains(stdout, "step 1: after 11.9s set delay 0s") {
		t.Fatalf("generated plan missing clear step: %q", stdout)
	}

	_, _, err = executeRootCommand(t, "plan", "gen", "--out", path)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
}

func TestRootHasUpstreamShorthand(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(context.Background(), io.Discard))
	if flag := root.Flags().ShorthandLookup("u"); flag == nil || flag.Name != "upstream" {
		t.Fatalf("expected -u shorthand for --upstream, got %#v", flag)
	}
	if flag := root.PersistentFlags().ShorthandLookup("c"); flag == nil || flag.Name != "config" {
		t.Fatalf("expected global -c shorthand for --config, got %#v", flag)
	}
}
