package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/relayd"
	"pkt.systems/relayd/internal/version"
)

func executeRootCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NewStructured(io.Discard))
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsCurrentVersion(t *testing.T) {
	t.Setenv("RELAYD_CONFIG", "")

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

func TestBindConfigReadsEnvironment(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("RELAYD_LISTEN", "127.0.0.1:9999")
	t.Setenv("RELAYD_STORE", "disk:///tmp/relayd-state")
	t.Setenv("RELAYD_SIGNING_SECRET", "hunter2")
	t.Setenv("RELAYD_RATE_MAX_REQUESTS", "25")
	t.Setenv("RELAYD_SIGNATURE_MAX_SKEW", "90s")
	t.Setenv("RELAYD_FEE_PERCENTILE", "0.75")

	newRootCommand(pslog.NewStructured(io.Discard))

	var cfg relayd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9999" {
		t.Fatalf("Listen=%q", cfg.Listen)
	}
	if cfg.Store != "disk:///tmp/relayd-state" {
		t.Fatalf("Store=%q", cfg.Store)
	}
	if cfg.SigningSecret != "hunter2" {
		t.Fatalf("SigningSecret=%q", cfg.SigningSecret)
	}
	if cfg.RateMaxRequests != 25 {
		t.Fatalf("RateMaxRequests=%d", cfg.RateMaxRequests)
	}
	if cfg.SignatureMaxSkew != 90*time.Second {
		t.Fatalf("SignatureMaxSkew=%v", cfg.SignatureMaxSkew)
	}
	if cfg.FeePercentile != 0.75 {
		t.Fatalf("FeePercentile=%v", cfg.FeePercentile)
	}
	if !cfg.DrainGraceSet || !cfg.ShutdownTimeoutSet {
		t.Fatal("expected drain/shutdown durations to be marked as set")
	}
}

func TestBindConfigParsesPenaltyTable(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("RELAYD_RATE_PENALTIES", "30s,2m,10m")

	newRootCommand(pslog.NewStructured(io.Discard))

	var cfg relayd.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	want := []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute}
	if len(cfg.RatePenalties) != len(want) {
		t.Fatalf("RatePenalties=%v", cfg.RatePenalties)
	}
	for i, d := range want {
		if cfg.RatePenalties[i] != d {
			t.Fatalf("RatePenalties[%d]=%v want %v", i, cfg.RatePenalties[i], d)
		}
	}
}

func TestBindConfigRejectsMalformedPenalty(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("RELAYD_RATE_PENALTIES", "30s,borked")

	newRootCommand(pslog.NewStructured(io.Discard))

	var cfg relayd.Config
	err := bindConfig(&cfg)
	if err == nil {
		t.Fatal("expected error for malformed penalty duration")
	}
	if !strings.Contains(err.Error(), "rate-penalties") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRootCommandRejectsUnknownFlag(t *testing.T) {
	t.Cleanup(viper.Reset)

	_, _, err := executeRootCommand(t, "--bogus")
	if err == nil {
		t.Fatal("expected unknown flag error")
	}
	if !strings.Contains(err.Error(), "unknown flag") {
		t.Fatalf("unexpected error: %v", err)
	}
}
