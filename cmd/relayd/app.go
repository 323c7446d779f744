package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
	"pkt.systems/relayd"
	"pkt.systems/relayd/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("RELAYD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "relayd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := relayd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, relayd.DefaultConfigFileName)
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
	var cfg relayd.Config

	cmd := &cobra.Command{
		Use:           "relayd",
		Short:         "relayd is a gasless transaction relay that sponsors SPL token transfers behind signed, encrypted requests",
		SilenceErrors: true,
		Example: `
  # in-memory state, mainnet RPC, signing + payload encryption from the environment
  RELAYD_PAYLOAD_PASSPHRASE=... RELAYD_PAYLOAD_IV_SEED=... RELAYD_SIGNING_SECRET=... \
    relayd --relay-key /etc/relayd/relay-key.json

  # single-node disk state with envelope encryption at rest
  relayd --store disk:///var/lib/relayd --storage-keys /etc/relayd/storage.pem \
    --relay-key /etc/relayd/relay-key.json

  # devnet with metrics and a local OTLP collector
  relayd --rpc-endpoint https://api.devnet.solana.com --metrics-listen :9090 \
    --otlp-endpoint grpc://localhost:4317 --relay-key ./relay-key.json
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to relayd",
				"app", "relayd",
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
			cliLogger.Info("fee policy",
				"max_priority_fee", humanize.Comma(int64(cfg.MaxPriorityFee)),
				"fee_percentile", cfg.FeePercentile,
			)

			server, err := relayd.NewServer(cfg, relayd.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.relayd/"+relayd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", relayd.DefaultListen, "listen address")
	flags.String("metrics-listen", relayd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", relayd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("store", relayd.DefaultStore, "shared state backend URL (mem://, disk:///path)")
	flags.String("storage-keys", "", "PEM keystore for envelope encryption of stored records (empty disables)")
	flags.Int("storage-retry-attempts", relayd.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", relayd.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", relayd.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", relayd.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.String("rpc-endpoint", relayd.DefaultRPCEndpoint, "ledger JSON-RPC endpoint")
	flags.Duration("rpc-timeout", relayd.DefaultRPCTimeout, "per-call ledger RPC timeout")
	flags.String("relay-key", "", "path to the relay fee-payer keypair (keygen JSON format)")
	flags.String("payload-passphrase", "", "shared passphrase deriving the payload encryption key (or RELAYD_PAYLOAD_PASSPHRASE)")
	flags.String("payload-iv-seed", "", "shared seed deriving the payload initialization vector (or RELAYD_PAYLOAD_IV_SEED)")
	flags.String("signing-secret", "", "shared HMAC secret authenticating requests (empty disables signing; or RELAYD_SIGNING_SECRET)")
	flags.Bool("signing-strict", false, "reject signed requests when the nonce store is unreachable")
	flags.Duration("signature-max-skew", relayd.DefaultSignatureMaxSkew, "accepted clock drift on signed request timestamps")
	flags.Duration("rate-window", relayd.DefaultRateWindow, "fixed rate-limit window length")
	flags.Int("rate-max-requests", relayd.DefaultRateMaxRequests, "per-sender request quota within one window")
	flags.String("rate-penalties", "", "comma-separated escalating lockout durations for repeat violations (empty uses built-in table)")
	flags.Duration("violation-horizon", relayd.DefaultViolationHorizon, "how long repeat violations keep escalating penalties")
	flags.Int("congestion-sample-window", relayd.DefaultCongestionSampleWindow, "recent performance samples used for tier classification")
	flags.Float64("fee-percentile", relayd.DefaultFeePercentile, "priority-fee percentile over recent observations")
	flags.Uint64("max-priority-fee", relayd.DefaultMaxPriorityFee, "global micro-lamport ceiling on sponsored priority fees")
	flags.String("admin-token", "", "bearer token guarding deny-list administration (empty disables)")
	flags.Bool("connguard-enabled", true, "enable listener-level connection guarding")
	flags.Int("connguard-failure-threshold", relayd.DefaultConnguardFailureThreshold, "number of suspicious connection failures before hard-blocking an IP")
	flags.Duration("connguard-failure-window", relayd.DefaultConnguardFailureWindow, "window used to count suspicious connection failures")
	flags.Duration("connguard-block-duration", relayd.DefaultConnguardBlockDuration, "time to block an IP after reaching failure threshold")
	flags.Duration("connguard-probe-timeout", relayd.DefaultConnguardProbeTimeout, "timeout for classification of suspicious connection attempts")
	flags.Duration("drain-grace", relayd.DefaultDrainGrace, "grace period before HTTP shutdown begins (set 0 to disable)")
	flags.Duration("shutdown-timeout", relayd.DefaultShutdownTimeout, "overall shutdown timeout")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Bool("http-tracing", false, "instrument request handling with OTel spans")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

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

	viper.SetEnvPrefix("RELAYD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"store", "storage-keys",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"rpc-endpoint", "rpc-timeout", "relay-key",
		"payload-passphrase", "payload-iv-seed",
		"signing-secret", "signing-strict", "signature-max-skew",
		"rate-window", "rate-max-requests", "rate-penalties", "violation-horizon",
		"congestion-sample-window", "fee-percentile", "max-priority-fee",
		"admin-token",
		"connguard-enabled", "connguard-failure-threshold", "connguard-failure-window", "connguard-block-duration", "connguard-probe-timeout",
		"drain-grace", "shutdown-timeout",
		"otlp-endpoint", "http-tracing", "log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newVerifyCommand())

	return cmd
}

func bindConfig(cfg *relayd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.MetricsListenSet = viper.IsSet("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.PprofListenSet = viper.IsSet("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.Store = viper.GetString("store")
	cfg.StorageKeysPath = viper.GetString("storage-keys")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.RPCEndpoint = viper.GetString("rpc-endpoint")
	cfg.RPCTimeout = viper.GetDuration("rpc-timeout")
	cfg.RelayKeyPath = viper.GetString("relay-key")
	cfg.PayloadPassphrase = viper.GetString("payload-passphrase")
	cfg.PayloadIVSeed = viper.GetString("payload-iv-seed")
	cfg.SigningSecret = viper.GetString("signing-secret")
	cfg.SigningStrict = viper.GetBool("signing-strict")
	cfg.SignatureMaxSkew = viper.GetDuration("signature-max-skew")
	cfg.RateWindow = viper.GetDuration("rate-window")
	cfg.RateMaxRequests = viper.GetInt("rate-max-requests")
	if penalties := strings.TrimSpace(viper.GetString("rate-penalties")); penalties != "" {
		parts := strings.Split(penalties, ",")
		parsed := make([]time.Duration, 0, len(parts))
		for _, raw := range parts {
			d, err := time.ParseDuration(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("parse rate-penalties entry %q: %w", raw, err)
			}
			parsed = append(parsed, d)
		}
		cfg.RatePenalties = parsed
	}
	cfg.ViolationHorizon = viper.GetDuration("violation-horizon")
	cfg.CongestionSampleWindow = viper.GetInt("congestion-sample-window")
	cfg.FeePercentile = viper.GetFloat64("fee-percentile")
	cfg.MaxPriorityFee = viper.GetUint64("max-priority-fee")
	cfg.AdminToken = viper.GetString("admin-token")
	cfg.ConnguardEnabled = viper.GetBool("connguard-enabled")
	cfg.ConnguardEnabledSet = viper.IsSet("connguard-enabled")
	cfg.ConnguardFailureThreshold = viper.GetInt("connguard-failure-threshold")
	cfg.ConnguardFailureWindow = viper.GetDuration("connguard-failure-window")
	cfg.ConnguardBlockDuration = viper.GetDuration("connguard-block-duration")
	cfg.ConnguardProbeTimeout = viper.GetDuration("connguard-probe-timeout")
	cfg.DrainGrace = viper.GetDuration("drain-grace")
	cfg.DrainGraceSet = true
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.ShutdownTimeoutSet = true
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.HTTPTracing = viper.GetBool("http-tracing")
	return nil
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
