package relayd

import (
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		PayloadPassphrase: "passphrase",
		PayloadIVSeed:     "iv-seed",
	}
}

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("store = %q", cfg.Store)
	}
	if cfg.RPCEndpoint != DefaultRPCEndpoint {
		t.Fatalf("rpc endpoint = %q", cfg.RPCEndpoint)
	}
	if cfg.RPCTimeout != DefaultRPCTimeout {
		t.Fatalf("rpc timeout = %v", cfg.RPCTimeout)
	}
	if cfg.SignatureMaxSkew != DefaultSignatureMaxSkew {
		t.Fatalf("signature max skew = %v", cfg.SignatureMaxSkew)
	}
	if cfg.RateWindow != DefaultRateWindow {
		t.Fatalf("rate window = %v", cfg.RateWindow)
	}
	if cfg.RateMaxRequests != DefaultRateMaxRequests {
		t.Fatalf("rate max requests = %d", cfg.RateMaxRequests)
	}
	if cfg.ViolationHorizon != DefaultViolationHorizon {
		t.Fatalf("violation horizon = %v", cfg.ViolationHorizon)
	}
	if cfg.CongestionSampleWindow != DefaultCongestionSampleWindow {
		t.Fatalf("congestion sample window = %d", cfg.CongestionSampleWindow)
	}
	if cfg.FeePercentile != DefaultFeePercentile {
		t.Fatalf("fee percentile = %v", cfg.FeePercentile)
	}
	if cfg.MaxPriorityFee != DefaultMaxPriorityFee {
		t.Fatalf("max priority fee = %d", cfg.MaxPriorityFee)
	}
	if !cfg.ConnguardEnabled {
		t.Fatal("connguard should default to enabled")
	}
	if cfg.ConnguardFailureThreshold != DefaultConnguardFailureThreshold {
		t.Fatalf("connguard failure threshold = %d", cfg.ConnguardFailureThreshold)
	}
	if cfg.ConnguardFailureWindow != DefaultConnguardFailureWindow {
		t.Fatalf("connguard failure window = %v", cfg.ConnguardFailureWindow)
	}
	if cfg.ConnguardBlockDuration != DefaultConnguardBlockDuration {
		t.Fatalf("connguard block duration = %v", cfg.ConnguardBlockDuration)
	}
	if cfg.ConnguardProbeTimeout != DefaultConnguardProbeTimeout {
		t.Fatalf("connguard probe timeout = %v", cfg.ConnguardProbeTimeout)
	}
	if cfg.DrainGrace != DefaultDrainGrace || !cfg.DrainGraceSet {
		t.Fatalf("drain grace = %v (set=%v)", cfg.DrainGrace, cfg.DrainGraceSet)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout || !cfg.ShutdownTimeoutSet {
		t.Fatalf("shutdown timeout = %v (set=%v)", cfg.ShutdownTimeout, cfg.ShutdownTimeoutSet)
	}
	if cfg.SigningEnabled() {
		t.Fatal("signing should be disabled without a secret")
	}
	if cfg.StorageEncryptionEnabled() {
		t.Fatal("storage encryption should be disabled without a keystore")
	}
}

func TestValidateKeepsExplicitValues(t *testing.T) {
	cfg := validConfig()
	cfg.Listen = "127.0.0.1:9000"
	cfg.Store = "disk:///tmp/relayd"
	cfg.SigningSecret = "secret"
	cfg.SigningStrict = true
	cfg.RateWindow = 30 * time.Second
	cfg.RateMaxRequests = 3
	cfg.RatePenalties = []time.Duration{time.Minute, time.Hour}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9000" || cfg.Store != "disk:///tmp/relayd" {
		t.Fatalf("explicit values overwritten: %q %q", cfg.Listen, cfg.Store)
	}
	if cfg.RateWindow != 30*time.Second || cfg.RateMaxRequests != 3 {
		t.Fatalf("explicit rate settings overwritten: %v %d", cfg.RateWindow, cfg.RateMaxRequests)
	}
	if !cfg.SigningEnabled() {
		t.Fatal("signing should be enabled")
	}
}

func TestValidateRejectsInconsistentSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing passphrase", func(c *Config) { c.PayloadPassphrase = "" }},
		{"missing iv seed", func(c *Config) { c.PayloadIVSeed = "" }},
		{"strict without secret", func(c *Config) { c.SigningStrict = true }},
		{"negative skew", func(c *Config) { c.SignatureMaxSkew = -time.Second }},
		{"negative rate window", func(c *Config) { c.RateWindow = -time.Second }},
		{"zero penalty", func(c *Config) { c.RatePenalties = []time.Duration{0} }},
		{"percentile above one", func(c *Config) { c.FeePercentile = 1.5 }},
		{"profiling metrics without listener", func(c *Config) { c.EnableProfilingMetrics = true }},
		{"negative drain grace", func(c *Config) { c.DrainGrace = -time.Second }},
		{"connguard threshold below two", func(c *Config) { c.ConnguardFailureThreshold = 1 }},
		{"negative connguard window", func(c *Config) { c.ConnguardFailureWindow = -time.Second }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
