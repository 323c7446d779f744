package relayd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/relayd/internal/congestion"
	"pkt.systems/relayd/internal/ratelimit"
	"pkt.systems/relayd/internal/replayguard"
)

const (
	// DefaultConfigFileName is the config file looked up under the config directory.
	DefaultConfigFileName = "config.yaml"
	// DefaultListen is the default TCP endpoint the relay binds to.
	DefaultListen = ":8435"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultStore points the relay at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultRPCEndpoint targets the public mainnet JSON-RPC cluster.
	DefaultRPCEndpoint = "https://api.mainnet-beta.solana.com"
	// DefaultRPCTimeout bounds each ledger RPC round trip.
	DefaultRPCTimeout = 15 * time.Second
	// DefaultSignatureMaxSkew is the accepted clock drift on signed request timestamps.
	DefaultSignatureMaxSkew = replayguard.DefaultMaxSkew
	// DefaultRateWindow is the fixed rate-limit window length.
	DefaultRateWindow = ratelimit.DefaultWindow
	// DefaultRateMaxRequests is the per-sender quota within one window.
	DefaultRateMaxRequests = ratelimit.DefaultMaxRequests
	// DefaultViolationHorizon is how long repeat violations keep escalating penalties.
	DefaultViolationHorizon = ratelimit.DefaultViolationHorizon
	// DefaultCongestionSampleWindow is how many recent performance samples feed tier classification.
	DefaultCongestionSampleWindow = congestion.DefaultSampleWindow
	// DefaultFeePercentile selects the priority-fee percentile over recent observations.
	DefaultFeePercentile = congestion.DefaultFeePercentile
	// DefaultMaxPriorityFee is the global micro-lamport ceiling on sponsored priority fees.
	DefaultMaxPriorityFee = congestion.DefaultMaxPriorityFee
	// DefaultStorageRetryMaxAttempts caps transient storage retries.
	DefaultStorageRetryMaxAttempts = 4
	// DefaultStorageRetryBaseDelay is the initial storage retry backoff.
	DefaultStorageRetryBaseDelay = 50 * time.Millisecond
	// DefaultStorageRetryMaxDelay bounds storage retry backoff growth.
	DefaultStorageRetryMaxDelay = 2 * time.Second
	// DefaultStorageRetryMultiplier is the storage retry backoff multiplier.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultConnguardFailureThreshold is the number of suspicious connection events required before hard-blocking an IP.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the rolling window for suspicious connect attempts.
	DefaultConnguardFailureWindow = 30 * time.Second
	// DefaultConnguardBlockDuration controls how long an IP remains blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
	// DefaultConnguardProbeTimeout bounds the wait for early classification of new connections.
	DefaultConnguardProbeTimeout = 250 * time.Millisecond
	// DefaultDrainGrace is the grace period granted before HTTP shutdown begins.
	DefaultDrainGrace = 5 * time.Second
	// DefaultShutdownTimeout caps the total shutdown time (drain + HTTP server).
	DefaultShutdownTimeout = 10 * time.Second
)

// Config drives server construction. Zero values fall back to the defaults
// applied by Validate.
type Config struct {
	// Listen is the TCP address the relay API binds to.
	Listen string
	// MetricsListen exposes a Prometheus scrape endpoint when non-empty.
	MetricsListen string
	// MetricsListenSet reports whether MetricsListen was explicitly set.
	MetricsListenSet bool
	// PprofListen exposes debug/pprof endpoints when non-empty.
	PprofListen string
	// PprofListenSet reports whether PprofListen was explicitly set.
	PprofListenSet bool
	// EnableProfilingMetrics adds Go runtime metrics to the Prometheus endpoint.
	EnableProfilingMetrics bool

	// Store is the shared state backend URL (mem://, disk:///path).
	// Nonce markers, rate-limit counters, and deny-list entries live here.
	Store string
	// StorageKeysPath points at a PEM keystore holding the kryptograf root
	// key and record descriptor. Empty disables envelope encryption at rest.
	StorageKeysPath string
	// StorageRetryMaxAttempts caps transient backend retries.
	StorageRetryMaxAttempts int
	// StorageRetryBaseDelay is the initial backend retry backoff.
	StorageRetryBaseDelay time.Duration
	// StorageRetryMaxDelay bounds backend retry backoff growth.
	StorageRetryMaxDelay time.Duration
	// StorageRetryMultiplier is the backend retry backoff multiplier.
	StorageRetryMultiplier float64

	// RPCEndpoint is the ledger JSON-RPC endpoint.
	RPCEndpoint string
	// RPCTimeout bounds each ledger RPC round trip.
	RPCTimeout time.Duration
	// RelayKeyPath points at the relay fee-payer keypair file (keygen JSON format).
	RelayKeyPath string

	// PayloadPassphrase derives the AES key protecting request and response payloads.
	PayloadPassphrase string
	// PayloadIVSeed derives the fixed initialization vector for payload encryption.
	PayloadIVSeed string

	// SigningSecret is the shared HMAC key authenticating requests. Empty
	// disables request signing and replay protection entirely.
	SigningSecret string
	// SigningStrict rejects signed requests when the nonce store is
	// unreachable instead of skipping the replay check.
	SigningStrict bool
	// SignatureMaxSkew is the accepted clock drift on signed request timestamps.
	SignatureMaxSkew time.Duration

	// RateWindow is the fixed rate-limit window length.
	RateWindow time.Duration
	// RateMaxRequests is the per-sender quota within one window.
	RateMaxRequests int
	// RatePenalties escalates lockout durations for repeat violations.
	// Empty uses the built-in table.
	RatePenalties []time.Duration
	// ViolationHorizon is how long repeat violations keep escalating penalties.
	ViolationHorizon time.Duration

	// CongestionSampleWindow is how many recent performance samples feed
	// tier classification.
	CongestionSampleWindow int
	// FeePercentile selects the priority-fee percentile over recent
	// observations (0 < p <= 1).
	FeePercentile float64
	// MaxPriorityFee is the global micro-lamport ceiling on sponsored
	// priority fees.
	MaxPriorityFee uint64

	// AdminToken guards the deny-list administration endpoints. Empty
	// disables them.
	AdminToken string

	// ConnguardEnabled enables suspicious-connection protection in the listener path.
	ConnguardEnabled bool
	// ConnguardEnabledSet reports whether ConnguardEnabled was explicitly set.
	ConnguardEnabledSet bool
	// ConnguardFailureThreshold controls how many suspicious connection events trigger a hard block.
	ConnguardFailureThreshold int
	// ConnguardFailureWindow is the rolling window used to count suspicious connection events.
	ConnguardFailureWindow time.Duration
	// ConnguardBlockDuration controls how long a suspicious source IP is blocked.
	ConnguardBlockDuration time.Duration
	// ConnguardProbeTimeout controls how long new connections are probed before classification.
	ConnguardProbeTimeout time.Duration

	// DrainGrace is the pre-shutdown grace period before HTTP shutdown begins.
	DrainGrace time.Duration
	// DrainGraceSet reports whether DrainGrace was explicitly set.
	DrainGraceSet bool
	// ShutdownTimeout caps total graceful shutdown duration (drain + HTTP shutdown).
	ShutdownTimeout time.Duration
	// ShutdownTimeoutSet reports whether ShutdownTimeout was explicitly set.
	ShutdownTimeoutSet bool

	// OTLPEndpoint enables OTLP trace export when non-empty
	// (e.g. grpc://localhost:4317).
	OTLPEndpoint string
	// HTTPTracing instruments request handling with OTel spans.
	HTTPTracing bool
}

// StorageEncryptionEnabled reports whether kryptograf envelope encryption is active.
func (c Config) StorageEncryptionEnabled() bool {
	return strings.TrimSpace(c.StorageKeysPath) != ""
}

// SigningEnabled reports whether request signing and replay protection are active.
func (c Config) SigningEnabled() bool {
	return c.SigningSecret != ""
}

// Validate applies defaults and rejects inconsistent settings. It mutates the
// receiver in place.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if !c.MetricsListenSet && c.MetricsListen == "" {
		c.MetricsListen = DefaultMetricsListen
	}
	if !c.PprofListenSet && c.PprofListen == "" {
		c.PprofListen = DefaultPprofListen
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.Store == "" {
		c.Store = DefaultStore
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.RPCEndpoint == "" {
		c.RPCEndpoint = DefaultRPCEndpoint
	}
	if c.RPCTimeout < 0 {
		return fmt.Errorf("config: rpc timeout must be >= 0")
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	if c.PayloadPassphrase == "" {
		return fmt.Errorf("config: payload passphrase is required")
	}
	if c.PayloadIVSeed == "" {
		return fmt.Errorf("config: payload iv seed is required")
	}
	if c.SignatureMaxSkew < 0 {
		return fmt.Errorf("config: signature max skew must be >= 0")
	}
	if c.SignatureMaxSkew == 0 {
		c.SignatureMaxSkew = DefaultSignatureMaxSkew
	}
	if c.SigningStrict && !c.SigningEnabled() {
		return fmt.Errorf("config: signing-strict requires a signing secret")
	}
	if c.RateWindow < 0 {
		return fmt.Errorf("config: rate window must be >= 0")
	}
	if c.RateWindow == 0 {
		c.RateWindow = DefaultRateWindow
	}
	if c.RateMaxRequests < 0 {
		return fmt.Errorf("config: rate max requests must be >= 0")
	}
	if c.RateMaxRequests == 0 {
		c.RateMaxRequests = DefaultRateMaxRequests
	}
	for i, penalty := range c.RatePenalties {
		if penalty <= 0 {
			return fmt.Errorf("config: rate penalty %d must be > 0", i)
		}
	}
	if c.ViolationHorizon < 0 {
		return fmt.Errorf("config: violation horizon must be >= 0")
	}
	if c.ViolationHorizon == 0 {
		c.ViolationHorizon = DefaultViolationHorizon
	}
	if c.CongestionSampleWindow < 0 {
		return fmt.Errorf("config: congestion sample window must be >= 0")
	}
	if c.CongestionSampleWindow == 0 {
		c.CongestionSampleWindow = DefaultCongestionSampleWindow
	}
	if c.FeePercentile < 0 || c.FeePercentile > 1 {
		return fmt.Errorf("config: fee percentile must be within (0, 1]")
	}
	if c.FeePercentile == 0 {
		c.FeePercentile = DefaultFeePercentile
	}
	if c.MaxPriorityFee == 0 {
		c.MaxPriorityFee = DefaultMaxPriorityFee
	}
	if !c.ConnguardEnabledSet {
		c.ConnguardEnabled = true
	}
	if c.ConnguardFailureThreshold < 0 {
		return fmt.Errorf("config: connguard failure threshold must be >= 0")
	}
	if c.ConnguardFailureThreshold == 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.ConnguardFailureThreshold < 2 {
		return fmt.Errorf("config: connguard failure threshold must be >= 2")
	}
	if c.ConnguardFailureWindow < 0 {
		return fmt.Errorf("config: connguard failure window must be >= 0")
	}
	if c.ConnguardFailureWindow == 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration < 0 {
		return fmt.Errorf("config: connguard block duration must be >= 0")
	}
	if c.ConnguardBlockDuration == 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}
	if c.ConnguardProbeTimeout < 0 {
		return fmt.Errorf("config: connguard probe timeout must be >= 0")
	}
	if c.ConnguardProbeTimeout == 0 {
		c.ConnguardProbeTimeout = DefaultConnguardProbeTimeout
	}
	if c.DrainGrace < 0 {
		return fmt.Errorf("config: drain grace must be >= 0")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	if !c.DrainGraceSet && c.DrainGrace > 0 {
		c.DrainGraceSet = true
	}
	if !c.DrainGraceSet {
		c.DrainGrace = DefaultDrainGrace
		c.DrainGraceSet = true
	}
	if !c.ShutdownTimeoutSet && c.ShutdownTimeout > 0 {
		c.ShutdownTimeoutSet = true
	}
	if !c.ShutdownTimeoutSet {
		c.ShutdownTimeout = DefaultShutdownTimeout
		c.ShutdownTimeoutSet = true
	}
	return nil
}

// DefaultConfigDir returns the per-user configuration directory
// ($RELAYD_CONFIG_DIR, falling back to $HOME/.relayd).
func DefaultConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("RELAYD_CONFIG_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".relayd"), nil
}
