package relayd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"pkt.systems/pslog"
	"pkt.systems/relayd/internal/assembler"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/congestion"
	"pkt.systems/relayd/internal/connguard"
	"pkt.systems/relayd/internal/denylist"
	"pkt.systems/relayd/internal/httpapi"
	"pkt.systems/relayd/internal/ledger"
	"pkt.systems/relayd/internal/payloadcipher"
	"pkt.systems/relayd/internal/ratelimit"
	"pkt.systems/relayd/internal/replayguard"
	"pkt.systems/relayd/internal/riskscore"
	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/storage/retry"
)

// Server wraps the HTTP server, storage backend, and the relay pipeline.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	ownsBackend  bool
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	clock        clock.Clock
	telemetry    *telemetryBundle
	relayAddress solana.PublicKey
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Backend      storage.Backend
	Clock        clock.Clock
	Ledger       ledger.Client
	RelayKey     solana.PrivateKey
	Scorer       riskscore.Scorer
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithLedger injects a pre-built ledger client instead of dialing the
// configured RPC endpoint (useful for tests).
func WithLedger(c ledger.Client) Option {
	return func(o *options) {
		o.Ledger = c
	}
}

// WithRelayKey supplies the relay fee-payer keypair directly instead of
// loading it from Config.RelayKeyPath.
func WithRelayKey(key solana.PrivateKey) Option {
	return func(o *options) {
		o.RelayKey = key
	}
}

// WithScorer injects a risk scorer for outbound address screening.
func WithScorer(s riskscore.Scorer) Option {
	return func(o *options) {
		o.Scorer = s
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs a relayd server according to cfg.
// Example:
//
//	cfg := relayd.Config{
//		Store:             "mem://",
//		Listen:            ":8435",
//		RelayKeyPath:      "/etc/relayd/relay-key.json",
//		PayloadPassphrase: passphrase,
//		PayloadIVSeed:     ivSeed,
//	}
//	srv, err := relayd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	var crypto *storage.Crypto
	var err error
	if cfg.StorageEncryptionEnabled() {
		crypto, err = loadStorageCrypto(cfg.StorageKeysPath)
		if err != nil {
			return nil, err
		}
		logger.Info("storage encryption enabled", "keystore", cfg.StorageKeysPath)
	} else {
		logger.Warn("storage encryption disabled", "impact", "nonce markers, counters, and deny-list entries are stored in plaintext")
	}

	var telemetry *telemetryBundle
	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err = setupTelemetry(context.Background(), otlpEndpoint, cfg.MetricsListen, cfg.PprofListen, cfg.EnableProfilingMetrics, logger.With("svc", "telemetry"))
	if err != nil {
		return nil, err
	}
	closeTelemetry := func() {
		if telemetry == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = telemetry.Shutdown(shutdownCtx)
		cancel()
	}

	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	backend := o.Backend
	ownedBackend := false
	if backend == nil {
		backend, err = openBackend(cfg, crypto, serverClock)
		if err != nil {
			closeTelemetry()
			return nil, err
		}
		ownedBackend = true
	}
	cleanup := func() {
		if ownedBackend {
			_ = backend.Close()
		}
		closeTelemetry()
	}
	storageLogger := logger.With("svc", "storage")
	backend = retry.Wrap(backend, storageLogger.With("layer", "retry"), serverClock, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})

	cipher, err := payloadcipher.New(cfg.PayloadPassphrase, cfg.PayloadIVSeed)
	if err != nil {
		cleanup()
		return nil, err
	}
	var guard *replayguard.Guard
	if cfg.SigningEnabled() {
		guard, err = replayguard.New(replayguard.Config{
			Secret:  cfg.SigningSecret,
			MaxSkew: cfg.SignatureMaxSkew,
			Strict:  cfg.SigningStrict,
		}, backend, serverClock, logger)
		if err != nil {
			cleanup()
			return nil, err
		}
	} else {
		logger.Warn("request signing disabled", "impact", "unauthenticated callers can request sponsored transfers")
	}
	limiter, err := ratelimit.New(ratelimit.Config{
		Window:           cfg.RateWindow,
		MaxRequests:      cfg.RateMaxRequests,
		PenaltyTable:     cfg.RatePenalties,
		ViolationHorizon: cfg.ViolationHorizon,
	}, backend, serverClock, logger)
	if err != nil {
		cleanup()
		return nil, err
	}
	deny, err := denylist.New(backend, serverClock, logger)
	if err != nil {
		cleanup()
		return nil, err
	}

	relayKey := o.RelayKey
	if len(relayKey) == 0 {
		if cfg.RelayKeyPath == "" {
			cleanup()
			return nil, fmt.Errorf("config: relay key path is required")
		}
		relayKey, err = solana.PrivateKeyFromSolanaKeygenFile(cfg.RelayKeyPath)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("load relay key %q: %w", cfg.RelayKeyPath, err)
		}
	}
	ledgerClient := o.Ledger
	if ledgerClient == nil {
		ledgerClient, err = ledger.NewRPCClient(cfg.RPCEndpoint, cfg.RPCTimeout)
		if err != nil {
			cleanup()
			return nil, err
		}
	}
	estimator := congestion.New(congestion.Config{
		SampleWindow:   cfg.CongestionSampleWindow,
		FeePercentile:  cfg.FeePercentile,
		MaxPriorityFee: cfg.MaxPriorityFee,
		FeeAccounts:    []solana.PublicKey{relayKey.PublicKey()},
	}, ledgerClient, logger)
	asm, err := assembler.New(assembler.Config{RelayKey: relayKey}, ledgerClient, logger)
	if err != nil {
		cleanup()
		return nil, err
	}

	handler, err := httpapi.New(httpapi.Options{
		Logger:         logger,
		Cipher:         cipher,
		Guard:          guard,
		Limiter:        limiter,
		DenyList:       deny,
		Scorer:         o.Scorer,
		Estimator:      estimator,
		Assembler:      asm,
		Backend:        backend,
		AdminToken:     cfg.AdminToken,
		TracingEnabled: cfg.HTTPTracing,
	})
	if err != nil {
		cleanup()
		return nil, err
	}
	logger.Info("relay pipeline configured",
		"relay_address", asm.RelayAddress().String(),
		"signing", cfg.SigningEnabled(),
		"signing_strict", cfg.SigningStrict,
		"rate_window", cfg.RateWindow,
		"rate_max_requests", cfg.RateMaxRequests,
		"admin_endpoints", cfg.AdminToken != "",
	)

	mux := http.NewServeMux()
	handler.Register(mux)
	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	return &Server{
		cfg:          cfg,
		logger:       logger.With("svc", "server"),
		backend:      backend,
		ownsBackend:  ownedBackend,
		handler:      handler,
		httpSrv:      httpSrv,
		clock:        serverClock,
		telemetry:    telemetry,
		relayAddress: asm.RelayAddress(),
		readyCh:      make(chan struct{}),
	}, nil
}

// Handler returns the underlying HTTP handler so the relay can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// RelayAddress returns the fee-payer public key the relay sponsors
// transactions with.
func (s *Server) RelayAddress() solana.PublicKey {
	return s.relayAddress
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s): %w", s.cfg.Listen, err)
	}
	if s.cfg.ConnguardEnabled {
		guard := connguard.NewConnectionGuard(connguard.ConnectionGuardConfig{
			Enabled:          true,
			FailureThreshold: s.cfg.ConnguardFailureThreshold,
			FailureWindow:    s.cfg.ConnguardFailureWindow,
			BlockDuration:    s.cfg.ConnguardBlockDuration,
			ProbeTimeout:     s.cfg.ConnguardProbeTimeout,
		}, s.logger)
		ln = guard.WrapListener(ln)
	}
	s.listener = ln
	s.signalReady()
	s.logger.Info("listening", "address", ln.Addr().String())
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if s.cfg.DrainGrace > 0 {
		select {
		case <-s.clock.After(s.cfg.DrainGrace):
		case <-ctx.Done():
		}
	}
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	if s.ownsBackend {
		if err := s.backend.Close(); err != nil {
			return err
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down, bounded by the configured
// shutdown timeout.
func (s *Server) Close() error {
	ctx := context.Background()
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server. It is primarily useful for diagnostics; Shutdown already reports any
// fatal serve/shutdown errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a relayd server in a background goroutine and waits until
// it is ready to accept connections. It returns the running server alongside a
// stop function that gracefully shuts it down.
// Example:
//
//	srv, stop, err := relayd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
