// Package httpapi implements the relayd HTTP surface: the transfer
// pipeline, the congestion and deny-list endpoints, and health.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
	"pkt.systems/relayd/api"
	"pkt.systems/relayd/internal/assembler"
	"pkt.systems/relayd/internal/congestion"
	"pkt.systems/relayd/internal/correlation"
	"pkt.systems/relayd/internal/denylist"
	"pkt.systems/relayd/internal/payloadcipher"
	"pkt.systems/relayd/internal/ratelimit"
	"pkt.systems/relayd/internal/replayguard"
	"pkt.systems/relayd/internal/riskscore"
	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/svcfields"
	"pkt.systems/relayd/internal/uuidv7"
)

const (
	transferBodyLimit = 64 << 10
	denylistBodyLimit = 8 << 10
	maxMemoLength     = 256
)

const headerCorrelationID = "X-Correlation-Id"

// Options wires the pipeline components into a Handler.
type Options struct {
	Logger    pslog.Logger
	Cipher    *payloadcipher.Cipher
	Guard     *replayguard.Guard // nil disables request signing
	Limiter   *ratelimit.Limiter
	DenyList  *denylist.Store
	Scorer    riskscore.Scorer
	Estimator *congestion.Estimator
	Assembler *assembler.Assembler
	Backend   storage.Backend
	// AdminToken guards the deny-list administration endpoints. Empty
	// disables them.
	AdminToken string
	// TracingEnabled turns on OTel span instrumentation per request.
	TracingEnabled bool
}

// Handler serves the relayd API.
type Handler struct {
	logger     pslog.Logger
	cipher     *payloadcipher.Cipher
	guard      *replayguard.Guard
	limiter    *ratelimit.Limiter
	deny       *denylist.Store
	scorer     riskscore.Scorer
	estimator  *congestion.Estimator
	assembler  *assembler.Assembler
	backend    storage.Backend
	adminToken string
	tracing    bool
	tracer     trace.Tracer
	metrics    *pipelineMetrics
}

// New validates opts and builds the Handler.
func New(opts Options) (*Handler, error) {
	if opts.Cipher == nil {
		return nil, errors.New("httpapi: payload cipher required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("httpapi: rate limiter required")
	}
	if opts.DenyList == nil {
		return nil, errors.New("httpapi: deny list required")
	}
	if opts.Estimator == nil {
		return nil, errors.New("httpapi: congestion estimator required")
	}
	if opts.Assembler == nil {
		return nil, errors.New("httpapi: assembler required")
	}
	if opts.Backend == nil {
		return nil, errors.New("httpapi: storage backend required")
	}
	scorer := opts.Scorer
	if scorer == nil {
		scorer = riskscore.Noop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Handler{
		logger:     logger,
		cipher:     opts.Cipher,
		guard:      opts.Guard,
		limiter:    opts.Limiter,
		deny:       opts.DenyList,
		scorer:     scorer,
		estimator:  opts.Estimator,
		assembler:  opts.Assembler,
		backend:    opts.Backend,
		adminToken: opts.AdminToken,
		tracing:    opts.TracingEnabled,
		tracer:     otel.Tracer("relayd/httpapi"),
		metrics:    newPipelineMetrics(logger),
	}, nil
}

// Register installs all routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/transfer", h.wrap("transfer", h.handleTransfer))
	mux.Handle("/v1/congestion", h.wrap("congestion", h.handleCongestion))
	mux.Handle("/v1/denylist", h.wrap("denylist", h.handleDenyList))
	mux.Handle("/v1/denylist/", h.wrap("denylist.remove", h.handleDenyListRemove))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	httpSpanName := "relayd.http." + operation
	txSpanName := "relayd.tx." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		reqID := uuidv7.NewString()
		var span trace.Span
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, txSpanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("relayd.operation", operation),
					attribute.String("relayd.route", r.URL.Path),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		ctx = correlation.Ensure(ctx)
		if corr := strings.TrimSpace(r.Header.Get(headerCorrelationID)); corr != "" {
			if normalized, ok := correlation.Normalize(corr); ok {
				ctx = correlation.Set(ctx, normalized)
			}
		}
		if !correlation.Has(ctx) {
			ctx = correlation.Set(ctx, correlation.Generate())
		}
		w.Header().Set(headerCorrelationID, correlation.ID(ctx))

		logger := svcfields.WithSubsystem(h.logger, operation).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"correlation_id", correlation.ID(ctx),
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		logger.Debug("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			if h.tracing {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.metrics.recordRequest(ctx, operation, "error", time.Since(start))
			h.handleError(ctx, w, err)
			return
		}
		if h.tracing {
			span.SetStatus(codes.Ok, "")
		}
		h.metrics.recordRequest(ctx, operation, "ok", time.Since(start))
		logger.Debug("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, httpSpanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
	// Encrypt forces the error payload through the payload cipher (the
	// caller asked for an encrypted exchange).
	Encrypt bool
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func (h *Handler) requestLogger(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return h.logger
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := h.requestLogger(ctx)
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
			"retry_after", httpErr.RetryAfter,
		)
		msg := api.ErrorMessage{
			Error:      true,
			Message:    httpErr.Detail,
			RetryAfter: httpErr.RetryAfter,
		}
		if msg.Message == "" {
			msg.Message = httpErr.Code
		}
		var headers map[string]string
		if httpErr.RetryAfter > 0 {
			headers = map[string]string{"Retry-After": strconv.FormatInt(httpErr.RetryAfter, 10)}
		}
		h.writeEnvelope(w, httpErr.Status, api.ResultError, msg, httpErr.Encrypt, headers)
		return
	}
	logger.Error("http.request.internal", "error", err)
	h.writeEnvelope(w, http.StatusInternalServerError, api.ResultError, api.ErrorMessage{
		Error:   true,
		Message: "internal server error",
	}, false, nil)
}

// writeEnvelope writes the response envelope, passing the message through
// the payload cipher when the caller requested an encrypted exchange.
func (h *Handler) writeEnvelope(w http.ResponseWriter, status int, result string, message any, encrypt bool, headers map[string]string) {
	if encrypt {
		message = h.encryptMessage(message)
	}
	h.writeJSON(w, status, api.Envelope{Result: result, Message: message}, headers)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

// encryptMessage converts v to its generic JSON tree and encrypts every
// leaf. Structs pass through a marshal/decode round trip first so the
// cipher sees plain maps and slices.
func (h *Handler) encryptMessage(v any) any {
	tree, err := toTree(v)
	if err != nil {
		h.logger.Error("response payload encoding failed", "error", err)
		return v
	}
	return h.cipher.EncryptTree(tree)
}

func toTree(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeTree(data)
}

// decodeTree parses JSON preserving numeric fidelity: numbers decode as
// json.Number so large amounts survive the cipher round trip.
func decodeTree(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func methodNotAllowed(allow string) httpError {
	return httpError{
		Status: http.StatusMethodNotAllowed,
		Code:   "method_not_allowed",
		Detail: "supported methods: " + allow,
	}
}
