package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"

	"pkt.systems/relayd/api"
	"pkt.systems/relayd/internal/assembler"
	"pkt.systems/relayd/internal/ratelimit"
	"pkt.systems/relayd/internal/replayguard"
)

// requestMeta captures the relay headers of an inbound request.
type requestMeta struct {
	encrypted bool
	app       string
	signing   replayguard.Headers
}

func metaFromRequest(r *http.Request) requestMeta {
	return requestMeta{
		encrypted: strings.EqualFold(strings.TrimSpace(r.Header.Get(api.HeaderEncrypted)), "yes"),
		app:       strings.TrimSpace(r.Header.Get(api.HeaderApp)),
		signing: replayguard.Headers{
			Timestamp: strings.TrimSpace(r.Header.Get(api.HeaderTimestamp)),
			Nonce:     strings.TrimSpace(r.Header.Get(api.HeaderNonce)),
			Signature: strings.TrimSpace(r.Header.Get(api.HeaderSignature)),
			ClientID:  strings.TrimSpace(r.Header.Get(api.HeaderClient)),
		},
	}
}

// handleTransfer godoc
// @Summary      Build a relay-sponsored token transfer
// @Description  Runs the signing, rate-limit, deny-list, and congestion pipeline, then returns a relay-signed transaction for caller counter-signing.
// @Tags         transfer
// @Accept       json
// @Produce      json
// @Success      200  {object}  api.Envelope
// @Failure      400  {object}  api.Envelope
// @Failure      401  {object}  api.Envelope
// @Failure      403  {object}  api.Envelope
// @Failure      429  {object}  api.Envelope
// @Router       /v1/transfer [post]
func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		return methodNotAllowed("POST")
	}
	ctx := r.Context()
	logger := h.requestLogger(ctx)
	meta := metaFromRequest(r)

	raw, err := io.ReadAll(io.LimitReader(r.Body, transferBodyLimit))
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "bad_body", Detail: "unable to read request body", Encrypt: meta.encrypted}
	}
	if len(raw) == 0 {
		return httpError{Status: http.StatusBadRequest, Code: "bad_body", Detail: "request body required", Encrypt: meta.encrypted}
	}
	tree, err := decodeTree(raw)
	if err != nil {
		return httpError{Status: http.StatusBadRequest, Code: "bad_body", Detail: "invalid JSON body", Encrypt: meta.encrypted}
	}
	if meta.encrypted {
		tree = h.cipher.DecryptTree(tree)
	}

	if h.guard != nil {
		if err := h.guard.Verify(ctx, r.Method, r.URL.Path, tree, meta.signing); err != nil {
			// The specific reason stays in the logs; the response is the
			// same opaque denial for every failed check.
			logger.Warn("request signing rejected", "app", meta.app, "client", meta.signing.ClientID, "error", err)
			h.metrics.recordTransfer(ctx, "unauthorized")
			h.writeUnauthorized(w)
			return nil
		}
	}

	req, err := decodeTransferRequest(tree)
	if err != nil {
		h.metrics.recordTransfer(ctx, "bad_request")
		return httpError{Status: http.StatusBadRequest, Code: "bad_request", Detail: err.Error(), Encrypt: meta.encrypted}
	}
	intent, err := buildIntent(req)
	if err != nil {
		h.metrics.recordTransfer(ctx, "bad_request")
		return httpError{Status: http.StatusBadRequest, Code: "bad_request", Detail: err.Error(), Encrypt: meta.encrypted}
	}

	limitKey := req.SenderAddress
	if limitKey == "" {
		limitKey = remoteHost(r)
	}
	limit := h.limiter.Check(ctx, limitKey)
	setRateHeaders(w, limit)
	if !limit.Allowed {
		retry := int64(limit.RetryAfter.Seconds())
		if retry < 1 {
			retry = 1
		}
		detail := "rate limit exceeded"
		if limit.Penalized {
			detail = "rate limit penalty active"
		}
		h.metrics.recordTransfer(ctx, "rate_limited")
		return httpError{
			Status:     http.StatusTooManyRequests,
			Code:       "rate_limited",
			Detail:     detail,
			RetryAfter: retry,
			Encrypt:    meta.encrypted,
		}
	}

	for _, addr := range []string{req.SenderAddress, req.ReceiverAddress} {
		verdict := h.deny.IsBlocked(ctx, addr)
		if verdict.Blocked {
			h.metrics.recordTransfer(ctx, "denied")
			return httpError{
				Status:  http.StatusForbidden,
				Code:    "denied",
				Detail:  verdict.Reason,
				Encrypt: meta.encrypted,
			}
		}
	}

	if blocked, reason := h.assessRisk(ctx, req.ReceiverAddress); blocked {
		h.metrics.recordTransfer(ctx, "denied")
		return httpError{
			Status:  http.StatusForbidden,
			Code:    "denied",
			Detail:  reason,
			Encrypt: meta.encrypted,
		}
	}

	est := h.estimator.Estimate(ctx)
	h.metrics.recordTier(ctx, string(est.Tier))
	out, err := h.assembler.Assemble(ctx, intent, est)
	if err != nil {
		if errors.Is(err, assembler.ErrSenderAccountMissing) {
			h.metrics.recordTransfer(ctx, "sender_account_missing")
			return httpError{
				Status:  http.StatusBadRequest,
				Code:    "sender_account_missing",
				Detail:  "create sender account first",
				Encrypt: meta.encrypted,
			}
		}
		logger.Error("transaction assembly failed", "error", err)
		h.metrics.recordTransfer(ctx, "ledger_error")
		return httpError{
			Status:  http.StatusBadGateway,
			Code:    "ledger_error",
			Detail:  ledgerFailureDetail(err),
			Encrypt: meta.encrypted,
		}
	}

	resp := api.TransferResponse{
		Tx:             out.Tx,
		Signatures:     signatureSlots(out.Signers),
		PriorityFee:    est.PriorityFee,
		CongestionTier: string(est.Tier),
		EstimatedCost:  out.EstimatedCost,
	}
	h.metrics.recordTransfer(ctx, "sponsored")
	logger.Info("transfer assembled",
		"sender", req.SenderAddress,
		"receiver", req.ReceiverAddress,
		"asset", req.AssetID,
		"tier", string(est.Tier),
		"estimated_cost_lamports", out.EstimatedCost,
	)
	h.writeEnvelope(w, http.StatusOK, api.ResultSuccess, resp, meta.encrypted, nil)
	return nil
}

// writeUnauthorized emits the fixed signing-failure response. The message
// is always the encrypted form of the generic denial, independent of the
// request's encryption flag.
func (h *Handler) writeUnauthorized(w http.ResponseWriter) {
	message := h.cipher.EncryptTree(map[string]any{
		"error":   true,
		"message": api.GenericUnauthorized,
	})
	h.writeJSON(w, http.StatusUnauthorized, api.Envelope{
		Result:  api.ResultError,
		Message: message,
	}, nil)
}

func (h *Handler) assessRisk(ctx context.Context, address string) (bool, string) {
	logger := h.requestLogger(ctx)
	assessment, err := h.scorer.Analyze(ctx, address)
	if err != nil {
		// Risk analysis is advisory; a detector outage never blocks a
		// transfer.
		logger.Warn("risk analysis unavailable", "address", address, "error", err)
		return false, ""
	}
	if !assessment.Suspicious {
		return false, ""
	}
	reason := "flagged by risk analysis"
	if len(assessment.Flags) > 0 {
		reason = "flagged by risk analysis: " + strings.Join(assessment.Flags, ", ")
	}
	if err := h.deny.Add(ctx, address, reason); err != nil {
		logger.Warn("deny-list write failed", "address", address, "error", err)
	}
	return true, reason
}

func decodeTransferRequest(tree any) (api.TransferRequest, error) {
	var req api.TransferRequest
	data, err := json.Marshal(tree)
	if err != nil {
		return req, errors.New("invalid request body")
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, errors.New("invalid request body")
	}
	return req, nil
}

func buildIntent(req api.TransferRequest) (assembler.Intent, error) {
	var intent assembler.Intent
	if req.SenderAddress == "" {
		return intent, errors.New("senderAddress is required")
	}
	if req.ReceiverAddress == "" {
		return intent, errors.New("receiverAddress is required")
	}
	if req.AssetID == "" {
		return intent, errors.New("assetId is required")
	}
	if req.Amount == 0 {
		return intent, errors.New("amount must be a positive integer")
	}
	sender, err := solana.PublicKeyFromBase58(req.SenderAddress)
	if err != nil {
		return intent, errors.New("senderAddress is not a valid address")
	}
	receiver, err := solana.PublicKeyFromBase58(req.ReceiverAddress)
	if err != nil {
		return intent, errors.New("receiverAddress is not a valid address")
	}
	mint, err := solana.PublicKeyFromBase58(req.AssetID)
	if err != nil {
		return intent, errors.New("assetId is not a valid address")
	}
	intent = assembler.Intent{
		Sender:   sender,
		Receiver: receiver,
		Mint:     mint,
		Amount:   req.Amount,
		Memo:     req.Memo,
	}
	if req.FeeAmount > 0 || req.FeeAddress != "" {
		if req.FeeAmount == 0 || req.FeeAddress == "" {
			return intent, errors.New("feeAmount and feeAddress must be provided together")
		}
		feeRecipient, err := solana.PublicKeyFromBase58(req.FeeAddress)
		if err != nil {
			return intent, errors.New("feeAddress is not a valid address")
		}
		intent.FeeAmount = req.FeeAmount
		intent.FeeRecipient = feeRecipient
	}
	if len(req.Memo) > maxMemoLength {
		return intent, errors.New("memo exceeds maximum length")
	}
	return intent, nil
}

func signatureSlots(signers []assembler.Signer) []api.SignatureSlot {
	slots := make([]api.SignatureSlot, 0, len(signers))
	for _, s := range signers {
		slot := api.SignatureSlot{Key: s.Key.String()}
		if s.Signature != nil {
			sig := s.Signature.String()
			slot.Signature = &sig
		}
		slots = append(slots, slot)
	}
	return slots
}

func setRateHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set(api.HeaderRateLimitLimit, strconv.Itoa(res.Limit))
	w.Header().Set(api.HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
	w.Header().Set(api.HeaderRateLimitReset, strconv.FormatInt(res.ResetAt.Unix(), 10))
}

// ledgerFailureDetail maps assembly-time ledger failures to the messages
// surfaced to callers. These occur after authentication succeeded, so
// specific detail is intentional.
func ledgerFailureDetail(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient"):
		return "relay has insufficient funds to sponsor this transfer"
	case strings.Contains(msg, "blockhash"):
		return "network checkpoint unavailable, retry shortly"
	case strings.Contains(msg, "invalid param") || strings.Contains(msg, "invalid mint"):
		return "invalid asset identifier"
	case strings.Contains(msg, "could not find account") || strings.Contains(msg, "account"):
		return "ledger account lookup failed, retry shortly"
	default:
		return "transaction assembly failed, retry shortly"
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
