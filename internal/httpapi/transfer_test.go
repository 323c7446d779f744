package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"pkt.systems/relayd/api"
	"pkt.systems/relayd/internal/assembler"
	"pkt.systems/relayd/internal/clock"
	"pkt.systems/relayd/internal/congestion"
	"pkt.systems/relayd/internal/denylist"
	"pkt.systems/relayd/internal/httpapi"
	"pkt.systems/relayd/internal/ledger"
	"pkt.systems/relayd/internal/payloadcipher"
	"pkt.systems/relayd/internal/ratelimit"
	"pkt.systems/relayd/internal/replayguard"
	"pkt.systems/relayd/internal/storage"
	"pkt.systems/relayd/internal/storage/memory"
)

const (
	testSecret     = "shared-secret"
	testPassphrase = "pipeline-passphrase"
	testIVSeed     = "pipeline-iv-seed"
	testQuota      = 5
	testRent       = 2_039_280
)

var nonceSeq int

func nextNonce() string {
	nonceSeq++
	return fmt.Sprintf("nonce-%d", nonceSeq)
}

func calmSamples() []ledger.PerfSample {
	out := make([]ledger.PerfSample, 5)
	for i := range out {
		out[i] = ledger.PerfSample{NumSlots: 150, NumTransactions: 300_000, SamplePeriodSecs: 60}
	}
	return out
}

type env struct {
	mux    *http.ServeMux
	cipher *payloadcipher.Cipher
	guard  *replayguard.Guard
	clk    *clock.Manual
	fake   *ledger.Fake
	deny   *denylist.Store
	mint   solana.PublicKey
	sender solana.PublicKey
	recv   solana.PublicKey
}

type envOptions struct {
	signing    bool
	backend    storage.Backend
	adminToken string
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	backend := opts.backend
	if backend == nil {
		backend = memory.NewWithConfig(memory.Config{Clock: clk})
	}

	cipher, err := payloadcipher.New(testPassphrase, testIVSeed)
	if err != nil {
		t.Fatal(err)
	}
	limiter, err := ratelimit.New(ratelimit.Config{Window: time.Minute, MaxRequests: testQuota}, backend, clk, nil)
	if err != nil {
		t.Fatal(err)
	}
	deny, err := denylist.New(backend, clk, nil)
	if err != nil {
		t.Fatal(err)
	}

	relay := newKey(t)
	sender := newKey(t)
	receiver := newKey(t)
	mint := newKey(t)
	fake := &ledger.Fake{RentExempt: testRent, PerfSamples: calmSamples()}
	asm, err := assembler.New(assembler.Config{RelayKey: relay}, fake, nil)
	if err != nil {
		t.Fatal(err)
	}

	e := &env{
		cipher: cipher,
		clk:    clk,
		fake:   fake,
		deny:   deny,
		mint:   mint.PublicKey(),
		sender: sender.PublicKey(),
		recv:   receiver.PublicKey(),
	}

	handlerOpts := httpapi.Options{
		Cipher:     cipher,
		Limiter:    limiter,
		DenyList:   deny,
		Estimator:  congestion.New(congestion.Config{}, fake, nil),
		Assembler:  asm,
		Backend:    backend,
		AdminToken: opts.adminToken,
	}
	if opts.signing {
		guard, err := replayguard.New(replayguard.Config{Secret: testSecret}, backend, clk, nil)
		if err != nil {
			t.Fatal(err)
		}
		e.guard = guard
		handlerOpts.Guard = guard
	}

	h, err := httpapi.New(handlerOpts)
	if err != nil {
		t.Fatal(err)
	}
	e.mux = http.NewServeMux()
	h.Register(e.mux)
	return e
}

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func (e *env) setATA(t *testing.T, owner solana.PublicKey, exists bool) {
	t.Helper()
	ata, _, err := solana.FindAssociatedTokenAddress(owner, e.mint)
	if err != nil {
		t.Fatal(err)
	}
	e.fake.SetAccount(ata, exists)
}

func (e *env) transferBody() map[string]any {
	return map[string]any{
		"senderAddress":   e.sender.String(),
		"receiverAddress": e.recv.String(),
		"assetId":         e.mint.String(),
		"amount":          1_000_000,
	}
}

// post sends body as-is with the supplied headers.
func (e *env) post(t *testing.T, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.RemoteAddr = "203.0.113.9:4242"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

// signedHeaders produces valid signing headers for body, optionally after
// encryption; the signature always covers the plaintext tree.
func (e *env) signedHeaders(t *testing.T, body any, encrypted bool) map[string]string {
	t.Helper()
	ts := strconv.FormatInt(e.clk.Now().UnixMilli(), 10)
	nonce := nextNonce()
	sig, err := e.guard.Sign(http.MethodPost, "/v1/transfer", body, ts, nonce)
	if err != nil {
		t.Fatal(err)
	}
	headers := map[string]string{
		api.HeaderApp:       "testapp",
		api.HeaderTimestamp: ts,
		api.HeaderNonce:     nonce,
		api.HeaderSignature: sig,
		api.HeaderClient:    "client-1",
	}
	if encrypted {
		headers[api.HeaderEncrypted] = "yes"
	}
	return headers
}

type envelope struct {
	Result  string          `json:"result"`
	Message json.RawMessage `json:"message"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, rec.Body.String())
	}
	return env
}

// decryptMessage decrypts an encrypted envelope message into dst.
func (e *env) decryptMessage(t *testing.T, raw json.RawMessage, dst any) {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		t.Fatal(err)
	}
	plain := e.cipher.DecryptTree(tree)
	data, err := json.Marshal(plain)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		t.Fatalf("decode decrypted message: %v (plain %s)", err, data)
	}
}

func TestTransferSuccess(t *testing.T) {
	e := newEnv(t, envOptions{signing: true})
	e.setATA(t, e.sender, true)
	e.setATA(t, e.recv, true)

	body := e.transferBody()
	rec := e.post(t, "/v1/transfer", body, e.signedHeaders(t, body, false))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeEnvelope(t, rec)
	if out.Result != api.ResultSuccess {
		t.Fatalf("result %q", out.Result)
	}
	var resp api.TransferResponse
	if err := json.Unmarshal(out.Message, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Tx == "" {
		t.Fatal("missing serialized transaction")
	}
	if len(resp.Signatures) != 2 {
		t.Fatalf("got %d signature slots, want 2", len(resp.Signatures))
	}
	if resp.Signatures[0].Signature == nil {
		t.Fatal("relay slot unsigned")
	}
	if resp.Signatures[1].Signature != nil {
		t.Fatal("sender slot should be null")
	}
	if resp.CongestionTier != string(congestion.TierLow) {
		t.Fatalf("tier %q", resp.CongestionTier)
	}
	if got := rec.Header().Get(api.HeaderRateLimitLimit); got != strconv.Itoa(testQuota) {
		t.Fatalf("limit header %q", got)
	}
	if got := rec.Header().Get(api.HeaderRateLimitRemaining); got != strconv.Itoa(testQuota-1) {
		t.Fatalf("remaining header %q", got)
	}
	if rec.Header().Get(api.HeaderRateLimitReset) == "" {
		t.Fatal("reset header missing")
	}
}

func TestTransferEncryptedRoundTrip(t *testing.T) {
	e := newEnv(t, envOptions{signing: true})
	e.setATA(t, e.sender, true)
	e.setATA(t, e.recv, true)

	body := e.transferBody()
	headers := e.signedHeaders(t, body, true)
	encrypted := e.cipher.EncryptTree(body)
	rec := e.post(t, "/v1/transfer", encrypted, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeEnvelope(t, rec)
	var resp api.TransferResponse
	e.decryptMessage(t, out.Message, &resp)
	if resp.Tx == "" || len(resp.Signatures) != 2 {
		t.Fatalf("unexpected decrypted response: %+v", resp)
	}
	if resp.PriorityFee == 0 {
		t.Fatal("priority fee missing after decryption")
	}
}

func TestSigningFailuresAreIndistinguishable(t *testing.T) {
	e := newEnv(t, envOptions{signing: true})
	e.setATA(t, e.sender, true)
	e.setATA(t, e.recv, true)
	body := e.transferBody()

	// Wrong signature.
	headers := e.signedHeaders(t, body, false)
	headers[api.HeaderSignature] = "deadbeef"
	wrongSig := e.post(t, "/v1/transfer", body, headers)

	// Missing headers entirely.
	missing := e.post(t, "/v1/transfer", body, nil)

	for name, rec := range map[string]*httptest.ResponseRecorder{"wrong signature": wrongSig, "missing headers": missing} {
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status %d", name, rec.Code)
		}
		out := decodeEnvelope(t, rec)
		var msg struct {
			Error   bool   `json:"error"`
			Message string `json:"message"`
		}
		e.decryptMessage(t, out.Message, &msg)
		if !msg.Error || msg.Message != api.GenericUnauthorized {
			t.Fatalf("%s: decrypted message %+v", name, msg)
		}
	}
	// The fixed cipher IV makes the opaque denial byte-identical across
	// failure reasons.
	if wrongSig.Body.String() != missing.Body.String() {
		t.Fatal("failure responses differ between reasons")
	}
}

func TestReplayRejected(t *testing.T) {
	e := newEnv(t, envOptions{signing: true})
	e.setATA(t, e.sender, true)
	e.setATA(t, e.recv, true)

	body := e.transferBody()
	headers := e.signedHeaders(t, body, false)
	if rec := e.post(t, "/v1/transfer", body, headers); rec.Code != http.StatusOK {
		t.Fatalf("first request status %d: %s", rec.Code, rec.Body.String())
	}
	if rec := e.post(t, "/v1/transfer", body, headers); rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed request status %d", rec.Code)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.setATA(t, e.sender, true)
	e.setATA(t, e.recv, true)

	body := e.transferBody()
	for i := 0; i < testQuota; i++ {
		if rec := e.post(t, "/v1/transfer", body, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d status %d: %s", i+1, rec.Code, rec.Body.String())
		}
	}
	rec := e.post(t, "/v1/transfer", body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
	if got := rec.Header().Get(api.HeaderRateLimitRemaining); got != "0" {
		t.Fatalf("remaining header %q", got)
	}
	out := decodeEnvelope(t, rec)
	if out.Result != api.ResultError {
		t.Fatalf("result %q", out.Result)
	}
	var msg api.ErrorMessage
	if err := json.Unmarshal(out.Message, &msg); err != nil {
		t.Fatal(err)
	}
	if !msg.Error || msg.RetryAfter < 1 {
		t.Fatalf("message %+v", msg)
	}
}

func TestDenyListBlocksBothParties(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.setATA(t, e.sender, true)
	e.setATA(t, e.recv, true)

	if err := e.deny.Add(context.Background(), e.recv.String(), "fraud report 7781"); err != nil {
		t.Fatal(err)
	}
	rec := e.post(t, "/v1/transfer", e.transferBody(), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status %d", rec.Code)
	}
	var msg api.ErrorMessage
	out := decodeEnvelope(t, rec)
	if err := json.Unmarshal(out.Message, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Message != "fraud report 7781" {
		t.Fatalf("reason %q", msg.Message)
	}
}

func TestSenderAccountMissingRejected(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.setATA(t, e.recv, true)

	rec := e.post(t, "/v1/transfer", e.transferBody(), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var msg api.ErrorMessage
	out := decodeEnvelope(t, rec)
	if err := json.Unmarshal(out.Message, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Message != "create sender account first" {
		t.Fatalf("message %q", msg.Message)
	}
}

func TestValidationErrors(t *testing.T) {
	e := newEnv(t, envOptions{})

	cases := []struct {
		name    string
		mutate  func(map[string]any)
		message string
	}{
		{"missing receiver", func(m map[string]any) { delete(m, "receiverAddress") }, "receiverAddress is required"},
		{"zero amount", func(m map[string]any) { m["amount"] = 0 }, "amount must be a positive integer"},
		{"bad sender", func(m map[string]any) { m["senderAddress"] = "not-base58!" }, "senderAddress is not a valid address"},
		{"fee without address", func(m map[string]any) { m["feeAmount"] = 5 }, "feeAmount and feeAddress must be provided together"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := e.transferBody()
			tc.mutate(body)
			rec := e.post(t, "/v1/transfer", body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
			}
			var msg api.ErrorMessage
			out := decodeEnvelope(t, rec)
			if err := json.Unmarshal(out.Message, &msg); err != nil {
				t.Fatal(err)
			}
			if msg.Message != tc.message {
				t.Fatalf("message %q, want %q", msg.Message, tc.message)
			}
		})
	}
}

func TestDegradedEstimatorStillServes(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.setATA(t, e.sender, true)
	e.setATA(t, e.recv, true)
	e.fake.PerfSamplesErr = ledger.ErrFakeUnavailable

	rec := e.post(t, "/v1/transfer", e.transferBody(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeEnvelope(t, rec)
	var resp api.TransferResponse
	if err := json.Unmarshal(out.Message, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.CongestionTier != string(congestion.TierMedium) {
		t.Fatalf("tier %q, want medium fallback", resp.CongestionTier)
	}
}
