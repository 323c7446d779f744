// Package api defines the wire types and header names shared by the
// relayd server and its clients.
package api

// Request headers. Matching is case-insensitive on the wire.
const (
	// HeaderEncrypted flags an encrypted request body and requests an
	// encrypted response ("yes"/"no").
	HeaderEncrypted = "X-Relay-Encrypted"
	// HeaderApp carries the calling application identifier.
	HeaderApp = "X-Relay-App"
	// HeaderTimestamp is the request timestamp in epoch milliseconds.
	HeaderTimestamp = "X-Relay-Timestamp"
	// HeaderNonce is the single-use replay token.
	HeaderNonce = "X-Relay-Nonce"
	// HeaderSignature is the hex HMAC-SHA256 request signature.
	HeaderSignature = "X-Relay-Signature"
	// HeaderClient identifies the signing client.
	HeaderClient = "X-Relay-Client"
)

// Rate-limit response headers, set on every pipeline response.
const (
	// HeaderRateLimitLimit is the per-window request quota.
	HeaderRateLimitLimit = "X-RateLimit-Limit"
	// HeaderRateLimitRemaining is the remaining quota in the current window.
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	// HeaderRateLimitReset is the window (or penalty) expiry as a Unix
	// timestamp in seconds.
	HeaderRateLimitReset = "X-RateLimit-Reset"
)

// Envelope result values.
const (
	// ResultSuccess marks a successful response envelope.
	ResultSuccess = "success"
	// ResultError marks an error response envelope.
	ResultError = "error"
)

// Envelope wraps every response body.
type Envelope struct {
	// Result is "success" or "error".
	Result string `json:"result"`
	// Message is the response payload; on encrypted requests it is the
	// encrypted form of the payload tree.
	Message any `json:"message"`
}

// ErrorMessage is the payload of an error envelope.
type ErrorMessage struct {
	// Error is always true on error payloads.
	Error bool `json:"error"`
	// Message is the user-facing reason.
	Message string `json:"message"`
	// RetryAfter is the rate-limit backoff hint in seconds.
	RetryAfter int64 `json:"retryAfter,omitempty"`
}

// GenericUnauthorized is the fixed message returned for every request
// signing failure. Which check failed is never disclosed to the caller.
const GenericUnauthorized = "unauthorized access"

// TransferRequest is the decrypted body of POST /v1/transfer.
type TransferRequest struct {
	// SenderAddress is the transfer source wallet.
	SenderAddress string `json:"senderAddress"`
	// ReceiverAddress is the transfer destination wallet.
	ReceiverAddress string `json:"receiverAddress"`
	// AssetID is the token mint address.
	AssetID string `json:"assetId"`
	// Amount is the transfer amount in the mint's smallest denomination.
	Amount uint64 `json:"amount"`
	// FeeAmount is an optional service-fee amount; requires FeeAddress.
	FeeAmount uint64 `json:"feeAmount,omitempty"`
	// FeeAddress is the service-fee recipient wallet.
	FeeAddress string `json:"feeAddress,omitempty"`
	// Memo is an optional human-readable note recorded on chain.
	Memo string `json:"memo,omitempty"`
}

// SignatureSlot is one required-signature slot of the assembled
// transaction.
type SignatureSlot struct {
	// Key is the signer's public key, base58.
	Key string `json:"key"`
	// Signature is the base58 signature, or null while the slot is
	// unsigned.
	Signature *string `json:"signature"`
}

// TransferResponse is the decrypted success payload of POST /v1/transfer.
type TransferResponse struct {
	// Tx is the base64 serialized, relay-signed transaction.
	Tx string `json:"tx"`
	// Signatures lists the required signature slots in message order.
	Signatures []SignatureSlot `json:"signatures"`
	// PriorityFee is the applied compute-unit price in microlamports.
	PriorityFee uint64 `json:"priorityFee"`
	// CongestionTier is the congestion classification behind the fee.
	CongestionTier string `json:"congestionTier"`
	// EstimatedCost is the relay's projected spend in lamports.
	EstimatedCost uint64 `json:"estimatedCost"`
}

// CongestionResponse is returned by GET /v1/congestion.
type CongestionResponse struct {
	// Tier is the current congestion classification.
	Tier string `json:"tier"`
	// PriorityFee is the tier's compute-unit price in microlamports.
	PriorityFee uint64 `json:"priorityFee"`
	// ComputeBudget is the tier's compute-unit limit.
	ComputeBudget uint32 `json:"computeBudget"`
	// Degraded reports that sampling failed and the medium default was
	// applied.
	Degraded bool `json:"degraded,omitempty"`
}

// DenyListEntry is one deny-list record.
type DenyListEntry struct {
	// Address is the blocked wallet address.
	Address string `json:"address"`
	// Reason is the operator- or detector-supplied block reason.
	Reason string `json:"reason"`
	// AddedAt is when the entry was recorded, Unix seconds.
	AddedAt int64 `json:"added_at_unix"`
}

// DenyListAddRequest models POST /v1/denylist.
type DenyListAddRequest struct {
	// Address is the wallet address to block.
	Address string `json:"address"`
	// Reason documents why the address is blocked.
	Reason string `json:"reason"`
}

// DenyListResponse is returned by GET /v1/denylist.
type DenyListResponse struct {
	// Entries holds every current deny-list record.
	Entries []DenyListEntry `json:"entries"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	// Status is "ok" when the service and its store are reachable.
	Status string `json:"status"`
	// Store reports backend reachability ("ok" or the failure detail).
	Store string `json:"store"`
}
