package types

import (
	"time"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
	X402Version2 X402Version = 2
)

// PaymentScheme represents different payment schemes
type PaymentScheme string

const (
	SchemeExact PaymentScheme = "exact"
)

// HTTP headers used by the payment exchange.
const (
	HeaderPaymentRequired = "PAYMENT-REQUIRED"
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentRequirements defines one payment method a resource server accepts.
type PaymentRequirements struct {
	// Scheme of the payment protocol to use (e.g., "exact").
	Scheme string `json:"scheme" validate:"required"`

	// Network in CAIP-2 form (e.g., "eip155:10143").
	Network string `json:"network" validate:"required"`

	// Amount to pay in atomic units of the asset (x402 v2).
	// Represented as a string because Go does not support uint256.
	Amount string `json:"amount,omitempty" validate:"required_without=MaxAmountRequired"`

	// Maximum amount required in atomic units (x402 v1 name for Amount).
	MaxAmountRequired string `json:"maxAmountRequired,omitempty" validate:"required_without=Amount"`

	// URL of the resource to pay for.
	Resource string `json:"resource,omitempty"`

	// Description of the resource being purchased.
	Description string `json:"description,omitempty"`

	// MIME type of the resource response (e.g., "application/json").
	MimeType string `json:"mimeType,omitempty"`

	// Address to which the payment must be sent.
	PayTo string `json:"payTo" validate:"required"`

	// Maximum time in seconds for the resource server to respond.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds,omitempty" validate:"gte=0"`

	// Address of the EIP-3009 compliant ERC20 contract.
	Asset string `json:"asset" validate:"required"`

	// Extra carries the asset's EIP-712 domain overrides for the `exact` scheme.
	Extra *RequirementExtra `json:"extra,omitempty"`
}

// RequirementExtra holds the EIP-712 domain name/version of the payment asset.
type RequirementExtra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// PaymentAmount returns the normalized amount: Amount when present,
// MaxAmountRequired otherwise.
func (pr *PaymentRequirements) PaymentAmount() string {
	if pr.Amount != "" {
		return pr.Amount
	}
	return pr.MaxAmountRequired
}

// PaymentRequired is the envelope a server sends with a 402 response.
type PaymentRequired struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version"`

	// List of payment requirements that the resource server accepts.
	Accepts []PaymentRequirements `json:"accepts"`

	// Message from the resource server indicating any processing error.
	Error string `json:"error,omitempty"`
}

// Authorization is the EIP-3009 TransferWithAuthorization message.
// Numeric fields are decimal strings, nonce is 0x-prefixed bytes32.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`       // uint256
	ValidAfter  string `json:"validAfter"`  // uint256 timestamp
	ValidBefore string `json:"validBefore"` // uint256 timestamp
	Nonce       string `json:"nonce"`       // bytes32
}

// ExactEvmPayload is the scheme-specific payload of an "exact" EVM payment.
type ExactEvmPayload struct {
	Signature     string        `json:"signature"` // 65-byte ECDSA signature (r||s||v), hex
	Authorization Authorization `json:"authorization"`
}

// PaymentProof is base64-encoded into the X-PAYMENT header of the paid retry.
type PaymentProof struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     ExactEvmPayload `json:"payload"`
}

// PaymentResponse is what a server reports in X-PAYMENT-RESPONSE after
// settling a paid request.
type PaymentResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// X402Config contains global configuration for the x402 client
type X402Config struct {
	// APIURL is the general REST API base, e.g. http://localhost:3001/api/v1.
	APIURL string `json:"apiUrl,omitempty"`

	// BackendBase is where agent routes live. Derived from APIURL when empty.
	BackendBase string `json:"backendBase,omitempty"`

	DefaultTimeout time.Duration `json:"defaultTimeout,omitempty"`

	// DefaultChainID is used when a requirement's network cannot be parsed.
	DefaultChainID int64 `json:"defaultChainId,omitempty"`

	LogLevel      string `json:"logLevel,omitempty"`
	EnableMetrics bool   `json:"enableMetrics,omitempty"`

	// MaxHistory bounds persisted chat history (0 keeps everything).
	MaxHistory int    `json:"maxHistory,omitempty"`
	RedisURL   string `json:"redisUrl,omitempty"`

	// RPCURL enables the on-chain balance preflight when set.
	RPCURL string `json:"rpcUrl,omitempty"`
}
