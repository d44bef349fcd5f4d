package utils

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"github.com/clawnad/x402/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ErrNotEnvelope is returned when a document is valid JSON but carries no
// accepts list.
var ErrNotEnvelope = errors.New("document has no accepts list")

// EncodeHeader serializes v as JSON and base64-encodes it for a header value.
func EncodeHeader(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeHeader reverses EncodeHeader. Values that are not base64 are parsed
// as raw JSON, since some deployments send the header unencoded.
func DecodeHeader(value string, v interface{}) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.New("empty header value")
	}

	if data, err := decodeBase64(value); err == nil {
		if err := json.Unmarshal(data, v); err == nil {
			return nil
		}
	}

	if err := json.Unmarshal([]byte(value), v); err != nil {
		return fmt.Errorf("header is neither base64 JSON nor JSON: %w", err)
	}
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// ParsePaymentRequiredHeader decodes a PAYMENT-REQUIRED header value.
func ParsePaymentRequiredHeader(value string) (*types.PaymentRequired, error) {
	var raw json.RawMessage
	if err := DecodeHeader(value, &raw); err != nil {
		return nil, err
	}
	return ParsePaymentRequiredBody(raw)
}

// ParsePaymentRequiredBody parses a 402 response body as the envelope. The
// document must be a JSON object with an accepts array.
func ParsePaymentRequiredBody(data []byte) (*types.PaymentRequired, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("invalid JSON")
	}
	if !gjson.GetBytes(data, "accepts").IsArray() {
		return nil, ErrNotEnvelope
	}

	var pr types.PaymentRequired
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}
	return &pr, nil
}

// ValidatePaymentRequirements checks the fields needed to sign a payment.
func ValidatePaymentRequirements(req *types.PaymentRequirements) error {
	if err := validate.Struct(req); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: fmt.Sprintf("validation failed: %v", err),
			Cause:   err,
		}
	}

	if _, err := ValidateBigInt(req.PaymentAmount()); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: fmt.Sprintf("invalid payment amount %q: %v", req.PaymentAmount(), err),
			Cause:   err,
		}
	}

	return nil
}

// ServerMessage extracts a human message from a JSON error body:
// {"error": "..."}, {"error": {"message": "..."}} or {"message": "..."}.
// ok is false when the body is not JSON at all.
func ServerMessage(body []byte) (msg string, ok bool) {
	if !gjson.ValidBytes(body) {
		return "", false
	}
	res := gjson.ParseBytes(body)
	for _, path := range []string{"error.message", "error", "message"} {
		if v := res.Get(path); v.Type == gjson.String && v.String() != "" {
			return v.String(), true
		}
	}
	return "", true
}
