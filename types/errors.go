package types

import (
	"errors"
	"fmt"
)

// Error codes
const (
	ErrInvalidRequirements = "INVALID_REQUIREMENTS"
	ErrConfigError         = "CONFIG_ERROR"
	ErrProtocolError       = "PROTOCOL_ERROR"
	ErrNoAcceptableScheme  = "NO_ACCEPTABLE_SCHEME"
	ErrNoAccount           = "NO_ACCOUNT"
	ErrUserRejected        = "USER_REJECTED"
	ErrSigningFailed       = "SIGNING_FAILED"
	ErrNetworkError        = "NETWORK_ERROR"
	ErrStreamError         = "STREAM_ERROR"
	ErrInsufficientFunds   = "INSUFFICIENT_FUNDS"
)

const (
	// MaxServerMessageLen bounds messages copied from server responses.
	MaxServerMessageLen = 200
	// MaxDisplayLen bounds messages returned by DisplayMessage.
	MaxDisplayLen = 100
)

// X402Error is returned by every payment-flow failure.
type X402Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Cause   error       `json:"-"`
}

func (e *X402Error) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *X402Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new X402Error.
func NewError(code, message string, cause error) *X402Error {
	return &X402Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ErrorCode extracts the code from an X402Error anywhere in the chain.
func ErrorCode(err error) string {
	var xe *X402Error
	if errors.As(err, &xe) {
		return xe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// DisplayMessage turns err into a short message fit for an end user.
func DisplayMessage(err error) string {
	if err == nil {
		return ""
	}
	switch ErrorCode(err) {
	case ErrUserRejected:
		return "Payment cancelled"
	case ErrNoAccount:
		return "Please connect your wallet first"
	}
	return Truncate(err.Error(), MaxDisplayLen)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
