package clients

import (
	"errors"
	"strings"
)

// ErrUserRejected may be returned (or wrapped) by TypedDataSigner
// implementations when the user declines the signature prompt.
var ErrUserRejected = errors.New("user rejected the request")

// Wallets report rejection only through their error text.
var userRejectionPatterns = []string{
	"user rejected",
	"user denied",
	"rejected the request",
	"request rejected",
}

// IsUserRejection reports whether err means the user declined to sign.
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUserRejected) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range userRejectionPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
