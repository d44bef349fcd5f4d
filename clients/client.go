package clients

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402types "github.com/clawnad/x402/types"
)

// Client turns one accepted payment requirement into a base64 payment proof.
type Client interface {
	CreatePayment(ctx context.Context, requirements *x402types.PaymentRequirements, signer TypedDataSigner) (string, error)
	Scheme() string
}

// TypedDataSigner is the wallet capability the payment flow consumes.
type TypedDataSigner interface {
	// Account returns the bound account. ok is false when no wallet
	// account is connected.
	Account() (account common.Address, ok bool)

	// SignTypedData asks the wallet to sign typedData as account and
	// returns a 0x-prefixed 65-byte signature. It may block on user
	// interaction and fail with a user rejection.
	SignTypedData(ctx context.Context, account common.Address, typedData apitypes.TypedData) (string, error)
}
