package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/clawnad/x402/utils"
	"github.com/clawnad/x402/utils/eip712"
)

var _ TypedDataSigner = (*PrivateKeySigner)(nil)

// PrivateKeySigner signs typed data with a local secp256k1 key. It is the
// headless counterpart of a browser wallet.
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewPrivateKeySigner loads a hex private key (with or without 0x).
func NewPrivateKeySigner(hexKey string) (*PrivateKeySigner, error) {
	key, err := utils.PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &PrivateKeySigner{
		key:     key,
		address: utils.AddressFromPrivateKey(key),
	}, nil
}

// Account implements TypedDataSigner.
func (s *PrivateKeySigner) Account() (common.Address, bool) {
	return s.address, true
}

// SignTypedData implements TypedDataSigner.
func (s *PrivateKeySigner) SignTypedData(ctx context.Context, account common.Address, typedData apitypes.TypedData) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if account != s.address {
		return "", fmt.Errorf("account %s is not managed by this signer", account.Hex())
	}

	digest, err := eip712.Hash(typedData)
	if err != nil {
		return "", fmt.Errorf("failed to hash typed data: %w", err)
	}
	return utils.SignHash(digest.Bytes(), s.key)
}
