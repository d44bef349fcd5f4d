package eip712

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/clawnad/x402/types"
)

const (
	// Default signing domain of a generic USDC-style stablecoin.
	DefaultDomainName    = "USD Coin"
	DefaultDomainVersion = "2"

	PrimaryTypeTransferWithAuthorization = "TransferWithAuthorization"
)

// Domain is the EIP-712 domain of the payment asset.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

// DomainFor builds the asset domain for a requirement. Name and version
// come from requirement.extra when present.
func DomainFor(req *types.PaymentRequirements, chainID *big.Int) Domain {
	d := Domain{
		Name:              DefaultDomainName,
		Version:           DefaultDomainVersion,
		ChainID:           chainID,
		VerifyingContract: req.Asset,
	}
	if req.Extra != nil {
		if req.Extra.Name != "" {
			d.Name = req.Extra.Name
		}
		if req.Extra.Version != "" {
			d.Version = req.Extra.Version
		}
	}
	return d
}

// --- Type hashes (keccak256 of the type signature strings) ---
var (
	// TRANSFER_WITH_AUTH_TYPE = "TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"
	transferAuthTypeHash = crypto.Keccak256Hash([]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))

	// EIP712Domain type string - note ordering matters
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
)

// TransferWithAuthorizationTypes is the EIP-3009 schema with its domain.
var TransferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryTypeTransferWithAuthorization: {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// NewTransferWithAuthorization builds the typed-data request handed to a
// wallet for signing.
func NewTransferWithAuthorization(d Domain, auth types.Authorization) apitypes.TypedData {
	var chainID *math.HexOrDecimal256
	if d.ChainID != nil {
		chainID = (*math.HexOrDecimal256)(new(big.Int).Set(d.ChainID))
	}

	return apitypes.TypedData{
		Types:       TransferWithAuthorizationTypes,
		PrimaryType: PrimaryTypeTransferWithAuthorization,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           chainID,
			VerifyingContract: d.VerifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}
}

// Helpers ---------------------------------------------------------------------

// keccak256ABI concatenates 32-byte words and hashes them.
func keccak256ABI(parts ...[]byte) common.Hash {
	joined := []byte{}
	for _, p := range parts {
		joined = append(joined, p...)
	}
	return crypto.Keccak256Hash(joined)
}

// padLeft32 returns a 32-byte right-aligned representation of the given big.Int
func padLeft32(i *big.Int) []byte {
	return common.LeftPadBytes(i.Bytes(), 32)
}

func addressTo32(a common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], a.Bytes())
	return out
}

func stringToBig(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid uint256 decimal string %q", s)
	}
	return n, nil
}

// HexToBytes32 converts an exactly-32-byte hex string (with or without 0x).
func HexToBytes32(hexStr string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(hexStr, "0x"))
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// DomainSeparator builds the domainSeparator hash per EIP-712:
// keccak256(abi.encode(domainTypeHash, keccak256(name), keccak256(version), chainId, verifyingContract))
func DomainSeparator(d Domain) (common.Hash, error) {
	if d.Name == "" || d.Version == "" || d.ChainID == nil || !common.IsHexAddress(d.VerifyingContract) {
		return common.Hash{}, errors.New("incomplete domain")
	}

	return keccak256ABI(
		domainTypeHash.Bytes(),
		crypto.Keccak256([]byte(d.Name)),
		crypto.Keccak256([]byte(d.Version)),
		padLeft32(d.ChainID),
		addressTo32(common.HexToAddress(d.VerifyingContract)),
	), nil
}

// HashTransferWithAuthorizationStruct computes keccak256(
//
//	abi.encode(TRANSFER_WITH_AUTH_TYPEHASH, from, to, value, validAfter, validBefore, nonceBytes32)
//
// )
func HashTransferWithAuthorizationStruct(from, to common.Address, value, validAfter, validBefore *big.Int, nonce [32]byte) common.Hash {
	return keccak256ABI(
		transferAuthTypeHash.Bytes(),
		addressTo32(from),
		addressTo32(to),
		padLeft32(value),
		padLeft32(validAfter),
		padLeft32(validBefore),
		nonce[:],
	)
}

// TypedDataHash returns the final EIP-712 digest:
//
//	keccak256("\x19\x01", domainSeparator, structHash)
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator.Bytes(), structHash.Bytes())
}

// BuildTransferWithAuthDigest builds the EIP-712 digest for an authorization
// without going through apitypes.
func BuildTransferWithAuthDigest(d Domain, auth types.Authorization) (common.Hash, error) {
	domainSep, err := DomainSeparator(d)
	if err != nil {
		return common.Hash{}, err
	}
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return common.Hash{}, fmt.Errorf("invalid from/to address")
	}

	value, err := stringToBig(auth.Value)
	if err != nil {
		return common.Hash{}, err
	}
	validAfter, err := stringToBig(auth.ValidAfter)
	if err != nil {
		return common.Hash{}, err
	}
	validBefore, err := stringToBig(auth.ValidBefore)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, err := HexToBytes32(auth.Nonce)
	if err != nil {
		return common.Hash{}, err
	}

	structHash := HashTransferWithAuthorizationStruct(
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value, validAfter, validBefore, nonce,
	)
	return TypedDataHash(domainSep, structHash), nil
}

// Hash returns the digest wallets sign for the given typed data.
func Hash(td apitypes.TypedData) (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(digest), nil
}
