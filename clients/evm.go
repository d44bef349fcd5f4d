package clients

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/clawnad/x402/logger"
	x402types "github.com/clawnad/x402/types"
	"github.com/clawnad/x402/utils"
	"github.com/clawnad/x402/utils/eip712"
)

// AuthorizationValidity is how long a signed authorization stays valid.
const AuthorizationValidity = time.Hour

// NonceFunc returns a fresh bytes32 nonce.
type NonceFunc func() ([32]byte, error)

// NowFunc returns the current time.
type NowFunc func() time.Time

// RandomNonce reads 32 bytes from crypto/rand.
func RandomNonce() ([32]byte, error) {
	return NonceFromReader(rand.Reader)()
}

// NonceFromReader draws nonces from r. Tests pass a seeded source.
func NonceFromReader(r io.Reader) NonceFunc {
	return func() ([32]byte, error) {
		var nonce [32]byte
		if _, err := io.ReadFull(r, nonce[:]); err != nil {
			return nonce, fmt.Errorf("failed to generate nonce: %w", err)
		}
		return nonce, nil
	}
}

// EVMClientConfig configures an EVMClient. Zero values pick defaults.
type EVMClientConfig struct {
	DefaultChainID int64
	Nonce          NonceFunc
	Now            NowFunc
	Logger         logger.Logger
}

var _ Client = (*EVMClient)(nil)

// EVMClient signs EIP-3009 TransferWithAuthorization payments for the
// "exact" scheme on eip155 networks.
type EVMClient struct {
	defaultChainID int64
	nonce          NonceFunc
	now            NowFunc
	logger         logger.Logger
}

func NewEVMClient(cfg EVMClientConfig) *EVMClient {
	c := &EVMClient{
		defaultChainID: cfg.DefaultChainID,
		nonce:          cfg.Nonce,
		now:            cfg.Now,
		logger:         cfg.Logger,
	}
	if c.defaultChainID == 0 {
		c.defaultChainID = x402types.DefaultChainID
	}
	if c.nonce == nil {
		c.nonce = RandomNonce
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = logger.NoopLogger{}
	}
	return c
}

// Scheme implements Client.
func (e *EVMClient) Scheme() string {
	return string(x402types.SchemeExact)
}

// CreatePayment implements Client. The wallet prompt is the only blocking
// step; everything before it fails without I/O.
func (e *EVMClient) CreatePayment(ctx context.Context, req *x402types.PaymentRequirements, signer TypedDataSigner) (string, error) {
	if signer == nil {
		return "", x402types.NewError(x402types.ErrNoAccount, "no wallet account connected", nil)
	}
	account, ok := signer.Account()
	if !ok {
		return "", x402types.NewError(x402types.ErrNoAccount, "no wallet account connected", nil)
	}

	if err := utils.ValidatePaymentRequirements(req); err != nil {
		return "", err
	}

	auth, typedData, err := e.BuildAuthorization(req, account.Hex())
	if err != nil {
		return "", err
	}

	signature, err := signer.SignTypedData(ctx, account, typedData)
	if err != nil {
		if IsUserRejection(err) {
			return "", x402types.NewError(x402types.ErrUserRejected, "payment signature rejected by user", err)
		}
		return "", x402types.NewError(x402types.ErrSigningFailed, x402types.Truncate(err.Error(), x402types.MaxDisplayLen), err)
	}

	proof := x402types.PaymentProof{
		X402Version: int(x402types.X402Version2),
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: x402types.ExactEvmPayload{
			Signature:     signature,
			Authorization: auth,
		},
	}

	encoded, err := utils.EncodeHeader(proof)
	if err != nil {
		return "", x402types.NewError(x402types.ErrSigningFailed, "failed to encode payment proof", err)
	}

	e.logger.Debug("payment proof built", map[string]any{
		"network": req.Network,
		"scheme":  req.Scheme,
		"payTo":   req.PayTo,
		"value":   auth.Value,
	})

	return encoded, nil
}

// BuildAuthorization mints a fresh authorization for from and the typed
// data a wallet must sign for it.
func (e *EVMClient) BuildAuthorization(req *x402types.PaymentRequirements, from string) (x402types.Authorization, apitypes.TypedData, error) {
	nonce, err := e.nonce()
	if err != nil {
		return x402types.Authorization{}, apitypes.TypedData{}, x402types.NewError(x402types.ErrSigningFailed, "failed to generate nonce", err)
	}

	chainID, ok := x402types.Network(req.Network).ChainIDOr(e.defaultChainID)
	if !ok {
		e.logger.Warn("malformed network, signing against fallback chain id", map[string]any{
			"network":  req.Network,
			"chain_id": chainID.String(),
		})
	}

	for field, addr := range map[string]string{"payTo": req.PayTo, "asset": req.Asset} {
		if !utils.ValidateAddress(addr) {
			e.logger.Warn("payment requirement address is not a valid hex address", map[string]any{
				"field":   field,
				"address": addr,
			})
		}
	}

	validBefore := e.now().Add(AuthorizationValidity).Unix()

	auth := x402types.Authorization{
		From:        from,
		To:          req.PayTo,
		Value:       req.PaymentAmount(),
		ValidAfter:  "0",
		ValidBefore: strconv.FormatInt(validBefore, 10),
		Nonce:       hexutil.Encode(nonce[:]),
	}

	return auth, eip712.NewTransferWithAuthorization(eip712.DomainFor(req, chainID), auth), nil
}
