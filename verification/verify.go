// Package verification checks X-PAYMENT proofs against the requirement they
// were signed for, without submitting anything on chain.
package verification

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/clawnad/x402/clients"
	"github.com/clawnad/x402/types"
	"github.com/clawnad/x402/utils"
	"github.com/clawnad/x402/utils/eip712"
)

// Invalid reasons reported in Result.
const (
	ReasonMalformedProof    = "malformed_proof"
	ReasonSchemeMismatch    = "scheme_mismatch"
	ReasonNetworkMismatch   = "network_mismatch"
	ReasonRecipientMismatch = "recipient_mismatch"
	ReasonValueMismatch     = "value_mismatch"
	ReasonNotYetValid       = "authorization_not_yet_valid"
	ReasonExpired           = "authorization_expired"
	ReasonInvalidNonce      = "invalid_nonce"
	ReasonInvalidSignature  = "invalid_signature"
	ReasonNonceUsed         = "nonce_already_used"
	ReasonInsufficientFunds = "insufficient_funds"
)

// Result is the outcome of checking one proof.
type Result struct {
	Valid         bool   `json:"valid"`
	Payer         string `json:"payer,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

func invalid(reason string) *Result {
	return &Result{InvalidReason: reason}
}

// Request pairs a header value with the requirement it should satisfy.
type Request struct {
	Header       string
	Requirements *types.PaymentRequirements
}

// Service verifies payment proofs.
type Service struct {
	timeout        time.Duration
	defaultChainID int64
	now            func() time.Time
	token          func(ctx context.Context, asset string) (clients.ERC20, error)
}

type Option func(*Service)

// WithClock overrides the time source used for validity windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDefaultChainID sets the chain id used when a network is malformed.
func WithDefaultChainID(id int64) Option {
	return func(s *Service) { s.defaultChainID = id }
}

// WithTokenLookup enables on-chain checks of nonce state and balance.
func WithTokenLookup(fn func(ctx context.Context, asset string) (clients.ERC20, error)) Option {
	return func(s *Service) { s.token = fn }
}

func NewVerificationService(timeout time.Duration, opts ...Option) *Service {
	s := &Service{
		timeout:        timeout,
		defaultChainID: types.DefaultChainID,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verify decodes header and checks it against req. A nil error with
// Valid=false means the proof was readable but does not pay for req.
func (s *Service) Verify(ctx context.Context, header string, req *types.PaymentRequirements) (*Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := utils.ValidatePaymentRequirements(req); err != nil {
		return nil, err
	}

	var proof types.PaymentProof
	if err := utils.DecodeHeader(header, &proof); err != nil {
		return invalid(ReasonMalformedProof), nil
	}

	return s.verifyProof(ctx, &proof, req)
}

func (s *Service) verifyProof(ctx context.Context, proof *types.PaymentProof, req *types.PaymentRequirements) (*Result, error) {
	auth := proof.Payload.Authorization

	switch {
	case proof.Scheme != req.Scheme:
		return invalid(ReasonSchemeMismatch), nil
	case proof.Network != req.Network:
		return invalid(ReasonNetworkMismatch), nil
	case !strings.EqualFold(auth.To, req.PayTo):
		return invalid(ReasonRecipientMismatch), nil
	case auth.Value != req.PaymentAmount():
		return invalid(ReasonValueMismatch), nil
	}

	validAfter, err1 := utils.ValidateBigInt(auth.ValidAfter)
	validBefore, err2 := utils.ValidateBigInt(auth.ValidBefore)
	if err1 != nil || err2 != nil {
		return invalid(ReasonMalformedProof), nil
	}
	now := big.NewInt(s.now().Unix())
	if now.Cmp(validAfter) < 0 {
		return invalid(ReasonNotYetValid), nil
	}
	if now.Cmp(validBefore) >= 0 {
		return invalid(ReasonExpired), nil
	}

	if _, err := eip712.HexToBytes32(auth.Nonce); err != nil {
		return invalid(ReasonInvalidNonce), nil
	}

	chainID, _ := types.Network(req.Network).ChainIDOr(s.defaultChainID)
	domain := eip712.DomainFor(req, chainID)

	// The word-level digest and the apitypes encoding of the same typed data
	// must agree before the signature means anything.
	digest, err := eip712.BuildTransferWithAuthDigest(domain, auth)
	if err != nil {
		return invalid(ReasonMalformedProof), nil
	}
	td := eip712.NewTransferWithAuthorization(domain, auth)
	typedDigest, err := eip712.Hash(td)
	if err != nil || typedDigest != digest {
		return invalid(ReasonMalformedProof), nil
	}

	signer, err := utils.RecoverTypedDataSigner(td, proof.Payload.Signature)
	if err != nil || !strings.EqualFold(signer.Hex(), auth.From) {
		return invalid(ReasonInvalidSignature), nil
	}

	if s.token != nil {
		if res, err := s.checkOnChain(ctx, signer, auth.Nonce, req); res != nil || err != nil {
			return res, err
		}
	}

	return &Result{Valid: true, Payer: signer.Hex()}, nil
}

func (s *Service) checkOnChain(ctx context.Context, payer common.Address, nonce string, req *types.PaymentRequirements) (*Result, error) {
	token, err := s.token(ctx, req.Asset)
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}

	used, err := clients.NonceUsed(ctx, token, payer, nonce)
	if err != nil {
		return nil, err
	}
	if used {
		return invalid(ReasonNonceUsed), nil
	}

	if err := clients.CheckFunds(ctx, token, payer, req); err != nil {
		if types.IsCode(err, types.ErrInsufficientFunds) {
			return invalid(ReasonInsufficientFunds), nil
		}
		return nil, err
	}
	return nil, nil
}

// BatchVerify verifies requests concurrently. Results keep request order.
func (s *Service) BatchVerify(ctx context.Context, requests []Request) ([]*Result, error) {
	results := make([]*Result, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range requests {
		g.Go(func() error {
			res, err := s.Verify(gctx, r.Header, r.Requirements)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
