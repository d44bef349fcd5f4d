package clients

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"

	x402types "github.com/clawnad/x402/types"
	"github.com/clawnad/x402/utils"
)

const eip3009TokenABI = `[
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{ "name": "account", "type": "address" }],
    "outputs": [{ "name": "", "type": "uint256" }]
  },
  {
    "name": "decimals",
    "type": "function",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{ "name": "", "type": "uint8" }]
  },
  {
    "name": "authorizationState",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      { "name": "authorizer", "type": "address" },
      { "name": "nonce", "type": "bytes32" }
    ],
    "outputs": [{ "name": "", "type": "bool" }]
  }
]`

var tokenABI = mustParseABI(eip3009TokenABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ERC20 reads the EIP-3009 token state the payer side cares about.
type ERC20 interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Decimals(ctx context.Context) (uint8, error)
	AuthorizationState(ctx context.Context, authorizer common.Address, nonce [32]byte) (bool, error)
}

// TokenReader implements ERC20 over plain eth_call.
type TokenReader struct {
	token  common.Address
	caller ethereum.ContractCaller
}

func NewTokenReader(token string, caller ethereum.ContractCaller) (*TokenReader, error) {
	if !utils.ValidateAddress(token) {
		return nil, fmt.Errorf("invalid token address %q", token)
	}
	return &TokenReader{token: common.HexToAddress(token), caller: caller}, nil
}

// DialTokenReader connects to rpcURL and binds a reader to token. The
// returned close func releases the connection.
func DialTokenReader(ctx context.Context, rpcURL, token string) (*TokenReader, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	reader, err := NewTokenReader(token, client)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return reader, client.Close, nil
}

func (t *TokenReader) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	out, err := t.caller.CallContract(ctx, ethereum.CallMsg{To: &t.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	values, err := tokenABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(values))
	}
	return values, nil
}

func (t *TokenReader) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	values, err := t.call(ctx, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", values[0])
	}
	return bal, nil
}

func (t *TokenReader) Decimals(ctx context.Context) (uint8, error) {
	values, err := t.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals result %T", values[0])
	}
	return d, nil
}

// AuthorizationState reports whether nonce was already used by authorizer.
func (t *TokenReader) AuthorizationState(ctx context.Context, authorizer common.Address, nonce [32]byte) (bool, error) {
	values, err := t.call(ctx, "authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}
	used, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected authorizationState result %T", values[0])
	}
	return used, nil
}

// CheckFunds fails with INSUFFICIENT_FUNDS when owner cannot cover the
// requirement's amount. Lookup failures are returned as NETWORK_ERROR.
func CheckFunds(ctx context.Context, token ERC20, owner common.Address, req *x402types.PaymentRequirements) error {
	amount, err := utils.ValidateBigInt(req.PaymentAmount())
	if err != nil {
		return x402types.NewError(x402types.ErrInvalidRequirements, "invalid payment amount", err)
	}

	bal, err := token.BalanceOf(ctx, owner)
	if err != nil {
		return x402types.NewError(x402types.ErrNetworkError, "failed to read token balance", err)
	}

	if bal.Cmp(amount) < 0 {
		return &x402types.X402Error{
			Code:    x402types.ErrInsufficientFunds,
			Message: fmt.Sprintf("insufficient balance: have %s, need %s", bal, amount),
			Data: map[string]string{
				"balance":  bal.String(),
				"required": amount.String(),
				"asset":    req.Asset,
			},
		}
	}
	return nil
}

// NonceUsed decodes a 0x bytes32 nonce and queries its authorization state.
func NonceUsed(ctx context.Context, token ERC20, authorizer common.Address, nonceHex string) (bool, error) {
	raw, err := hexutil.Decode(nonceHex)
	if err != nil || len(raw) != 32 {
		return false, fmt.Errorf("nonce must be 32 bytes hex")
	}
	var nonce [32]byte
	copy(nonce[:], raw)
	return token.AuthorizationState(ctx, authorizer, nonce)
}
