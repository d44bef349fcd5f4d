package types

import (
	"math/big"
	"strings"
)

// DefaultChainID is the Monad testnet chain id, used when a network
// string carries no usable reference.
const DefaultChainID int64 = 10143

// Network is a CAIP-2 chain identifier such as "eip155:10143".
type Network string

const (
	NamespaceEIP155 = "eip155"
)

// Namespace returns the part before the colon.
func (n Network) Namespace() string {
	ns, _, _ := strings.Cut(string(n), ":")
	return ns
}

// IsEVM reports whether the network is in the eip155 namespace.
func (n Network) IsEVM() bool {
	return n.Namespace() == NamespaceEIP155
}

// ChainID parses the reference after the colon as a positive integer.
// ok is false when the string is malformed.
func (n Network) ChainID() (*big.Int, bool) {
	_, ref, found := strings.Cut(string(n), ":")
	if !found || ref == "" {
		return nil, false
	}
	id, ok := new(big.Int).SetString(ref, 10)
	if !ok || id.Sign() <= 0 {
		return nil, false
	}
	return id, true
}

// ChainIDOr returns ChainID, or fallback when the network is malformed.
func (n Network) ChainIDOr(fallback int64) (*big.Int, bool) {
	if id, ok := n.ChainID(); ok {
		return id, true
	}
	return big.NewInt(fallback), false
}

func (n Network) String() string {
	return string(n)
}
