package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// Mode selects which verifier deployment the publisher talks to.
// Development targets the permissive verifier that accepts any seal.
type Mode uint8

const (
	Production Mode = iota
	Development
)

func (m Mode) String() string {
	switch m {
	case Production:
		return "production"
	case Development:
		return "development"
	}
	return fmt.Sprintf("mode(%d)", m)
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "prod":
		return Production, nil
	case "development", "dev":
		return Development, nil
	}
	return 0, fmt.Errorf("unknown verifier mode %q", s)
}

var localChainIDs = map[int64]bool{1337: true, 31337: true}

// LocalChain reports whether id belongs to a local development chain.
func LocalChain(id *big.Int) bool {
	return id != nil && id.IsInt64() && localChainIDs[id.Int64()]
}

// AllowedOn reports whether the mode may be used against chain id.
func (m Mode) AllowedOn(id *big.Int) bool {
	return m == Production || LocalChain(id)
}
