package publisher

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kroma-network/kroma-proof-publisher/internal/chain"
	"github.com/kroma-network/kroma-proof-publisher/internal/ec2"
	"github.com/kroma-network/kroma-proof-publisher/internal/orchestrator"
)

type BackendKind string

const (
	DevBackend    BackendKind = "dev"
	RemoteBackend BackendKind = "remote"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrPermissiveVerifier is returned when the always-accept verifier would
	// be used against a chain that is not a local development chain.
	ErrPermissiveVerifier = errors.New("development verifier is only allowed on local chains")
)

type ProverInstance struct {
	Region      string
	InstanceID  string
	AddressType ec2.AddressType
	URLSchema   string
	Port        int
}

type Config struct {
	Backend           BackendKind
	BackendURL        string
	APIKey            string
	RequestsPerSecond float64
	Instance          ProverInstance

	StoreDir       string
	StoreRetention time.Duration

	Orchestrator orchestrator.Config

	RPCURL     string
	ChainID    int64
	PrivateKey string
	Verifier   common.Address
	Mode       chain.Mode
	Submitter  chain.Config
}

func DefaultConfig() Config {
	return Config{
		Backend:      DevBackend,
		Orchestrator: orchestrator.DefaultConfig(),
		Mode:         chain.Production,
		Submitter:    chain.DefaultConfig(),
	}
}

// Validate checks the settings needed to prove.
func (c Config) Validate() error {
	switch c.Backend {
	case DevBackend:
	case RemoteBackend:
		if c.BackendURL == "" && c.Instance.InstanceID == "" {
			return fmt.Errorf("%w: remote backend needs a url or a prover instance", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.Instance.InstanceID != "" {
		if c.Instance.Region == "" {
			return fmt.Errorf("%w: prover instance needs a region", ErrInvalidConfig)
		}
		switch c.Instance.AddressType {
		case ec2.PrivateAddress, ec2.PublicAddress:
		default:
			return fmt.Errorf("%w: unknown address type %q", ErrInvalidConfig, c.Instance.AddressType)
		}
	}
	return nil
}

// ValidateVerify checks the settings needed to check seals against the
// verifier contract. The development verifier is only reachable on a local
// chain.
func (c Config) ValidateVerify() error {
	if err := c.Validate(); err != nil {
		return err
	}
	switch {
	case c.RPCURL == "":
		return fmt.Errorf("%w: missing rpc url", ErrInvalidConfig)
	case c.Verifier == (common.Address{}):
		return fmt.Errorf("%w: missing verifier address", ErrInvalidConfig)
	case c.ChainID <= 0:
		return fmt.Errorf("%w: missing chain id", ErrInvalidConfig)
	}
	if !c.Mode.AllowedOn(big.NewInt(c.ChainID)) {
		return fmt.Errorf("%w: chain %d", ErrPermissiveVerifier, c.ChainID)
	}
	return nil
}

// ValidatePublish checks the settings needed to publish on chain. Dev
// receipts are never sent to a production verifier on a real chain.
func (c Config) ValidatePublish() error {
	if err := c.ValidateVerify(); err != nil {
		return err
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("%w: missing private key", ErrInvalidConfig)
	}
	if c.Mode == chain.Production && c.Backend == DevBackend && !chain.LocalChain(big.NewInt(c.ChainID)) {
		return fmt.Errorf("%w: dev backend cannot publish to production verifier on chain %d", ErrInvalidConfig, c.ChainID)
	}
	return nil
}
