package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/kroma-network/kroma-proof-publisher/internal/chain"
	"github.com/kroma-network/kroma-proof-publisher/internal/ec2"
	"github.com/kroma-network/kroma-proof-publisher/internal/metrics"
	"github.com/kroma-network/kroma-proof-publisher/internal/orchestrator"
	"github.com/kroma-network/kroma-proof-publisher/internal/program"
	"github.com/kroma-network/kroma-proof-publisher/internal/proof"
	"github.com/kroma-network/kroma-proof-publisher/internal/validator"
)

const hostReadyInterval = 5 * time.Second

// Runtime holds the components built from a Config.
type Runtime struct {
	Programs *program.Registry
	Backend  proof.Backend
	Pipeline *Pipeline

	closers []func()
}

func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// NewBackend builds the proving backend selected by cfg, wrapped in the
// receipt store when one is configured.
func NewBackend(cfg Config, programs *program.Registry) (proof.Backend, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	var backend proof.Backend
	switch cfg.Backend {
	case DevBackend:
		backend = proof.NewDevBackend(programs)
	case RemoteBackend:
		opts := []proof.RemoteOption{
			proof.WithAPIKey(cfg.APIKey),
			proof.WithRateLimit(cfg.RequestsPerSecond, 1),
		}
		if cfg.Instance.InstanceID != "" {
			host, err := ec2.NewController(cfg.Instance.Region, cfg.Instance.InstanceID, cfg.Instance.AddressType, cfg.Instance.URLSchema, cfg.Instance.Port)
			if err != nil {
				return nil, nil, err
			}
			opts = append(opts, proof.WithHost(host, hostReadyInterval))
		}
		backend = proof.NewRemoteBackend(cfg.BackendURL, opts...)
	}
	if cfg.StoreDir == "" {
		return backend, func() {}, nil
	}
	disk, err := proof.NewDiskRepository(cfg.StoreDir, cfg.StoreRetention)
	if err != nil {
		return nil, nil, err
	}
	service := proof.NewService(backend, disk, string(cfg.Backend))
	return service, service.Close, nil
}

// Build assembles the pipeline. Without an RPC url only the dev backend can
// be used, since nothing could check a remote seal. With an RPC url but no
// private key, seals are checked against the verifier contract but nothing is
// published.
func Build(ctx context.Context, cfg Config, m *metrics.Metrics) (*Runtime, error) {
	programs := program.DefaultRegistry()
	backend, closeBackend, err := NewBackend(cfg, programs)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Programs: programs, Backend: backend, closers: []func(){closeBackend}}
	prover := orchestrator.New(backend, cfg.Orchestrator, orchestrator.WithMetrics(m))

	if cfg.RPCURL == "" {
		if cfg.Backend != DevBackend {
			rt.Close()
			return nil, fmt.Errorf("%w: remote receipts need an rpc url and verifier contract to check seals", ErrInvalidConfig)
		}
		v := validator.New(programs, validator.DevVerifier{}, validator.WithMetrics(m))
		rt.Pipeline = NewPipeline(prover, v, nil)
		return rt, nil
	}

	if err := cfg.ValidateVerify(); err != nil {
		rt.Close()
		return nil, err
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	rt.closers = append(rt.closers, client.Close)
	rt.Pipeline, err = chainPipeline(ctx, cfg, programs, prover, client, m)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// chainPipeline builds a pipeline checking seals on client, and publishing
// through it when a private key is configured.
func chainPipeline(ctx context.Context, cfg Config, programs *program.Registry, prover Prover, client chain.Backend, m *metrics.Metrics) (*Pipeline, error) {
	if cfg.PrivateKey == "" {
		if err := checkChainID(ctx, cfg, client); err != nil {
			return nil, err
		}
		return NewPipeline(prover, validator.New(programs, sealVerifier(cfg, client), validator.WithMetrics(m)), nil), nil
	}
	if err := cfg.ValidatePublish(); err != nil {
		return nil, err
	}
	submitter, seals, err := buildChain(ctx, cfg, client, m)
	if err != nil {
		return nil, err
	}
	return NewPipeline(prover, validator.New(programs, seals, validator.WithMetrics(m)), submitter), nil
}

func buildChain(ctx context.Context, cfg Config, client chain.Backend, m *metrics.Metrics) (*chain.Submitter, validator.SealVerifier, error) {
	if err := checkChainID(ctx, cfg, client); err != nil {
		return nil, nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: private key: %v", ErrInvalidConfig, err)
	}
	scfg := cfg.Submitter
	scfg.Verifier = cfg.Verifier
	submitter, err := chain.NewSubmitter(ctx, client, key, scfg, chain.WithMetrics(m))
	if err != nil {
		return nil, nil, err
	}
	return submitter, sealVerifier(cfg, client), nil
}

// checkChainID checks the node serves the configured chain, so the mode
// checked by ValidateVerify is the mode in effect.
func checkChainID(ctx context.Context, cfg Config, client chain.Backend) error {
	id, err := client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	if !id.IsInt64() || id.Int64() != cfg.ChainID {
		return fmt.Errorf("%w: node serves chain %s, configured %d", ErrInvalidConfig, id, cfg.ChainID)
	}
	return nil
}

func sealVerifier(cfg Config, client chain.Caller) validator.SealVerifier {
	if cfg.Mode == chain.Development {
		return validator.DevVerifier{}
	}
	return chain.NewContractVerifier(client, cfg.Verifier)
}
