package publisher

import (
	"context"
	"errors"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kroma-network/kroma-proof-publisher/internal/chain"
	"github.com/kroma-network/kroma-proof-publisher/internal/chain/chaintest"
	"github.com/kroma-network/kroma-proof-publisher/internal/encoding"
	"github.com/kroma-network/kroma-proof-publisher/internal/orchestrator"
	"github.com/kroma-network/kroma-proof-publisher/internal/program"
	"github.com/kroma-network/kroma-proof-publisher/internal/proof"
	"github.com/kroma-network/kroma-proof-publisher/internal/validator"
)

var verifierAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func fastOrchestration() orchestrator.Config {
	return orchestrator.Config{
		PollInterval:    time.Millisecond,
		MaxPollInterval: 5 * time.Millisecond,
		RetryCeiling:    3,
		Deadline:        5 * time.Second,
	}
}

func newChainSubmitter(t *testing.T, fake *chaintest.FakeChain) *chain.Submitter {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := chain.NewSubmitter(context.Background(), fake, key, chain.Config{
		Verifier:        verifierAddress,
		RetryInterval:   time.Millisecond,
		ReceiptInterval: time.Millisecond,
		ReceiptTimeout:  time.Second,
	})
	require.NoError(t, err)
	return s
}

func devPipeline(t *testing.T, fake *chaintest.FakeChain) *Pipeline {
	programs := program.DefaultRegistry()
	prover := orchestrator.New(proof.NewDevBackend(programs), fastOrchestration())
	return NewPipeline(prover, validator.New(programs, validator.DevVerifier{}), newChainSubmitter(t, fake))
}

func TestPublishIsEvenOnDevelopmentChain(t *testing.T) {
	fake := chaintest.NewFakeChain(chain.Development, 31337)
	pipeline := devPipeline(t, fake)

	proved, res, err := pipeline.Publish(context.Background(), program.IsEven(), uint64(4))
	require.NoError(t, err)
	require.Len(t, proved.Journal, 2)
	assert.Equal(t, uint256.NewInt(4), proved.Journal[0])
	assert.Equal(t, true, proved.Journal[1])
	assert.True(t, proved.Receipt.Dev())

	assert.Equal(t, chain.Confirmed, res.Status, res.String())
	assert.Len(t, fake.Accepted(), 1)
}

func TestPublishDevReceiptRevertsInProduction(t *testing.T) {
	fake := chaintest.NewFakeChain(chain.Production, 31337)
	pipeline := devPipeline(t, fake)

	_, res, err := pipeline.Publish(context.Background(), program.IsEven(), uint64(4))
	require.NoError(t, err)
	assert.Equal(t, chain.Reverted, res.Status)
	assert.Empty(t, fake.Accepted())
}

func TestProductionValidatorBlocksDevReceipt(t *testing.T) {
	fake := chaintest.NewFakeChain(chain.Production, 1)
	programs := program.DefaultRegistry()
	prover := orchestrator.New(proof.NewDevBackend(programs), fastOrchestration())
	seals := chain.NewContractVerifier(fake, verifierAddress)
	spy := &spySubmitter{}
	pipeline := NewPipeline(prover, validator.New(programs, seals), spy)

	_, _, err := pipeline.Publish(context.Background(), program.IsEven(), uint64(4))
	assert.True(t, errors.Is(err, ErrReceiptInvalid))
	assert.Contains(t, err.Error(), "proof_mismatch")
	assert.Zero(t, spy.count())
}

func TestPublishRejectsMalformedInput(t *testing.T) {
	spy := &spySubmitter{}
	programs := program.DefaultRegistry()
	prover := orchestrator.New(proof.NewDevBackend(programs), fastOrchestration())
	pipeline := NewPipeline(prover, validator.New(programs, validator.DevVerifier{}), spy)

	_, _, err := pipeline.Publish(context.Background(), program.Fibonacci(), uint64(1)<<20)
	assert.True(t, errors.Is(err, encoding.ErrFieldTooBig))
	assert.Zero(t, spy.count())
}

func TestCancelMidPollSubmitsNothing(t *testing.T) {
	spy := &spySubmitter{}
	backend := &stuckBackend{}
	programs := program.DefaultRegistry()
	pipeline := NewPipeline(orchestrator.New(backend, fastOrchestration()), validator.New(programs, validator.DevVerifier{}), spy)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, _, err := pipeline.Publish(ctx, program.IsEven(), uint64(4))
		errc <- err
	}()
	require.Eventually(t, func() bool { return backend.polls() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		kind, ok := orchestrator.KindOf(err)
		require.True(t, ok, "unexpected error %v", err)
		assert.Equal(t, orchestrator.KindCanceled, kind)
	case <-time.After(time.Second):
		t.Fatal("publish did not return after cancel")
	}
	assert.Zero(t, spy.count())
}

func TestProveWithoutSubmitter(t *testing.T) {
	programs := program.DefaultRegistry()
	prover := orchestrator.New(proof.NewDevBackend(programs), fastOrchestration())
	pipeline := NewPipeline(prover, validator.New(programs, validator.DevVerifier{}), nil)

	proved, err := pipeline.Prove(context.Background(), program.Fibonacci(), uint64(10))
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(55), proved.Journal[1])

	_, _, err = pipeline.Publish(context.Background(), program.Fibonacci(), uint64(10))
	assert.True(t, errors.Is(err, ErrNoSubmitter))
}

func TestBuildChainChecksNodeChainID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChainID = 31337
	cfg.Mode = chain.Development
	cfg.Verifier = verifierAddress
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cfg.PrivateKey = common.Bytes2Hex(crypto.FromECDSA(key))

	_, seals, err := buildChain(context.Background(), cfg, chaintest.NewFakeChain(chain.Development, 31337), nil)
	require.NoError(t, err)
	assert.IsType(t, validator.DevVerifier{}, seals)

	_, _, err = buildChain(context.Background(), cfg, chaintest.NewFakeChain(chain.Development, 1), nil)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	cfg.Mode = chain.Production
	_, seals, err = buildChain(context.Background(), cfg, chaintest.NewFakeChain(chain.Production, 31337), nil)
	require.NoError(t, err)
	assert.IsType(t, &chain.ContractVerifier{}, seals)
}

func TestConfigValidation(t *testing.T) {
	valid := DefaultConfig()
	valid.RPCURL = "http://localhost:8545"
	valid.PrivateKey = "0x01"
	valid.Verifier = verifierAddress
	valid.ChainID = 31337
	require.NoError(t, valid.ValidatePublish())

	for name, tc := range map[string]struct {
		mutate func(*Config)
		want   error
	}{
		"permissive verifier on mainnet": {func(c *Config) { c.Mode = chain.Development; c.ChainID = 1 }, ErrPermissiveVerifier},
		"dev backend on real chain":      {func(c *Config) { c.ChainID = 10 }, ErrInvalidConfig},
		"missing rpc":                    {func(c *Config) { c.RPCURL = "" }, ErrInvalidConfig},
		"missing key":                    {func(c *Config) { c.PrivateKey = "" }, ErrInvalidConfig},
		"missing verifier":               {func(c *Config) { c.Verifier = common.Address{} }, ErrInvalidConfig},
		"missing chain id":               {func(c *Config) { c.ChainID = 0 }, ErrInvalidConfig},
		"remote without address":         {func(c *Config) { c.Backend = RemoteBackend }, ErrInvalidConfig},
		"unknown backend":                {func(c *Config) { c.Backend = "gpu" }, ErrInvalidConfig},
		"instance without region": {func(c *Config) {
			c.Backend = RemoteBackend
			c.Instance = ProverInstance{InstanceID: "i-0123", AddressType: "private"}
		}, ErrInvalidConfig},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			assert.True(t, errors.Is(cfg.ValidatePublish(), tc.want))
		})
	}

	prod := valid
	prod.Backend = RemoteBackend
	prod.BackendURL = "https://prover.example"
	prod.ChainID = 1
	assert.NoError(t, prod.ValidatePublish())
	assert.True(t, chain.Production.AllowedOn(big.NewInt(prod.ChainID)))
}

func TestBuildWithoutChainProves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Orchestrator = fastOrchestration()
	cfg.StoreDir = t.TempDir()
	rt, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer rt.Close()

	guest, err := rt.Programs.Resolve("is_even")
	require.NoError(t, err)
	proved, err := rt.Pipeline.Prove(context.Background(), guest, uint64(7))
	require.NoError(t, err)
	assert.Equal(t, false, proved.Journal[1])

	again, err := rt.Pipeline.Prove(context.Background(), guest, uint64(7))
	require.NoError(t, err)
	assert.Equal(t, proved.Receipt.Seal(), again.Receipt.Seal())

	cfg.Backend = RemoteBackend
	cfg.BackendURL = "http://localhost:3030"
	_, err = Build(context.Background(), cfg, nil)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestRemoteQueryChecksSealsWithoutKey(t *testing.T) {
	programs := program.DefaultRegistry()
	srv := httptest.NewServer(proof.NewServer(proof.NewDevBackend(programs), ""))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Backend = RemoteBackend
	cfg.BackendURL = srv.URL
	cfg.RPCURL = "http://localhost:8545"
	cfg.ChainID = 31337
	cfg.Verifier = verifierAddress
	cfg.Mode = chain.Development
	require.NoError(t, cfg.ValidateVerify())
	assert.True(t, errors.Is(cfg.ValidatePublish(), ErrInvalidConfig), "publishing still needs a key")

	prover := orchestrator.New(proof.NewRemoteBackend(srv.URL), fastOrchestration())
	pipeline, err := chainPipeline(context.Background(), cfg, programs, prover, chaintest.NewFakeChain(chain.Development, 31337), nil)
	require.NoError(t, err)
	proved, err := pipeline.Prove(context.Background(), program.IsEven(), uint64(4))
	require.NoError(t, err)
	assert.Equal(t, true, proved.Journal[1])
	_, _, err = pipeline.Publish(context.Background(), program.IsEven(), uint64(4))
	assert.True(t, errors.Is(err, ErrNoSubmitter))

	cfg.Mode = chain.Production
	pipeline, err = chainPipeline(context.Background(), cfg, programs, prover, chaintest.NewFakeChain(chain.Production, 31337), nil)
	require.NoError(t, err)
	_, err = pipeline.Prove(context.Background(), program.IsEven(), uint64(4))
	assert.True(t, errors.Is(err, ErrReceiptInvalid))

	_, err = chainPipeline(context.Background(), cfg, programs, prover, chaintest.NewFakeChain(chain.Production, 1), nil)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	cfg.Verifier = common.Address{}
	_, err = Build(context.Background(), cfg, nil)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

type spySubmitter struct {
	mu    sync.Mutex
	calls int
}

func (s *spySubmitter) Submit(context.Context, *proof.Receipt) (chain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return chain.Result{Status: chain.Confirmed}, nil
}

func (s *spySubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stuckBackend accepts jobs that never finish.
type stuckBackend struct {
	mu    sync.Mutex
	count int
}

func (b *stuckBackend) Submit(context.Context, program.ID, []byte) (proof.Handle, error) {
	return "stuck", nil
}

func (b *stuckBackend) Poll(context.Context, proof.Handle) (proof.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count++
	return proof.Status{Phase: proof.Running}, nil
}

func (b *stuckBackend) Fetch(context.Context, proof.Handle) (*proof.Receipt, error) {
	return nil, proof.ErrJobNotReady
}

func (b *stuckBackend) polls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
