package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/sethvargo/go-retry"

	"github.com/kroma-network/kroma-proof-publisher/internal/metrics"
	"github.com/kroma-network/kroma-proof-publisher/internal/proof"
)

// Backend is the part of ethclient.Client the submitter uses.
type Backend interface {
	NonceSource
	Caller
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Status uint8

const (
	Confirmed Status = iota + 1
	Reverted
	NetworkError
)

func (s Status) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Reverted:
		return "reverted"
	case NetworkError:
		return "network_error"
	}
	return fmt.Sprintf("status(%d)", s)
}

// Result is the outcome of one submission. TxHash is set once a transaction
// was broadcast.
type Result struct {
	Status      Status
	TxHash      common.Hash
	BlockNumber uint64
	Reason      string
	Err         error
}

func (r Result) String() string {
	switch r.Status {
	case Confirmed:
		return fmt.Sprintf("confirmed %s in block %d", r.TxHash, r.BlockNumber)
	case Reverted:
		return "reverted: " + r.Reason
	}
	return fmt.Sprintf("%s: %v", r.Status, r.Err)
}

type Config struct {
	Verifier      common.Address
	Confirmations uint64
	// BroadcastAttempts bounds sends of one submission; each retry reads a fresh nonce.
	BroadcastAttempts int
	RetryInterval     time.Duration
	ReceiptInterval   time.Duration
	ReceiptTimeout    time.Duration
	// GasHeadroom is added to the estimate, in percent.
	GasHeadroom uint64
}

func DefaultConfig() Config {
	return Config{
		Confirmations:     1,
		BroadcastAttempts: 3,
		RetryInterval:     time.Second,
		ReceiptInterval:   2 * time.Second,
		ReceiptTimeout:    5 * time.Minute,
		GasHeadroom:       20,
	}
}

type Submitter struct {
	client  Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer
	nonces  *NonceManager
	cfg     Config
	metrics *metrics.Metrics
	log     log.Logger
}

type Option func(*Submitter)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Submitter) { s.metrics = m }
}

// WithNonceManager shares a nonce manager between submitters signing with
// the same key.
func WithNonceManager(n *NonceManager) Option {
	return func(s *Submitter) { s.nonces = n }
}

func NewSubmitter(ctx context.Context, client Backend, key *ecdsa.PrivateKey, cfg Config, opts ...Option) (*Submitter, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	def := DefaultConfig()
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.BroadcastAttempts < 1 {
		cfg.BroadcastAttempts = def.BroadcastAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.ReceiptInterval <= 0 {
		cfg.ReceiptInterval = def.ReceiptInterval
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = def.ReceiptTimeout
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	s := &Submitter{
		client: client,
		key:    key,
		from:   from,
		signer: types.LatestSignerForChainID(chainID),
		cfg:    cfg,
		log:    log.New("module", "submitter", "from", from),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.nonces == nil {
		s.nonces = NewNonceManager(client, from)
	}
	return s, nil
}

func (s *Submitter) From() common.Address { return s.from }

// Submit sends submit(journal, seal) to the verifier and waits for the
// configured confirmations. It returns an error only when nothing was
// broadcast because ctx ended or the receipt was missing; every other
// outcome is reported in Result.
func (s *Submitter) Submit(ctx context.Context, receipt *proof.Receipt) (Result, error) {
	if receipt == nil {
		return Result{}, errors.New("no receipt to submit")
	}
	data, err := EncodeSubmit(receipt.Journal(), receipt.Seal())
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	res, err := s.submit(ctx, data)
	if err != nil {
		return Result{}, err
	}
	s.metrics.Submitted(res.Status.String())
	switch res.Status {
	case Confirmed:
		s.log.Info("Receipt published", "tx", res.TxHash, "block", res.BlockNumber)
	case Reverted:
		s.log.Warn("Verifier reverted", "tx", res.TxHash, "reason", res.Reason)
	default:
		s.log.Error("Submission failed", "tx", res.TxHash, "err", res.Err)
	}
	return res, nil
}

func (s *Submitter) submit(ctx context.Context, data []byte) (Result, error) {
	msg := ethereum.CallMsg{From: s.from, To: &s.cfg.Verifier, Data: data}
	gas, err := s.client.EstimateGas(ctx, msg)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return Result{Status: Reverted, Reason: reason, Err: err}, nil
		}
		return Result{Status: NetworkError, Err: fmt.Errorf("estimate gas: %w", err)}, nil
	}
	gas += gas * s.cfg.GasHeadroom / 100
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return Result{Status: NetworkError, Err: fmt.Errorf("gas price: %w", err)}, nil
	}

	tx, err := s.broadcast(ctx, data, gas, gasPrice)
	if tx == nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if reason, ok := revertReason(err); ok {
			return Result{Status: Reverted, Reason: reason, Err: err}, nil
		}
		return Result{Status: NetworkError, Err: err}, nil
	}
	s.log.Info("Transaction sent", "tx", tx.Hash(), "nonce", tx.Nonce(), "gas", gas)

	included, err := s.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return Result{Status: NetworkError, TxHash: tx.Hash(), Err: err}, nil
	}
	res := Result{TxHash: tx.Hash(), BlockNumber: included.BlockNumber.Uint64()}
	if included.Status == types.ReceiptStatusFailed {
		res.Status = Reverted
		res.Reason = s.replayReason(ctx, msg, included.BlockNumber)
		return res, nil
	}
	if err := s.waitConfirmations(ctx, res.BlockNumber); err != nil {
		res.Status, res.Err = NetworkError, err
		return res, nil
	}
	res.Status = Confirmed
	return res, nil
}

// broadcast signs and sends the transaction under a nonce lease. A failed send
// discards the lease so the retry reads a fresh nonce from the node.
// broadcast sends one transaction for data. A send error does not prove the
// node dropped the transaction, so before signing again every earlier attempt
// is looked up by hash and reused if the node has it.
func (s *Submitter) broadcast(ctx context.Context, data []byte, gas uint64, gasPrice *big.Int) (*types.Transaction, error) {
	backoff := retry.WithMaxRetries(uint64(s.cfg.BroadcastAttempts-1), retry.NewExponential(s.cfg.RetryInterval))
	var (
		sent      *types.Transaction
		attempted []*types.Transaction
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		for _, tx := range attempted {
			if s.known(ctx, tx.Hash()) {
				s.log.Info("Earlier broadcast reached the node", "tx", tx.Hash(), "nonce", tx.Nonce())
				sent = tx
				return nil
			}
		}
		lease, err := s.nonces.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(fmt.Errorf("pending nonce: %w", err))
		}
		tx, err := types.SignNewTx(s.key, s.signer, &types.LegacyTx{
			Nonce:    lease.Nonce(),
			To:       &s.cfg.Verifier,
			Gas:      gas,
			GasPrice: gasPrice,
			Data:     data,
		})
		if err != nil {
			lease.Discard()
			return err
		}
		if err := s.client.SendTransaction(ctx, tx); err != nil {
			if _, ok := revertReason(err); ok {
				lease.Discard()
				return err
			}
			if s.known(ctx, tx.Hash()) {
				s.log.Warn("Broadcast reported an error but the node has the transaction", "tx", tx.Hash(), "nonce", lease.Nonce(), "err", err)
				lease.Commit()
				sent = tx
				return nil
			}
			lease.Discard()
			attempted = append(attempted, tx)
			s.log.Warn("Broadcast failed, retrying with fresh nonce", "nonce", lease.Nonce(), "err", err)
			return retry.RetryableError(fmt.Errorf("send transaction: %w", err))
		}
		lease.Commit()
		sent = tx
		return nil
	})
	return sent, err
}

// known reports whether the node has the transaction, pending or mined.
func (s *Submitter) known(ctx context.Context, hash common.Hash) bool {
	_, _, err := s.client.TransactionByHash(ctx, hash)
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		s.log.Debug("Transaction lookup failed", "tx", hash, "err", err)
	}
	return err == nil
}

func (s *Submitter) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(s.cfg.ReceiptInterval)
	defer ticker.Stop()
	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
		default:
			s.log.Debug("Receipt lookup failed", "tx", hash, "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for receipt of %s: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Submitter) waitConfirmations(ctx context.Context, included uint64) error {
	target := included + s.cfg.Confirmations - 1
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(s.cfg.ReceiptInterval)
	defer ticker.Stop()
	for {
		head, err := s.client.BlockNumber(ctx)
		if err == nil && head >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for block %d: %w", target, ctx.Err())
		case <-ticker.C:
		}
	}
}

// replayReason re-executes a failed transaction as a call to recover the revert reason.
func (s *Submitter) replayReason(ctx context.Context, msg ethereum.CallMsg, block *big.Int) string {
	_, err := s.client.CallContract(ctx, msg, block)
	if reason, ok := revertReason(err); ok {
		return reason
	}
	return "transaction failed"
}
