// Package chaintest provides an in-memory chain with a verifier contract for
// exercising the submitter without a node.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/kroma-network/kroma-proof-publisher/internal/chain"
	"github.com/kroma-network/kroma-proof-publisher/internal/proof"
)

var ErrNetwork = errors.New("connection reset by peer")

// RevertError mimics the JSON-RPC error a node returns for a reverted call.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string  { return "execution reverted: " + e.Reason }
func (e *RevertError) ErrorCode() int { return 3 }

func (e *RevertError) ErrorData() interface{} {
	packed, _ := abi.Arguments{{Type: stringType}}.Pack(e.Reason)
	return hexutil.Encode(append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...))
}

var stringType, _ = abi.NewType("string", "", nil)

// FakeChain mines every accepted transaction into its own block. The verifier
// at any address follows Mode: Development accepts every seal, Production
// rejects dev seals. Each BlockNumber call mines one empty block.
type FakeChain struct {
	mu      sync.Mutex
	mode    chain.Mode
	chainID *big.Int
	signer  types.Signer

	head     uint64
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt
	accepted [][]byte

	// SendFailures fails that many upcoming SendTransaction calls with ErrNetwork.
	SendFailures int
	// LostAcks accepts that many upcoming transactions but still reports
	// ErrNetwork to the sender, as when the response is lost on the way back.
	LostAcks int
	// LenientEstimate skips the verifier in EstimateGas so reverts surface on inclusion.
	LenientEstimate bool

	sendCalls  int
	nonceReads int
	sent       []*types.Transaction
	txs        map[common.Hash]*types.Transaction
}

func NewFakeChain(mode chain.Mode, chainID int64) *FakeChain {
	id := big.NewInt(chainID)
	return &FakeChain{
		mode:     mode,
		chainID:  id,
		signer:   types.LatestSignerForChainID(id),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
		txs:      make(map[common.Hash]*types.Transaction),
	}
}

func (f *FakeChain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func (f *FakeChain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceReads++
	return f.nonces[account], nil
}

func (f *FakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *FakeChain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.LenientEstimate {
		return 100_000, nil
	}
	if err := f.execute(msg.Data); err != nil {
		return 0, err
	}
	return 100_000, nil
}

func (f *FakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return nil, f.execute(msg.Data)
}

func (f *FakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.SendFailures > 0 {
		f.SendFailures--
		return ErrNetwork
	}
	from, err := types.Sender(f.signer, tx)
	if err != nil {
		return err
	}
	if want := f.nonces[from]; tx.Nonce() != want {
		return fmt.Errorf("invalid nonce: have %d, want %d", tx.Nonce(), want)
	}
	f.nonces[from]++
	f.head++
	status := types.ReceiptStatusSuccessful
	if err := f.execute(tx.Data()); err != nil {
		status = types.ReceiptStatusFailed
	} else {
		f.accepted = append(f.accepted, tx.Data())
	}
	f.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(f.head),
		GasUsed:     tx.Gas(),
	}
	f.sent = append(f.sent, tx)
	f.txs[tx.Hash()] = tx
	if f.LostAcks > 0 {
		f.LostAcks--
		return ErrNetwork
	}
	return nil
}

func (f *FakeChain) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.txs[hash]; ok {
		return tx, false, nil
	}
	return nil, false, ethereum.NotFound
}

func (f *FakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *FakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head++
	return f.head, nil
}

// Sent returns the transactions that reached the chain.
func (f *FakeChain) Sent() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func (f *FakeChain) SendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendCalls
}

func (f *FakeChain) NonceReads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonceReads
}

// Accepted returns the calldata of successful submit transactions.
func (f *FakeChain) Accepted() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.accepted...)
}

func (f *FakeChain) execute(data []byte) error {
	method, args, err := chain.DecodeCall(data)
	if err != nil {
		return &RevertError{Reason: "unknown call"}
	}
	var seal []byte
	switch method {
	case "submit":
		seal = args[1].([]byte)
	case "verify":
		seal = args[0].([]byte)
	}
	if f.mode == chain.Production && proof.IsDevSeal(seal) {
		return &RevertError{Reason: "invalid seal"}
	}
	return nil
}
