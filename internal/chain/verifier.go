package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/kroma-network/kroma-proof-publisher/internal/program"
)

var ErrSealRejected = errors.New("verifier rejected seal")

type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ContractVerifier checks seals with an eth_call to the verifier's view
// entry point, so a receipt the contract would reject is caught before any
// transaction is signed.
type ContractVerifier struct {
	client  Caller
	address common.Address
	log     log.Logger
}

func NewContractVerifier(client Caller, address common.Address) *ContractVerifier {
	return &ContractVerifier{client: client, address: address, log: log.New("module", "contract-verifier")}
}

func (v *ContractVerifier) VerifySeal(ctx context.Context, seal []byte, id program.ID, journalDigest common.Hash) error {
	data, err := EncodeVerify(seal, id, journalDigest)
	if err != nil {
		return err
	}
	_, err = v.client.CallContract(ctx, ethereum.CallMsg{To: &v.address, Data: data}, nil)
	if err == nil {
		return nil
	}
	if reason, ok := revertReason(err); ok {
		v.log.Debug("Seal rejected", "program", id, "reason", reason)
		return fmt.Errorf("%w: %s", ErrSealRejected, reason)
	}
	return fmt.Errorf("verify call: %w", err)
}
