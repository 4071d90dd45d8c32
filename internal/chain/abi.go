// Package chain submits validated receipts to the on-chain verifier and reads
// the verifier for local seal checks.
package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/kroma-network/kroma-proof-publisher/internal/program"
)

const verifierABIJSON = `[
	{"type":"function","name":"submit","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"journal","type":"bytes"},{"name":"seal","type":"bytes"}]},
	{"type":"function","name":"verify","stateMutability":"view","outputs":[],
	 "inputs":[{"name":"seal","type":"bytes"},{"name":"imageId","type":"bytes32"},{"name":"journalDigest","type":"bytes32"}]}
]`

// VerifierABI is the subset of the verifier contract the publisher calls.
var VerifierABI = mustParseABI(verifierABIJSON)

var receiptArgs = abi.Arguments{
	{Name: "journal", Type: mustType("bytes")},
	{Name: "seal", Type: mustType("bytes")},
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// EncodeSubmit returns the calldata of submit(journal, seal).
func EncodeSubmit(journal, seal []byte) ([]byte, error) {
	return VerifierABI.Pack("submit", journal, seal)
}

// EncodeVerify returns the calldata of verify(seal, imageId, journalDigest).
func EncodeVerify(seal []byte, id program.ID, journalDigest common.Hash) ([]byte, error) {
	return VerifierABI.Pack("verify", seal, [32]byte(id), [32]byte(journalDigest))
}

// EncodeReceipt is abi.encode(journal, seal), the form printed by the query command.
func EncodeReceipt(journal, seal []byte) ([]byte, error) {
	return receiptArgs.Pack(journal, seal)
}

// DecodeCall unpacks calldata addressed to the verifier.
func DecodeCall(data []byte) (string, []any, error) {
	if len(data) < 4 {
		return "", nil, errors.New("calldata too short")
	}
	method, err := VerifierABI.MethodById(data[:4])
	if err != nil {
		return "", nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", method.Name, err)
	}
	return method.Name, args, nil
}

// revertReason reports whether err is an execution revert and, when the node
// returned revert data, the decoded reason.
func revertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var de rpc.DataError
	if errors.As(err, &de) && de.ErrorData() != nil {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason, true
				}
			}
		}
		return err.Error(), true
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return err.Error(), true
	}
	return "", false
}
