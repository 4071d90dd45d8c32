package proof

import (
	"bytes"
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/kroma-network/kroma-proof-publisher/internal/program"
)

var (
	ErrBackendUnavailable = errors.New("proving backend unavailable")
	ErrInvalidProgram     = errors.New("program not recognized by backend")
	ErrInvalidInput       = errors.New("input rejected by program")
	ErrUnknownJob         = errors.New("unknown proof job")
	ErrJobNotReady        = errors.New("proof job not ready")
	ErrUnauthorized       = errors.New("backend rejected credentials")
)

// Backend is the proving capability. Submit starts a job, Poll reports its
// status without side effects, and Fetch returns the receipt once Poll has
// reported Succeeded.
type Backend interface {
	Submit(ctx context.Context, id program.ID, input []byte) (Handle, error)
	Poll(ctx context.Context, handle Handle) (Status, error)
	Fetch(ctx context.Context, handle Handle) (*Receipt, error)
}

// DevSealSelector prefixes seals that only a permissive verifier accepts.
var DevSealSelector = [4]byte{0xde, 0xad, 0xbe, 0xef}

// DevClaim is the digest a dev seal commits to.
func DevClaim(id program.ID, journalDigest common.Hash) common.Hash {
	return crypto.Keccak256Hash(id[:], journalDigest[:])
}

func DevSeal(id program.ID, journal []byte) []byte {
	claim := DevClaim(id, crypto.Keccak256Hash(journal))
	return append(DevSealSelector[:], claim[:]...)
}

func IsDevSeal(seal []byte) bool {
	return len(seal) == len(DevSealSelector)+common.HashLength && bytes.HasPrefix(seal, DevSealSelector[:])
}
