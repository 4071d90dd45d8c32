// Package validator checks a fetched receipt locally before any gas is spent
// on it: the journal must decode under the program's schema and the seal must
// attest to exactly the expected program and journal.
package validator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/kroma-network/kroma-proof-publisher/internal/metrics"
	"github.com/kroma-network/kroma-proof-publisher/internal/program"
	"github.com/kroma-network/kroma-proof-publisher/internal/proof"
)

// JournalDecoder parses a journal under the schema of program id.
// *program.Registry implements it.
type JournalDecoder interface {
	DecodeJournal(id program.ID, journal []byte) error
}

// SealVerifier checks that seal attests to the program id and journal digest.
type SealVerifier interface {
	VerifySeal(ctx context.Context, seal []byte, id program.ID, journalDigest common.Hash) error
}

type Reason uint8

const (
	ReasonNone Reason = iota
	StructuralMismatch
	ProofMismatch
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "valid"
	case StructuralMismatch:
		return "structural_mismatch"
	case ProofMismatch:
		return "proof_mismatch"
	}
	return fmt.Sprintf("reason(%d)", r)
}

// Outcome is Valid when Reason is ReasonNone, Invalid(Reason) otherwise.
type Outcome struct {
	Reason Reason
	Err    error
}

func (o Outcome) Valid() bool { return o.Reason == ReasonNone }

func (o Outcome) String() string {
	if o.Valid() {
		return "valid"
	}
	if o.Err != nil {
		return fmt.Sprintf("invalid(%s): %v", o.Reason, o.Err)
	}
	return fmt.Sprintf("invalid(%s)", o.Reason)
}

var ErrSealMismatch = errors.New("seal does not attest to program and journal")

type Validator struct {
	journals JournalDecoder
	seals    SealVerifier
	metrics  *metrics.Metrics
	log      log.Logger
}

type Option func(*Validator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

func New(journals JournalDecoder, seals SealVerifier, opts ...Option) *Validator {
	v := &Validator{
		journals: journals,
		seals:    seals,
		log:      log.New("module", "validator"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the structural check, then the seal check. Any failure of
// the seal verifier, including one it could not complete, is a ProofMismatch.
func (v *Validator) Validate(ctx context.Context, receipt *proof.Receipt, expected program.ID) Outcome {
	out := v.validate(ctx, receipt, expected)
	v.metrics.Validated(out.Reason.String())
	if out.Valid() {
		v.log.Info("Receipt valid", "program", expected, "journal", len(receipt.Journal()), "dev", receipt.Dev())
	} else {
		v.log.Warn("Receipt invalid", "program", expected, "reason", out.Reason, "err", out.Err)
	}
	return out
}

func (v *Validator) validate(ctx context.Context, receipt *proof.Receipt, expected program.ID) Outcome {
	if receipt == nil {
		return Outcome{Reason: StructuralMismatch, Err: errors.New("no receipt")}
	}
	if err := v.journals.DecodeJournal(expected, receipt.Journal()); err != nil {
		return Outcome{Reason: StructuralMismatch, Err: err}
	}
	if err := v.seals.VerifySeal(ctx, receipt.Seal(), expected, receipt.JournalDigest()); err != nil {
		return Outcome{Reason: ProofMismatch, Err: err}
	}
	return Outcome{}
}

// DevVerifier accepts only dev seals, and only for the claimed program and
// journal. It stands in for the cryptographic verifier in development.
type DevVerifier struct{}

func (DevVerifier) VerifySeal(_ context.Context, seal []byte, id program.ID, journalDigest common.Hash) error {
	if !proof.IsDevSeal(seal) {
		return fmt.Errorf("%w: not a dev seal", ErrSealMismatch)
	}
	claim := proof.DevClaim(id, journalDigest)
	if common.BytesToHash(seal[len(proof.DevSealSelector):]) != claim {
		return ErrSealMismatch
	}
	return nil
}
