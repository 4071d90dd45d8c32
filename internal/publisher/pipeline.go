// Package publisher wires the encoder, orchestrator, validator and submitter
// into the publish pipeline.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/kroma-network/kroma-proof-publisher/internal/chain"
	"github.com/kroma-network/kroma-proof-publisher/internal/program"
	"github.com/kroma-network/kroma-proof-publisher/internal/proof"
	"github.com/kroma-network/kroma-proof-publisher/internal/validator"
)

var (
	ErrReceiptInvalid = errors.New("receipt failed local validation")
	ErrNoSubmitter    = errors.New("no chain configured for publishing")
)

type Prover interface {
	Prove(ctx context.Context, req proof.Request) (*proof.Receipt, error)
}

type Validator interface {
	Validate(ctx context.Context, receipt *proof.Receipt, expected program.ID) validator.Outcome
}

type Submitter interface {
	Submit(ctx context.Context, receipt *proof.Receipt) (chain.Result, error)
}

type Pipeline struct {
	prover    Prover
	validator Validator
	submitter Submitter
	log       log.Logger
}

// NewPipeline builds a pipeline. submitter may be nil for a pipeline that
// only proves.
func NewPipeline(prover Prover, validator Validator, submitter Submitter) *Pipeline {
	return &Pipeline{
		prover:    prover,
		validator: validator,
		submitter: submitter,
		log:       log.New("module", "publisher"),
	}
}

// Proved is a receipt that passed local validation, with its decoded journal.
type Proved struct {
	Guest   *program.Guest
	Receipt *proof.Receipt
	Journal []any
}

// Prove encodes values as the guest's input, proves the computation and
// validates the receipt.
func (p *Pipeline) Prove(ctx context.Context, guest *program.Guest, values ...any) (*Proved, error) {
	input, err := guest.Input.Encode(values...)
	if err != nil {
		return nil, err
	}
	receipt, err := p.prover.Prove(ctx, proof.Request{Program: guest.ID(), Input: input})
	if err != nil {
		return nil, err
	}
	out := p.validator.Validate(ctx, receipt, guest.ID())
	if !out.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrReceiptInvalid, out)
	}
	journal, err := guest.DecodeJournal(receipt.Journal())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReceiptInvalid, err)
	}
	return &Proved{Guest: guest, Receipt: receipt, Journal: journal}, nil
}

// Publish proves and validates, then submits the receipt to the verifier.
// Nothing is submitted unless validation passed and ctx is still live.
func (p *Pipeline) Publish(ctx context.Context, guest *program.Guest, values ...any) (*Proved, chain.Result, error) {
	if p.submitter == nil {
		return nil, chain.Result{}, ErrNoSubmitter
	}
	proved, err := p.Prove(ctx, guest, values...)
	if err != nil {
		return nil, chain.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return proved, chain.Result{}, err
	}
	p.log.Info("Submitting receipt", "program", guest.Name, "journal", fmt.Sprint(proved.Journal...))
	res, err := p.submitter.Submit(ctx, proved.Receipt)
	if err != nil {
		return proved, chain.Result{}, err
	}
	return proved, res, nil
}
