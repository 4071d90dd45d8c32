// Package orchestrator drives one proof request through submit, poll and
// fetch against a proof.Backend and returns the fetched receipt.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sethvargo/go-retry"

	"github.com/kroma-network/kroma-proof-publisher/internal/metrics"
	"github.com/kroma-network/kroma-proof-publisher/internal/proof"
)

type Config struct {
	// PollInterval is the first delay between polls; it doubles up to MaxPollInterval.
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	JitterPercent   uint64
	// RetryCeiling is the number of consecutive BackendUnavailable errors
	// tolerated per operation; reaching it fails the run.
	RetryCeiling int
	// Deadline bounds the time from submission to a fetched receipt.
	Deadline time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    2 * time.Second,
		MaxPollInterval: 30 * time.Second,
		JitterPercent:   10,
		RetryCeiling:    5,
		Deadline:        30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = c.PollInterval
	}
	if c.RetryCeiling < 1 {
		c.RetryCeiling = 1
	}
	if c.Deadline <= 0 {
		c.Deadline = def.Deadline
	}
	return c
}

type Orchestrator struct {
	backend proof.Backend
	cfg     Config
	metrics *metrics.Metrics
	log     log.Logger
}

type Option func(*Orchestrator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func New(backend proof.Backend, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend: backend,
		cfg:     cfg.withDefaults(),
		log:     log.New("module", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run is an orchestration in progress. Its state can be observed while the
// lifecycle runs in the background.
type Run struct {
	mu    sync.Mutex
	state State
	done  chan struct{}

	receipt *proof.Receipt
	err     error
}

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) set(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run reaches a terminal state.
func (r *Run) Wait() (*proof.Receipt, error) {
	<-r.done
	return r.receipt, r.err
}

// Start launches the lifecycle for req. Canceling ctx stops the run between
// backend calls; the backend job itself is left to the backend.
func (o *Orchestrator) Start(ctx context.Context, req proof.Request) *Run {
	r := &Run{state: Idle{}, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.receipt, r.err = o.run(ctx, req, r)
	}()
	return r
}

// Prove runs the lifecycle for req and returns the fetched receipt.
func (o *Orchestrator) Prove(ctx context.Context, req proof.Request) (*proof.Receipt, error) {
	return o.Start(ctx, req).Wait()
}

func (o *Orchestrator) run(ctx context.Context, req proof.Request, r *Run) (*proof.Receipt, error) {
	idle := Idle{}
	handle, err := o.submit(ctx, req)
	if err != nil {
		kind := KindSubmission
		if ctx.Err() != nil {
			kind = KindCanceled
		}
		return nil, o.fail(r, idle.failed(&Error{Kind: kind, Err: err}))
	}
	submitted := idle.submitted(handle, time.Now())
	r.set(submitted)
	o.log.Info("Proof job submitted", "program", req.Program, "handle", handle)

	pollCtx, cancel := context.WithDeadline(ctx, submitted.At.Add(o.cfg.Deadline))
	defer cancel()

	backoff := o.backoff()
	polling := submitted.polling()
	r.set(polling)
	for {
		status, err := o.backend.Poll(pollCtx, handle)
		switch {
		case err == nil:
			o.metrics.Polled(status.Phase.String())
			if polling.Last.Regresses(status) {
				o.log.Warn("Ignoring regressing job status", "handle", handle, "last", polling.Last, "reported", status)
				status = polling.Last
			}
			polling = polling.observed(status)
			switch status.Phase {
			case proof.Succeeded:
				return o.fetch(ctx, pollCtx, r, polling)
			case proof.Failed:
				return nil, o.fail(r, polling.failed(&Error{Kind: KindBackendReportedFailure, Reason: status.Reason}))
			}
			r.set(polling)
			o.log.Debug("Proof job in progress", "handle", handle, "status", status, "polls", polling.Polls)
		case pollCtx.Err() != nil:
			return nil, o.interrupted(ctx, r, polling)
		case errors.Is(err, proof.ErrBackendUnavailable):
			o.metrics.BackendError("poll")
			polling = polling.unavailable()
			r.set(polling)
			if polling.Unavailable >= o.cfg.RetryCeiling {
				return nil, o.fail(r, polling.failed(&Error{Kind: KindBackend, Reason: "retry ceiling reached", Err: err}))
			}
			o.log.Warn("Backend unavailable, retrying poll", "handle", handle, "failures", polling.Unavailable, "err", err)
		default:
			o.metrics.BackendError("poll")
			return nil, o.fail(r, polling.failed(&Error{Kind: KindBackend, Err: err}))
		}
		if err := wait(pollCtx, backoff); err != nil {
			return nil, o.interrupted(ctx, r, polling)
		}
	}
}

func (o *Orchestrator) submit(ctx context.Context, req proof.Request) (proof.Handle, error) {
	var handle proof.Handle
	err := retry.Do(ctx, o.retries(), func(ctx context.Context) error {
		h, err := o.backend.Submit(ctx, req.Program, req.Input)
		if err != nil {
			o.metrics.BackendError("submit")
			if errors.Is(err, proof.ErrBackendUnavailable) {
				o.log.Warn("Backend unavailable, retrying submit", "program", req.Program, "err", err)
				return retry.RetryableError(err)
			}
			return err
		}
		handle = h
		return nil
	})
	return handle, err
}

// fetch is only reached after a poll reported Succeeded.
func (o *Orchestrator) fetch(ctx, pollCtx context.Context, r *Run, polling Polling) (*proof.Receipt, error) {
	var receipt *proof.Receipt
	err := retry.Do(pollCtx, o.retries(), func(ctx context.Context) error {
		rec, err := o.backend.Fetch(ctx, polling.Handle)
		if err != nil {
			o.metrics.BackendError("fetch")
			if errors.Is(err, proof.ErrBackendUnavailable) {
				o.log.Warn("Backend unavailable, retrying fetch", "handle", polling.Handle, "err", err)
				return retry.RetryableError(err)
			}
			return err
		}
		receipt = rec
		return nil
	})
	switch {
	case err == nil && receipt == nil:
		return nil, o.fail(r, polling.failed(&Error{Kind: KindBackend, Reason: "backend returned no receipt"}))
	case err == nil:
	case pollCtx.Err() != nil:
		return nil, o.interrupted(ctx, r, polling)
	default:
		return nil, o.fail(r, polling.failed(&Error{Kind: KindBackend, Err: err}))
	}

	r.set(polling.ready(receipt))
	elapsed := time.Since(polling.Since)
	o.metrics.Proved(elapsed)
	o.metrics.JobFinished(Ready{}.Name())
	o.log.Info("Proof ready", "handle", polling.Handle, "elapsed", elapsed, "polls", polling.Polls, "dev", receipt.Dev())
	return receipt, nil
}

// interrupted resolves a stopped poll loop into a cancellation or a timeout.
func (o *Orchestrator) interrupted(ctx context.Context, r *Run, polling Polling) error {
	if ctx.Err() != nil {
		return o.fail(r, polling.failed(&Error{Kind: KindCanceled, Err: ctx.Err()}))
	}
	timedOut := polling.timedOut(time.Now())
	r.set(timedOut)
	o.metrics.JobFinished(timedOut.Name())
	o.log.Warn("Proof job timed out, it may still complete", "handle", polling.Handle, "elapsed", timedOut.Elapsed)
	return &Error{
		Kind:   KindTimeout,
		Handle: polling.Handle,
		Reason: fmt.Sprintf("no receipt after %s (last status %s)", timedOut.Elapsed.Round(time.Millisecond), polling.Last),
	}
}

func (o *Orchestrator) fail(r *Run, failed Failed) error {
	r.set(failed)
	o.metrics.JobFinished(failed.Err.Kind.String())
	o.log.Error("Proof job failed", "handle", failed.Handle, "kind", failed.Err.Kind, "err", failed.Err)
	return failed.Err
}

func (o *Orchestrator) backoff() retry.Backoff {
	b := retry.WithCappedDuration(o.cfg.MaxPollInterval, retry.NewExponential(o.cfg.PollInterval))
	if o.cfg.JitterPercent > 0 {
		b = retry.WithJitterPercent(o.cfg.JitterPercent, b)
	}
	return b
}

// retries allows RetryCeiling attempts in total.
func (o *Orchestrator) retries() retry.Backoff {
	return retry.WithMaxRetries(uint64(o.cfg.RetryCeiling-1), o.backoff())
}

func wait(ctx context.Context, b retry.Backoff) error {
	next, stop := b.Next()
	if stop {
		return errors.New("backoff exhausted")
	}
	timer := time.NewTimer(next)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
