package orchestrator

import (
	"time"

	"github.com/kroma-network/kroma-proof-publisher/internal/proof"
)

// State is a node of the proof lifecycle:
//
//	Idle -> Submitted -> Polling -> {Ready, Failed, TimedOut}
//
// States are values; each transition method returns the next state. Ready
// can only be reached through Polling.ready, which requires the fetched
// receipt.
type State interface {
	Name() string
	Terminal() bool
	state()
}

type Idle struct{}

type Submitted struct {
	Handle proof.Handle
	At     time.Time
}

type Polling struct {
	Handle proof.Handle
	Since  time.Time
	Polls  int
	// Unavailable counts consecutive BackendUnavailable poll failures.
	Unavailable int
	Last        proof.Status
}

type Ready struct {
	Handle  proof.Handle
	receipt *proof.Receipt
}

type Failed struct {
	Handle proof.Handle
	Err    *Error
}

type TimedOut struct {
	Handle  proof.Handle
	Elapsed time.Duration
}

func (Idle) Name() string      { return "idle" }
func (Submitted) Name() string { return "submitted" }
func (Polling) Name() string   { return "polling" }
func (Ready) Name() string     { return "ready" }
func (Failed) Name() string    { return "failed" }
func (TimedOut) Name() string  { return "timed_out" }

func (Idle) Terminal() bool      { return false }
func (Submitted) Terminal() bool { return false }
func (Polling) Terminal() bool   { return false }
func (Ready) Terminal() bool     { return true }
func (Failed) Terminal() bool    { return true }
func (TimedOut) Terminal() bool  { return true }

func (Idle) state()      {}
func (Submitted) state() {}
func (Polling) state()   {}
func (Ready) state()     {}
func (Failed) state()    {}
func (TimedOut) state()  {}

func (r Ready) Receipt() *proof.Receipt { return r.receipt }

func (Idle) submitted(handle proof.Handle, at time.Time) Submitted {
	return Submitted{Handle: handle, At: at}
}

func (Idle) failed(err *Error) Failed {
	return Failed{Err: err}
}

func (s Submitted) polling() Polling {
	return Polling{Handle: s.Handle, Since: s.At}
}

func (s Polling) observed(status proof.Status) Polling {
	s.Polls++
	s.Unavailable = 0
	s.Last = status
	return s
}

func (s Polling) unavailable() Polling {
	s.Polls++
	s.Unavailable++
	return s
}

func (s Polling) ready(receipt *proof.Receipt) Ready {
	if receipt == nil || s.Last.Phase != proof.Succeeded {
		panic("orchestrator: ready without a fetched receipt of a succeeded job")
	}
	return Ready{Handle: s.Handle, receipt: receipt}
}

func (s Polling) failed(err *Error) Failed {
	err.Handle = s.Handle
	return Failed{Handle: s.Handle, Err: err}
}

func (s Polling) timedOut(now time.Time) TimedOut {
	return TimedOut{Handle: s.Handle, Elapsed: now.Sub(s.Since)}
}
