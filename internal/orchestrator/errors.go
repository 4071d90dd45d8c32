package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kroma-network/kroma-proof-publisher/internal/proof"
)

type Kind uint8

const (
	// KindSubmission: the backend never accepted the job.
	KindSubmission Kind = iota + 1
	// KindBackend: the backend could not be polled or fetched from.
	KindBackend
	// KindTimeout: the deadline passed; the job may still finish server-side.
	KindTimeout
	// KindBackendReportedFailure: the backend reported the job failed.
	KindBackendReportedFailure
	// KindCanceled: the caller canceled the run.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindSubmission:
		return "submission"
	case KindBackend:
		return "backend"
	case KindTimeout:
		return "timeout"
	case KindBackendReportedFailure:
		return "backend_reported_failure"
	case KindCanceled:
		return "canceled"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Error is the terminal error of an orchestration run.
type Error struct {
	Kind   Kind
	Handle proof.Handle
	Reason string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("proof orchestration ")
	b.WriteString(e.Kind.String())
	if e.Handle != "" {
		fmt.Fprintf(&b, " (job %s)", e.Handle)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// MayStillComplete reports whether the backend job could still produce a
// receipt, as opposed to having provably failed.
func (e *Error) MayStillComplete() bool {
	return e.Handle != "" && (e.Kind == KindTimeout || e.Kind == KindCanceled)
}

// KindOf returns the kind of an orchestration error anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind, true
	}
	return 0, false
}
