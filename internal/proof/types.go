package proof

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/kroma-network/kroma-proof-publisher/internal/program"
)

type (
	// Request is one computation to prove: a program and its encoded input.
	Request struct {
		Program program.ID
		Input   []byte
	}

	// Handle addresses a job on the backend that accepted it.
	Handle string

	Phase uint8

	Status struct {
		Phase  Phase
		Reason string
	}
)

const (
	Pending Phase = iota
	Running
	Succeeded
	Failed
)

var phaseNames = [...]string{"pending", "running", "succeeded", "failed"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", p)
}

func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if strings.EqualFold(s, name) {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown job status %q", s)
}

func (s Status) Terminal() bool { return s.Phase == Succeeded || s.Phase == Failed }

// Regresses reports whether next would move a job backwards.
func (s Status) Regresses(next Status) bool {
	if s.Terminal() {
		return next != s
	}
	return next.Phase < s.Phase
}

func (s Status) String() string {
	if s.Reason != "" {
		return s.Phase.String() + ": " + s.Reason
	}
	return s.Phase.String()
}

// Key derives the cache key of a request from its program and input.
func (r Request) Key() string {
	return crypto.Keccak256Hash(r.Program[:], r.Input).Hex()[2:]
}

// Receipt pairs the journal of a finished computation with its seal. It is
// immutable: accessors hand out copies.
type Receipt struct {
	journal []byte
	seal    []byte
	dev     bool
}

// NewReceipt copies journal and seal. dev marks a receipt whose seal is not
// a cryptographic proof.
func NewReceipt(journal, seal []byte, dev bool) *Receipt {
	return &Receipt{journal: bytes.Clone(journal), seal: bytes.Clone(seal), dev: dev}
}

func (r *Receipt) Journal() []byte { return bytes.Clone(r.journal) }
func (r *Receipt) Seal() []byte    { return bytes.Clone(r.seal) }
func (r *Receipt) Dev() bool       { return r.dev }

func (r *Receipt) JournalDigest() common.Hash {
	return crypto.Keccak256Hash(r.journal)
}

type receiptJSON struct {
	Journal hexutil.Bytes `json:"journal"`
	Seal    hexutil.Bytes `json:"seal"`
	Dev     bool          `json:"dev,omitempty"`
}

func (r *Receipt) MarshalJSON() ([]byte, error) {
	return json.Marshal(receiptJSON{Journal: r.journal, Seal: r.seal, Dev: r.dev})
}

func (r *Receipt) UnmarshalJSON(data []byte) error {
	var dec receiptJSON
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}
	r.journal, r.seal, r.dev = dec.Journal, dec.Seal, dec.Dev
	return nil
}
