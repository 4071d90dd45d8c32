// Package program defines the identity of provable guest computations and
// the registry of guests this publisher knows how to run and decode.
package program

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/kroma-network/kroma-proof-publisher/internal/encoding"
)

var (
	ErrUnknownProgram   = errors.New("unknown program")
	ErrDuplicateProgram = errors.New("program already registered")
	ErrInvalidID        = errors.New("invalid program id")
)

// ID is the content-derived identifier of a guest computation.
type ID [32]byte

func (id ID) Hex() string    { return hexutil.Encode(id[:]) }
func (id ID) String() string { return id.Hex() }

func (id ID) MarshalText() ([]byte, error) { return []byte(id.Hex()), nil }

func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseID accepts a 32-byte hex string with or without the 0x prefix.
func ParseID(s string) (ID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != len(ID{}) {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// Guest is a deterministic computation with a declared input and journal layout.
type Guest struct {
	Name    string
	Version uint32
	Input   *encoding.Schema
	Journal *encoding.Schema

	id  ID
	run func(args []any) ([]any, error)
}

func NewGuest(name string, version uint32, input, journal *encoding.Schema, run func([]any) ([]any, error)) *Guest {
	g := &Guest{Name: name, Version: version, Input: input, Journal: journal, run: run}
	g.id = ID(crypto.Keccak256Hash(g.image()))
	return g
}

// image is the canonical descriptor the program id is derived from.
func (g *Guest) image() []byte {
	var version [4]byte
	binary.BigEndian.PutUint32(version[:], g.Version)
	desc := strings.ToUpper(g.Name) + g.Input.Signature() + g.Journal.Signature()
	return append([]byte(desc), version[:]...)
}

func (g *Guest) ID() ID { return g.id }

// Execute decodes input, runs the computation and returns its journal.
func (g *Guest) Execute(input []byte) ([]byte, error) {
	args, err := g.Input.Decode(input)
	if err != nil {
		return nil, err
	}
	out, err := g.run(args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.Name, err)
	}
	return g.Journal.Encode(out...)
}

func (g *Guest) DecodeJournal(journal []byte) ([]any, error) {
	return g.Journal.Decode(journal)
}
