package validator

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kroma-network/kroma-proof-publisher/internal/encoding"
	"github.com/kroma-network/kroma-proof-publisher/internal/metrics"
	"github.com/kroma-network/kroma-proof-publisher/internal/program"
	"github.com/kroma-network/kroma-proof-publisher/internal/proof"
)

func devReceipt(t require.TestingT, guest *program.Guest, values ...any) *proof.Receipt {
	input, err := guest.Input.Encode(values...)
	require.NoError(t, err)
	journal, err := guest.Execute(input)
	require.NoError(t, err)
	return proof.NewReceipt(journal, proof.DevSeal(guest.ID(), journal), true)
}

func TestValidDevReceipt(t *testing.T) {
	reg := prometheus.NewRegistry()
	v := New(program.DefaultRegistry(), DevVerifier{}, WithMetrics(metrics.New(reg)))
	guest := program.IsEven()

	out := v.Validate(context.Background(), devReceipt(t, guest, uint64(4)), guest.ID())
	assert.True(t, out.Valid(), out.String())
	count, err := testutil.GatherAndCount(reg, "proof_publisher_validations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStructuralMismatch(t *testing.T) {
	v := New(program.DefaultRegistry(), DevVerifier{})
	guest := program.IsEven()

	journal := []byte{0x01, 0x02}
	receipt := proof.NewReceipt(journal, proof.DevSeal(guest.ID(), journal), true)
	out := v.Validate(context.Background(), receipt, guest.ID())
	assert.Equal(t, StructuralMismatch, out.Reason)
	assert.False(t, out.Valid())

	out = v.Validate(context.Background(), nil, guest.ID())
	assert.Equal(t, StructuralMismatch, out.Reason)

	out = v.Validate(context.Background(), devReceipt(t, guest, uint64(1)), program.ID{0x42})
	assert.Equal(t, StructuralMismatch, out.Reason)
	assert.True(t, errors.Is(out.Err, program.ErrUnknownProgram))
}

func TestStructuralCheckRunsFirst(t *testing.T) {
	seals := &countingVerifier{}
	v := New(program.DefaultRegistry(), seals)
	out := v.Validate(context.Background(), proof.NewReceipt([]byte{1}, nil, false), program.IsEven().ID())
	assert.Equal(t, StructuralMismatch, out.Reason)
	assert.Zero(t, seals.calls)
}

func TestTamperedJournalIsProofMismatch(t *testing.T) {
	v := New(program.DefaultRegistry(), DevVerifier{})
	guest := program.IsEven()
	honest := devReceipt(t, guest, uint64(3))

	forged, err := guest.Journal.Encode(uint64(3), true)
	require.NoError(t, err)
	receipt := proof.NewReceipt(forged, honest.Seal(), true)

	out := v.Validate(context.Background(), receipt, guest.ID())
	assert.Equal(t, ProofMismatch, out.Reason)
	assert.True(t, errors.Is(out.Err, ErrSealMismatch))
}

func TestNonDevSealRejectedByDevVerifier(t *testing.T) {
	err := DevVerifier{}.VerifySeal(context.Background(), []byte{0x01, 0x02}, program.IsEven().ID(), common.Hash{})
	assert.True(t, errors.Is(err, ErrSealMismatch))
}

func TestVerifierFailureIsProofMismatch(t *testing.T) {
	guest := program.IsEven()
	v := New(program.DefaultRegistry(), &countingVerifier{err: errors.New("rpc down")})
	out := v.Validate(context.Background(), devReceipt(t, guest, uint64(2)), guest.ID())
	assert.Equal(t, ProofMismatch, out.Reason)
	assert.EqualError(t, out.Err, "rpc down")
}

// A seal produced for one program never validates against another, even when
// the journal also parses under the other program's schema.
func TestSealForOtherProgramIsProofMismatch(t *testing.T) {
	pair := encoding.NewSchema(encoding.Uint256("a", 64), encoding.Bool("b"))
	identity := func(args []any) ([]any, error) { return []any{args[0], true}, nil }
	guests := []*program.Guest{
		program.NewGuest("alpha", 1, encoding.NewSchema(encoding.Uint256("a", 64)), pair, identity),
		program.NewGuest("beta", 1, encoding.NewSchema(encoding.Uint256("a", 64)), pair, identity),
		program.NewGuest("gamma", 2, encoding.NewSchema(encoding.Uint256("a", 64)), pair, identity),
		program.IsEven(),
	}
	registry := program.NewRegistry(guests...)
	v := New(registry, DevVerifier{})

	rapid.Check(t, func(t *rapid.T) {
		from := rapid.IntRange(0, len(guests)-1).Draw(t, "from")
		to := rapid.IntRange(0, len(guests)-1).Filter(func(i int) bool { return i != from }).Draw(t, "to")
		n := rapid.Uint64().Draw(t, "n")

		receipt := devReceipt(t, guests[from], n)
		out := v.Validate(context.Background(), receipt, guests[to].ID())
		if out.Reason != ProofMismatch {
			t.Fatalf("seal of %s checked against %s: got %s", guests[from].Name, guests[to].Name, out)
		}
		if !v.Validate(context.Background(), receipt, guests[from].ID()).Valid() {
			t.Fatalf("seal of %s rejected for its own program", guests[from].Name)
		}
	})
}

type countingVerifier struct {
	calls int
	err   error
}

func (c *countingVerifier) VerifySeal(context.Context, []byte, program.ID, common.Hash) error {
	c.calls++
	return c.err
}
