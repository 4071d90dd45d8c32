package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kroma-network/kroma-proof-publisher/internal/program"
	"github.com/kroma-network/kroma-proof-publisher/internal/proof"
)

func fastConfig() Config {
	return Config{
		PollInterval:    time.Millisecond,
		MaxPollInterval: 2 * time.Millisecond,
		RetryCeiling:    3,
		Deadline:        5 * time.Second,
	}
}

type step struct {
	status proof.Status
	err    error
}

// scriptedBackend replays poll results and records the call sequence. It
// fails any Fetch that is not preceded by a Succeeded poll.
type scriptedBackend struct {
	mu         sync.Mutex
	submitErrs []error
	polls      []step
	fetchErrs  []error
	receipt    *proof.Receipt

	calls     []string
	succeeded bool
	badFetch  bool
}

func (b *scriptedBackend) Submit(ctx context.Context, id program.ID, input []byte) (proof.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "submit")
	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		return "", err
	}
	return "job-1", nil
}

func (b *scriptedBackend) Poll(ctx context.Context, handle proof.Handle) (proof.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "poll")
	if len(b.polls) == 0 {
		return proof.Status{Phase: proof.Running}, nil
	}
	s := b.polls[0]
	if len(b.polls) > 1 {
		b.polls = b.polls[1:]
	}
	if s.err == nil && s.status.Phase == proof.Succeeded {
		b.succeeded = true
	}
	return s.status, s.err
}

func (b *scriptedBackend) Fetch(ctx context.Context, handle proof.Handle) (*proof.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "fetch")
	if !b.succeeded {
		b.badFetch = true
	}
	if len(b.fetchErrs) > 0 {
		err := b.fetchErrs[0]
		b.fetchErrs = b.fetchErrs[1:]
		return nil, err
	}
	return b.receipt, nil
}

func (b *scriptedBackend) count(call string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == call {
			n++
		}
	}
	return n
}

func testRequest() proof.Request {
	return proof.Request{Program: program.IsEven().ID(), Input: []byte{0x01}}
}

func testReceipt() *proof.Receipt {
	return proof.NewReceipt([]byte{0xaa}, []byte{0xbb}, false)
}

func running() step   { return step{status: proof.Status{Phase: proof.Running}} }
func pending() step   { return step{status: proof.Status{Phase: proof.Pending}} }
func succeeded() step { return step{status: proof.Status{Phase: proof.Succeeded}} }
func unavailable() step {
	return step{err: proof.ErrBackendUnavailable}
}

func TestProveReachesReady(t *testing.T) {
	backend := &scriptedBackend{
		polls:   []step{pending(), running(), running(), succeeded()},
		receipt: testReceipt(),
	}
	run := New(backend, fastConfig()).Start(context.Background(), testRequest())
	receipt, err := run.Wait()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa}, receipt.Journal())

	ready, ok := run.State().(Ready)
	require.True(t, ok, "state %s", run.State().Name())
	assert.Equal(t, proof.Handle("job-1"), ready.Handle)
	assert.Same(t, receipt, ready.Receipt())
	assert.True(t, ready.Terminal())

	assert.False(t, backend.badFetch)
	assert.Equal(t, []string{"submit", "poll", "poll", "poll", "poll", "fetch"}, backend.calls)
}

func TestRegressingStatusIsIgnored(t *testing.T) {
	backend := &scriptedBackend{
		polls:   []step{running(), pending(), succeeded()},
		receipt: testReceipt(),
	}
	_, err := New(backend, fastConfig()).Prove(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, backend.badFetch)
}

func TestSubmitRetriesUnavailable(t *testing.T) {
	backend := &scriptedBackend{
		submitErrs: []error{proof.ErrBackendUnavailable, proof.ErrBackendUnavailable},
		polls:      []step{succeeded()},
		receipt:    testReceipt(),
	}
	_, err := New(backend, fastConfig()).Prove(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 3, backend.count("submit"))
}

func TestSubmitGivesUpAtCeiling(t *testing.T) {
	backend := &scriptedBackend{
		submitErrs: []error{proof.ErrBackendUnavailable, proof.ErrBackendUnavailable, proof.ErrBackendUnavailable},
	}
	run := New(backend, fastConfig()).Start(context.Background(), testRequest())
	_, err := run.Wait()
	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindSubmission, kind)
	assert.True(t, errors.Is(err, proof.ErrBackendUnavailable))
	assert.Equal(t, 3, backend.count("submit"))
	assert.Equal(t, 0, backend.count("poll"))

	failed, ok := run.State().(Failed)
	require.True(t, ok)
	assert.Empty(t, failed.Handle)
}

func TestSubmitDoesNotRetryInvalidProgram(t *testing.T) {
	backend := &scriptedBackend{submitErrs: []error{proof.ErrInvalidProgram}}
	_, err := New(backend, fastConfig()).Prove(context.Background(), testRequest())
	kind, _ := KindOf(err)
	assert.Equal(t, KindSubmission, kind)
	assert.True(t, errors.Is(err, proof.ErrInvalidProgram))
	assert.Equal(t, 1, backend.count("submit"))
}

func TestUnavailableCeilingFailsRun(t *testing.T) {
	backend := &scriptedBackend{
		polls: []step{running(), unavailable(), unavailable(), unavailable(), succeeded()},
	}
	_, err := New(backend, fastConfig()).Prove(context.Background(), testRequest())
	var oe *Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, KindBackend, oe.Kind)
	assert.Equal(t, proof.Handle("job-1"), oe.Handle)
	assert.False(t, oe.MayStillComplete())
	assert.Equal(t, 0, backend.count("fetch"))
}

func TestUnavailableCountResetsOnSuccessfulPoll(t *testing.T) {
	backend := &scriptedBackend{
		polls: []step{
			unavailable(), unavailable(), running(),
			unavailable(), unavailable(), running(),
			succeeded(),
		},
		receipt: testReceipt(),
	}
	_, err := New(backend, fastConfig()).Prove(context.Background(), testRequest())
	require.NoError(t, err)
}

func TestUnavailableBelowCeilingReachesReady(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ceiling := rapid.IntRange(1, 5).Draw(t, "ceiling")
		k := rapid.IntRange(0, 7).Draw(t, "unavailable")

		polls := make([]step, 0, k+1)
		for i := 0; i < k; i++ {
			polls = append(polls, unavailable())
		}
		polls = append(polls, succeeded())
		backend := &scriptedBackend{polls: polls, receipt: testReceipt()}

		cfg := fastConfig()
		cfg.RetryCeiling = ceiling
		run := New(backend, cfg).Start(context.Background(), testRequest())
		receipt, err := run.Wait()

		if k < ceiling {
			if err != nil {
				t.Fatalf("k=%d ceiling=%d: unexpected error %v", k, ceiling, err)
			}
			if receipt == nil {
				t.Fatalf("k=%d ceiling=%d: no receipt", k, ceiling)
			}
			if _, ok := run.State().(Ready); !ok {
				t.Fatalf("k=%d ceiling=%d: state %s", k, ceiling, run.State().Name())
			}
		} else {
			if kind, _ := KindOf(err); kind != KindBackend {
				t.Fatalf("k=%d ceiling=%d: got %v, want backend error", k, ceiling, err)
			}
			if backend.count("fetch") != 0 {
				t.Fatalf("k=%d ceiling=%d: fetched after failure", k, ceiling)
			}
		}
		if backend.badFetch {
			t.Fatalf("fetch before a succeeded poll")
		}
	})
}

func TestFetchRetriesUnavailable(t *testing.T) {
	backend := &scriptedBackend{
		polls:     []step{succeeded()},
		fetchErrs: []error{proof.ErrBackendUnavailable},
		receipt:   testReceipt(),
	}
	_, err := New(backend, fastConfig()).Prove(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, backend.count("fetch"))
}

func TestFetchWithoutReceiptFails(t *testing.T) {
	backend := &scriptedBackend{polls: []step{succeeded()}}
	_, err := New(backend, fastConfig()).Prove(context.Background(), testRequest())
	kind, _ := KindOf(err)
	assert.Equal(t, KindBackend, kind)
}

func TestDeadlineTimesOut(t *testing.T) {
	backend := &scriptedBackend{polls: []step{running()}}
	cfg := fastConfig()
	cfg.Deadline = 30 * time.Millisecond

	run := New(backend, cfg).Start(context.Background(), testRequest())
	receipt, err := run.Wait()
	assert.Nil(t, receipt)

	var oe *Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, KindTimeout, oe.Kind)
	assert.Equal(t, proof.Handle("job-1"), oe.Handle)
	assert.True(t, oe.MayStillComplete())

	timedOut, ok := run.State().(TimedOut)
	require.True(t, ok, "state %s", run.State().Name())
	assert.GreaterOrEqual(t, timedOut.Elapsed, cfg.Deadline)
	assert.Equal(t, 0, backend.count("fetch"))
}

func TestCancelStopsPolling(t *testing.T) {
	backend := &scriptedBackend{polls: []step{running()}}
	ctx, cancel := context.WithCancel(context.Background())
	run := New(backend, fastConfig()).Start(ctx, testRequest())

	require.Eventually(t, func() bool { return backend.count("poll") >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-run.Done():
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}
	_, err := run.Wait()
	kind, _ := KindOf(err)
	assert.Equal(t, KindCanceled, kind)
	assert.True(t, errors.Is(err, context.Canceled))

	failed, ok := run.State().(Failed)
	require.True(t, ok)
	assert.Equal(t, proof.Handle("job-1"), failed.Handle)
	assert.True(t, failed.Err.MayStillComplete())

	polls := backend.count("poll")
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, polls, backend.count("poll"))
}

func TestCanceledBeforeSubmit(t *testing.T) {
	backend := &scriptedBackend{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(backend, fastConfig()).Prove(ctx, testRequest())
	kind, _ := KindOf(err)
	assert.Equal(t, KindCanceled, kind)
	assert.Equal(t, 0, backend.count("submit"))
}

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Submit(ctx context.Context, id program.ID, input []byte) (proof.Handle, error) {
	args := m.Called(ctx, id, input)
	return args.Get(0).(proof.Handle), args.Error(1)
}

func (m *mockBackend) Poll(ctx context.Context, handle proof.Handle) (proof.Status, error) {
	args := m.Called(ctx, handle)
	return args.Get(0).(proof.Status), args.Error(1)
}

func (m *mockBackend) Fetch(ctx context.Context, handle proof.Handle) (*proof.Receipt, error) {
	args := m.Called(ctx, handle)
	receipt, _ := args.Get(0).(*proof.Receipt)
	return receipt, args.Error(1)
}

func TestBackendReportedFailure(t *testing.T) {
	req := testRequest()
	backend := new(mockBackend)
	backend.On("Submit", mock.Anything, req.Program, req.Input).Return(proof.Handle("job-7"), nil).Once()
	backend.On("Poll", mock.Anything, proof.Handle("job-7")).Return(proof.Status{Phase: proof.Running}, nil).Once()
	backend.On("Poll", mock.Anything, proof.Handle("job-7")).Return(proof.Status{Phase: proof.Failed, Reason: "guest panicked"}, nil).Once()

	run := New(backend, fastConfig()).Start(context.Background(), req)
	_, err := run.Wait()

	var oe *Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, KindBackendReportedFailure, oe.Kind)
	assert.Equal(t, "guest panicked", oe.Reason)
	assert.Equal(t, proof.Handle("job-7"), oe.Handle)
	assert.False(t, oe.MayStillComplete())
	assert.Contains(t, err.Error(), "guest panicked")

	backend.AssertExpectations(t)
	backend.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestNonRetryablePollErrorFailsImmediately(t *testing.T) {
	backend := new(mockBackend)
	backend.On("Submit", mock.Anything, mock.Anything, mock.Anything).Return(proof.Handle("job-8"), nil)
	backend.On("Poll", mock.Anything, proof.Handle("job-8")).Return(proof.Status{}, proof.ErrUnknownJob).Once()

	_, err := New(backend, fastConfig()).Prove(context.Background(), testRequest())
	kind, _ := KindOf(err)
	assert.Equal(t, KindBackend, kind)
	assert.True(t, errors.Is(err, proof.ErrUnknownJob))
	backend.AssertNumberOfCalls(t, "Poll", 1)
}

func TestDevBackendEndToEnd(t *testing.T) {
	guest := program.IsEven()
	input, err := guest.Input.Encode(uint64(4))
	require.NoError(t, err)

	dev := proof.NewDevBackend(program.DefaultRegistry())
	receipt, err := New(dev, fastConfig()).Prove(context.Background(), proof.Request{Program: guest.ID(), Input: input})
	require.NoError(t, err)
	assert.True(t, receipt.Dev())
	assert.Equal(t, proof.DevSeal(guest.ID(), receipt.Journal()), receipt.Seal())
}
