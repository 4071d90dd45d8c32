package chain

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"
)

type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager is the single writer of the signing account's nonce. A nonce
// is held through a lease from Acquire until Commit or Discard; only one
// lease is outstanding at a time.
type NonceManager struct {
	source  NonceSource
	account common.Address
	sem     *semaphore.Weighted

	// guarded by sem
	next  uint64
	valid bool
}

func NewNonceManager(source NonceSource, account common.Address) *NonceManager {
	return &NonceManager{source: source, account: account, sem: semaphore.NewWeighted(1)}
}

// Acquire waits for the lease and returns it with the next nonce, reading
// the pending nonce from the node if the cached one was discarded.
func (m *NonceManager) Acquire(ctx context.Context) (*NonceLease, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if !m.valid {
		n, err := m.source.PendingNonceAt(ctx, m.account)
		if err != nil {
			m.sem.Release(1)
			return nil, err
		}
		m.next, m.valid = n, true
	}
	return &NonceLease{m: m, nonce: m.next}, nil
}

type NonceLease struct {
	m     *NonceManager
	nonce uint64
	once  sync.Once
}

func (l *NonceLease) Nonce() uint64 { return l.nonce }

// Commit marks the nonce used by a broadcast transaction.
func (l *NonceLease) Commit() {
	l.once.Do(func() {
		l.m.next = l.nonce + 1
		l.m.sem.Release(1)
	})
}

// Discard forgets the cached nonce; the next lease reads it from the node.
func (l *NonceLease) Discard() {
	l.once.Do(func() {
		l.m.valid = false
		l.m.sem.Release(1)
	})
}
