package proof

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/kroma-network/kroma-proof-publisher/internal/program"
)

const cachedHandlePrefix = "cached-"

// Service is a Backend that answers repeated requests from the receipt
// repository and shares one backend job between identical requests in flight.
// Stored receipts are keyed by namespace, so receipts of one backend kind are
// never served in place of another's.
type Service struct {
	backend   Backend
	disk      *DiskRepository
	namespace string
	log       log.Logger

	mu         sync.Mutex
	inProgress map[string]Handle
	keys       map[Handle]string
}

func NewService(backend Backend, disk *DiskRepository, namespace string) *Service {
	return &Service{
		backend:    backend,
		disk:       disk,
		namespace:  namespace,
		log:        log.New("module", "proof-service", "namespace", namespace),
		inProgress: make(map[string]Handle),
		keys:       make(map[Handle]string),
	}
}

func (s *Service) Submit(ctx context.Context, id program.ID, input []byte) (Handle, error) {
	key := s.key(Request{Program: id, Input: input})
	if receipt := s.disk.Find(key); receipt != nil {
		s.log.Info("Reusing stored receipt", "program", id, "key", key)
		return Handle(cachedHandlePrefix + key), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle, ok := s.inProgress[key]; ok {
		return handle, nil
	}
	handle, err := s.backend.Submit(ctx, id, input)
	if err != nil {
		return "", err
	}
	s.inProgress[key] = handle
	s.keys[handle] = key
	return handle, nil
}

func (s *Service) Poll(ctx context.Context, handle Handle) (Status, error) {
	if key, ok := cachedKey(handle); ok {
		if s.disk.Find(key) == nil {
			return Status{}, fmt.Errorf("%w: %s", ErrUnknownJob, handle)
		}
		return Status{Phase: Succeeded}, nil
	}
	status, err := s.backend.Poll(ctx, handle)
	if err == nil && status.Phase == Failed {
		s.forget(handle)
	}
	return status, err
}

func (s *Service) Fetch(ctx context.Context, handle Handle) (*Receipt, error) {
	if key, ok := cachedKey(handle); ok {
		if receipt := s.disk.Find(key); receipt != nil {
			return receipt, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, handle)
	}
	receipt, err := s.backend.Fetch(ctx, handle)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	key, ok := s.keys[handle]
	s.mu.Unlock()
	if ok {
		if err := s.disk.Save(key, receipt); err != nil {
			s.log.Warn("Failed to store receipt", "handle", handle, "err", err)
		}
	}
	s.forget(handle)
	return receipt, nil
}

func (s *Service) Close() {
	s.disk.Close()
}

func (s *Service) key(req Request) string {
	if s.namespace == "" {
		return req.Key()
	}
	return s.namespace + "-" + req.Key()
}

func (s *Service) forget(handle Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[handle]; ok {
		delete(s.inProgress, key)
		delete(s.keys, handle)
	}
}

func cachedKey(handle Handle) (string, bool) {
	return strings.CutPrefix(string(handle), cachedHandlePrefix)
}
