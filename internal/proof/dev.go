package proof

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/kroma-network/kroma-proof-publisher/internal/program"
)

// DevJobRetention is how long a finished dev job stays fetchable.
const DevJobRetention = time.Hour

type devJob struct {
	receipt *Receipt
	created time.Time
}

// DevBackend executes guests in-process and seals journals with a dev seal.
// Jobs finish inside Submit, so the first Poll always reports Succeeded.
// Jobs older than DevJobRetention are dropped on the next Submit.
type DevBackend struct {
	programs *program.Registry
	log      log.Logger
	now      func() time.Time

	mu   sync.Mutex
	jobs map[Handle]devJob
}

func NewDevBackend(programs *program.Registry) *DevBackend {
	return &DevBackend{
		programs: programs,
		log:      log.New("module", "dev-backend"),
		now:      time.Now,
		jobs:     make(map[Handle]devJob),
	}
}

func (d *DevBackend) Submit(ctx context.Context, id program.ID, input []byte) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	guest, ok := d.programs.Lookup(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidProgram, id)
	}
	journal, err := guest.Execute(input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	handle := Handle("dev-" + uuid.NewString())
	d.mu.Lock()
	now := d.now()
	d.evictLocked(now)
	d.jobs[handle] = devJob{receipt: NewReceipt(journal, DevSeal(id, journal), true), created: now}
	d.mu.Unlock()
	d.log.Debug("Executed guest", "program", guest.Name, "handle", handle, "journal", len(journal))
	return handle, nil
}

func (d *DevBackend) Poll(ctx context.Context, handle Handle) (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.jobs[handle]; !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownJob, handle)
	}
	return Status{Phase: Succeeded}, nil
}

func (d *DevBackend) Fetch(ctx context.Context, handle Handle) (*Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.jobs[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, handle)
	}
	return job.receipt, nil
}

func (d *DevBackend) evictLocked(now time.Time) {
	for handle, job := range d.jobs {
		if now.Sub(job.created) > DevJobRetention {
			delete(d.jobs, handle)
		}
	}
}
