package proof

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

const tmpSuffix = ".tmp"

type storedReceipt struct {
	Receipt  *Receipt  `json:"receipt"`
	StoredAt time.Time `json:"stored_at"`
}

// DiskRepository keeps fetched receipts keyed by request key and deletes
// entries older than the retention period.
type DiskRepository struct {
	baseDir      string
	deleteBefore time.Duration
	log          log.Logger
	closeContext context.Context
	Close        context.CancelFunc
}

func NewDiskRepository(baseDir string, retention time.Duration) (*DiskRepository, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll failed: %w", err)
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	disk := &DiskRepository{
		baseDir:      baseDir,
		deleteBefore: retention,
		log:          log.New("module", "receipt-store"),
		closeContext: ctx,
		Close:        cancelFunc,
	}
	go disk.scheduleDeleteOldReceipts(10 * time.Minute)
	return disk, nil
}

func (r *DiskRepository) path(key string) string { return filepath.Join(r.baseDir, key) }

func (r *DiskRepository) Find(key string) *Receipt {
	file, err := os.ReadFile(r.path(key))
	if err != nil {
		return nil
	}
	var stored storedReceipt
	if err := json.Unmarshal(file, &stored); err != nil {
		r.log.Warn("Discarding unreadable receipt", "key", key, "err", err)
		return nil
	}
	return stored.Receipt
}

// Save writes through a temporary file so readers never see a partial entry.
func (r *DiskRepository) Save(key string, receipt *Receipt) error {
	jsonResult, err := json.Marshal(storedReceipt{Receipt: receipt, StoredAt: time.Now()})
	if err != nil {
		return err
	}
	tmp := r.path(key) + tmpSuffix
	if err := os.WriteFile(tmp, jsonResult, 0o644); err != nil {
		return fmt.Errorf("os.WriteFile failed: %w", err)
	}
	return os.Rename(tmp, r.path(key))
}

func (r *DiskRepository) scheduleDeleteOldReceipts(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deletedCount := r.deleteOldReceipts(time.Now().Add(-r.deleteBefore))
			r.log.Debug("Deleted old receipts", "count", deletedCount)
		case <-r.closeContext.Done():
			return
		}
	}
}

// deleteOldReceipts deletes receipts stored earlier than before, and any
// entry that no longer decodes. Temporary files may still be written by Save,
// so they only go once they are older than before.
func (r *DiskRepository) deleteOldReceipts(before time.Time) (deletedCount int) {
	files, _ := os.ReadDir(r.baseDir)
	for _, file := range files {
		info, err := file.Info()
		if err != nil || file.IsDir() {
			continue
		}
		old := info.ModTime().Before(before)
		if strings.HasSuffix(file.Name(), tmpSuffix) && !old {
			continue
		}
		if old || r.Find(file.Name()) == nil {
			if err := os.Remove(r.path(file.Name())); err != nil {
				r.log.Warn("Failed to delete old receipt", "key", file.Name(), "err", err)
			} else {
				deletedCount++
			}
		}
	}
	return
}
