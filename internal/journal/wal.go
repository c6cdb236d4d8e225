package journal

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"papertrade/internal/model"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
)

const tradeKeyPrefix = "trade_"

// Journal appends every committed trade to a write-ahead log on local disk.
// It is an audit trail next to the ledger, not a second source of truth.
type Journal struct {
	mu  sync.Mutex
	wal *gowal.Wal
}

func Open(dir string) (*Journal, error) {
	w, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "trades_",
		SegmentThreshold: 1000,
		MaxSegments:      100,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open trade journal")
	}
	return &Journal{wal: w}, nil
}

func (j *Journal) TradeExecuted(_ context.Context, tx model.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return errors.Wrap(err, "marshal journal record")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.wal.Write(j.wal.CurrentIndex()+1, tradeKeyPrefix+tx.ID, data); err != nil {
		return errors.Wrapf(err, "journal trade %s", tx.ID)
	}
	return nil
}

// Replay calls fn for every journaled trade in write order and stops at
// the first error fn returns.
func (j *Journal) Replay(fn func(model.Transaction) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for msg := range j.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, tradeKeyPrefix) {
			continue
		}
		var tx model.Transaction
		if err := json.Unmarshal(msg.Value, &tx); err != nil {
			return errors.Wrapf(err, "decode journal record %s", msg.Key)
		}
		if err := fn(tx); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Close()
}
