package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"

	"github.com/warp/escrow-engine/escrow"
)

// Mutation is one row-level change made inside a store transaction. Exactly
// one field is set; it carries the full row after the change.
type Mutation struct {
	Wallet      *escrow.Wallet      `json:"wallet,omitempty"`
	Transaction *escrow.Transaction `json:"transaction,omitempty"`
	Binding     *escrow.Binding     `json:"binding,omitempty"`
	Order       *escrow.Order       `json:"order,omitempty"`
}

// Journal durably records committed batches for Memory.
type Journal interface {
	// Append writes one committed store transaction.
	Append(batch []Mutation) error
	// Replay calls fn for every batch in commit order.
	Replay(fn func([]Mutation) error) error
	Close() error
}

const (
	defaultJournalDir   = "./wal/escrow"
	journalSegmentLimit = 1000
	// Segments are never rotated away: the journal is the only copy of the state.
	journalMaxSegments = 1 << 20
	journalKeyPrefix   = "escrow_commit_"
)

// WALJournal is a Journal on top of a gowal write-ahead log.
type WALJournal struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// OpenWALJournal opens (or creates) the journal under dir.
func OpenWALJournal(dir string) (*WALJournal, error) {
	if dir == "" {
		dir = defaultJournalDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "commit_",
		SegmentThreshold: journalSegmentLimit,
		MaxSegments:      journalMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init escrow journal WAL")
	}

	return &WALJournal{wal: wal}, nil
}

func (j *WALJournal) Append(batch []Mutation) error {
	if j == nil || j.wal == nil {
		return errors.New("escrow journal is not initialized")
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return errors.Wrap(err, "marshal journal batch")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	next := j.wal.CurrentIndex() + 1
	key := fmt.Sprintf("%s%d", journalKeyPrefix, next)
	return errors.Wrap(j.wal.Write(next, key, payload), "write journal batch")
}

func (j *WALJournal) Replay(fn func([]Mutation) error) error {
	if j == nil || j.wal == nil {
		return errors.New("escrow journal is not initialized")
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	current := j.wal.CurrentIndex()
	for idx := uint64(1); idx <= current; idx++ {
		key, payload, err := j.wal.Get(idx)
		if err != nil {
			return errors.Wrapf(err, "read journal batch %d", idx)
		}
		// Segments are never rotated, so every index up to current must be ours.
		if !strings.HasPrefix(key, journalKeyPrefix) {
			return errors.Errorf("journal batch %d is missing or foreign (key %q)", idx, key)
		}
		var batch []Mutation
		if err := json.Unmarshal(payload, &batch); err != nil {
			return errors.Wrapf(err, "decode journal batch %d", idx)
		}
		if err := fn(batch); err != nil {
			return err
		}
	}
	return nil
}

// CurrentIndex returns the index of the last committed batch.
func (j *WALJournal) CurrentIndex() uint64 {
	if j == nil || j.wal == nil {
		return 0
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	return j.wal.CurrentIndex()
}

func (j *WALJournal) Close() error {
	if j == nil || j.wal == nil {
		return errors.New("escrow journal is not initialized")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	return j.wal.Close()
}
