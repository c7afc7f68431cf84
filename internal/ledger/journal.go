package ledger

import (
	"context"
	"sync"
)

// Journal is the write-ahead log of executed calls. Append must be durable
// before the call is applied.
type Journal interface {
	Append(ctx context.Context, tx Tx) error
	Load(ctx context.Context) ([]Tx, error)
}

type MemoryJournal struct {
	mutex sync.Mutex
	txs   []Tx
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(ctx context.Context, tx Tx) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.txs = append(j.txs, tx)
	return nil
}

func (j *MemoryJournal) Load(ctx context.Context) ([]Tx, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return append([]Tx(nil), j.txs...), nil
}
