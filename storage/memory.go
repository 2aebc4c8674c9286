package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"lending-api/domain"
)

// Memory is an in-process Gateway used for local runs and tests. Writes are
// staged per transaction and checked against the committed versions again at
// commit, so two transactions racing on one id cannot both succeed.
type Memory struct {
	mu       sync.RWMutex
	entities map[string]domain.Entity
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entities: make(map[string]domain.Entity), now: time.Now}
}

type memoryWrite struct {
	expected int64
	entity   domain.Entity
}

type memoryTx struct {
	m      *Memory
	staged map[string]memoryWrite
	order  []string
}

func (m *Memory) Transaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{m: m, staged: make(map[string]memoryWrite)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (tx *memoryTx) Get(ctx context.Context, id string) (domain.Entity, error) {
	if w, ok := tx.staged[id]; ok {
		return w.entity.Clone(), nil
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	e, ok := tx.m.entities[id]
	if !ok {
		return domain.Entity{}, domain.ErrNotFound
	}
	return e.Clone(), nil
}

func (tx *memoryTx) Put(ctx context.Context, id string, rec Record, expectedVersion int64) (domain.Entity, error) {
	current, err := tx.Get(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		current = domain.Entity{}
	case err != nil:
		return domain.Entity{}, err
	}
	if current.Version != expectedVersion {
		return domain.Entity{}, domain.ErrStaleVersion
	}
	next := domain.Entity{
		ID:        id,
		Class:     rec.Class,
		Version:   expectedVersion + 1,
		Payload:   rec.Payload,
		Deleted:   rec.Deleted,
		UpdatedAt: tx.m.now().UTC(),
	}
	base := expectedVersion
	if w, ok := tx.staged[id]; ok {
		base = w.expected
	} else {
		tx.order = append(tx.order, id)
	}
	tx.staged[id] = memoryWrite{expected: base, entity: next.Clone()}
	return next, nil
}

func (tx *memoryTx) commit() error {
	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	for _, id := range tx.order {
		if tx.m.entities[id].Version != tx.staged[id].expected {
			return domain.ErrStaleVersion
		}
	}
	for _, id := range tx.order {
		tx.m.entities[id] = tx.staged[id].entity
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (domain.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return domain.Entity{}, domain.ErrNotFound
	}
	return live(e.Clone(), nil)
}

func (m *Memory) List(ctx context.Context, class string) ([]domain.Entity, error) {
	m.mu.RLock()
	out := make([]domain.Entity, 0, len(m.entities))
	for _, e := range m.entities {
		if e.Deleted || (class != "" && e.Class != class) {
			continue
		}
		out = append(out, e.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }
