package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"lending-api/domain"
)

func putOne(t *testing.T, g Gateway, id string, rec Record, expected int64) (domain.Entity, error) {
	t.Helper()
	var out domain.Entity
	err := g.Transaction(context.Background(), func(ctx context.Context, tx Tx) error {
		e, err := tx.Put(ctx, id, rec, expected)
		out = e
		return err
	})
	return out, err
}

func TestMemoryPutAndGet(t *testing.T) {
	m := NewMemory()
	rec := Record{Class: "device", Payload: json.RawMessage(`{"brand":"HP"}`)}

	e, err := putOne(t, m, "d1", rec, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.Version != 1 {
		t.Fatalf("expected version 1, got %d", e.Version)
	}

	got, err := m.Get(context.Background(), "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Payload) != `{"brand":"HP"}` || got.Class != "device" || got.Version != 1 {
		t.Fatalf("unexpected entity %+v", got)
	}

	if _, err := putOne(t, m, "d1", rec, 0); !errors.Is(err, domain.ErrStaleVersion) {
		t.Fatalf("expected stale version on duplicate create, got %v", err)
	}
	if _, err := putOne(t, m, "d1", rec, 5); !errors.Is(err, domain.ErrStaleVersion) {
		t.Fatalf("expected stale version, got %v", err)
	}
	if _, err := m.Get(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryRollbackOnError(t *testing.T) {
	m := NewMemory()
	boom := errors.New("boom")
	err := m.Transaction(context.Background(), func(ctx context.Context, tx Tx) error {
		if _, err := tx.Put(ctx, "d1", Record{Class: "device"}, 0); err != nil {
			return err
		}
		if _, err := tx.Get(ctx, "d1"); err != nil {
			t.Fatalf("staged write not visible inside transaction: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := m.Get(context.Background(), "d1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("rolled back write is visible: %v", err)
	}
}

func TestMemoryRollbackOnCancel(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	err := m.Transaction(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.Put(ctx, "d1", Record{Class: "device"}, 0)
		cancel()
		return err
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
	if _, err := m.Get(context.Background(), "d1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("canceled write is visible: %v", err)
	}
}

func TestMemoryConcurrentTransactionsConflictAtCommit(t *testing.T) {
	m := NewMemory()
	if _, err := putOne(t, m, "d1", Record{Class: "device"}, 0); err != nil {
		t.Fatalf("seed: %v", err)
	}

	inside := make(chan struct{})
	release := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- m.Transaction(context.Background(), func(ctx context.Context, tx Tx) error {
			if _, err := tx.Put(ctx, "d1", Record{Class: "device", Payload: json.RawMessage(`1`)}, 1); err != nil {
				return err
			}
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside
	if _, err := putOne(t, m, "d1", Record{Class: "device", Payload: json.RawMessage(`2`)}, 1); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	close(release)
	if err := <-result; !errors.Is(err, domain.ErrStaleVersion) {
		t.Fatalf("expected late commit to be stale, got %v", err)
	}
	got, _ := m.Get(context.Background(), "d1")
	if got.Version != 2 || string(got.Payload) != "2" {
		t.Fatalf("unexpected entity %+v", got)
	}
}

func TestMemoryTombstoneKeepsVersion(t *testing.T) {
	m := NewMemory()
	if _, err := putOne(t, m, "u1", Record{Class: "user"}, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := putOne(t, m, "u1", Record{Class: "user", Deleted: true}, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(context.Background(), "u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected tombstone to read as not found, got %v", err)
	}
	ents, _ := m.List(context.Background(), "user")
	if len(ents) != 0 {
		t.Fatalf("tombstone listed: %+v", ents)
	}

	if _, err := putOne(t, m, "u1", Record{Class: "user"}, 0); !errors.Is(err, domain.ErrStaleVersion) {
		t.Fatalf("re-create must continue from the tombstone version, got %v", err)
	}
	e, err := putOne(t, m, "u1", Record{Class: "user"}, 2)
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if e.Version != 3 {
		t.Fatalf("expected version 3, got %d", e.Version)
	}
}

func TestMemoryListFiltersByClass(t *testing.T) {
	m := NewMemory()
	for id, class := range map[string]string{"b": "device", "a": "device", "u": "user"} {
		if _, err := putOne(t, m, id, Record{Class: class}, 0); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	devs, err := m.List(context.Background(), "device")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devs) != 2 || devs[0].ID != "a" || devs[1].ID != "b" {
		t.Fatalf("unexpected devices %+v", devs)
	}
	all, _ := m.List(context.Background(), "")
	if len(all) != 3 {
		t.Fatalf("expected 3 entities, got %d", len(all))
	}
}
