package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lending-api/domain"
	"lending-api/storage"
)

// ErrUnchanged is returned by a Mutation that decides no write is needed.
// Write then returns the current entity together with ErrUnchanged and
// nothing is persisted or published.
var ErrUnchanged = errors.New("entity unchanged")

// Publisher receives every committed delta exactly once.
type Publisher interface {
	Publish(delta domain.ChangeDelta)
}

// Publishers fans a delta out to several publishers in order.
type Publishers []Publisher

func (ps Publishers) Publish(d domain.ChangeDelta) {
	for _, p := range ps {
		p.Publish(d)
	}
}

// Change is the outcome of a Mutation.
type Change struct {
	// Class is required when creating and must match on update. Empty keeps
	// the current class.
	Class   string
	Payload json.RawMessage
	Delete  bool
}

// Mutation computes the new state from current, which is nil when the entity
// does not exist (or was deleted).
type Mutation func(current *domain.Entity) (Change, error)

// Options tunes a Manager.
type Options struct {
	// CacheTTL bounds how long a read may be served from the in-process view.
	// Zero disables the view.
	CacheTTL time.Duration
	// WriteTimeout bounds the transaction of an admitted write.
	WriteTimeout time.Duration
	// Local receives deltas relayed from other instances, and the version a
	// local write was based on when this instance never published it. Set it
	// to the in-process fanout when deltas are relayed between instances.
	Local Publisher
}

// Manager owns the entities: reads go through an in-process view, writes are
// serialized per entity and published after commit.
type Manager struct {
	store  storage.Gateway
	pub    Publisher
	logger *log.Logger
	tracer trace.Tracer
	locks  *lockArena
	opts   Options
	now    func() time.Time

	viewMu sync.RWMutex
	view   map[string]viewEntry

	// last version handed to Local per entity
	seenMu sync.Mutex
	seen   map[string]int64
}

type viewEntry struct {
	entity domain.Entity
	at     time.Time
}

func NewManager(store storage.Gateway, pub Publisher, logger *log.Logger, opts Options) *Manager {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if pub == nil {
		pub = Publishers(nil)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Manager{
		store:  store,
		pub:    pub,
		logger: logger,
		tracer: otel.Tracer("lending-api/state"),
		locks:  newLockArena(),
		opts:   opts,
		now:    time.Now,
		view:   make(map[string]viewEntry),
		seen:   make(map[string]int64),
	}
}

// Read returns the live entity or domain.ErrNotFound.
func (m *Manager) Read(ctx context.Context, id string) (domain.Entity, error) {
	if id == "" {
		return domain.Entity{}, domain.Invalid("id", "must not be empty")
	}
	if e, ok := m.fromView(id); ok {
		if e.Deleted {
			return domain.Entity{}, domain.ErrNotFound
		}
		return e, nil
	}
	e, err := m.store.Get(ctx, id)
	if err != nil {
		return domain.Entity{}, err
	}
	m.remember(e)
	return e.Clone(), nil
}

// List returns the live entities of class; every class when class is empty.
func (m *Manager) List(ctx context.Context, class string) ([]domain.Entity, error) {
	return m.store.List(ctx, class)
}

// Write applies mut to the entity under its lock and commits the result. The
// wait for the lock honors ctx; once admitted the write runs to completion
// regardless of ctx, bounded by Options.WriteTimeout.
func (m *Manager) Write(ctx context.Context, id string, mut Mutation) (domain.Entity, error) {
	if id == "" {
		return domain.Entity{}, domain.Invalid("id", "must not be empty")
	}
	release, err := m.locks.acquire(ctx, id)
	if err != nil {
		return domain.Entity{}, err
	}
	defer release()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.WriteTimeout)
	defer cancel()
	wctx, span := m.tracer.Start(wctx, "state.write", trace.WithAttributes(attribute.String("entity.id", id)))
	defer span.End()

	var (
		committed domain.Entity
		current   domain.Entity
		prior     *domain.Entity
		kind      domain.Kind
	)
	err = m.store.Transaction(wctx, func(ctx context.Context, tx storage.Tx) error {
		var (
			live *domain.Entity
			base int64
		)
		prior = nil
		cur, err := tx.Get(ctx, id)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return err
		default:
			base = cur.Version
			p := cur.Clone()
			prior = &p
			if !cur.Deleted {
				current = cur.Clone()
				live = &cur
			}
		}

		change, err := mut(live)
		if err != nil {
			return err
		}
		rec, k, err := record(live, change)
		if err != nil {
			return err
		}
		kind = k
		committed, err = tx.Put(ctx, id, rec, base)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrUnchanged) {
			return current, ErrUnchanged
		}
		if errors.Is(err, domain.ErrStaleVersion) && !errors.Is(err, domain.ErrConflict) {
			err = fmt.Errorf("%w: %w", domain.ErrConflict, err)
		}
		m.logWriteFailure(id, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Entity{}, err
	}

	m.remember(committed)
	if prior != nil && m.opts.Local != nil && m.advance(id, prior.Version) {
		// The delta of the base version is still in flight from the instance
		// that wrote it. Sessions here must see it before ours.
		m.opts.Local.Publish(domain.NewDelta(*prior, priorKind(*prior)))
	}
	m.advance(id, committed.Version)
	delta := domain.NewDelta(committed, kind)
	m.pub.Publish(delta)

	span.SetAttributes(
		attribute.Int64("entity.version", committed.Version),
		attribute.String("entity.kind", string(kind)),
	)
	m.logger.WithFields(log.Fields{
		"entity":  id,
		"class":   committed.Class,
		"version": committed.Version,
		"kind":    kind,
	}).Debug("entity committed")

	return committed.Clone(), nil
}

func priorKind(e domain.Entity) domain.Kind {
	switch {
	case e.Deleted:
		return domain.KindDelete
	case e.Version == 1:
		return domain.KindCreate
	default:
		return domain.KindUpdate
	}
}

// advance records v as handed to Local and reports whether it is newer than
// anything handed over before.
func (m *Manager) advance(id string, v int64) bool {
	m.seenMu.Lock()
	defer m.seenMu.Unlock()
	if m.seen[id] >= v {
		return false
	}
	m.seen[id] = v
	return true
}

func record(live *domain.Entity, change Change) (storage.Record, domain.Kind, error) {
	class := change.Class
	if live != nil {
		if class == "" {
			class = live.Class
		} else if class != live.Class {
			return storage.Record{}, "", domain.Invalid("class", fmt.Sprintf("entity is a %s, not a %s", live.Class, class))
		}
	}
	switch {
	case change.Delete:
		if live == nil {
			return storage.Record{}, "", domain.ErrNotFound
		}
		return storage.Record{Class: class, Deleted: true}, domain.KindDelete, nil
	case class == "":
		return storage.Record{}, "", domain.Invalid("class", "must not be empty")
	case len(change.Payload) == 0 || !json.Valid(change.Payload):
		return storage.Record{}, "", domain.Invalid("payload", "must be a JSON value")
	case live == nil:
		return storage.Record{Class: class, Payload: change.Payload}, domain.KindCreate, nil
	default:
		return storage.Record{Class: class, Payload: change.Payload}, domain.KindUpdate, nil
	}
}

func (m *Manager) logWriteFailure(id string, err error) {
	entry := m.logger.WithFields(log.Fields{"entity": id, "error": err.Error()})
	switch {
	case domain.IsConflict(err):
		entry.Info("entity write conflict")
	case errors.Is(err, domain.ErrStoreUnavailable):
		entry.Warn("entity write failed: store unavailable")
	case domain.IsValidation(err), errors.Is(err, domain.ErrNotFound):
		entry.Debug("entity write rejected")
	default:
		entry.Error("entity write failed")
	}
}

// Create stores a new entity. An empty id gets a generated one.
func (m *Manager) Create(ctx context.Context, id, class string, payload json.RawMessage) (domain.Entity, error) {
	if id == "" {
		id = uuid.NewString()
	}
	return m.Write(ctx, id, func(current *domain.Entity) (Change, error) {
		if current != nil {
			return Change{}, fmt.Errorf("%w: entity %s already exists", domain.ErrConflict, id)
		}
		return Change{Class: class, Payload: payload}, nil
	})
}

// Update replaces the payload when the stored version equals expectedVersion.
func (m *Manager) Update(ctx context.Context, id, class string, payload json.RawMessage, expectedVersion int64) (domain.Entity, error) {
	if expectedVersion <= 0 {
		return domain.Entity{}, domain.Invalid("version", "expected version is required")
	}
	return m.Write(ctx, id, func(current *domain.Entity) (Change, error) {
		if current == nil {
			return Change{}, domain.ErrNotFound
		}
		if current.Version != expectedVersion {
			return Change{}, versionConflict(id, current.Version, expectedVersion)
		}
		return Change{Class: class, Payload: payload}, nil
	})
}

// Delete tombstones the entity. expectedVersion 0 deletes whatever version
// is stored.
func (m *Manager) Delete(ctx context.Context, id string, expectedVersion int64) (domain.Entity, error) {
	if expectedVersion < 0 {
		return domain.Entity{}, domain.Invalid("version", "must not be negative")
	}
	return m.Write(ctx, id, func(current *domain.Entity) (Change, error) {
		if current == nil {
			return Change{}, domain.ErrNotFound
		}
		if expectedVersion != 0 && current.Version != expectedVersion {
			return Change{}, versionConflict(id, current.Version, expectedVersion)
		}
		return Change{Delete: true}, nil
	})
}

// Observe applies a delta committed by another instance to the view. Deltas
// that are not newer than the view are ignored.
func (m *Manager) Observe(d domain.ChangeDelta) {
	if m.opts.CacheTTL <= 0 {
		return
	}
	m.viewMu.Lock()
	defer m.viewMu.Unlock()
	if cur, ok := m.view[d.EntityID]; ok && cur.entity.Version >= d.Version {
		return
	}
	m.view[d.EntityID] = viewEntry{
		entity: domain.Entity{
			ID:        d.EntityID,
			Class:     d.Class,
			Version:   d.Version,
			Payload:   d.Payload,
			Deleted:   d.Kind == domain.KindDelete,
			UpdatedAt: d.Time,
		}.Clone(),
		at: m.now(),
	}
}

// Relay applies a delta committed by another instance and hands it to
// Options.Local. It holds the entity lock meanwhile, so it cannot overtake a
// local commit of the same entity that is still publishing. Versions already
// handed over are dropped.
func (m *Manager) Relay(ctx context.Context, d domain.ChangeDelta) {
	m.Observe(d)
	if m.opts.Local == nil {
		return
	}
	release, err := m.locks.acquire(ctx, d.EntityID)
	if err != nil {
		return
	}
	defer release()
	if m.advance(d.EntityID, d.Version) {
		m.opts.Local.Publish(d)
	}
}

func (m *Manager) fromView(id string) (domain.Entity, bool) {
	if m.opts.CacheTTL <= 0 {
		return domain.Entity{}, false
	}
	m.viewMu.RLock()
	e, ok := m.view[id]
	m.viewMu.RUnlock()
	if !ok || m.now().Sub(e.at) > m.opts.CacheTTL {
		return domain.Entity{}, false
	}
	return e.entity.Clone(), true
}

func (m *Manager) remember(e domain.Entity) {
	if m.opts.CacheTTL <= 0 {
		return
	}
	m.viewMu.Lock()
	defer m.viewMu.Unlock()
	if cur, ok := m.view[e.ID]; ok && cur.entity.Version > e.Version {
		return
	}
	m.view[e.ID] = viewEntry{entity: e.Clone(), at: m.now()}
}

// Run sweeps the view every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if m.opts.CacheTTL <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep drops view entries older than the cache TTL.
func (m *Manager) Sweep() {
	if m.opts.CacheTTL <= 0 {
		return
	}
	now := m.now()
	m.viewMu.Lock()
	defer m.viewMu.Unlock()
	for id, e := range m.view {
		if now.Sub(e.at) > m.opts.CacheTTL {
			delete(m.view, id)
		}
	}
}
