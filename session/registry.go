package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"lending-api/domain"
)

// ErrUnknownSession is returned for operations on a session id that is not
// registered.
var ErrUnknownSession = errors.New("unknown session")

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lending_sessions_active",
		Help: "Number of registered push sessions",
	})
	sessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_sessions_closed_total",
		Help: "Push sessions closed, by reason",
	}, []string{"reason"})
)

// Config bounds sessions.
type Config struct {
	QueueCapacity int
	IdleTimeout   time.Duration
}

// Registry tracks live sessions. All methods are safe for concurrent use.
type Registry struct {
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(cfg Config, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Register creates an active session for conn. An empty id gets a generated
// one; registering an id twice fails.
func (r *Registry) Register(id, user string, conn Conn) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	s := newSession(id, user, conn, r.cfg.QueueCapacity, r.now())
	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, domain.Invalid("sessionId", "already registered")
	}
	r.sessions[id] = s
	r.mu.Unlock()
	s.activate()
	sessionsActive.Inc()
	r.logger.WithFields(log.Fields{"session": id, "user": user}).Debug("session registered")
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Subscribe(id string, sel domain.Selector) error {
	if err := sel.Validate(); err != nil {
		return err
	}
	s, ok := r.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	s.subscribe(sel)
	return nil
}

// Unsubscribe reports whether sel was subscribed.
func (r *Registry) Unsubscribe(id string, sel domain.Selector) (bool, error) {
	s, ok := r.Get(id)
	if !ok {
		return false, ErrUnknownSession
	}
	return s.unsubscribe(sel), nil
}

// Touch records activity for the session.
func (r *Registry) Touch(id string) {
	if s, ok := r.Get(id); ok {
		s.Touch(r.now())
	}
}

// Unregister removes and closes the session. It is idempotent: only the
// first call for an id closes it and returns true. Sessions dropped for
// overflow or a version gap get a best-effort resync notice first.
func (r *Registry) Unregister(id string, reason CloseReason) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok || !s.close(reason) {
		return false
	}
	sessionsActive.Dec()
	sessionsClosed.WithLabelValues(string(reason)).Inc()
	r.logger.WithFields(log.Fields{
		"session": id,
		"user":    s.user,
		"reason":  reason,
		"age_ms":  r.now().Sub(s.created).Milliseconds(),
	}).Info("session closed")

	// Unregister may run on a writer's path, so the socket is handled in the
	// background.
	go func() {
		if reason.needsResync() {
			_ = s.Send(Message{Op: OpResync, Reason: string(reason), SessionID: id})
		}
		_ = s.conn.Close()
	}()
	return true
}

// Snapshot returns the registered sessions at the time of the call.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep closes sessions idle for longer than the idle timeout and queues a
// ping for the others. It returns the number of sessions closed.
func (r *Registry) Sweep() int {
	now := r.now()
	closed := 0
	for _, s := range r.Snapshot() {
		if now.Sub(s.LastSeen()) > r.cfg.IdleTimeout {
			if r.Unregister(s.id, ReasonIdleTimeout) {
				closed++
			}
			continue
		}
		s.enqueueControl(Message{Op: OpPing})
	}
	return closed
}

// Run sweeps every interval until ctx is done, then closes every session.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Shutdown()
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Shutdown closes every session.
func (r *Registry) Shutdown() {
	for _, s := range r.Snapshot() {
		r.Unregister(s.id, ReasonShutdown)
	}
}
