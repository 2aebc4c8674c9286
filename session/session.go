package session

import (
	"sync"
	"sync/atomic"
	"time"

	"lending-api/domain"
)

// State is the lifecycle position of a session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// CloseReason records why a session reached StateClosed.
type CloseReason string

const (
	ReasonIdleTimeout   CloseReason = "idle-timeout"
	ReasonDisconnect    CloseReason = "disconnect"
	ReasonQueueOverflow CloseReason = "queue-overflow"
	ReasonOutOfSync     CloseReason = "out-of-sync"
	ReasonShutdown      CloseReason = "shutdown"
)

// needsResync reports whether the client must refetch state over REST.
func (r CloseReason) needsResync() bool {
	return r == ReasonQueueOverflow || r == ReasonOutOfSync
}

// Conn is the transport behind a session. Implementations must allow Send and
// Close to be called concurrently.
type Conn interface {
	Send(frame []byte) error
	Close() error
}

// EnqueueResult tells the fanout what happened to a delta.
type EnqueueResult int

const (
	Queued EnqueueResult = iota
	// Skipped means the session does not want the delta or already has it.
	Skipped
	// Overflow means the outbox is full.
	Overflow
	// OutOfSync means the delta does not follow the last one delivered for
	// its entity.
	OutOfSync
	// Closed means the session is not active.
	Closed
)

type tracked struct {
	class   string
	version int64
}

// Session is one live push connection.
type Session struct {
	id      string
	user    string
	conn    Conn
	created time.Time

	outbox   chan Message
	done     chan struct{}
	lastSeen atomic.Int64

	mu        sync.Mutex
	state     State
	reason    CloseReason
	selectors map[string]domain.Selector
	versions  map[string]tracked
}

func newSession(id, user string, conn Conn, capacity int, now time.Time) *Session {
	if capacity < 1 {
		capacity = 1
	}
	s := &Session{
		id:        id,
		user:      user,
		conn:      conn,
		created:   now,
		outbox:    make(chan Message, capacity),
		done:      make(chan struct{}),
		state:     StateConnecting,
		selectors: make(map[string]domain.Selector),
		versions:  make(map[string]tracked),
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string   { return s.id }
func (s *Session) User() string { return s.user }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason is empty until the session is closed.
func (s *Session) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Outbox yields the frames waiting for delivery, in enqueue order.
func (s *Session) Outbox() <-chan Message { return s.outbox }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send writes a frame directly, bypassing the outbox. It is used for
// handshake and control replies.
func (s *Session) Send(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return s.conn.Send(data)
}

func (s *Session) activate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.state = StateActive
	return true
}

func (s *Session) subscribe(sel domain.Selector) {
	s.mu.Lock()
	s.selectors[sel.Key()] = sel
	s.mu.Unlock()
}

// unsubscribe removes sel and forgets the versions of entities no other
// selector still covers, so a later subscription starts fresh.
func (s *Session) unsubscribe(sel domain.Selector) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.selectors[sel.Key()]; !ok {
		return false
	}
	delete(s.selectors, sel.Key())
	for id, t := range s.versions {
		if !s.matchesLocked(id, t.class) {
			delete(s.versions, id)
		}
	}
	return true
}

// Selectors returns a copy of the current subscriptions.
func (s *Session) Selectors() []domain.Selector {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Selector, 0, len(s.selectors))
	for _, sel := range s.selectors {
		out = append(out, sel)
	}
	return out
}

// Matches reports whether any subscription selects the entity.
func (s *Session) Matches(id, class string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchesLocked(id, class)
}

func (s *Session) matchesLocked(id, class string) bool {
	for _, sel := range s.selectors {
		if sel.Matches(id, class) {
			return true
		}
	}
	return false
}

// Enqueue queues d without blocking. Versions per entity must follow each
// other without gaps; the first delta seen for an entity sets the baseline.
func (s *Session) Enqueue(d domain.ChangeDelta) EnqueueResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return Closed
	}
	if !s.matchesLocked(d.EntityID, d.Class) {
		return Skipped
	}
	if last, ok := s.versions[d.EntityID]; ok {
		if d.Version <= last.version {
			return Skipped
		}
		if d.Version != last.version+1 {
			return OutOfSync
		}
	}
	select {
	case s.outbox <- DeltaMessage(d):
		s.versions[d.EntityID] = tracked{class: d.Class, version: d.Version}
		return Queued
	default:
		return Overflow
	}
}

// enqueueControl queues a control frame if there is room.
func (s *Session) enqueueControl(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return false
	}
	select {
	case s.outbox <- m:
		return true
	default:
		return false
	}
}

// Touch records client activity.
func (s *Session) Touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// close moves the session to StateClosed. Only the first call has an effect.
func (s *Session) close(reason CloseReason) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	s.reason = reason
	close(s.done)
	s.mu.Unlock()
	return true
}
