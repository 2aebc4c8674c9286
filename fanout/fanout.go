package fanout

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"lending-api/domain"
	"lending-api/session"
)

var (
	deltasPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lending_deltas_published_total",
		Help: "Deltas handed to the fanout",
	})
	deltasQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lending_deltas_queued_total",
		Help: "Deltas queued to session outboxes",
	})
	deltasDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lending_deltas_delivered_total",
		Help: "Deltas written to session connections",
	})
	sessionsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_fanout_sessions_dropped_total",
		Help: "Sessions dropped by the fanout, by reason",
	}, []string{"reason"})
)

// Fanout delivers committed deltas to the sessions subscribed to them. Each
// session has its own bounded outbox, so a slow session never holds up
// Publish or other sessions.
type Fanout struct {
	reg    *session.Registry
	logger *log.Logger
}

func New(reg *session.Registry, logger *log.Logger) *Fanout {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Fanout{reg: reg, logger: logger}
}

// Publish queues d for every matching session. It never blocks and never
// fails: sessions that cannot take the delta are dropped and told to resync.
func (f *Fanout) Publish(d domain.ChangeDelta) {
	deltasPublished.Inc()
	for _, s := range f.reg.Snapshot() {
		switch s.Enqueue(d) {
		case session.Queued:
			deltasQueued.Inc()
		case session.Overflow:
			f.drop(s, session.ReasonQueueOverflow, domain.ErrQueueOverflow, d)
		case session.OutOfSync:
			f.drop(s, session.ReasonOutOfSync, domain.ErrOutOfSync, d)
		}
	}
}

func (f *Fanout) drop(s *session.Session, reason session.CloseReason, cause error, d domain.ChangeDelta) {
	if !f.reg.Unregister(s.ID(), reason) {
		return
	}
	sessionsDropped.WithLabelValues(string(reason)).Inc()
	f.logger.WithFields(log.Fields{
		"session": s.ID(),
		"entity":  d.EntityID,
		"version": d.Version,
		"reason":  reason,
	}).WithError(cause).Warn("session dropped by fanout")
}

// Serve writes the session's outbox to its connection until the session is
// closed or ctx is done. A failed write unregisters the session.
func (f *Fanout) Serve(ctx context.Context, s *session.Session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Done():
			return nil
		case m := <-s.Outbox():
			select {
			case <-s.Done():
				return nil
			default:
			}
			if err := s.Send(m); err != nil {
				f.reg.Unregister(s.ID(), session.ReasonDisconnect)
				return err
			}
			if m.Op == session.OpDelta {
				deltasDelivered.Inc()
			}
		}
	}
}
