package relay

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"lending-api/domain"
)

var relayedDeltas = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lending_deltas_relayed_total",
	Help: "Deltas exchanged with other instances, by direction and outcome",
}, []string{"direction", "outcome"})

// Publisher receives deltas relayed from other instances.
type Publisher interface {
	Publish(d domain.ChangeDelta)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(d domain.ChangeDelta)

func (f PublisherFunc) Publish(d domain.ChangeDelta) { f(d) }

type envelope struct {
	Origin string             `json:"origin"`
	Delta  domain.ChangeDelta `json:"delta"`
}

// Redis shares committed deltas between instances over a Redis pub/sub
// channel. Local deltas are published in commit order by a single worker;
// deltas published by this instance are ignored on the way back.
type Redis struct {
	rc      *redis.Client
	channel string
	origin  string
	logger  *log.Logger
	out     chan domain.ChangeDelta
}

func NewRedis(rc *redis.Client, channel string, buffer int, logger *log.Logger) *Redis {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if buffer < 1 {
		buffer = 1024
	}
	return &Redis{
		rc:      rc,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
		out:     make(chan domain.ChangeDelta, buffer),
	}
}

// Origin identifies this instance on the channel.
func (r *Redis) Origin() string { return r.origin }

// Publish queues a local delta for the other instances without blocking.
func (r *Redis) Publish(d domain.ChangeDelta) {
	select {
	case r.out <- d:
	default:
		relayedDeltas.WithLabelValues("out", "dropped").Inc()
		r.logger.WithFields(log.Fields{
			"entity":  d.EntityID,
			"version": d.Version,
		}).Error("relay buffer full, dropping delta")
	}
}

// Run publishes queued deltas until ctx is done.
func (r *Redis) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-r.out:
			data, err := sonic.ConfigStd.Marshal(envelope{Origin: r.origin, Delta: d})
			if err != nil {
				r.logger.WithError(err).Error("marshal relayed delta")
				continue
			}
			if err := r.rc.Publish(ctx, r.channel, data).Err(); err != nil {
				relayedDeltas.WithLabelValues("out", "failed").Inc()
				r.logger.WithFields(log.Fields{
					"entity":  d.EntityID,
					"version": d.Version,
					"error":   err.Error(),
				}).Warn("relay publish failed")
				continue
			}
			relayedDeltas.WithLabelValues("out", "sent").Inc()
		}
	}
}

// Subscribe hands deltas from other instances to pub until ctx is done,
// resubscribing whenever the channel is lost.
func (r *Redis) Subscribe(ctx context.Context, pub Publisher) {
	b := newBackoff(500*time.Millisecond, 30*time.Second)
	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			r.logger.WithError(err).Error("relay subscribe failed, retrying")
			if b.wait(ctx) != nil {
				return
			}
			continue
		}
		b.reset()
		r.consume(ctx, sub.Channel(), pub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("relay channel closed, reconnecting")
		if b.wait(ctx) != nil {
			return
		}
	}
}

func (r *Redis) consume(ctx context.Context, ch <-chan *redis.Message, pub Publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := sonic.ConfigStd.Unmarshal([]byte(msg.Payload), &env); err != nil {
				relayedDeltas.WithLabelValues("in", "malformed").Inc()
				r.logger.WithError(err).Error("unable to parse relayed delta")
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			relayedDeltas.WithLabelValues("in", "received").Inc()
			pub.Publish(env.Delta)
		}
	}
}
