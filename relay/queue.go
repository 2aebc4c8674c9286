package relay

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"lending-api/domain"
)

var exportedDeltas = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lending_deltas_exported_total",
	Help: "Deltas handed to the export queue, by outcome",
}, []string{"outcome"})

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Queue exports committed deltas to an Azure Storage queue for downstream
// consumers. Messages are sent in commit order by a single worker.
type Queue struct {
	client      queueClient
	logger      *log.Logger
	in          chan domain.ChangeDelta
	maxAttempts int
	initial     time.Duration
	maxDelay    time.Duration
}

// NewQueue connects to the named queue. The queue must exist; see
// storage.Provision.
func NewQueue(connStr, queueName string, buffer int, logger *log.Logger) (*Queue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	qc, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return newQueue(qc, buffer, logger), nil
}

func newQueue(client queueClient, buffer int, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if buffer < 1 {
		buffer = 1024
	}
	return &Queue{
		client:      client,
		logger:      logger,
		in:          make(chan domain.ChangeDelta, buffer),
		maxAttempts: 5,
		initial:     200 * time.Millisecond,
		maxDelay:    10 * time.Second,
	}
}

// Publish hands d to the export worker. It never blocks: when the buffer is
// full the delta is dropped and logged.
func (q *Queue) Publish(d domain.ChangeDelta) {
	select {
	case q.in <- d:
	default:
		exportedDeltas.WithLabelValues("dropped").Inc()
		q.logger.WithFields(log.Fields{
			"entity":  d.EntityID,
			"version": d.Version,
		}).Error("delta export buffer full, dropping delta")
	}
}

// Run sends queued deltas until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-q.in:
			q.export(ctx, d)
		}
	}
}

func (q *Queue) export(ctx context.Context, d domain.ChangeDelta) {
	data, err := sonic.ConfigStd.Marshal(d)
	if err != nil {
		q.logger.WithError(err).Error("marshal delta for export")
		return
	}
	b := newBackoff(q.initial, q.maxDelay)
	for attempt := 1; ; attempt++ {
		_, err = q.client.EnqueueMessage(ctx, string(data), nil)
		if err == nil {
			exportedDeltas.WithLabelValues("sent").Inc()
			return
		}
		entry := q.logger.WithFields(log.Fields{
			"entity":  d.EntityID,
			"version": d.Version,
			"attempt": attempt,
			"error":   err.Error(),
		})
		if attempt >= q.maxAttempts {
			exportedDeltas.WithLabelValues("failed").Inc()
			entry.Error("delta export failed, giving up")
			return
		}
		entry.Warn("delta export failed, retrying")
		if b.wait(ctx) != nil {
			return
		}
	}
}
