package notify

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pingcap-incubator/tinydoc/docdb/config"
	"github.com/pingcap-incubator/tinydoc/docdb/metrics"
	"github.com/pingcap/log"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

type publishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes changes as JSON on a redis channel. Raise only queues the change;
// a background goroutine publishes it so the committing goroutine never waits on the network.
type RedisPublisher struct {
	client     publishClient
	channel    string
	maxRetries uint64
	backoff    time.Duration
	metrics    *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan Change
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRedisPublisher(conf *config.Notifications, m *metrics.Metrics) *RedisPublisher {
	client := redis.NewClient(&redis.Options{Addr: conf.RedisAddr})
	return newRedisPublisher(client, conf, m)
}

func newRedisPublisher(client publishClient, conf *config.Notifications, m *metrics.Metrics) *RedisPublisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &RedisPublisher{
		client:     client,
		channel:    conf.RedisChannel,
		maxRetries: conf.MaxRetries,
		backoff:    50 * time.Millisecond,
		metrics:    m,
		queue:      make(chan Change, conf.QueueSize),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	go p.run()
	return p
}

func (p *RedisPublisher) Raise(c Change) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- c:
	default:
		p.metrics.NotificationsDrops.Inc()
		log.Warn("notification queue full, dropping change", zap.String("key", c.Key), zap.Uint64("etag", c.Etag))
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for c := range p.queue {
		payload, err := jsoniter.Marshal(c)
		if err != nil {
			log.Error("encode change failed", zap.String("key", c.Key), zap.Error(err))
			continue
		}
		b := retry.WithMaxRetries(p.maxRetries, retry.NewFibonacci(p.backoff))
		err = retry.Do(p.ctx, b, func(ctx context.Context) error {
			if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			p.metrics.NotificationsDrops.Inc()
			log.Warn("publish change failed, gave up", zap.String("key", c.Key), zap.Uint64("etag", c.Etag), zap.Error(err))
			continue
		}
		p.metrics.NotificationsSent.WithLabelValues(c.Type.String()).Inc()
	}
}

// Close publishes what is already queued and closes the client. ctx bounds the wait.
func (p *RedisPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		p.cancel()
		<-p.done
	}
	p.cancel()
	return p.client.Close()
}
