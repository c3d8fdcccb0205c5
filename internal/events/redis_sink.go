package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisSinkBuffer         = 256
	redisPublishTimeout     = 2 * time.Second
	defaultRedisChannelName = "moltapp:events"
)

// Publisher is the subset of the Redis client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes events as JSON on a Redis pub/sub channel. Events are
// queued and published by a single background worker; when the queue is full
// the event is dropped and logged.
type RedisSink struct {
	pub     Publisher
	channel string
	logger  *zap.Logger

	queue     chan Event
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRedisSink starts a sink publishing to channel.
func NewRedisSink(pub Publisher, channel string, logger *zap.Logger) *RedisSink {
	if channel == "" {
		channel = defaultRedisChannelName
	}
	s := &RedisSink{
		pub:     pub,
		channel: channel,
		logger:  logger.Named("redis-sink"),
		queue:   make(chan Event, redisSinkBuffer),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(url, password string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func (s *RedisSink) Emit(_ context.Context, evt Event) {
	select {
	case s.queue <- Stamp(evt):
	default:
		s.logger.Warn("Event queue full, dropping event", zap.String("event", string(evt.Type)))
	}
}

// Close stops accepting events and waits for queued ones to be published.
func (s *RedisSink) Close() {
	s.closeOnce.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
}

func (s *RedisSink) run() {
	defer s.wg.Done()
	for evt := range s.queue {
		payload, err := json.Marshal(evt)
		if err != nil {
			s.logger.Error("Failed to marshal event", zap.String("event", string(evt.Type)), zap.Error(err))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
		if err := s.pub.Publish(ctx, s.channel, payload).Err(); err != nil {
			s.logger.Warn("Failed to publish event",
				zap.String("event", string(evt.Type)),
				zap.String("channel", s.channel),
				zap.Error(err),
			)
		}
		cancel()
	}
}
