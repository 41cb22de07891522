// Package queue carries the gateway's work streams over Redis Streams
// with consumer groups: ceremony tasks fan out to the orchestration
// worker pool, and messages a crashed worker never acknowledged are
// reclaimed so no ceremony is lost between restarts.
package queue

import (
	"context"
	"strings"
	"time"

	"github.com/arkrelay/gateway/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options tunes a StreamQueue. The defaults suit the ceremony streams:
// bounded length so a relay event storm cannot grow Redis unboundedly,
// and a reclaim window comfortably above the longest daemon call.
type Options struct {
	MaxLen       int64
	ReadCount    int64
	BlockTimeout time.Duration
	ReclaimAfter time.Duration
	ReclaimEvery int
}

func defaultOptions() Options {
	return Options{
		MaxLen:       10000,
		ReadCount:    10,
		BlockTimeout: 5 * time.Second,
		ReclaimAfter: 5 * time.Minute,
		ReclaimEvery: 10,
	}
}

// StreamQueue is a consumer-group message queue over Redis Streams.
type StreamQueue struct {
	client *redis.Client
	opts   Options
}

// NewStreamQueue builds a StreamQueue with default options.
func NewStreamQueue(client *redis.Client) *StreamQueue {
	return NewStreamQueueWithOptions(client, defaultOptions())
}

// NewStreamQueueWithOptions builds a StreamQueue with explicit tuning.
func NewStreamQueueWithOptions(client *redis.Client, opts Options) *StreamQueue {
	if opts.MaxLen <= 0 {
		opts.MaxLen = defaultOptions().MaxLen
	}
	if opts.ReadCount <= 0 {
		opts.ReadCount = defaultOptions().ReadCount
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = defaultOptions().BlockTimeout
	}
	if opts.ReclaimAfter <= 0 {
		opts.ReclaimAfter = defaultOptions().ReclaimAfter
	}
	if opts.ReclaimEvery <= 0 {
		opts.ReclaimEvery = defaultOptions().ReclaimEvery
	}
	return &StreamQueue{client: client, opts: opts}
}

// DeclareStream ensures a consumer group exists for the given stream,
// tolerating the BUSYGROUP reply when it already does.
func (q *StreamQueue) DeclareStream(ctx context.Context, stream string, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		logger.Error("failed to create consumer group", zap.String("stream", stream), zap.String("group", group), zap.Error(err))
		return err
	}
	logger.Info("consumer group created", zap.String("stream", stream), zap.String("group", group))
	return nil
}

// Publish appends a message to the stream, trimming approximately to the
// configured MaxLen. Returns the generated message id.
func (q *StreamQueue) Publish(ctx context.Context, stream string, data []byte) (string, error) {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.opts.MaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{"data": data},
	}).Result()
	if err != nil {
		logger.Error("failed to publish to stream", zap.String("stream", stream), zap.Error(err))
		return "", err
	}
	logger.Debug("published to stream", zap.String("stream", stream), zap.String("message_id", id))
	return id, nil
}

// Consume reads the stream as consumer within group until ctx is
// cancelled, calling handler per message and acknowledging on a nil
// return. Every ReclaimEvery iterations it also claims messages another
// consumer took but never acknowledged (a crashed worker), so parked
// work always finds a new owner.
func (q *StreamQueue) Consume(ctx context.Context, stream string, group string, consumer string, handler func(messageID string, data []byte) error) error {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    q.opts.ReadCount,
		Block:    q.opts.BlockTimeout,
	}

	for iteration := 0; ; iteration++ {
		select {
		case <-ctx.Done():
			logger.Info("consumer stopping", zap.String("stream", stream), zap.String("consumer", consumer))
			return nil
		default:
		}

		if iteration%q.opts.ReclaimEvery == q.opts.ReclaimEvery-1 {
			q.reclaimPending(ctx, stream, group, consumer, handler)
		}

		res, err := q.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			logger.Error("stream read failed, backing off", zap.String("stream", stream), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, xstream := range res {
			for _, msg := range xstream.Messages {
				q.handleMessage(ctx, stream, group, msg, handler)
			}
		}
	}
}

// reclaimPending takes over messages delivered to a consumer that never
// acknowledged them within the reclaim window.
func (q *StreamQueue) reclaimPending(ctx context.Context, stream string, group string, consumer string, handler func(messageID string, data []byte) error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		MinIdle:  q.opts.ReclaimAfter,
		Start:    "0-0",
		Consumer: consumer,
		Count:    100,
	}).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Error("failed to reclaim idle messages", zap.String("stream", stream), zap.Error(err))
		}
		return
	}
	if len(claimed) > 0 {
		logger.Warn("reclaimed unacknowledged messages",
			zap.String("stream", stream),
			zap.String("consumer", consumer),
			zap.Int("count", len(claimed)),
		)
	}
	for _, msg := range claimed {
		q.handleMessage(ctx, stream, group, msg, handler)
	}
}

func (q *StreamQueue) handleMessage(ctx context.Context, stream string, group string, msg redis.XMessage, handler func(messageID string, data []byte) error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		// Malformed entries are acknowledged so they don't circulate
		// through reclaim forever.
		logger.Error("message missing data field, discarding", zap.String("message_id", msg.ID))
		q.client.XAck(ctx, stream, group, msg.ID)
		return
	}

	if err := handler(msg.ID, []byte(data)); err != nil {
		logger.Error("handler failed, leaving message for reclaim",
			zap.String("message_id", msg.ID), zap.String("stream", stream), zap.Error(err))
		return
	}
	q.client.XAck(ctx, stream, group, msg.ID)
}
