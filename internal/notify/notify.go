// Package notify hands booking notifications to the external dispatcher.
package notify

import (
	"context"
	"fmt"

	"github.com/tripledger/booking/internal/domain"
	"go.uber.org/zap"
)

// OutboxQueue is the list the dispatcher consumes.
const OutboxQueue = "notifications:outbox"

// Queue is a FIFO of JSON values, implemented by repository.RedisCache.
type Queue interface {
	Push(ctx context.Context, queue string, value any) error
	Pop(ctx context.Context, queue string, dest any) (bool, error)
}

// RedisQueue publishes notifications onto the outbox list.
type RedisQueue struct {
	queue Queue
	log   *zap.Logger
}

// NewRedisQueue creates a new RedisQueue.
func NewRedisQueue(queue Queue, log *zap.Logger) *RedisQueue {
	return &RedisQueue{queue: queue, log: log}
}

// Notify enqueues n for delivery.
func (q *RedisQueue) Notify(ctx context.Context, n domain.Notification) error {
	if err := q.queue.Push(ctx, OutboxQueue, n); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	q.log.Debug("notification queued",
		zap.String("event", string(n.Event)),
		zap.String("booking_id", n.BookingID),
		zap.String("recipient", n.Recipient),
	)
	return nil
}

// Next removes the oldest queued notification. It returns nil when the
// outbox is empty.
func (q *RedisQueue) Next(ctx context.Context) (*domain.Notification, error) {
	var n domain.Notification
	ok, err := q.queue.Pop(ctx, OutboxQueue, &n)
	if err != nil {
		return nil, fmt.Errorf("failed to read notification: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &n, nil
}

// LogNotifier writes notifications to the log. It is used when no queue is
// configured.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier creates a new LogNotifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify logs n.
func (l *LogNotifier) Notify(ctx context.Context, n domain.Notification) error {
	l.log.Info("notification",
		zap.String("event", string(n.Event)),
		zap.String("booking_id", n.BookingID),
		zap.String("installment_id", n.InstallmentID),
		zap.Int64("amount", n.Amount),
		zap.String("recipient", n.Recipient),
		zap.String("reason", n.Reason),
	)
	return nil
}
