package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tripledger/booking/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// sliceQueue mimics LPUSH/RPOP on an in-memory list.
type sliceQueue struct {
	lists map[string][][]byte
}

func (q *sliceQueue) Push(ctx context.Context, queue string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if q.lists == nil {
		q.lists = make(map[string][][]byte)
	}
	q.lists[queue] = append([][]byte{data}, q.lists[queue]...)
	return nil
}

func (q *sliceQueue) Pop(ctx context.Context, queue string, dest any) (bool, error) {
	list := q.lists[queue]
	if len(list) == 0 {
		return false, nil
	}
	last := list[len(list)-1]
	q.lists[queue] = list[:len(list)-1]
	return true, json.Unmarshal(last, dest)
}

func TestRedisQueueIsFIFO(t *testing.T) {
	q := NewRedisQueue(&sliceQueue{}, zap.NewNop())
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	first := domain.Notification{Event: domain.NotifyPaymentFailed, BookingID: "b1", Amount: 100, Recipient: "a@example.com", Reason: "declined", OccurredAt: at}
	second := domain.Notification{Event: domain.NotifyPaymentSucceeded, BookingID: "b2", Amount: 200, Recipient: "b@example.com", OccurredAt: at}
	for _, n := range []domain.Notification{first, second} {
		if err := q.Notify(ctx, n); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}

	got, err := q.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if got == nil || got.BookingID != "b1" || got.Reason != "declined" || !got.OccurredAt.Equal(at) {
		t.Errorf("first = %+v", got)
	}
	if got, _ := q.Next(ctx); got == nil || got.BookingID != "b2" {
		t.Errorf("second = %+v", got)
	}
	if got, err := q.Next(ctx); got != nil || err != nil {
		t.Errorf("empty outbox = %+v, %v", got, err)
	}
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	if err := n.Notify(context.Background(), domain.Notification{Event: domain.NotifyBookingConfirmed, BookingID: "b1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	entries := logs.FilterMessage("notification").All()
	if len(entries) != 1 || entries[0].ContextMap()["booking_id"] != "b1" {
		t.Errorf("entries = %+v", entries)
	}
}
