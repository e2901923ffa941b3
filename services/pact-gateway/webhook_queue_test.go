package main

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestWebhookQueueEnqueueDequeue(t *testing.T) {
	queue := NewWebhookQueue()
	queue.Enqueue(WebhookEvent{Type: "agreement.signed", AggregateID: "agr_1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := queue.Dequeue(ctx)
	if !ok {
		t.Fatalf("expected a task")
	}
	if task.Event.Type != "agreement.signed" || task.Event.AggregateID != "agr_1" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Subscription != nil {
		t.Fatalf("fresh event must not carry a subscription")
	}
}

func TestWebhookQueueDequeueRespectsCancellation(t *testing.T) {
	queue := NewWebhookQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("cancelled dequeue must return false")
	}
}

func TestWebhookQueueOverflowDropsOldest(t *testing.T) {
	queue := NewWebhookQueue(WithWebhookTaskCapacity(2))
	queue.Enqueue(WebhookEvent{Type: "first", AggregateID: "agr_1"})
	queue.Enqueue(WebhookEvent{Type: "second", AggregateID: "agr_1"})
	queue.Enqueue(WebhookEvent{Type: "third", AggregateID: "agr_1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := queue.Dequeue(ctx)
	if !ok || task.Event.Type != "second" {
		t.Fatalf("overflow must drop the oldest task, got %+v", task)
	}
	task, ok = queue.Dequeue(ctx)
	if !ok || task.Event.Type != "third" {
		t.Fatalf("expected third event, got %+v", task)
	}
}

func TestWebhookQueueTTLExpiry(t *testing.T) {
	clock := newFakeClock()
	queue := NewWebhookQueue(WithWebhookTTL(time.Minute), withWebhookClock(clock.Now))

	queue.Enqueue(WebhookEvent{Type: "stale", AggregateID: "agr_1"})
	clock.Advance(2 * time.Minute)
	queue.Enqueue(WebhookEvent{Type: "fresh", AggregateID: "agr_2"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := queue.Dequeue(ctx)
	if !ok || task.Event.Type != "fresh" {
		t.Fatalf("stale task must expire before delivery, got %+v", task)
	}
}

func TestWebhookQueueHistory(t *testing.T) {
	queue := NewWebhookQueue(WithWebhookHistoryCapacity(2))
	queue.Enqueue(WebhookEvent{Type: "a", AggregateID: "agr_1"})
	queue.Enqueue(WebhookEvent{Type: "b", AggregateID: "agr_2"})
	queue.Enqueue(WebhookEvent{Type: "c", AggregateID: "agr_3"})

	events := queue.Events()
	if len(events) != 2 || events[0].Type != "b" || events[1].Type != "c" {
		t.Fatalf("history must keep the newest events: %+v", events)
	}

	// Retried deliveries carry a subscription and must not re-enter history.
	queue.enqueueTask(WebhookTask{
		Event:        WebhookEvent{Type: "retry", AggregateID: "agr_1"},
		Subscription: &WebhookSubscription{ID: 1},
		Attempt:      2,
	})
	events = queue.Events()
	for _, evt := range events {
		if evt.Type == "retry" {
			t.Fatalf("retry task leaked into history: %+v", events)
		}
	}
}

func TestWebhookQueueNotBeforeDelaysDelivery(t *testing.T) {
	queue := NewWebhookQueue()
	queue.enqueueTask(WebhookTask{
		Event:        WebhookEvent{Type: "delayed", AggregateID: "agr_1"},
		Subscription: &WebhookSubscription{ID: 1},
		Attempt:      1,
		NotBefore:    time.Now().Add(50 * time.Millisecond),
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	task, ok := queue.Dequeue(ctx)
	if !ok {
		t.Fatalf("expected delayed task")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("task delivered %s early", 50*time.Millisecond-elapsed)
	}
	if task.Event.Type != "delayed" || task.Attempt != 1 {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestBackoffDuration(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 5, want: 16 * time.Second},
		{attempt: 12, want: 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := backoffDuration(tc.attempt); got != tc.want {
			t.Fatalf("backoffDuration(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}
