package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxWebhookAttempts = 5

// WebhookWorker delivers queued events to external subscribers. Delivery is
// best effort: failures retry with exponential backoff and every attempt is
// persisted, but a webhook can never block or roll back a ledger transition.
type WebhookWorker struct {
	store  *SQLiteStore
	queue  *WebhookQueue
	client *http.Client
	logger *slog.Logger
	nowFn  func() time.Time

	rateMu   sync.Mutex
	limiters map[int64]*rate.Limiter
}

func NewWebhookWorker(store *SQLiteStore, queue *WebhookQueue, logger *slog.Logger) *WebhookWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookWorker{
		store:    store,
		queue:    queue,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		nowFn:    time.Now,
		limiters: make(map[int64]*rate.Limiter),
	}
}

// Run processes webhook tasks until the context is cancelled.
func (w *WebhookWorker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.expandTask(ctx, task)
			continue
		}
		w.handleDelivery(ctx, task)
	}
}

func (w *WebhookWorker) expandTask(ctx context.Context, task WebhookTask) {
	subs, err := w.store.ListWebhooksForEvent(ctx, task.Event.Type)
	if err != nil {
		w.logger.Warn("list webhook subscriptions", "event", task.Event.Type, "error", err)
		return
	}
	for i := range subs {
		sub := subs[i]
		if !sub.Active {
			continue
		}
		w.queue.enqueueTask(WebhookTask{
			Event:        task.Event,
			Subscription: &sub,
			Attempt:      0,
		})
	}
}

func (w *WebhookWorker) handleDelivery(ctx context.Context, task WebhookTask) {
	sub := task.Subscription
	if sub == nil || !sub.Active {
		return
	}
	now := w.nowFn()
	limiter := w.limiter(sub.ID, sub.RateLimit)
	if !limiter.Allow() {
		task.NotBefore = now.Add(limiter.Reserve().Delay())
		w.queue.enqueueTask(task)
		return
	}
	body := map[string]interface{}{
		"type":        task.Event.Type,
		"agreementId": task.Event.AggregateID,
		"attributes":  task.Event.Attributes,
		"timestamp":   task.Event.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, time.Time{})
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), now, time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signPayload(sub.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, task, resp.Status)
		return
	}
	webhookDeliveries.WithLabelValues("success").Inc()
	w.recordAttempt(ctx, task, "success", "", now, time.Time{})
}

func (w *WebhookWorker) retryLater(ctx context.Context, task WebhookTask, errMsg string) {
	now := w.nowFn()
	attemptNum := task.Attempt + 1
	w.recordAttempt(ctx, task, "failed", errMsg, now, now.Add(backoffDuration(attemptNum)))
	if attemptNum >= maxWebhookAttempts {
		webhookDeliveries.WithLabelValues("exhausted").Inc()
		w.logger.Warn("webhook delivery abandoned",
			"url", task.Subscription.URL, "event", task.Event.Type, "attempts", attemptNum, "error", errMsg)
		return
	}
	webhookDeliveries.WithLabelValues("retry").Inc()
	task.Attempt++
	task.NotBefore = now.Add(backoffDuration(attemptNum))
	w.queue.enqueueTask(task)
}

func backoffDuration(attempt int) time.Duration {
	base := time.Second
	if attempt <= 0 {
		attempt = 1
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func (w *WebhookWorker) recordAttempt(ctx context.Context, task WebhookTask, status, errMsg string, now time.Time, next time.Time) {
	attempt := WebhookAttempt{
		WebhookID:   task.Subscription.ID,
		EventType:   task.Event.Type,
		AggregateID: task.Event.AggregateID,
		Attempt:     task.Attempt + 1,
		Status:      status,
		Error:       errMsg,
		NextAttempt: next,
		CreatedAt:   now,
	}
	if err := w.store.InsertWebhookAttempt(ctx, attempt); err != nil {
		w.logger.Warn("record webhook attempt", "error", err)
	}
}

// limiter returns the per-subscription limiter, sized from the stored
// per-minute rate limit.
func (w *WebhookWorker) limiter(id int64, perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	w.rateMu.Lock()
	defer w.rateMu.Unlock()
	if limiter, ok := w.limiters[id]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	w.limiters[id] = limiter
	return limiter
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
