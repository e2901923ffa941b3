package main

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"pactledger/native/agreement"
	"pactledger/native/proof"
)

// Confirmation operations keyed per aggregate. One row per (aggregate, op)
// keeps retries idempotent: re-queueing an already confirmed operation is a
// no-op.
const (
	opAnchorSigned    = "anchorSigned"
	opConfirmFunding  = "confirmFunding"
	maxConfirmRetries = 6
)

type confirmTask struct {
	aggregateID string
	operation   string
	reference   string
	attempt     int
}

// ConfirmationWatcher drives the asynchronous conversation with the external
// ledger: anchoring the combined digest after the final signature and
// confirming funding references. External failures stay inside the watcher;
// the worst outcome is an anchor permanently labeled unconfirmed.
type ConfirmationWatcher struct {
	proofs   *proof.Builder
	store    *SQLiteStore
	state    agreement.State
	engine   *agreement.Engine
	external ExternalLedger
	logger   *slog.Logger
	nowFn    func() time.Time

	deadline time.Duration
	interval time.Duration

	mu       sync.Mutex
	inflight map[string]bool
	tasks    chan confirmTask
}

func NewConfirmationWatcher(proofs *proof.Builder, store *SQLiteStore, state agreement.State, engine *agreement.Engine, external ExternalLedger, logger *slog.Logger, signatureDeadline, pollInterval time.Duration) *ConfirmationWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if signatureDeadline <= 0 {
		signatureDeadline = 30 * 24 * time.Hour
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &ConfirmationWatcher{
		proofs:   proofs,
		store:    store,
		state:    state,
		engine:   engine,
		external: external,
		logger:   logger,
		nowFn:    time.Now,
		deadline: signatureDeadline,
		interval: pollInterval,
		inflight: make(map[string]bool),
		tasks:    make(chan confirmTask, 256),
	}
}

// QueueAnchor schedules anchoring of an aggregate's combined digest. Called
// after the all-signed transition; duplicate calls collapse.
func (w *ConfirmationWatcher) QueueAnchor(aggregateID string) {
	w.queue(confirmTask{aggregateID: aggregateID, operation: opAnchorSigned})
}

// QueueFunding schedules confirmation of a funding reference.
func (w *ConfirmationWatcher) QueueFunding(aggregateID, reference string) {
	w.queue(confirmTask{aggregateID: aggregateID, operation: opConfirmFunding, reference: reference})
}

func (w *ConfirmationWatcher) queue(task confirmTask) {
	if w.external == nil || strings.TrimSpace(task.aggregateID) == "" {
		return
	}
	key := task.aggregateID + "|" + task.operation
	w.mu.Lock()
	if w.inflight[key] {
		w.mu.Unlock()
		return
	}
	w.inflight[key] = true
	w.mu.Unlock()

	ctx := context.Background()
	if status, _, ok, err := w.store.ConfirmationStatusFor(ctx, task.aggregateID, task.operation); err == nil && ok && status == proof.ConfirmationConfirmed {
		w.release(key)
		return
	}
	_ = w.store.SetConfirmation(ctx, task.aggregateID, task.operation, task.reference, proof.ConfirmationPending, time.Time{}, w.nowFn().UTC())
	select {
	case w.tasks <- task:
	default:
		// Queue full: mark unconfirmed so the proof path reports honestly.
		w.finish(ctx, task, proof.ConfirmationUnconfirmed)
	}
}

func (w *ConfirmationWatcher) release(key string) {
	w.mu.Lock()
	delete(w.inflight, key)
	w.mu.Unlock()
}

// Run processes confirmation tasks and sweeps pending agreements past their
// signature deadline, until the context is cancelled.
func (w *ConfirmationWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.tasks:
			w.process(ctx, task)
		case <-ticker.C:
			w.sweepExpired(ctx)
		}
	}
}

func (w *ConfirmationWatcher) process(ctx context.Context, task confirmTask) {
	if task.operation == opAnchorSigned && task.reference == "" {
		digest, err := w.combinedDigest(ctx, task.aggregateID)
		if err != nil {
			w.logger.Warn("compute anchor digest", "agreement", task.aggregateID, "error", err)
			w.finish(ctx, task, proof.ConfirmationUnconfirmed)
			return
		}
		reference, err := w.external.AnchorDigest(ctx, task.aggregateID, digest)
		if err != nil {
			w.retry(ctx, task, err)
			return
		}
		task.reference = reference
		_ = w.store.SetConfirmation(ctx, task.aggregateID, task.operation, reference, proof.ConfirmationPending, time.Time{}, w.nowFn().UTC())
	}

	confirmed, err := w.external.ConfirmReference(ctx, task.reference)
	if err != nil {
		w.retry(ctx, task, err)
		return
	}
	if confirmed {
		w.finish(ctx, task, proof.ConfirmationConfirmed)
		return
	}
	// The external ledger has not caught up yet; poll again.
	w.retry(ctx, task, nil)
}

func (w *ConfirmationWatcher) retry(ctx context.Context, task confirmTask, cause error) {
	var unavailable *agreement.ExternalUnavailableError
	if cause != nil && !errors.As(cause, &unavailable) {
		w.logger.Warn("confirmation failed", "agreement", task.aggregateID, "operation", task.operation, "error", cause)
		w.finish(ctx, task, proof.ConfirmationUnconfirmed)
		return
	}
	if task.attempt >= maxConfirmRetries {
		if cause != nil {
			w.logger.Warn("external ledger unavailable, giving up",
				"agreement", task.aggregateID, "operation", task.operation, "attempts", task.attempt, "error", cause)
		}
		w.finish(ctx, task, proof.ConfirmationUnconfirmed)
		return
	}
	task.attempt++
	time.AfterFunc(backoffDuration(task.attempt), func() {
		select {
		case w.tasks <- task:
		default:
			w.finish(context.Background(), task, proof.ConfirmationUnconfirmed)
		}
	})
}

func (w *ConfirmationWatcher) finish(ctx context.Context, task confirmTask, status proof.ConfirmationStatus) {
	now := w.nowFn().UTC()
	confirmedAt := time.Time{}
	if status == proof.ConfirmationConfirmed {
		confirmedAt = now
	}
	if err := w.store.SetConfirmation(ctx, task.aggregateID, task.operation, task.reference, status, confirmedAt, now); err != nil {
		w.logger.Warn("record confirmation", "agreement", task.aggregateID, "error", err)
	}
	confirmationsTotal.WithLabelValues(string(status)).Inc()
	w.release(task.aggregateID + "|" + task.operation)
}

func (w *ConfirmationWatcher) combinedDigest(ctx context.Context, aggregateID string) (string, error) {
	p, err := w.proofs.BuildProof(ctx, aggregateID)
	if err != nil {
		return "", err
	}
	return p.CombinedHash, nil
}

// sweepExpired times out pending agreements whose signature window lapsed.
func (w *ConfirmationWatcher) sweepExpired(ctx context.Context) {
	if w.state == nil || w.engine == nil {
		return
	}
	cutoff := w.nowFn().UTC().Add(-w.deadline)
	for _, id := range w.state.AgreementIDs() {
		a, ok := w.state.AgreementGet(id)
		if !ok || a == nil || a.Deleted {
			continue
		}
		if a.Status != agreement.StatusPending || a.CreatedAt.After(cutoff) {
			continue
		}
		if _, err := w.engine.Expire(ctx, id, "system"); err != nil {
			w.logger.Warn("expire agreement", "agreement", id, "error", err)
		}
	}
}
