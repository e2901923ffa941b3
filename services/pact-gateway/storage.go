package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"pactledger/audit"
	"pactledger/native/proof"
)

// SQLiteStore persists everything the gateway keeps durable: idempotency
// keys, per-request audit rows, the hash-chained ledger entries, webhook
// subscriptions and attempts, nonce usage and anchor confirmations.
type SQLiteStore struct {
	db *sql.DB
}

// ErrIdempotencyMismatch is returned when a key is reused with a different payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request body")

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS request_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            request_body BLOB,
            response_status INTEGER,
            response_body BLOB
        );`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
            entry_id TEXT NOT NULL,
            aggregate_id TEXT NOT NULL,
            sequence INTEGER NOT NULL,
            category TEXT NOT NULL,
            action TEXT NOT NULL,
            actor TEXT,
            occurred_at TIMESTAMP NOT NULL,
            details TEXT,
            previous_hash TEXT NOT NULL,
            hash TEXT NOT NULL,
            PRIMARY KEY(aggregate_id, sequence)
        );`,
		`CREATE TABLE IF NOT EXISTS nonces (
            api_key TEXT NOT NULL,
            ts TEXT NOT NULL,
            nonce TEXT NOT NULL,
            observed_at TIMESTAMP NOT NULL,
            PRIMARY KEY(api_key, ts, nonce)
        );`,
		`CREATE TABLE IF NOT EXISTS webhooks (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            api_key TEXT NOT NULL,
            event_type TEXT NOT NULL,
            url TEXT NOT NULL,
            secret TEXT NOT NULL,
            rate_limit INTEGER NOT NULL DEFAULT 60,
            active INTEGER NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            webhook_id INTEGER NOT NULL,
            event_type TEXT NOT NULL,
            aggregate_id TEXT NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            next_attempt TIMESTAMP,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS confirmations (
            aggregate_id TEXT NOT NULL,
            operation TEXT NOT NULL,
            reference TEXT,
            status TEXT NOT NULL,
            confirmed_at TIMESTAMP,
            updated_at TIMESTAMP NOT NULL,
            PRIMARY KEY(aggregate_id, operation)
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StoredResponse represents a cached response for an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *SQLiteStore) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	row := s.db.QueryRowContext(ctx, query, apiKey, key)
	var status int
	var body []byte
	var storedHash string
	err := row.Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *SQLiteStore) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, time.Now().UTC())
	return err
}

// RequestRecord is one HTTP exchange persisted for operator forensics. This
// is distinct from the hash-chained ledger: request rows are plain rows.
type RequestRecord struct {
	APIKey         string
	Method         string
	Path           string
	RequestBody    []byte
	ResponseBody   []byte
	ResponseStatus int
	Timestamp      time.Time
}

func (s *SQLiteStore) InsertRequestLog(ctx context.Context, rec RequestRecord) error {
	const stmt = `INSERT INTO request_log(api_key, method, path, request_body, response_status, response_body, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, rec.APIKey, rec.Method, rec.Path, rec.RequestBody, rec.ResponseStatus, rec.ResponseBody, rec.Timestamp)
	return err
}

// AppendEntry implements audit.Store. The PRIMARY KEY on
// (aggregate_id, sequence) makes an out-of-order append a hard failure
// instead of a silent fork.
func (s *SQLiteStore) AppendEntry(ctx context.Context, entry audit.Entry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO ledger_entries(entry_id, aggregate_id, sequence, category, action, actor, occurred_at, details, previous_hash, hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, entry.ID, entry.AggregateID, entry.Sequence, entry.Category, entry.Action, entry.Actor, entry.Timestamp, string(details), entry.PreviousHash, entry.Hash)
	return err
}

// Entries implements audit.Store, returning the chain in sequence order.
func (s *SQLiteStore) Entries(ctx context.Context, aggregateID string) ([]audit.Entry, error) {
	const query = `SELECT entry_id, aggregate_id, sequence, category, action, actor, occurred_at, details, previous_hash, hash FROM ledger_entries WHERE aggregate_id = ? ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, query, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []audit.Entry
	for rows.Next() {
		var entry audit.Entry
		var details string
		if err := rows.Scan(&entry.ID, &entry.AggregateID, &entry.Sequence, &entry.Category, &entry.Action, &entry.Actor, &entry.Timestamp, &details, &entry.PreviousHash, &entry.Hash); err != nil {
			return nil, err
		}
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &entry.Details); err != nil {
				return nil, err
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Tail implements audit.Store.
func (s *SQLiteStore) Tail(ctx context.Context, aggregateID string) (string, int, error) {
	const query = `SELECT hash, sequence FROM ledger_entries WHERE aggregate_id = ? ORDER BY sequence DESC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, aggregateID)
	var hash string
	var sequence int
	err := row.Scan(&hash, &sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return hash, sequence + 1, nil
}

// EnsureNonce records a nonce, reporting true when it was already present.
func (s *SQLiteStore) EnsureNonce(ctx context.Context, apiKey, timestamp, nonce string, observedAt time.Time) (bool, error) {
	const stmt = `INSERT OR IGNORE INTO nonces(api_key, ts, nonce, observed_at) VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, apiKey, timestamp, nonce, observedAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 0, nil
}

// PruneNonces deletes nonce rows observed before the cutoff.
func (s *SQLiteStore) PruneNonces(ctx context.Context, cutoff time.Time) error {
	const stmt = `DELETE FROM nonces WHERE observed_at < ?`
	_, err := s.db.ExecContext(ctx, stmt, cutoff)
	return err
}

// WebhookSubscription describes a stored webhook endpoint.
type WebhookSubscription struct {
	ID        int64
	APIKey    string
	EventType string
	URL       string
	Secret    string
	RateLimit int
	Active    bool
	CreatedAt time.Time
}

// InsertWebhook registers a webhook subscription.
func (s *SQLiteStore) InsertWebhook(ctx context.Context, sub WebhookSubscription) (int64, error) {
	const stmt = `INSERT INTO webhooks(api_key, event_type, url, secret, rate_limit, active, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	active := 0
	if sub.Active {
		active = 1
	}
	res, err := s.db.ExecContext(ctx, stmt, sub.APIKey, sub.EventType, sub.URL, sub.Secret, sub.RateLimit, active, sub.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListWebhooksForEvent returns subscriptions interested in a given event type.
func (s *SQLiteStore) ListWebhooksForEvent(ctx context.Context, eventType string) ([]WebhookSubscription, error) {
	const query = `SELECT id, api_key, event_type, url, secret, rate_limit, active, created_at FROM webhooks WHERE event_type = ?`
	rows, err := s.db.QueryContext(ctx, query, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []WebhookSubscription
	for rows.Next() {
		var sub WebhookSubscription
		var active int
		if err := rows.Scan(&sub.ID, &sub.APIKey, &sub.EventType, &sub.URL, &sub.Secret, &sub.RateLimit, &active, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.Active = active == 1
		if sub.RateLimit <= 0 {
			sub.RateLimit = 60
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

// WebhookAttempt captures a delivery attempt.
type WebhookAttempt struct {
	WebhookID   int64
	EventType   string
	AggregateID string
	Attempt     int
	Status      string
	Error       string
	NextAttempt time.Time
	CreatedAt   time.Time
}

// InsertWebhookAttempt records a webhook delivery attempt.
func (s *SQLiteStore) InsertWebhookAttempt(ctx context.Context, attempt WebhookAttempt) error {
	const stmt = `INSERT INTO webhook_attempts(webhook_id, event_type, aggregate_id, attempt, status, error, next_attempt, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, attempt.WebhookID, attempt.EventType, attempt.AggregateID, attempt.Attempt, attempt.Status, attempt.Error, nullTime(attempt.NextAttempt), attempt.CreatedAt)
	return err
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// SetConfirmation upserts the confirmation outcome for an aggregate operation.
func (s *SQLiteStore) SetConfirmation(ctx context.Context, aggregateID, operation, reference string, status proof.ConfirmationStatus, confirmedAt time.Time, now time.Time) error {
	const stmt = `INSERT INTO confirmations(aggregate_id, operation, reference, status, confirmed_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(aggregate_id, operation) DO UPDATE SET reference = excluded.reference, status = excluded.status, confirmed_at = excluded.confirmed_at, updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, stmt, aggregateID, operation, reference, string(status), nullTime(confirmedAt), now)
	return err
}

// ConfirmationStatusFor reads back the stored confirmation for an operation.
func (s *SQLiteStore) ConfirmationStatusFor(ctx context.Context, aggregateID, operation string) (proof.ConfirmationStatus, time.Time, bool, error) {
	const query = `SELECT status, confirmed_at FROM confirmations WHERE aggregate_id = ? AND operation = ?`
	row := s.db.QueryRowContext(ctx, query, aggregateID, operation)
	var status string
	var confirmedAt sql.NullTime
	err := row.Scan(&status, &confirmedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	var at time.Time
	if confirmedAt.Valid {
		at = confirmedAt.Time
	}
	return proof.ConfirmationStatus(status), at, true, nil
}

// Confirmation implements proof.ConfirmationSource over the funding
// operation, which carries the external reference a proof reports on.
func (s *SQLiteStore) Confirmation(aggregateID string) (proof.ConfirmationStatus, time.Time, bool) {
	status, at, ok, err := s.ConfirmationStatusFor(context.Background(), aggregateID, opConfirmFunding)
	if err != nil || !ok {
		return "", time.Time{}, false
	}
	return status, at, true
}
