package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeNonceStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeNonceStore() *fakeNonceStore {
	return &fakeNonceStore{seen: make(map[string]bool)}
}

func (f *fakeNonceStore) EnsureNonce(_ context.Context, apiKey, timestamp, nonce string, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := apiKey + "|" + timestamp + "|" + nonce
	if f.seen[key] {
		return true, nil
	}
	f.seen[key] = true
	return false, nil
}

func (f *fakeNonceStore) PruneNonces(context.Context, time.Time) error { return nil }

const (
	testAPIKey    = "key-1"
	testAPISecret = "secret-1"
)

func newTestAuthenticator(nonces NonceStore) (*Authenticator, *time.Time) {
	now := time.Date(2026, 7, 15, 9, 0, 0, 0, time.UTC)
	auth := NewAuthenticator(
		[]APIKeyConfig{{Key: testAPIKey, Secret: testAPISecret}},
		"session-secret",
		30*time.Minute,
		2*time.Minute,
		10*time.Minute,
		nonces,
	)
	auth.SetNowFunc(func() time.Time { return now })
	return auth, &now
}

// newSignedRequest builds a request carrying valid HMAC auth headers for the
// test key, signed at the given time.
func newSignedRequest(now time.Time, method, target, nonce string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	timestamp := strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testAPISecret))
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), canonicalRequestPath(req), string(body)}, "\n")
	mac.Write([]byte(payload))

	req.Header.Set(headerAPIKey, testAPIKey)
	req.Header.Set(headerTimestamp, timestamp)
	req.Header.Set(headerNonce, nonce)
	req.Header.Set(headerSignature, hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestAuthenticateHappyPath(t *testing.T) {
	auth, now := newTestAuthenticator(newFakeNonceStore())
	req := newSignedRequest(*now, "POST", "/agreements", "nonce-1", []byte(`{"content":"x"}`))

	principal, err := auth.Authenticate(req, []byte(`{"content":"x"}`))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.APIKey != testAPIKey {
		t.Fatalf("principal key = %s", principal.APIKey)
	}
}

func TestAuthenticateRejectsBadSignature(t *testing.T) {
	auth, now := newTestAuthenticator(newFakeNonceStore())
	req := newSignedRequest(*now, "POST", "/agreements", "nonce-1", []byte(`{"content":"x"}`))
	req.Header.Set(headerSignature, strings.Repeat("ab", 32))

	if _, err := auth.Authenticate(req, []byte(`{"content":"x"}`)); err == nil {
		t.Fatalf("forged signature must be rejected")
	}
}

func TestAuthenticateRejectsTamperedBody(t *testing.T) {
	auth, now := newTestAuthenticator(newFakeNonceStore())
	req := newSignedRequest(*now, "POST", "/agreements", "nonce-1", []byte(`{"content":"x"}`))

	if _, err := auth.Authenticate(req, []byte(`{"content":"y"}`)); err == nil {
		t.Fatalf("signature over a different body must be rejected")
	}
}

func TestAuthenticateRejectsSkewedTimestamp(t *testing.T) {
	auth, now := newTestAuthenticator(newFakeNonceStore())
	stale := now.Add(-5 * time.Minute)
	req := newSignedRequest(stale, "POST", "/agreements", "nonce-1", nil)

	if _, err := auth.Authenticate(req, nil); err == nil {
		t.Fatalf("timestamp outside skew must be rejected")
	}
}

func TestAuthenticateRejectsNonceReplay(t *testing.T) {
	auth, now := newTestAuthenticator(newFakeNonceStore())
	body := []byte(`{}`)

	req := newSignedRequest(*now, "POST", "/agreements", "nonce-1", body)
	if _, err := auth.Authenticate(req, body); err != nil {
		t.Fatalf("first request: %v", err)
	}
	replay := newSignedRequest(*now, "POST", "/agreements", "nonce-1", body)
	if _, err := auth.Authenticate(replay, body); err == nil {
		t.Fatalf("replayed nonce must be rejected")
	}
	// Fresh nonce still works.
	fresh := newSignedRequest(*now, "POST", "/agreements", "nonce-2", body)
	if _, err := auth.Authenticate(fresh, body); err != nil {
		t.Fatalf("fresh nonce: %v", err)
	}
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	auth, now := newTestAuthenticator(newFakeNonceStore())
	req := newSignedRequest(*now, "GET", "/agreements/agr_1", "nonce-1", nil)
	req.Header.Set(headerAPIKey, "unknown-key")

	if _, err := auth.Authenticate(req, nil); err == nil {
		t.Fatalf("unknown API key must be rejected")
	}
}

func TestQueryOrderDoesNotAffectSignature(t *testing.T) {
	auth, now := newTestAuthenticator(newFakeNonceStore())
	// Sign with one query order, send with another.
	req := newSignedRequest(*now, "GET", "/agreements/agr_1/audit?category=escrow&actor=alice", "nonce-1", nil)
	req.URL.RawQuery = "actor=alice&category=escrow"

	if _, err := auth.Authenticate(req, nil); err != nil {
		t.Fatalf("canonical query ordering failed: %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	auth, now := newTestAuthenticator(newFakeNonceStore())
	token, expires, err := auth.IssueSession(&Principal{APIKey: testAPIKey})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	if !expires.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("expiry = %v, want 30m out", expires)
	}
	principal, err := auth.VerifySession(token)
	if err != nil {
		t.Fatalf("verify session: %v", err)
	}
	if principal.APIKey != testAPIKey {
		t.Fatalf("principal key = %s", principal.APIKey)
	}

	// An expired token must fail once the clock passes its expiry.
	*now = now.Add(31 * time.Minute)
	if _, err := auth.VerifySession(token); err == nil {
		t.Fatalf("expired session verified")
	}
}

func TestVerifySessionRejectsGarbage(t *testing.T) {
	auth, _ := newTestAuthenticator(newFakeNonceStore())
	if _, err := auth.VerifySession("not-a-token"); err == nil {
		t.Fatalf("malformed token verified")
	}
}

func TestAuthenticateReadAcceptsBearer(t *testing.T) {
	auth, now := newTestAuthenticator(newFakeNonceStore())
	token, _, err := auth.IssueSession(&Principal{APIKey: testAPIKey})
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}

	req := httptest.NewRequest("GET", "/agreements/agr_1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	principal, err := auth.AuthenticateRead(req, nil)
	if err != nil {
		t.Fatalf("bearer read auth: %v", err)
	}
	if principal.APIKey != testAPIKey {
		t.Fatalf("principal key = %s", principal.APIKey)
	}

	// Without a bearer header the HMAC path still applies.
	hmacReq := newSignedRequest(*now, "GET", "/agreements/agr_1", "nonce-1", nil)
	if _, err := auth.AuthenticateRead(hmacReq, nil); err != nil {
		t.Fatalf("hmac read auth: %v", err)
	}
}
