package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	headerAPIKey    = "X-Api-Key"
	headerTimestamp = "X-Timestamp"
	headerNonce     = "X-Nonce"
	headerSignature = "X-Signature"

	maxBodyForSignature = 1 << 20 // 1 MiB
)

// Principal represents an authenticated API client.
type Principal struct {
	APIKey string
}

// NonceStore provides durable replay protection across restarts. The SQLite
// store satisfies it.
type NonceStore interface {
	EnsureNonce(ctx context.Context, apiKey, timestamp, nonce string, observedAt time.Time) (bool, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Authenticator verifies API key + HMAC signatures on incoming requests and
// issues short-lived session tokens for read paths.
type Authenticator struct {
	secrets       map[string]string
	sessionSecret []byte
	sessionTTL    time.Duration
	skew          time.Duration
	nonceTTL      time.Duration
	nonces        NonceStore
	nowFn         func() time.Time

	pruneMu    sync.Mutex
	lastPruned time.Time
}

func NewAuthenticator(keys []APIKeyConfig, sessionSecret string, sessionTTL, skew, nonceTTL time.Duration, nonces NonceStore) *Authenticator {
	secrets := make(map[string]string, len(keys))
	for _, key := range keys {
		secrets[strings.TrimSpace(key.Key)] = strings.TrimSpace(key.Secret)
	}
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	if nonceTTL < skew {
		nonceTTL = 2 * skew
	}
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
	}
	return &Authenticator{
		secrets:       secrets,
		sessionSecret: []byte(sessionSecret),
		sessionTTL:    sessionTTL,
		skew:          skew,
		nonceTTL:      nonceTTL,
		nonces:        nonces,
		nowFn:         time.Now,
	}
}

// SetNowFunc overrides the clock. Intended for tests.
func (a *Authenticator) SetNowFunc(now func() time.Time) {
	if now == nil {
		a.nowFn = time.Now
		return
	}
	a.nowFn = now
}

// Authenticate validates the HMAC headers and signature, returning the
// caller principal. The nonce registers durably so a replayed request fails
// even after a restart.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > maxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBodyForSignature)
	}
	apiKey := strings.TrimSpace(r.Header.Get(headerAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(headerTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	drift := now.Sub(ts)
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(headerNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(headerSignature))
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := computeSignature(secret, timestampHeader, nonce, r.Method, canonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.nonces != nil {
		a.pruneStale(r.Context(), now)
		duplicate, err := a.nonces.EnsureNonce(r.Context(), apiKey, timestampHeader, nonce, now)
		if err != nil {
			return nil, fmt.Errorf("register nonce: %w", err)
		}
		if duplicate {
			return nil, errors.New("nonce already used")
		}
	}
	return &Principal{APIKey: apiKey}, nil
}

func (a *Authenticator) pruneStale(ctx context.Context, now time.Time) {
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < time.Minute {
		return
	}
	a.lastPruned = now
	_ = a.nonces.PruneNonces(ctx, now.Add(-a.nonceTTL))
}

type sessionClaims struct {
	APIKey string `json:"apiKey"`
	jwt.RegisteredClaims
}

// IssueSession returns a signed short-lived bearer token for the principal.
// Read endpoints accept it in place of a fresh HMAC signature.
func (a *Authenticator) IssueSession(principal *Principal) (string, time.Time, error) {
	if principal == nil || principal.APIKey == "" {
		return "", time.Time{}, errors.New("principal required")
	}
	now := a.nowFn().UTC()
	expires := now.Add(a.sessionTTL)
	claims := sessionClaims{
		APIKey: principal.APIKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.APIKey,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.sessionSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// VerifySession validates a bearer token and returns its principal.
func (a *Authenticator) VerifySession(tokenString string) (*Principal, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.sessionSecret, nil
	}, jwt.WithTimeFunc(func() time.Time { return a.nowFn().UTC() }))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.APIKey == "" {
		return nil, errors.New("invalid session token")
	}
	if _, ok := a.secrets[claims.APIKey]; !ok {
		return nil, errors.New("session key no longer configured")
	}
	return &Principal{APIKey: claims.APIKey}, nil
}

// AuthenticateRead accepts either a bearer session token or full HMAC
// headers, so polling clients do not have to sign every read.
func (a *Authenticator) AuthenticateRead(r *http.Request, body []byte) (*Principal, error) {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(header, "Bearer ") {
		return a.VerifySession(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
	}
	return a.Authenticate(r, body)
}

// canonicalRequestPath normalises URL paths and query ordering for signing.
func canonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + canonicalQuery(r.URL.RawQuery)
	}
	return path
}

func canonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// computeSignature builds the HMAC-SHA256 signature bytes for the request metadata.
func computeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
