package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pactledger/native/agreement"
)

// ExternalLedger is the oracle the confirmation watcher talks to. The
// production implementation speaks HTTP to whatever chain or notary backs
// the deployment; tests use a fake.
type ExternalLedger interface {
	// AnchorDigest submits a digest for anchoring and returns the external
	// reference assigned to it.
	AnchorDigest(ctx context.Context, aggregateID, digest string) (string, error)
	// ConfirmReference reports whether the external ledger has durably
	// recorded the reference.
	ConfirmReference(ctx context.Context, reference string) (bool, error)
}

// HTTPExternalLedger is a minimal JSON client for the external anchor API.
type HTTPExternalLedger struct {
	baseURL string
	client  *http.Client
}

func NewHTTPExternalLedger(baseURL string) *HTTPExternalLedger {
	return &HTTPExternalLedger{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPExternalLedger) AnchorDigest(ctx context.Context, aggregateID, digest string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"aggregateId": aggregateID,
		"digest":      digest,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/anchors", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", &agreement.ExternalUnavailableError{Op: "anchor", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &agreement.ExternalUnavailableError{Op: "anchor", Err: fmt.Errorf("anchor endpoint returned %s", resp.Status)}
	}
	var out struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return "", &agreement.ExternalUnavailableError{Op: "anchor", Err: err}
	}
	if strings.TrimSpace(out.Reference) == "" {
		return "", &agreement.ExternalUnavailableError{Op: "anchor", Err: fmt.Errorf("anchor endpoint returned empty reference")}
	}
	return out.Reference, nil
}

func (c *HTTPExternalLedger) ConfirmReference(ctx context.Context, reference string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/anchors/"+reference, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, &agreement.ExternalUnavailableError{Op: "confirm", Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return false, &agreement.ExternalUnavailableError{Op: "confirm", Err: fmt.Errorf("confirm endpoint returned %s", resp.Status)}
	}
	var out struct {
		Confirmed bool `json:"confirmed"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return false, &agreement.ExternalUnavailableError{Op: "confirm", Err: err}
	}
	return out.Confirmed, nil
}
