// Copyright 2025 Planventa Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/planventa/offsync/localstore"
)

// TokenSource supplies the bearer token for remote calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) { return string(t), nil }

// StoreTokenSource reads the token from the store's user_config table, which
// is the app's single well-known credential slot.
type StoreTokenSource struct {
	Store *localstore.Store
	Key   string // defaults to "auth_token"
}

func (t *StoreTokenSource) Token(ctx context.Context) (string, error) {
	key := t.Key
	if key == "" {
		key = "auth_token"
	}
	return t.Store.GetConfig(ctx, key)
}

// APIClient talks to the remote store: one REST endpoint set per resource
// collection (GET/POST /{collection}, PUT/DELETE /{collection}/{id}), JSON
// bodies, bearer auth.
type APIClient struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  TokenSource
}

// NewAPIClient builds a client with the given per-request timeout.
func NewAPIClient(baseURL string, tokens TokenSource, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
		Tokens:  tokens,
	}
}

// List fetches the authoritative record list for a collection. limit <= 0
// means no limit hint is sent.
func (c *APIClient) List(ctx context.Context, collection string, limit int) ([]localstore.Record, error) {
	url := fmt.Sprintf("%s/%s", c.BaseURL, collection)
	if limit > 0 {
		url = fmt.Sprintf("%s?limit=%d", url, limit)
	}
	body, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecordList(body, collection)
}

// Create pushes a new record and returns the server's canonical copy.
func (c *APIClient) Create(ctx context.Context, collection string, rec localstore.Record) (localstore.Record, error) {
	body, err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.BaseURL, collection), rec)
	if err != nil {
		return localstore.Record{}, err
	}
	return decodeRecordOrFallback(body, rec)
}

// Update pushes a changed record and returns the server's canonical copy.
func (c *APIClient) Update(ctx context.Context, collection string, rec localstore.Record) (localstore.Record, error) {
	url := fmt.Sprintf("%s/%s/%s", c.BaseURL, collection, rec.ID)
	body, err := c.doJSON(ctx, http.MethodPut, url, rec)
	if err != nil {
		return localstore.Record{}, err
	}
	return decodeRecordOrFallback(body, rec)
}

// Delete removes a record remotely. A 404 is treated as success: the delete
// intent is already satisfied.
func (c *APIClient) Delete(ctx context.Context, collection, id string) error {
	url := fmt.Sprintf("%s/%s/%s", c.BaseURL, collection, id)
	_, err := c.do(ctx, http.MethodDelete, url, nil)
	var perm *PermanentError
	if errors.As(err, &perm) && perm.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *APIClient) doJSON(ctx context.Context, method, url string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}
	return c.do(ctx, method, url, data)
}

func (c *APIClient) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return respBody, nil
}

// bearer fetches the token and rejects expired JWTs locally so a cycle with a
// stale credential halts before burning network round-trips. Opaque
// (non-JWT) tokens are passed through for the server to judge.
func (c *APIClient) bearer(ctx context.Context) (string, error) {
	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return "", &AuthError{Reason: fmt.Sprintf("failed to read token: %v", err)}
	}
	if token == "" {
		return "", &AuthError{Reason: "no auth token configured"}
	}
	if expired, ok := jwtExpired(token); ok && expired {
		return "", &AuthError{Reason: "auth token expired"}
	}
	return token, nil
}

// jwtExpired parses the token without verifying the signature (the client has
// no key material; it only wants the exp claim). ok is false when the token
// is not a JWT.
func jwtExpired(token string) (expired, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false, true
	}
	return exp.Before(time.Now()), true
}

// decodeRecordList tolerates every list envelope the API is known to emit:
// a bare array, or an object wrapping the array under "data", "items", the
// collection name, or any other single array-valued key (e.g. {"notas":[...]}
// for the notes resource).
func decodeRecordList(body []byte, collection string) ([]localstore.Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var records []localstore.Record
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("failed to decode record array: %w", err)
		}
		return records, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode list response: %w", err)
	}

	for _, key := range []string{"data", "items", collection} {
		if raw, found := envelope[key]; found && isArray(raw) {
			var records []localstore.Record
			if err := json.Unmarshal(raw, &records); err != nil {
				return nil, fmt.Errorf("failed to decode %q array: %w", key, err)
			}
			return records, nil
		}
	}

	// Resource-named keys don't always match the collection name (the server
	// may use its own language for them); fall back to the first array value.
	for key, raw := range envelope {
		if isArray(raw) {
			var records []localstore.Record
			if err := json.Unmarshal(raw, &records); err != nil {
				return nil, fmt.Errorf("failed to decode %q array: %w", key, err)
			}
			return records, nil
		}
	}

	return nil, fmt.Errorf("list response for %q contains no record array", collection)
}

// decodeRecordOrFallback decodes a single-record response, unwrapping a
// "data" envelope when present. Servers answering with an empty body confirm
// the write without echoing it; the sent record then stands as canonical.
func decodeRecordOrFallback(body []byte, sent localstore.Record) (localstore.Record, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return sent, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return localstore.Record{}, fmt.Errorf("failed to decode record response: %w", err)
	}
	if raw, found := envelope["data"]; found && len(raw) > 0 && raw[0] == '{' {
		trimmed = raw
	}

	var rec localstore.Record
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return localstore.Record{}, fmt.Errorf("failed to decode record: %w", err)
	}
	if rec.ID == "" {
		return sent, nil
	}
	return rec, nil
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
