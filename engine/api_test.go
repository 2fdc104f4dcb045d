// Copyright 2025 Planventa Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/planventa/offsync/localstore"
)

func TestDecodeRecordListShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bare array", `[{"id":"1"},{"id":"2"}]`, 2},
		{"data envelope", `{"data":[{"id":"1"}]}`, 1},
		{"items envelope", `{"items":[{"id":"1"},{"id":"2"},{"id":"3"}]}`, 3},
		{"collection-named envelope", `{"notes":[{"id":"1"}]}`, 1},
		{"foreign resource key", `{"notas":[{"id":"1"},{"id":"2"}]}`, 2},
		{"empty body", ``, 0},
		{"empty array", `[]`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := decodeRecordList([]byte(tt.body), "notes")
			require.NoError(t, err)
			require.Len(t, records, tt.want)
		})
	}
}

func TestDecodeRecordListRejectsArraylessObject(t *testing.T) {
	_, err := decodeRecordList([]byte(`{"total": 3, "page": 1}`), "notes")
	require.Error(t, err)
}

func TestDecodeRecordOrFallback(t *testing.T) {
	sent := localstore.Record{ID: "local-1", Fields: map[string]any{"nombre": "x"}}

	// Empty body: the sent record stands as canonical.
	rec, err := decodeRecordOrFallback(nil, sent)
	require.NoError(t, err)
	require.Equal(t, "local-1", rec.ID)

	// Bare record.
	rec, err = decodeRecordOrFallback([]byte(`{"id":"srv-9","nombre":"y"}`), sent)
	require.NoError(t, err)
	require.Equal(t, "srv-9", rec.ID)
	require.Equal(t, "y", rec.Field("nombre"))

	// Data envelope.
	rec, err = decodeRecordOrFallback([]byte(`{"data":{"id":"srv-3"}}`), sent)
	require.NoError(t, err)
	require.Equal(t, "srv-3", rec.ID)
}

func TestClassifyStatus(t *testing.T) {
	var authErr *AuthError
	var transient *TransientError
	var permanent *PermanentError

	require.ErrorAs(t, classifyStatus(401, ""), &authErr)
	require.ErrorAs(t, classifyStatus(403, ""), &authErr)
	require.ErrorAs(t, classifyStatus(408, ""), &transient)
	require.ErrorAs(t, classifyStatus(429, ""), &transient)
	require.ErrorAs(t, classifyStatus(500, ""), &transient)
	require.ErrorAs(t, classifyStatus(503, ""), &transient)
	require.ErrorAs(t, classifyStatus(400, ""), &permanent)
	require.ErrorAs(t, classifyStatus(404, ""), &permanent)
	require.ErrorAs(t, classifyStatus(422, ""), &permanent)
}

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestJWTExpiry(t *testing.T) {
	expired, ok := jwtExpired(signedJWT(t, time.Now().Add(-time.Hour)))
	require.True(t, ok)
	require.True(t, expired)

	expired, ok = jwtExpired(signedJWT(t, time.Now().Add(time.Hour)))
	require.True(t, ok)
	require.False(t, expired)

	// Opaque tokens are not the client's to judge.
	_, ok = jwtExpired("opaque-api-key")
	require.False(t, ok)
}

func TestBearerRejectsExpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not reach the server with an expired token")
	}))
	defer srv.Close()

	api := NewAPIClient(srv.URL, StaticToken(signedJWT(t, time.Now().Add(-time.Minute))), time.Second)
	_, err := api.List(context.Background(), "notes", 0)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestBearerRejectsMissingToken(t *testing.T) {
	api := NewAPIClient("http://unreachable.invalid", StaticToken(""), time.Second)
	_, err := api.List(context.Background(), "notes", 0)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestStoreTokenSource(t *testing.T) {
	store, err := localstore.Open(":memory:", localstore.DefaultConfig())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	src := &StoreTokenSource{Store: store}
	token, err := src.Token(ctx)
	require.NoError(t, err)
	require.Empty(t, token)

	require.NoError(t, store.SetConfig(ctx, "auth_token", "tok-77"))
	token, err = src.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "tok-77", token)
}

func TestDeleteTolerates404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone already", http.StatusNotFound)
	}))
	defer srv.Close()

	api := NewAPIClient(srv.URL, StaticToken("tok"), time.Second)
	require.NoError(t, api.Delete(context.Background(), "notes", "n1"))
}

func TestTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	api := NewAPIClient(srv.URL, StaticToken("tok"), 500*time.Millisecond)
	_, err := api.List(context.Background(), "notes", 0)
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
}
