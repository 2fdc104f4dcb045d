// Copyright 2025 Planventa Authors
// SPDX-License-Identifier: Apache-2.0

package netmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEdgeEventsFireOnTransitionsOnly(t *testing.T) {
	m := New(&Config{InitiallyOnline: false})

	var onlineEdges, offlineEdges int
	m.OnOnline(func() { onlineEdges++ })
	m.OnOffline(func() { offlineEdges++ })

	m.SetOnline(false) // repeated same-state signal: no event
	m.SetOnline(true)
	m.SetOnline(true) // repeated
	m.SetOnline(false)
	m.SetOnline(true)

	require.Equal(t, 2, onlineEdges)
	require.Equal(t, 1, offlineEdges)
}

func TestWhenOnlineImmediate(t *testing.T) {
	m := New(&Config{InitiallyOnline: true})

	called := false
	m.WhenOnline(func() { called = true })
	require.True(t, called)
}

func TestWhenOnlineIsOneShot(t *testing.T) {
	m := New(&Config{InitiallyOnline: false})

	calls := 0
	m.WhenOnline(func() { calls++ })
	require.Equal(t, 0, calls)

	m.SetOnline(true)
	require.Equal(t, 1, calls)

	// Next edge must not re-invoke the one-shot listener.
	m.SetOnline(false)
	m.SetOnline(true)
	require.Equal(t, 1, calls)
}

func TestTestConnectivityConfirmsOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New(&Config{ProbeURL: srv.URL, InitiallyOnline: false})
	require.True(t, m.TestConnectivity(context.Background()))
	require.True(t, m.IsOnline())
	require.NotEqual(t, QualityOffline, m.Quality())
	require.Positive(t, m.SuggestedBatchSize())
}

func TestTestConnectivityOverridesStalePassiveSignal(t *testing.T) {
	// The platform claims online (captive portal case) but the probe target
	// is unreachable: the active probe wins.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately unreachable

	m := New(&Config{ProbeURL: srv.URL, ProbeTimeout: time.Second, InitiallyOnline: true})
	require.False(t, m.TestConnectivity(context.Background()))
	require.False(t, m.IsOnline())
	require.Equal(t, QualityOffline, m.Quality())
	require.Zero(t, m.SuggestedBatchSize())
}

func TestTestConnectivityServerErrorMeansOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := New(&Config{ProbeURL: srv.URL, InitiallyOnline: true})
	require.False(t, m.TestConnectivity(context.Background()))
	require.False(t, m.IsOnline())
}

func TestClassifyRTT(t *testing.T) {
	tests := []struct {
		rtt  time.Duration
		want Quality
	}{
		{20 * time.Millisecond, QualityExcellent},
		{50 * time.Millisecond, QualityExcellent},
		{100 * time.Millisecond, QualityGood},
		{300 * time.Millisecond, QualityFair},
		{900 * time.Millisecond, QualityPoor},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, classifyRTT(tt.rtt), "rtt %s", tt.rtt)
	}
}

func TestOfflineStateForcesOfflineQuality(t *testing.T) {
	m := New(&Config{InitiallyOnline: true})
	m.SetOnline(false)
	require.Equal(t, QualityOffline, m.Quality())

	m.SetOnline(true)
	require.NotEqual(t, QualityOffline, m.Quality())
}
