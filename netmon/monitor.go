// Copyright 2025 Planventa Authors
// SPDX-License-Identifier: Apache-2.0

// Package netmon is the single source of truth for "are we online". It
// ingests the platform's passive connectivity signal, fires edge events only
// on real transitions, and can confirm the signal with an active HTTP probe
// (platform online/offline callbacks are unreliable behind captive portals).
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Quality is an advisory connection-quality class derived from probe RTT.
// It never gates correctness; the engine only uses it to size pull batches.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// Event is one connectivity edge. Exactly two kinds exist: online
// (false -> true) and offline (true -> false).
type Event struct {
	Online bool
	At     time.Time
}

// Config holds configuration for the monitor.
type Config struct {
	// ProbeURL is the target of TestConnectivity (a lightweight HEAD
	// endpoint, typically the API root).
	ProbeURL     string
	ProbeTimeout time.Duration
	HTTP         *http.Client
	// InitiallyOnline seeds the state from the platform's signal at startup.
	InitiallyOnline bool
	Logger          *slog.Logger
}

// DefaultConfig returns a monitor configuration probing the given URL.
func DefaultConfig(probeURL string) *Config {
	return &Config{
		ProbeURL:        probeURL,
		ProbeTimeout:    5 * time.Second,
		InitiallyOnline: true,
	}
}

// Monitor tracks connectivity state and notifies subscribers on edges.
type Monitor struct {
	probeURL     string
	probeTimeout time.Duration
	http         *http.Client
	logger       *slog.Logger

	mu         sync.Mutex
	online     bool
	quality    Quality
	lastRTT    time.Duration
	onOnline   []func()
	onOffline  []func()
	onceOnline []func()
}

// New creates a monitor. Callbacks are invoked without the internal lock
// held, so subscribers may call back into the monitor.
func New(cfg *Config) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	m := &Monitor{
		probeURL:     cfg.ProbeURL,
		probeTimeout: cfg.ProbeTimeout,
		http:         cfg.HTTP,
		logger:       cfg.Logger,
		online:       cfg.InitiallyOnline,
		quality:      QualityGood,
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = 5 * time.Second
	}
	if m.http == nil {
		m.http = &http.Client{Timeout: m.probeTimeout}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if !m.online {
		m.quality = QualityOffline
	}
	return m
}

// IsOnline returns the current connectivity belief.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Quality returns the current advisory quality class.
func (m *Monitor) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// SetOnline ingests a platform connectivity signal. Repeated same-state
// signals are ignored; only a real transition fires edge events.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	if online {
		if m.quality == QualityOffline {
			m.quality = QualityGood // unknown until the next probe
		}
	} else {
		m.quality = QualityOffline
	}

	var callbacks []func()
	if online {
		callbacks = append(callbacks, m.onOnline...)
		callbacks = append(callbacks, m.onceOnline...)
		m.onceOnline = nil
	} else {
		callbacks = append(callbacks, m.onOffline...)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", "online", online)
	for _, fn := range callbacks {
		fn()
	}
}

// OnOnline registers a persistent listener for the online edge.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// OnOffline registers a persistent listener for the offline edge.
func (m *Monitor) OnOffline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOffline = append(m.onOffline, fn)
}

// WhenOnline invokes fn once: immediately if already online, otherwise on the
// next online edge.
func (m *Monitor) WhenOnline(fn func()) {
	m.mu.Lock()
	if m.online {
		m.mu.Unlock()
		fn()
		return
	}
	m.onceOnline = append(m.onceOnline, fn)
	m.mu.Unlock()
}

// TestConnectivity actively probes the configured target with a HEAD request.
// The result overrides the passive signal, and the measured round-trip time
// refreshes the quality class. Any 2xx-4xx response counts as reachable;
// only transport failures and 5xx mean offline.
func (m *Monitor) TestConnectivity(ctx context.Context) bool {
	if m.probeURL == "" {
		return m.IsOnline()
	}

	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.logger.Warn("connectivity probe setup failed", "error", err)
		return m.IsOnline()
	}

	start := time.Now()
	resp, err := m.http.Do(req)
	rtt := time.Since(start)
	reachable := err == nil && resp.StatusCode < 500
	if resp != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	m.lastRTT = rtt
	if reachable {
		m.quality = classifyRTT(rtt)
	}
	m.mu.Unlock()

	m.logger.Debug("connectivity probe", "reachable", reachable, "rtt", rtt)
	m.SetOnline(reachable)
	return reachable
}

// SuggestedBatchSize translates the advisory quality class into a pull page
// size for the sync engine.
func (m *Monitor) SuggestedBatchSize() int {
	switch m.Quality() {
	case QualityExcellent:
		return 500
	case QualityGood:
		return 200
	case QualityFair:
		return 100
	case QualityPoor:
		return 25
	default:
		return 0
	}
}

func classifyRTT(rtt time.Duration) Quality {
	switch {
	case rtt <= 50*time.Millisecond:
		return QualityExcellent
	case rtt <= 150*time.Millisecond:
		return QualityGood
	case rtt <= 400*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}
