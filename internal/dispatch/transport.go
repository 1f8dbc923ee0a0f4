// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch // import "github.com/edgewatch/edgewatch/internal/dispatch"

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgewatch/edgewatch/internal/telemetry"
)

// HTTPTransport posts payloads to an ingest endpoint. It owns the
// connectivity flag: the flag flips on send outcomes and on background
// probes, and the manager only reads it.
type HTTPTransport struct {
	logger  *zap.Logger
	client  *http.Client
	url     string
	apiKey  string
	timeout time.Duration

	connected atomic.Bool
}

// NewHTTPTransport builds the transport. The flag starts pessimistic and
// is raised by the first successful probe or send.
func NewHTTPTransport(logger *zap.Logger, url, apiKey string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		logger:  logger,
		client:  &http.Client{Timeout: timeout},
		url:     url,
		apiKey:  apiKey,
		timeout: timeout,
	}
}

// Connected reports the current connectivity flag.
func (t *HTTPTransport) Connected() bool {
	return t.connected.Load()
}

// SetConnected overrides the flag; used by probes and tests.
func (t *HTTPTransport) SetConnected(up bool) {
	t.connected.Store(up)
}

// Send posts one payload. Every send carries its own timeout; a timeout is
// an ordinary recoverable failure.
func (t *HTTPTransport) Send(ctx context.Context, payload *telemetry.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.connected.Store(false)
		return fmt.Errorf("ingest send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 4xx/5xx still proves reachability; only transport errors drop
		// the flag.
		return fmt.Errorf("ingest rejected payload: status %d", resp.StatusCode)
	}

	t.connected.Store(true)
	return nil
}

// RunProber periodically checks endpoint reachability so queued payloads
// can flush after connectivity returns without waiting for a send attempt.
func (t *HTTPTransport) RunProber(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.probe(ctx)
		}
	}
}

func (t *HTTPTransport) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.url, nil)
	if err != nil {
		return
	}
	resp, err := t.client.Do(req)
	if err != nil {
		if t.connected.Swap(false) {
			t.logger.Warn("ingest endpoint unreachable", zap.Error(err))
		}
		return
	}
	resp.Body.Close()

	if !t.connected.Swap(true) {
		t.logger.Info("ingest endpoint reachable", zap.String("url", t.url))
	}
}
