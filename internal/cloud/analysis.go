// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package cloud holds the outbound cloud integrations that are not plain
// telemetry dispatch: the remote analysis endpoint and the twin
// configuration channel.
package cloud // import "github.com/edgewatch/edgewatch/internal/cloud"

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/edgewatch/edgewatch/internal/telemetry"
)

// analysisRequest is the wire shape of one remote scoring call.
type analysisRequest struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Features  []float64 `json:"features"`
}

// AnalysisClient asks a cloud model to score one snapshot. The remote
// verdict is informational and never feeds the combined local decision.
type AnalysisClient struct {
	logger   *zap.Logger
	client   *http.Client
	endpoint string
	apiKey   string
}

// NewAnalysisClient builds the client. The analysis timeout is independent
// of the ingest send timeout; scoring calls are allowed to run longer.
func NewAnalysisClient(logger *zap.Logger, endpoint, apiKey string, timeout time.Duration) *AnalysisClient {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &AnalysisClient{
		logger:   logger,
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

// Analyze posts the snapshot's feature vector and returns the remote
// verdict.
func (c *AnalysisClient) Analyze(ctx context.Context, snap *telemetry.Snapshot) (*telemetry.RemoteVerdict, error) {
	body, err := json.Marshal(analysisRequest{
		DeviceID:  snap.DeviceID,
		Timestamp: snap.Timestamp,
		Features:  snap.Features(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analysis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analysis call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("analysis rejected request: status %d", resp.StatusCode)
	}

	var verdict telemetry.RemoteVerdict
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}
	return &verdict, nil
}
