// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/edgewatch/edgewatch/internal/telemetry"
)

func TestAnalyzeSendsFeaturesAndDecodesVerdict(t *testing.T) {
	var got analysisRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(telemetry.RemoteVerdict{
			Prediction: "anomaly",
			Score:      0.92,
			Confidence: 0.8,
		})
	}))
	defer srv.Close()

	client := NewAnalysisClient(zaptest.NewLogger(t), srv.URL, "key-1", time.Second)

	temp := 90.0
	snap := &telemetry.Snapshot{
		Timestamp: time.Now().UTC(),
		DeviceID:  "dev-1",
		CPU:       &telemetry.CPUMetrics{Temperature: &temp, UsagePercent: 98},
		Memory:    &telemetry.MemoryMetrics{Percent: 95},
	}

	verdict, err := client.Analyze(context.Background(), snap)
	require.NoError(t, err)

	assert.Equal(t, "dev-1", got.DeviceID)
	assert.Equal(t, []float64{90, 98, 95, 0, 0, 0}, got.Features)
	assert.True(t, verdict.Anomalous())
	assert.Equal(t, 0.92, verdict.Score)
}

func TestAnalyzeRejectedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewAnalysisClient(zaptest.NewLogger(t), srv.URL, "", time.Second)

	_, err := client.Analyze(context.Background(), &telemetry.Snapshot{DeviceID: "dev-1"})
	assert.ErrorContains(t, err, "status 503")
}

func TestAnalyzeUnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	client := NewAnalysisClient(zaptest.NewLogger(t), srv.URL, "", time.Second)

	_, err := client.Analyze(context.Background(), &telemetry.Snapshot{DeviceID: "dev-1"})
	assert.Error(t, err)
}
