// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

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

func TestHTTPTransportSend(t *testing.T) {
	var got telemetry.Payload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(zaptest.NewLogger(t), srv.URL, "secret", time.Second)
	require.False(t, tr.Connected())

	err := tr.Send(context.Background(), &telemetry.Payload{ID: "p-1", DeviceID: "dev-1"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "p-1", got.ID)
	// A successful send raises the connectivity flag.
	assert.True(t, tr.Connected())
}

func TestHTTPTransportRejectionKeepsFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(zaptest.NewLogger(t), srv.URL, "", time.Second)
	tr.SetConnected(true)

	err := tr.Send(context.Background(), &telemetry.Payload{ID: "p-1"})
	assert.Error(t, err)
	// A 4xx proves the endpoint is reachable; the flag stays up.
	assert.True(t, tr.Connected())
}

func TestHTTPTransportErrorDropsFlag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	tr := NewHTTPTransport(zaptest.NewLogger(t), srv.URL, "", time.Second)
	tr.SetConnected(true)

	err := tr.Send(context.Background(), &telemetry.Payload{ID: "p-1"})
	assert.Error(t, err)
	assert.False(t, tr.Connected())
}

func TestHTTPTransportProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	defer srv.Close()

	tr := NewHTTPTransport(zaptest.NewLogger(t), srv.URL, "", time.Second)
	tr.probe(context.Background())
	assert.True(t, tr.Connected())

	srv.Close()
	tr.probe(context.Background())
	assert.False(t, tr.Connected())
}
