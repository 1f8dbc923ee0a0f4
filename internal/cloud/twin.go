// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

package cloud // import "github.com/edgewatch/edgewatch/internal/cloud"

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/edgewatch/edgewatch/internal/telemetry"
)

// Remote commands carried on the twin channel.
const (
	CommandCollectNow   = "collect_now"
	CommandRetrainModel = "retrain_model"
)

// DesiredPatch is a partial desired-state update pushed by the backend.
// Nil fields leave the current setting untouched.
type DesiredPatch struct {
	IntervalSeconds *int                   `json:"interval_seconds,omitempty"`
	Thresholds      telemetry.ThresholdSet `json:"thresholds,omitempty"`
	LocalAI         *bool                  `json:"local_ai,omitempty"`
	CloudAI         *bool                  `json:"cloud_ai,omitempty"`
	Command         string                 `json:"command,omitempty"`
}

// ReportedState is the device-side state published back on the channel.
type ReportedState struct {
	DeviceID        string    `json:"device_id"`
	IntervalSeconds int       `json:"interval_seconds"`
	LocalAI         bool      `json:"local_ai"`
	CloudAI         bool      `json:"cloud_ai"`
	ModelTrained    bool      `json:"model_trained"`
	ModelBackend    string    `json:"model_backend,omitempty"`
	QueueDepth      int       `json:"queue_depth"`
	Cycles          uint64    `json:"cycles"`
	Anomalies       uint64    `json:"anomalies"`
	LastCycle       time.Time `json:"last_cycle,omitzero"`
}

// Handler is the monitor side of the twin channel.
type Handler interface {
	ApplyPatch(patch DesiredPatch)
	ReportedState() ReportedState
}

const (
	redialBase = 2 * time.Second
	redialMax  = time.Minute
)

// TwinChannel maintains a websocket to the backend, applying desired-state
// patches as they arrive and publishing reported state on a fixed cadence.
type TwinChannel struct {
	logger         *zap.Logger
	url            string
	handler        Handler
	reportInterval time.Duration
	dialer         *websocket.Dialer
}

// NewTwinChannel builds the channel; Run must be called to connect.
func NewTwinChannel(logger *zap.Logger, url string, handler Handler, reportInterval time.Duration) *TwinChannel {
	if reportInterval <= 0 {
		reportInterval = 5 * time.Minute
	}
	return &TwinChannel{
		logger:         logger,
		url:            url,
		handler:        handler,
		reportInterval: reportInterval,
		dialer:         websocket.DefaultDialer,
	}
}

// Run dials and serves the channel until the context ends, redialing with
// backoff after any connection failure.
func (t *TwinChannel) Run(ctx context.Context) {
	backoff := redialBase
	for ctx.Err() == nil {
		conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
		if err != nil {
			t.logger.Warn("twin dial failed",
				zap.String("url", t.url),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, redialMax)
			continue
		}

		backoff = redialBase
		t.logger.Info("twin channel connected", zap.String("url", t.url))
		t.serve(ctx, conn)
		conn.Close()
	}
}

// serve runs one connection. All writes happen on this goroutine; the
// reader goroutine only delivers decoded patches.
func (t *TwinChannel) serve(ctx context.Context, conn *websocket.Conn) {
	patches := make(chan DesiredPatch)
	done := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go t.readLoop(conn, patches, done, stop)

	if err := t.writeReported(conn); err != nil {
		t.logger.Warn("initial state report failed", zap.Error(err))
		return
	}

	ticker := time.NewTicker(t.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-done:
			return
		case <-ticker.C:
			if err := t.writeReported(conn); err != nil {
				t.logger.Warn("state report failed", zap.Error(err))
				return
			}
		case patch := <-patches:
			t.handler.ApplyPatch(patch)
			// Acknowledge by reporting the post-patch state immediately.
			if err := t.writeReported(conn); err != nil {
				t.logger.Warn("patch acknowledgement failed", zap.Error(err))
				return
			}
		}
	}
}

func (t *TwinChannel) readLoop(conn *websocket.Conn, patches chan<- DesiredPatch, done chan<- struct{}, stop <-chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("twin read failed", zap.Error(err))
			}
			return
		}

		var patch DesiredPatch
		if err := json.Unmarshal(data, &patch); err != nil {
			t.logger.Warn("discarding malformed twin patch", zap.Error(err))
			continue
		}
		select {
		case patches <- patch:
		case <-stop:
			return
		}
	}
}

func (t *TwinChannel) writeReported(conn *websocket.Conn) error {
	return conn.WriteJSON(t.handler.ReportedState())
}
