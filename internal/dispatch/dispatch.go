// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch forwards payloads toward the remote channel with
// store-and-forward semantics: a bounded FIFO queue buffers payloads while
// the transport reports disconnected, and drains once a send succeeds.
package dispatch // import "github.com/edgewatch/edgewatch/internal/dispatch"

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgewatch/edgewatch/internal/metrics"
	"github.com/edgewatch/edgewatch/internal/telemetry"
)

// Transport delivers one payload to the remote channel. It owns the
// connectivity flag; the manager only reads it and performs no reconnection
// of its own.
type Transport interface {
	Connected() bool
	Send(ctx context.Context, payload *telemetry.Payload) error
}

// DefaultQueueCapacity bounds the offline queue when no capacity is
// configured.
const DefaultQueueCapacity = 100

// Manager is the single dispatch abstraction: every outbound integration
// goes through it rather than keeping its own retry queue.
type Manager struct {
	logger    *zap.Logger
	transport Transport
	capacity  int
	pacing    time.Duration

	mu    sync.Mutex
	queue []*telemetry.Payload

	sent    uint64
	failed  uint64
	dropped uint64
}

// NewManager builds a dispatch manager over the transport.
func NewManager(logger *zap.Logger, transport Transport, capacity int, pacing time.Duration) *Manager {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Manager{
		logger:    logger,
		transport: transport,
		capacity:  capacity,
		pacing:    pacing,
	}
}

// Upload sends the payload immediately when the transport is connected,
// otherwise buffers it. The return value means delivered, so a buffered
// payload yields false. Transient send failures are logged and counted,
// never raised.
func (m *Manager) Upload(ctx context.Context, payload *telemetry.Payload) bool {
	if !m.transport.Connected() {
		m.enqueue(payload)
		return false
	}

	if err := m.transport.Send(ctx, payload); err != nil {
		m.mu.Lock()
		m.failed++
		m.mu.Unlock()
		metrics.DispatchesTotal.WithLabelValues("failed").Inc()
		m.logger.Warn("telemetry send failed",
			zap.String("payload_id", payload.ID),
			zap.Error(err))
		return false
	}

	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
	metrics.DispatchesTotal.WithLabelValues("sent").Inc()

	m.flush(ctx)
	return true
}

// enqueue buffers a payload while disconnected, dropping it with an
// explicit failure once the queue is at capacity.
func (m *Manager) enqueue(payload *telemetry.Payload) {
	m.mu.Lock()
	if len(m.queue) >= m.capacity {
		m.dropped++
		m.mu.Unlock()
		metrics.DroppedPayloadsTotal.Inc()
		m.logger.Error("dispatch queue full, payload dropped",
			zap.String("payload_id", payload.ID),
			zap.Int("capacity", m.capacity),
			zap.Error(telemetry.ErrQueueFull))
		return
	}

	m.queue = append(m.queue, payload)
	depth := len(m.queue)
	m.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	m.logger.Warn("telemetry queued while disconnected",
		zap.String("payload_id", payload.ID),
		zap.Int("queued", depth))
}

// flush drains the queue in FIFO order with a pacing delay between sends,
// stopping as soon as connectivity drops or the context ends; remaining
// entries stay queued for a later attempt.
func (m *Manager) flush(ctx context.Context) {
	flushed := 0
	for {
		if ctx.Err() != nil || !m.transport.Connected() {
			break
		}

		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			break
		}
		payload := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if err := m.transport.Send(ctx, payload); err != nil {
			m.mu.Lock()
			m.failed++
			m.mu.Unlock()
			metrics.DispatchesTotal.WithLabelValues("failed").Inc()
			m.logger.Warn("queued send failed",
				zap.String("payload_id", payload.ID),
				zap.Error(err))
			continue
		}

		m.mu.Lock()
		m.sent++
		m.mu.Unlock()
		metrics.DispatchesTotal.WithLabelValues("sent").Inc()
		flushed++

		if m.pacing > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(m.pacing):
			}
		}
	}

	m.mu.Lock()
	depth := len(m.queue)
	m.mu.Unlock()
	metrics.QueueDepth.Set(float64(depth))

	if flushed > 0 {
		m.logger.Info("queue flush complete",
			zap.Int("flushed", flushed),
			zap.Int("remaining", depth))
	}
}

// QueueLen reports the number of buffered payloads.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Stats returns the process-lifetime send counters.
func (m *Manager) Stats() (sent, failed, dropped uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent, m.failed, m.dropped
}
