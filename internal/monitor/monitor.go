// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitor runs the sampling loop: collect a snapshot, run both
// local detectors, optionally ask the cloud model, persist, and dispatch.
// Each stage after sampling has its own failure boundary so one failing
// integration never takes the cycle down with it.
package monitor // import "github.com/edgewatch/edgewatch/internal/monitor"

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgewatch/edgewatch/internal/cloud"
	"github.com/edgewatch/edgewatch/internal/config"
	"github.com/edgewatch/edgewatch/internal/detector"
	"github.com/edgewatch/edgewatch/internal/metrics"
	"github.com/edgewatch/edgewatch/internal/telemetry"
)

// MetricSource produces one snapshot per cycle.
type MetricSource interface {
	Sample(ctx context.Context) (*telemetry.Snapshot, error)
}

// TimeSeriesSink is the local persistence layer; ReadRecent feeds lazy
// model training.
type TimeSeriesSink interface {
	Write(ctx context.Context, snap *telemetry.Snapshot, local telemetry.Verdict, remote *telemetry.RemoteVerdict) error
	ReadRecent(ctx context.Context, window time.Duration) ([]*telemetry.Snapshot, error)
}

// DurableSink mirrors outbound payloads to a secondary store.
type DurableSink interface {
	Store(ctx context.Context, payload *telemetry.Payload) error
}

// Analyzer scores a snapshot remotely; its verdict is informational only.
type Analyzer interface {
	Analyze(ctx context.Context, snap *telemetry.Snapshot) (*telemetry.RemoteVerdict, error)
}

// Dispatcher forwards payloads with store-and-forward semantics.
type Dispatcher interface {
	Upload(ctx context.Context, payload *telemetry.Payload) bool
	QueueLen() int
	Stats() (sent, failed, dropped uint64)
}

// Options wires the monitor's collaborators. Durable, Analysis and
// Dispatcher may be nil when those integrations are disabled; without a
// dispatcher the agent runs local-only and skips the upload stage.
type Options struct {
	Source     MetricSource
	Threshold  *detector.ThresholdDetector
	ML         *detector.MLDetector
	Store      TimeSeriesSink
	Durable    DurableSink
	Analysis   Analyzer
	Dispatcher Dispatcher
}

// Status is the snapshot served on the HTTP status endpoint.
type Status struct {
	DeviceID        string    `json:"device_id"`
	IntervalSeconds int       `json:"interval_seconds"`
	Cycles          uint64    `json:"cycles"`
	Anomalies       uint64    `json:"anomalies"`
	LastCycle       time.Time `json:"last_cycle,omitzero"`
	LocalAI         bool      `json:"local_ai"`
	CloudAI         bool      `json:"cloud_ai"`
	ModelTrained    bool      `json:"model_trained"`
	ModelBackend    string    `json:"model_backend,omitempty"`
	QueueDepth      int       `json:"queue_depth"`
	Sent            uint64    `json:"sent"`
	Failed          uint64    `json:"failed"`
	Dropped         uint64    `json:"dropped"`
}

// Monitor owns the periodic cycle and the runtime state the twin channel
// can patch.
type Monitor struct {
	logger     *zap.Logger
	source     MetricSource
	threshold  *detector.ThresholdDetector
	ml         *detector.MLDetector
	store      TimeSeriesSink
	durable    DurableSink
	analysis   Analyzer
	dispatcher Dispatcher

	cfg     atomic.Pointer[config.Config]
	localAI atomic.Bool
	cloudAI atomic.Bool

	cycles    atomic.Uint64
	anomalies atomic.Uint64
	lastCycle atomic.Int64 // unix nanos, 0 before the first cycle

	collectNow chan struct{}
	retrainReq chan struct{}
}

// New builds a monitor over the given collaborators.
func New(logger *zap.Logger, cfg *config.Config, opts Options) *Monitor {
	m := &Monitor{
		logger:     logger,
		source:     opts.Source,
		threshold:  opts.Threshold,
		ml:         opts.ML,
		store:      opts.Store,
		durable:    opts.Durable,
		analysis:   opts.Analysis,
		dispatcher: opts.Dispatcher,
		collectNow: make(chan struct{}, 1),
		retrainReq: make(chan struct{}, 1),
	}
	m.cfg.Store(cfg.Clone())
	m.localAI.Store(cfg.ML.Enabled)
	m.cloudAI.Store(cfg.Cloud.Analysis.Enabled)
	return m
}

// Run executes cycles until the context ends. The interval is measured
// from cycle completion, so a slow cycle delays the next one instead of
// overlapping it.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("monitor started",
		zap.String("device_id", m.cfg.Load().DeviceID),
		zap.Duration("interval", m.cfg.Load().Interval()))

	for {
		if ctx.Err() != nil {
			return
		}
		m.runCycle(ctx)
		if !m.sleep(ctx) {
			return
		}
	}
}

// sleep waits out the interval between cycles. A collect_now request cuts
// the wait short; a retrain request is served in place without scheduling
// an extra collection cycle.
func (m *Monitor) sleep(ctx context.Context) bool {
	timer := time.NewTimer(m.cfg.Load().Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-m.collectNow:
			m.logger.Info("immediate collection requested")
			return true
		case <-m.retrainReq:
			m.retrain(ctx)
		}
	}
}

// runCycle executes one full pipeline pass.
func (m *Monitor) runCycle(ctx context.Context) {
	started := time.Now()

	// Sampling is the one stage the cycle cannot survive.
	snap, err := m.source.Sample(ctx)
	if err != nil {
		metrics.StageFailuresTotal.WithLabelValues("sample").Inc()
		m.logger.Error("sampling failed, skipping cycle", zap.Error(err))
		return
	}

	thresholdVerdict := m.threshold.Detect(snap)

	mlVerdict := telemetry.Verdict{Source: telemetry.SourceLocalModel}
	if m.localAI.Load() && m.ml != nil {
		if !m.ml.Trained() {
			m.trainFromHistory(ctx, m.cfg.Load().TrainWindow())
		}
		mlVerdict = m.ml.Predict(snap)
	}

	combined := thresholdVerdict.IsAnomaly || mlVerdict.IsAnomaly
	if thresholdVerdict.IsAnomaly {
		metrics.AnomaliesTotal.WithLabelValues(string(telemetry.SourceThreshold)).Inc()
	}
	if mlVerdict.IsAnomaly {
		metrics.AnomaliesTotal.WithLabelValues(string(telemetry.SourceLocalModel)).Inc()
	}
	if combined {
		m.anomalies.Add(1)
	}

	var remote *telemetry.RemoteVerdict
	if m.cloudAI.Load() && m.analysis != nil {
		remote, err = m.analysis.Analyze(ctx, snap)
		if err != nil {
			metrics.StageFailuresTotal.WithLabelValues("analysis").Inc()
			m.logger.Warn("remote analysis failed", zap.Error(err))
			remote = nil
		} else if remote != nil && remote.Anomalous() {
			metrics.AnomaliesTotal.WithLabelValues(string(telemetry.SourceRemoteModel)).Inc()
		}
	}

	localVerdict := telemetry.Verdict{
		IsAnomaly:  combined,
		Score:      mlVerdict.Score,
		Violations: thresholdVerdict.Violations,
	}
	switch {
	case thresholdVerdict.IsAnomaly:
		localVerdict.Source = telemetry.SourceThreshold
	case mlVerdict.IsAnomaly:
		localVerdict.Source = telemetry.SourceLocalModel
	}
	if err := m.store.Write(ctx, snap, localVerdict, remote); err != nil {
		metrics.StageFailuresTotal.WithLabelValues("persist").Inc()
		m.logger.Error("local persistence failed", zap.Error(err))
	}

	payload := telemetry.BuildPayload(snap, combined, mlVerdict.Score, thresholdVerdict.Violations, remote)

	if m.dispatcher != nil {
		m.dispatcher.Upload(ctx, payload)
	}

	// The secondary sink is best-effort and independent of the dispatch
	// outcome.
	if m.durable != nil {
		if err := m.durable.Store(ctx, payload); err != nil {
			metrics.StageFailuresTotal.WithLabelValues("durable").Inc()
			m.logger.Warn("durable store write failed", zap.Error(err))
		}
	}

	m.cycles.Add(1)
	m.lastCycle.Store(started.UnixNano())
	metrics.CyclesTotal.Inc()
	metrics.CycleDuration.Observe(time.Since(started).Seconds())

	m.logger.Debug("cycle complete",
		zap.Bool("anomaly", combined),
		zap.Int("violations", len(thresholdVerdict.Violations)),
		zap.Duration("took", time.Since(started)))
}

// trainFromHistory fits the model from recent persisted snapshots. Too few
// samples leaves the detector untrained without an error.
func (m *Monitor) trainFromHistory(ctx context.Context, window time.Duration) {
	samples, err := m.store.ReadRecent(ctx, window)
	if err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues("failed").Inc()
		m.logger.Warn("training data read failed", zap.Error(err))
		return
	}

	if err := m.ml.Train(samples); err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues("failed").Inc()
		m.logger.Error("model training failed", zap.Error(err))
		return
	}
	if m.ml.Trained() {
		metrics.ModelTrainingsTotal.WithLabelValues("trained").Inc()
	} else {
		metrics.ModelTrainingsTotal.WithLabelValues("skipped").Inc()
	}
}

// retrain handles an explicit retrain command with the wider lookback.
func (m *Monitor) retrain(ctx context.Context) {
	if m.ml == nil {
		return
	}
	m.logger.Info("retrain requested")
	m.trainFromHistory(ctx, m.cfg.Load().RetrainWindow())
}

// TriggerCollect requests an immediate cycle; duplicate requests while one
// is pending are coalesced.
func (m *Monitor) TriggerCollect() {
	select {
	case m.collectNow <- struct{}{}:
	default:
	}
}

// TriggerRetrain requests a model retrain over the retrain window.
func (m *Monitor) TriggerRetrain() {
	select {
	case m.retrainReq <- struct{}{}:
	default:
	}
}

// ApplyPatch applies a desired-state update from the twin channel. Nil
// fields keep their current value; an unknown command is logged and
// ignored.
func (m *Monitor) ApplyPatch(patch cloud.DesiredPatch) {
	if len(patch.Thresholds) > 0 {
		m.threshold.UpdateThresholds(patch.Thresholds)
	}
	if patch.IntervalSeconds != nil && *patch.IntervalSeconds > 0 {
		cfg := m.cfg.Load().Clone()
		cfg.IntervalSeconds = *patch.IntervalSeconds
		m.cfg.Store(cfg)
		m.logger.Info("interval updated", zap.Duration("interval", cfg.Interval()))
	}
	if patch.LocalAI != nil {
		m.localAI.Store(*patch.LocalAI)
		m.logger.Info("local model toggled", zap.Bool("enabled", *patch.LocalAI))
	}
	if patch.CloudAI != nil {
		m.cloudAI.Store(*patch.CloudAI)
		m.logger.Info("cloud analysis toggled", zap.Bool("enabled", *patch.CloudAI))
	}

	switch patch.Command {
	case "":
	case cloud.CommandCollectNow:
		m.TriggerCollect()
	case cloud.CommandRetrainModel:
		m.TriggerRetrain()
	default:
		m.logger.Warn("unknown twin command", zap.String("command", patch.Command))
	}
}

// ReportedState builds the device-side state for the twin channel.
func (m *Monitor) ReportedState() cloud.ReportedState {
	cfg := m.cfg.Load()
	state := cloud.ReportedState{
		DeviceID:        cfg.DeviceID,
		IntervalSeconds: cfg.IntervalSeconds,
		LocalAI:         m.localAI.Load(),
		CloudAI:         m.cloudAI.Load(),
		Cycles:          m.cycles.Load(),
		Anomalies:       m.anomalies.Load(),
	}
	if m.dispatcher != nil {
		state.QueueDepth = m.dispatcher.QueueLen()
	}
	if m.ml != nil {
		state.ModelTrained = m.ml.Trained()
		state.ModelBackend = m.ml.Backend()
	}
	if ns := m.lastCycle.Load(); ns > 0 {
		state.LastCycle = time.Unix(0, ns).UTC()
	}
	return state
}

// Status builds the snapshot for the HTTP status endpoint.
func (m *Monitor) Status() Status {
	cfg := m.cfg.Load()

	s := Status{
		DeviceID:        cfg.DeviceID,
		IntervalSeconds: cfg.IntervalSeconds,
		Cycles:          m.cycles.Load(),
		Anomalies:       m.anomalies.Load(),
		LocalAI:         m.localAI.Load(),
		CloudAI:         m.cloudAI.Load(),
	}
	if m.dispatcher != nil {
		s.QueueDepth = m.dispatcher.QueueLen()
		s.Sent, s.Failed, s.Dropped = m.dispatcher.Stats()
	}
	if m.ml != nil {
		s.ModelTrained = m.ml.Trained()
		s.ModelBackend = m.ml.Backend()
	}
	if ns := m.lastCycle.Load(); ns > 0 {
		s.LastCycle = time.Unix(0, ns).UTC()
	}
	return s
}
