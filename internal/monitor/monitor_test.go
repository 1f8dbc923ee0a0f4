// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/edgewatch/edgewatch/internal/cloud"
	"github.com/edgewatch/edgewatch/internal/config"
	"github.com/edgewatch/edgewatch/internal/detector"
	"github.com/edgewatch/edgewatch/internal/mlmodel"
	"github.com/edgewatch/edgewatch/internal/telemetry"
)

type fakeSource struct {
	mu    sync.Mutex
	snaps []*telemetry.Snapshot
	err   error
}

func (f *fakeSource) Sample(context.Context) (*telemetry.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	snap := f.snaps[0]
	if len(f.snaps) > 1 {
		f.snaps = f.snaps[1:]
	}
	return snap, nil
}

type storedRow struct {
	snap   *telemetry.Snapshot
	local  telemetry.Verdict
	remote *telemetry.RemoteVerdict
}

type fakeStore struct {
	mu       sync.Mutex
	rows     []storedRow
	recent   []*telemetry.Snapshot
	writeErr error
}

func (f *fakeStore) Write(_ context.Context, snap *telemetry.Snapshot, local telemetry.Verdict, remote *telemetry.RemoteVerdict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.rows = append(f.rows, storedRow{snap: snap, local: local, remote: remote})
	return nil
}

func (f *fakeStore) ReadRecent(context.Context, time.Duration) ([]*telemetry.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent, nil
}

func (f *fakeStore) setRecent(snaps []*telemetry.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recent = snaps
}

type fakeDispatcher struct {
	mu       sync.Mutex
	payloads []*telemetry.Payload
}

func (f *fakeDispatcher) Upload(_ context.Context, payload *telemetry.Payload) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return true
}

func (f *fakeDispatcher) QueueLen() int { return 0 }

func (f *fakeDispatcher) Stats() (uint64, uint64, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.payloads)), 0, 0
}

func (f *fakeDispatcher) uploaded() []*telemetry.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*telemetry.Payload(nil), f.payloads...)
}

type fakeAnalyzer struct {
	verdict *telemetry.RemoteVerdict
	err     error
}

func (f *fakeAnalyzer) Analyze(context.Context, *telemetry.Snapshot) (*telemetry.RemoteVerdict, error) {
	return f.verdict, f.err
}

func ptr(v float64) *float64 { return &v }

func healthySnapshot() *telemetry.Snapshot {
	return &telemetry.Snapshot{
		Timestamp: time.Now().UTC(),
		DeviceID:  "dev-1",
		CPU:       &telemetry.CPUMetrics{Temperature: ptr(45), UsagePercent: 30},
		Memory:    &telemetry.MemoryMetrics{Percent: 60},
		Disk:      &telemetry.DiskMetrics{Percent: 70},
		Network:   &telemetry.NetworkMetrics{SentMB: 10, RecvMB: 20},
	}
}

func hotSnapshot() *telemetry.Snapshot {
	return &telemetry.Snapshot{
		Timestamp: time.Now().UTC(),
		DeviceID:  "dev-1",
		CPU:       &telemetry.CPUMetrics{Temperature: ptr(90), UsagePercent: 98},
		Memory:    &telemetry.MemoryMetrics{Percent: 95},
		Disk:      &telemetry.DiskMetrics{Percent: 70},
	}
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DeviceID = "dev-1"
	cfg.ML.Enabled = false
	cfg.ML.ModelDir = t.TempDir()
	cfg.Storage.Path = t.TempDir() + "/db"
	return cfg
}

func newTestMonitor(t *testing.T, cfg *config.Config, opts Options) *Monitor {
	t.Helper()
	if opts.Threshold == nil {
		opts.Threshold = detector.NewThresholdDetector(zaptest.NewLogger(t), cfg.Thresholds)
	}
	return New(zaptest.NewLogger(t), cfg, opts)
}

func TestCycleThresholdAnomaly(t *testing.T) {
	store := &fakeStore{}
	dispatcher := &fakeDispatcher{}
	m := newTestMonitor(t, testConfig(t), Options{
		Source:     &fakeSource{snaps: []*telemetry.Snapshot{hotSnapshot()}},
		Store:      store,
		Dispatcher: dispatcher,
	})

	m.runCycle(context.Background())

	payloads := dispatcher.uploaded()
	require.Len(t, payloads, 1)
	assert.True(t, payloads[0].LocalAnalysis.IsAnomaly)
	assert.Equal(t, []string{
		telemetry.MetricCPUTemperature,
		telemetry.MetricCPUUsage,
		telemetry.MetricMemory,
	}, payloads[0].LocalAnalysis.ThresholdViolations)

	require.Len(t, store.rows, 1)
	assert.True(t, store.rows[0].local.IsAnomaly)
	assert.Equal(t, uint64(1), m.anomalies.Load())
}

func TestCycleHealthy(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	m := newTestMonitor(t, testConfig(t), Options{
		Source:     &fakeSource{snaps: []*telemetry.Snapshot{healthySnapshot()}},
		Store:      &fakeStore{},
		Dispatcher: dispatcher,
	})

	m.runCycle(context.Background())

	payloads := dispatcher.uploaded()
	require.Len(t, payloads, 1)
	assert.False(t, payloads[0].LocalAnalysis.IsAnomaly)
	assert.Empty(t, payloads[0].LocalAnalysis.ThresholdViolations)
	assert.Zero(t, m.anomalies.Load())
}

func TestCycleSampleFailureSkipsEverything(t *testing.T) {
	store := &fakeStore{}
	dispatcher := &fakeDispatcher{}
	m := newTestMonitor(t, testConfig(t), Options{
		Source:     &fakeSource{err: errors.New("probe failed")},
		Store:      store,
		Dispatcher: dispatcher,
	})

	m.runCycle(context.Background())

	assert.Empty(t, dispatcher.uploaded())
	assert.Empty(t, store.rows)
	assert.Zero(t, m.cycles.Load())
}

func TestCycleSurvivesPersistenceFailure(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	m := newTestMonitor(t, testConfig(t), Options{
		Source:     &fakeSource{snaps: []*telemetry.Snapshot{healthySnapshot()}},
		Store:      &fakeStore{writeErr: errors.New("disk full")},
		Dispatcher: dispatcher,
	})

	m.runCycle(context.Background())

	// A failing local store must not block dispatch.
	assert.Len(t, dispatcher.uploaded(), 1)
	assert.Equal(t, uint64(1), m.cycles.Load())
}

func TestCycleSurvivesAnalysisFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cloud.Analysis.Enabled = true

	dispatcher := &fakeDispatcher{}
	m := newTestMonitor(t, cfg, Options{
		Source:     &fakeSource{snaps: []*telemetry.Snapshot{healthySnapshot()}},
		Store:      &fakeStore{},
		Analysis:   &fakeAnalyzer{err: errors.New("cloud down")},
		Dispatcher: dispatcher,
	})

	m.runCycle(context.Background())

	payloads := dispatcher.uploaded()
	require.Len(t, payloads, 1)
	assert.Nil(t, payloads[0].CloudAnalysis)
}

func TestCycleAttachesRemoteVerdict(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cloud.Analysis.Enabled = true

	dispatcher := &fakeDispatcher{}
	store := &fakeStore{}
	m := newTestMonitor(t, cfg, Options{
		Source: &fakeSource{snaps: []*telemetry.Snapshot{healthySnapshot()}},
		Store:  store,
		Analysis: &fakeAnalyzer{verdict: &telemetry.RemoteVerdict{
			Prediction: "anomaly", Score: 0.9, Confidence: 0.7,
		}},
		Dispatcher: dispatcher,
	})

	m.runCycle(context.Background())

	payloads := dispatcher.uploaded()
	require.Len(t, payloads, 1)
	require.NotNil(t, payloads[0].CloudAnalysis)
	assert.Equal(t, 0.9, payloads[0].CloudAnalysis.Score)

	// The remote verdict is informational: it does not flip the local flag.
	assert.False(t, payloads[0].LocalAnalysis.IsAnomaly)
	require.NotNil(t, store.rows[0].remote)
}

// jitteredHistory builds a stable cluster of readings for training.
func jitteredHistory(n int) []*telemetry.Snapshot {
	rng := rand.New(rand.NewSource(1))
	history := make([]*telemetry.Snapshot, n)
	for i := range history {
		snap := healthySnapshot()
		*snap.CPU.Temperature += rng.NormFloat64() * 2
		snap.CPU.UsagePercent += rng.NormFloat64() * 3
		snap.Memory.Percent += rng.NormFloat64() * 2
		history[i] = snap
	}
	return history
}

func newTestMLDetector(t *testing.T, cfg *config.Config) *detector.MLDetector {
	t.Helper()
	return detector.NewMLDetector(zaptest.NewLogger(t), cfg.ML.ModelDir, mlmodel.TrainOptions{
		Trees:         50,
		SubsampleSize: 64,
		Contamination: 0.1,
		Seed:          42,
	})
}

func TestCycleLazyTraining(t *testing.T) {
	cfg := testConfig(t)
	cfg.ML.Enabled = true

	history := jitteredHistory(100)
	ml := newTestMLDetector(t, cfg)
	require.False(t, ml.Trained())

	dispatcher := &fakeDispatcher{}
	m := newTestMonitor(t, cfg, Options{
		Source:     &fakeSource{snaps: []*telemetry.Snapshot{healthySnapshot()}},
		ML:         ml,
		Store:      &fakeStore{recent: history},
		Dispatcher: dispatcher,
	})

	m.runCycle(context.Background())

	// The first cycle trained the model from history and scored with it.
	assert.True(t, ml.Trained())
	require.Len(t, dispatcher.uploaded(), 1)
}

func TestCycleSkipsTrainingOnThinHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.ML.Enabled = true

	ml := newTestMLDetector(t, cfg)

	dispatcher := &fakeDispatcher{}
	m := newTestMonitor(t, cfg, Options{
		Source:     &fakeSource{snaps: []*telemetry.Snapshot{healthySnapshot()}},
		ML:         ml,
		Store:      &fakeStore{recent: []*telemetry.Snapshot{healthySnapshot()}},
		Dispatcher: dispatcher,
	})

	m.runCycle(context.Background())

	// Too little history: the cycle still completes without an ML signal.
	assert.False(t, ml.Trained())
	payloads := dispatcher.uploaded()
	require.Len(t, payloads, 1)
	assert.False(t, payloads[0].LocalAnalysis.IsAnomaly)
}

func TestCycleLocalOnlyWithoutDispatcher(t *testing.T) {
	store := &fakeStore{}
	m := newTestMonitor(t, testConfig(t), Options{
		Source: &fakeSource{snaps: []*telemetry.Snapshot{hotSnapshot()}},
		Store:  store,
	})

	m.runCycle(context.Background())

	// Without an ingest endpoint the cycle still detects and persists.
	require.Len(t, store.rows, 1)
	assert.True(t, store.rows[0].local.IsAnomaly)
	assert.Equal(t, uint64(1), m.cycles.Load())

	status := m.Status()
	assert.Zero(t, status.QueueDepth)
	assert.Zero(t, status.Sent)
	assert.Zero(t, m.ReportedState().QueueDepth)
}

func TestApplyPatch(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMonitor(t, cfg, Options{
		Source:     &fakeSource{snaps: []*telemetry.Snapshot{healthySnapshot()}},
		Store:      &fakeStore{},
		Dispatcher: &fakeDispatcher{},
	})

	interval := 10
	localAI := true
	cloudAI := true
	m.ApplyPatch(cloud.DesiredPatch{
		IntervalSeconds: &interval,
		Thresholds:      telemetry.ThresholdSet{telemetry.MetricCPUUsage: {Max: ptr(50)}},
		LocalAI:         &localAI,
		CloudAI:         &cloudAI,
		Command:         cloud.CommandCollectNow,
	})

	state := m.ReportedState()
	assert.Equal(t, 10, state.IntervalSeconds)
	assert.True(t, state.LocalAI)
	assert.True(t, state.CloudAI)

	// collect_now is queued for the run loop.
	select {
	case <-m.collectNow:
	default:
		t.Fatal("collect_now was not queued")
	}

	// The threshold patch is live immediately.
	verdict := m.threshold.Detect(&telemetry.Snapshot{
		CPU: &telemetry.CPUMetrics{UsagePercent: 60},
	})
	assert.True(t, verdict.IsAnomaly)
}

func TestApplyPatchIgnoresBadValues(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMonitor(t, cfg, Options{
		Source:     &fakeSource{snaps: []*telemetry.Snapshot{healthySnapshot()}},
		Store:      &fakeStore{},
		Dispatcher: &fakeDispatcher{},
	})

	zero := 0
	m.ApplyPatch(cloud.DesiredPatch{IntervalSeconds: &zero, Command: "reboot"})

	assert.Equal(t, cfg.IntervalSeconds, m.ReportedState().IntervalSeconds)
}

func TestRunStopsOnContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.IntervalSeconds = 3600

	m := newTestMonitor(t, cfg, Options{
		Source:     &fakeSource{snaps: []*telemetry.Snapshot{healthySnapshot()}},
		Store:      &fakeStore{},
		Dispatcher: &fakeDispatcher{},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.GreaterOrEqual(t, m.cycles.Load(), uint64(1))
}

func TestTriggerCollectRunsImmediateCycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.IntervalSeconds = 3600

	dispatcher := &fakeDispatcher{}
	m := newTestMonitor(t, cfg, Options{
		Source:     &fakeSource{snaps: []*telemetry.Snapshot{healthySnapshot()}},
		Store:      &fakeStore{},
		Dispatcher: dispatcher,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	m.TriggerCollect()
	require.Eventually(t, func() bool {
		return m.cycles.Load() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestTriggerRetrainDoesNotRunExtraCycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.ML.Enabled = true
	cfg.IntervalSeconds = 3600

	ml := newTestMLDetector(t, cfg)
	store := &fakeStore{} // empty history: the first cycle's lazy training is a no-op
	dispatcher := &fakeDispatcher{}
	m := newTestMonitor(t, cfg, Options{
		Source:     &fakeSource{snaps: []*telemetry.Snapshot{healthySnapshot()}},
		ML:         ml,
		Store:      store,
		Dispatcher: dispatcher,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return m.cycles.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.False(t, ml.Trained())

	// A retrain command trains from history but does not collect.
	store.setRecent(jitteredHistory(100))
	m.TriggerRetrain()

	require.Eventually(t, func() bool {
		return ml.Trained()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), m.cycles.Load())

	cancel()
	<-done
}

func TestStatus(t *testing.T) {
	cfg := testConfig(t)
	m := newTestMonitor(t, cfg, Options{
		Source:     &fakeSource{snaps: []*telemetry.Snapshot{hotSnapshot()}},
		Store:      &fakeStore{},
		Dispatcher: &fakeDispatcher{},
	})

	m.runCycle(context.Background())

	status := m.Status()
	assert.Equal(t, "dev-1", status.DeviceID)
	assert.Equal(t, uint64(1), status.Cycles)
	assert.Equal(t, uint64(1), status.Anomalies)
	assert.Equal(t, uint64(1), status.Sent)
	assert.False(t, status.LastCycle.IsZero())
}
