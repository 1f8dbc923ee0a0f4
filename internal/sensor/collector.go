// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

// Package sensor samples the device's own operating metrics via gopsutil.
// Each sub-group is probed independently; a failed or disabled probe makes
// the group absent from the snapshot rather than failing the sample.
package sensor // import "github.com/edgewatch/edgewatch/internal/sensor"

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/sensors"
	"go.uber.org/zap"

	"github.com/edgewatch/edgewatch/internal/config"
	"github.com/edgewatch/edgewatch/internal/telemetry"
)

const (
	bytesPerMB = 1024 * 1024
	bytesPerGB = 1024 * 1024 * 1024
)

// Collector is the local MetricSource.
type Collector struct {
	logger   *zap.Logger
	deviceID string
	enabled  config.SensorFlags
	diskPath string
}

// NewCollector builds a collector for the device.
func NewCollector(logger *zap.Logger, deviceID string, enabled config.SensorFlags, diskPath string) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{
		logger:   logger,
		deviceID: deviceID,
		enabled:  enabled,
		diskPath: diskPath,
	}
}

// Sample collects a fresh snapshot. It fails only when every enabled
// sub-group failed to probe; individual probe failures just omit the group.
func (c *Collector) Sample(ctx context.Context) (*telemetry.Snapshot, error) {
	snap := &telemetry.Snapshot{
		Timestamp: time.Now().UTC(),
		DeviceID:  c.deviceID,
	}

	probed, collected := 0, 0

	if c.enabled.CPU {
		probed++
		if group := c.sampleCPU(ctx); group != nil {
			snap.CPU = group
			collected++
		}
	}
	if c.enabled.Memory {
		probed++
		if group := c.sampleMemory(ctx); group != nil {
			snap.Memory = group
			collected++
		}
	}
	if c.enabled.Disk {
		probed++
		if group := c.sampleDisk(ctx); group != nil {
			snap.Disk = group
			collected++
		}
	}
	if c.enabled.Network {
		probed++
		if group := c.sampleNetwork(ctx); group != nil {
			snap.Network = group
			collected++
		}
	}

	if probed > 0 && collected == 0 {
		return nil, errors.New("all enabled sensor probes failed")
	}
	return snap, nil
}

func (c *Collector) sampleCPU(ctx context.Context) *telemetry.CPUMetrics {
	// Interval 0 compares against the previous call instead of blocking
	// the cycle for a measurement window.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		c.logger.Debug("cpu usage probe failed", zap.Error(err))
		return nil
	}

	group := &telemetry.CPUMetrics{UsagePercent: percents[0]}

	if temp, ok := c.cpuTemperature(ctx); ok {
		group.Temperature = &temp
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		group.FrequencyMHz = infos[0].Mhz
	}
	if count, err := cpu.CountsWithContext(ctx, true); err == nil {
		group.CoreCount = count
	}

	return group
}

// cpuTemperature scans the thermal sensors for a CPU package reading.
func (c *Collector) cpuTemperature(ctx context.Context) (float64, bool) {
	readings, err := sensors.TemperaturesWithContext(ctx)
	if err != nil || len(readings) == 0 {
		return 0, false
	}

	for _, r := range readings {
		key := strings.ToLower(r.SensorKey)
		if strings.Contains(key, "cpu") || strings.Contains(key, "coretemp") || strings.Contains(key, "k10temp") {
			return r.Temperature, true
		}
	}
	return readings[0].Temperature, true
}

func (c *Collector) sampleMemory(ctx context.Context) *telemetry.MemoryMetrics {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		c.logger.Debug("memory probe failed", zap.Error(err))
		return nil
	}
	return &telemetry.MemoryMetrics{
		Percent: vm.UsedPercent,
		UsedMB:  float64(vm.Used) / bytesPerMB,
		TotalMB: float64(vm.Total) / bytesPerMB,
	}
}

func (c *Collector) sampleDisk(ctx context.Context) *telemetry.DiskMetrics {
	usage, err := disk.UsageWithContext(ctx, c.diskPath)
	if err != nil {
		c.logger.Debug("disk probe failed",
			zap.String("path", c.diskPath),
			zap.Error(err))
		return nil
	}
	return &telemetry.DiskMetrics{
		Percent: usage.UsedPercent,
		UsedGB:  float64(usage.Used) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
	}
}

func (c *Collector) sampleNetwork(ctx context.Context) *telemetry.NetworkMetrics {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil || len(counters) == 0 {
		c.logger.Debug("network probe failed", zap.Error(err))
		return nil
	}
	return &telemetry.NetworkMetrics{
		SentMB: float64(counters[0].BytesSent) / bytesPerMB,
		RecvMB: float64(counters[0].BytesRecv) / bytesPerMB,
	}
}
