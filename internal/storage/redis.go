// Copyright The Edgewatch Authors
// SPDX-License-Identifier: Apache-2.0

package storage // import "github.com/edgewatch/edgewatch/internal/storage"

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edgewatch/edgewatch/internal/telemetry"
)

// DurableStore mirrors outbound payloads into Redis so another consumer on
// the local network can read them even while the cloud channel is down.
type DurableStore struct {
	logger *zap.Logger
	client *redis.Client
	ttl    time.Duration
}

// OpenDurable connects to Redis and verifies it with a ping.
func OpenDurable(ctx context.Context, logger *zap.Logger, addr, password string, db int, ttl, writeTimeout time.Duration) (*DurableStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		WriteTimeout: writeTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}

	logger.Info("durable store connected", zap.String("addr", addr))
	return &DurableStore{logger: logger, client: client, ttl: ttl}, nil
}

// Store writes one payload under a device- and time-keyed entry.
func (d *DurableStore) Store(ctx context.Context, payload *telemetry.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	key := fmt.Sprintf("telemetry:%s:%d", payload.DeviceID, payload.Timestamp.Unix())
	if err := d.client.Set(ctx, key, body, d.ttl).Err(); err != nil {
		return fmt.Errorf("store payload %s: %w", payload.ID, err)
	}
	return nil
}

// Close releases the Redis connection.
func (d *DurableStore) Close() error {
	return d.client.Close()
}
