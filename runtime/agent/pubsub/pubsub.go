// Package pubsub implements the three channel families and the active-run
// TTL keyspace named in spec.md §6, directly on go-redis: best-effort,
// low-latency notification, never the durable source of truth for a run's
// events (that's the in-memory buffer and, after the run, the AgentRun row's
// responses array).
package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ControlSignal is published on a run's control channels.
type ControlSignal string

const (
	SignalStop      ControlSignal = "STOP"
	SignalEndStream ControlSignal = "END_STREAM"
)

// PubSub wraps a redis.Client with the channel-naming and active-run-key
// conventions spec.md §6 names literally.
type PubSub struct {
	rdb *redis.Client
}

// New wraps an existing go-redis client.
func New(rdb *redis.Client) *PubSub {
	return &PubSub{rdb: rdb}
}

func eventsChannel(runID string) string { return fmt.Sprintf("agent_run:%s:events", runID) }
func controlChannel(runID string) string { return fmt.Sprintf("agent_run:%s:control", runID) }
func instanceControlChannel(runID, instance string) string {
	return fmt.Sprintf("agent_run:%s:control:%s", runID, instance)
}
func activeRunKey(instance, runID string) string {
	return fmt.Sprintf("active_run:%s:%s", instance, runID)
}

// PublishEvent publishes a raw JSON-encoded event on a run's events channel.
func (p *PubSub) PublishEvent(ctx context.Context, runID string, payload []byte) error {
	return p.rdb.Publish(ctx, eventsChannel(runID), payload).Err()
}

// SubscribeEvents subscribes to a run's events channel.
func (p *PubSub) SubscribeEvents(ctx context.Context, runID string) *redis.PubSub {
	return p.rdb.Subscribe(ctx, eventsChannel(runID))
}

// PublishControl publishes sig on both the global and (if instance != "") the
// per-instance control channel for a run, matching spec.md §4.5's "publishes
// STOP on the run's global control channel and on every per-instance control
// channel it can find". The per-instance channel is addressed directly here
// since the Supervisor tracks which instance owns a run; a gateway without
// that knowledge uses only the global channel.
func (p *PubSub) PublishControl(ctx context.Context, runID, instance string, sig ControlSignal) error {
	if err := p.rdb.Publish(ctx, controlChannel(runID), string(sig)).Err(); err != nil {
		return err
	}
	if instance == "" {
		return nil
	}
	return p.rdb.Publish(ctx, instanceControlChannel(runID, instance), string(sig)).Err()
}

// SubscribeControl subscribes to both the global and per-instance control
// channels for a run.
func (p *PubSub) SubscribeControl(ctx context.Context, runID, instance string) *redis.PubSub {
	return p.rdb.Subscribe(ctx, controlChannel(runID), instanceControlChannel(runID, instance))
}

// RefreshActiveRun sets (or refreshes) the short-TTL liveness key for a run
// owned by instance.
func (p *PubSub) RefreshActiveRun(ctx context.Context, instance, runID string, ttl time.Duration) error {
	return p.rdb.Set(ctx, activeRunKey(instance, runID), "1", ttl).Err()
}

// DeleteActiveRun removes the liveness key, signalling no instance is
// currently driving the run.
func (p *PubSub) DeleteActiveRun(ctx context.Context, instance, runID string) error {
	return p.rdb.Del(ctx, activeRunKey(instance, runID)).Err()
}

// IsActive reports whether the liveness key for instance/runID is still set.
func (p *PubSub) IsActive(ctx context.Context, instance, runID string) (bool, error) {
	n, err := p.rdb.Exists(ctx, activeRunKey(instance, runID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
