// Package stream consumes the change-event feed that keeps the lookup
// cache current, and tracks the health of the upstream producing it.
package stream

import (
	"context"
	"time"
)

// RecordPayload is the "after" image carried by a change event.
type RecordPayload struct {
	UserID        int64  `json:"user_id"`
	ConsumerToken string `json:"consumer_token"`
	Platform      string `json:"platform"`
	DeviceID      string `json:"device_id"`
}

// Event is one decoded change-stream message. After == nil is a
// tombstone and is skipped by the ingestion path. Err is set when the
// frame arrived but could not be decoded or failed validation; the
// monitor counts that as a processing error.
type Event struct {
	After *RecordPayload
	Err   error
}

// Category classifies upstream-health warning signals. The fixed set
// mirrors the connectivity failures that precede a dying stream.
type Category string

const (
	CategoryCoordinatorUnavailable Category = "coordinator-unavailable"
	CategoryHeartbeatExpired       Category = "heartbeat-expired"
	CategoryConnectionFailed       Category = "connection-failed"
	CategoryTimeout                Category = "timeout"
	CategoryRequestTimeout         Category = "request-timeout"
)

// HealthEvent is the structured signal the source emits when it observes
// upstream degradation, consumed by the monitor's sliding-window counter.
type HealthEvent struct {
	Category Category
	At       time.Time
}

// Source is a subscribable change-event sequence.
type Source interface {
	Subscribe(ctx context.Context) error
	Events() <-chan Event
	Health() <-chan HealthEvent
	Close() error
}
