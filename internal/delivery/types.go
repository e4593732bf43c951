package delivery

import (
	"context"
	"errors"
	"time"

	"chime/internal/notification"
)

var (
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery stopped")
	ErrNoChannel = errors.New("no delivery channel")
)

// Channel shows a fired notification to the user.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, r notification.Record) error
}

// AckChannel is implemented by channels that reflect an acknowledgment
// back to the user (for example by removing the "Open" button).
type AckChannel interface {
	Channel
	Acknowledged(ctx context.Context, r notification.Record) error
}

// Config controls the async delivery pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SendTimeout bounds a single Deliver call. 0 means 10s.
	SendTimeout time.Duration
}

// Bus event types published by the Dispatcher.
const (
	EventSent    = "delivery.sent"
	EventFailed  = "delivery.failed"
	EventDropped = "delivery.dropped"
)

// Event is the bus payload for delivery outcomes. Keep it small; it may be
// logged or serialized by subscribers.
type Event struct {
	Channel  string        `json:"channel"`
	ID       string        `json:"id"`
	Kind     string        `json:"kind"` // fired | acknowledged
	Attempts int           `json:"attempts"`
	Latency  time.Duration `json:"latency"`
	Error    string        `json:"error,omitempty"`
}

// Stats is a best-effort operational view; not a synchronization primitive.
type Stats struct {
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Queued  int    `json:"queued"`
}
