package notifier

import (
	"context"
	"time"
)

type Type string

const (
	TypeInfo    Type = "info"
	TypeSuccess Type = "success"
	TypeWarning Type = "warning"
	TypeError   Type = "error"
)

// Notification is a message for one owner.
type Notification struct {
	Type    Type   `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
	// JobID is optional context for senders and dedup.
	JobID string `json:"job_id,omitempty"`
}

// Sender performs the actual delivery.
type Sender interface {
	Name() string
	Send(ctx context.Context, ownerID string, n Notification) error
}

// Config controls the async pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type HistoryItem struct {
	At      time.Time    `json:"at"`
	OwnerID string       `json:"owner_id"`
	N       Notification `json:"notification"`
	Sender  string       `json:"sender"`
	Error   string       `json:"error,omitempty"`
}

// Event is the payload of notifier.* bus events.
type Event struct {
	OwnerID string    `json:"owner_id"`
	JobID   string    `json:"job_id,omitempty"`
	Type    Type      `json:"type"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
