package notifier

import (
	"context"
	"time"

	kit "gamenight/internal/transport"
)

// Config controls reminder fan-out.
type Config struct {
	Workers       int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	// Breaker opens after this many consecutive platform failures and stays
	// open for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	// DirectMessages sends the final reminder to every recipient privately.
	DirectMessages bool
}

// Sender is the part of the chat transport the notifier needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	SendDirect(ctx context.Context, userID int64, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

const (
	StagePre   = "pre"
	StageFinal = "final"

	ChannelChat   = "chat"
	ChannelDirect = "dm"
)

// Report counts delivery outcomes. Failures never abort a fan-out.
type Report struct {
	Sent     int
	Failed   int
	Failures []Failure
}

type Failure struct {
	Channel string
	ID      int64
	Err     error
}

// NotificationEvent is published for every delivery attempt outcome.
type NotificationEvent struct {
	Stage   string    `json:"stage"`
	Channel string    `json:"channel"`
	EventID string    `json:"event_id"`
	ChatID  int64     `json:"chat_id,omitempty"`
	UserID  int64     `json:"user_id,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
