package dispatch

import (
	"context"
	"time"

	"clubledger/internal/channel"
	"clubledger/internal/eventbus"
	"clubledger/internal/notify"
)

// State is the per-(intent, channel) delivery state.
//
// Pending moves to Sent, Rejected, or Exhausted; a transient failure keeps
// the pair Pending (recorded as a Failed attempt plus a scheduled retry).
type State string

const (
	StatePending   State = "pending"
	StateSent      State = "sent"
	StateFailed    State = "failed"
	StateRejected  State = "rejected"
	StateExhausted State = "exhausted"
)

// Attempt is one delivery try, persisted so a restart resumes retries
// instead of losing in-memory timers.
type Attempt struct {
	IntentID    string
	DedupKey    string
	Channel     channel.Channel
	Address     string
	AttemptNo   int
	State       State
	Error       string
	NextRetryAt time.Time
	AttemptedAt time.Time
}

// Subscription links a recipient to a channel address. Flagged marks an
// address a channel permanently rejected; it stays for operator review and
// is never auto-deleted.
type Subscription struct {
	RecipientID string
	Channel     channel.Channel
	Address     string
	Active      bool
	Flagged     bool
}

// PendingDelivery is a scheduled retry reloaded from the store on startup.
type PendingDelivery struct {
	Intent  notify.Intent
	Attempt Attempt
}

// Config controls the delivery pipeline. Workers and QueueSize are per
// channel so one channel's backlog never blocks the other.
type Config struct {
	Workers       int
	QueueSize     int
	RetryMax      int // retries after the first attempt
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Store is the durable delivery state the coordinator needs.
type Store interface {
	SaveIntent(ctx context.Context, in notify.Intent) error
	ActiveSubscriptions(ctx context.Context, recipientID string) ([]Subscription, error)
	FlagSubscription(ctx context.Context, recipientID string, ch channel.Channel, address string) error

	// RecordAttempt upserts on (dedup_key, channel, attempt_no) so a try's
	// state can progress from pending to its outcome.
	RecordAttempt(ctx context.Context, a Attempt) error
	// TerminalAttemptExists reports whether the pair already has a Sent or
	// Rejected attempt; such pairs are never retried.
	TerminalAttemptExists(ctx context.Context, dedupKey string, ch channel.Channel) (bool, error)
	// PendingDeliveries returns the latest pending attempt per pair, joined
	// with its intent, for resume after restart.
	PendingDeliveries(ctx context.Context) ([]PendingDelivery, error)
}

// DeliveryEvent is published on the event bus for delivery outcomes.
type DeliveryEvent struct {
	IntentID  string          `json:"intent_id"`
	DedupKey  string          `json:"dedup_key"`
	Channel   channel.Channel `json:"channel"`
	Address   string          `json:"address"`
	AttemptNo int             `json:"attempt_no"`
	Error     string          `json:"error,omitempty"`
	At        time.Time       `json:"at"`
}

// Event bus topics for delivery outcomes.
const (
	TopicSent      eventbus.Topic = "dispatch.sent"
	TopicRejected  eventbus.Topic = "dispatch.rejected"
	TopicExhausted eventbus.Topic = "dispatch.exhausted"
)
