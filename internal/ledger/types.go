package ledger

import (
	"errors"
	"fmt"
	"time"
)

// EventKind classifies a ledger event.
type EventKind string

const (
	KindDueAssessed     EventKind = "due_assessed"
	KindPaymentReceived EventKind = "payment_received"
	KindAdjustment      EventKind = "adjustment"
)

// Event is one immutable entry in an athlete's payment log.
//
// Amounts are signed minor currency units: positive = owed, negative = paid.
// The log is append-only; corrections are new Adjustment events.
type Event struct {
	ID             int64
	AthleteID      string
	Kind           EventKind
	Amount         int64
	OccurredAt     time.Time
	RecordedBy     string
	IdempotencyKey string
}

// Status is the derived payment standing of an athlete.
type Status string

const (
	StatusPaid    Status = "paid"
	StatusOwing   Status = "owing"
	StatusOverdue Status = "overdue"
)

// Balance is the fold of an athlete's events.
//
// OverSince is the time since which the balance has continuously exceeded
// the grace threshold (zero when it hasn't). Version is the ID of the last
// applied event and is used for cache validation.
type Balance struct {
	AthleteID string
	Amount    int64
	Status    Status
	OverSince time.Time
	Version   int64
	AsOf      time.Time
}

// Overdue is one row of ListOverdue output.
type Overdue struct {
	AthleteID string
	Amount    int64
	Since     time.Time // when the overdue period began (grace days already elapsed)
	Days      int
}

// Transition is published on the event bus when an append moves an athlete
// between status categories.
type Transition struct {
	AthleteID string    `json:"athlete_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Amount    int64     `json:"amount"`
	At        time.Time `json:"at"`
}

// ErrDuplicateEvent reports an idempotency-key replay. The append is a
// no-op; callers still receive the athlete's current balance.
var ErrDuplicateEvent = errors.New("duplicate ledger event")

// ValidationError rejects a malformed event before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid ledger event: %s: %s", e.Field, e.Reason)
}

func validate(ev Event) error {
	if ev.AthleteID == "" {
		return &ValidationError{Field: "athlete_id", Reason: "required"}
	}
	if ev.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotency_key", Reason: "required"}
	}
	switch ev.Kind {
	case KindDueAssessed:
		if ev.Amount < 0 {
			return &ValidationError{Field: "amount", Reason: "due_assessed must be >= 0"}
		}
	case KindPaymentReceived:
		if ev.Amount > 0 {
			return &ValidationError{Field: "amount", Reason: "payment_received must be <= 0"}
		}
	case KindAdjustment:
		// any sign
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", ev.Kind)}
	}
	return nil
}
