package notify

import (
	"fmt"
	"hash/fnv"
	"time"

	"clubledger/internal/ledger"
)

// IntentKind classifies a channel-neutral notification.
type IntentKind string

const (
	KindBalanceChanged    IntentKind = "balance_changed"
	KindOverdueReminder   IntentKind = "overdue_reminder"
	KindAttendanceSummary IntentKind = "attendance_summary"
)

// Payload carries the structured, channel-neutral content of an intent.
// Channel adapters never see this directly; Render turns it into text.
type Payload struct {
	AthleteID   string        `json:"athlete_id"`
	AthleteName string        `json:"athlete_name,omitempty"`
	Status      ledger.Status `json:"status,omitempty"`
	Amount      int64         `json:"amount,omitempty"` // minor units, positive = owed
	Days        int           `json:"days,omitempty"`
	Date        string        `json:"date,omitempty"` // YYYY-MM-DD (attendance)
	Present     bool          `json:"present,omitempty"`
}

// Intent is one logical notification for one recipient.
//
// DedupKey identifies the logical event: two intents with the same key are
// the same notification, regardless of when they were composed.
type Intent struct {
	ID          string     `json:"id"`
	RecipientID string     `json:"recipient_id"`
	Kind        IntentKind `json:"kind"`
	Payload     Payload    `json:"payload"`
	DedupKey    string     `json:"dedup_key"`
	CreatedAt   time.Time  `json:"created_at"`
}

// dedupKey hashes the recipient, kind, payload-relevant fields, and a time
// bucket so repeats of the same logical event collapse while distinct
// events (new balance, next reminder window) get fresh keys.
func dedupKey(recipientID string, kind IntentKind, p Payload, bucket string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(recipientID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(fmt.Sprintf("%s:%s:%d:%s:%t|", p.AthleteID, p.Status, p.Amount, p.Date, p.Present)))
	_, _ = h.Write([]byte(bucket))
	return fmt.Sprintf("%x", h.Sum64())
}
