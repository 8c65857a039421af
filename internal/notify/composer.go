package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"clubledger/internal/ledger"
)

// Config controls reminder pacing.
type Config struct {
	// ReminderEvery is the minimum gap between OverdueReminder intents for
	// the same athlete while they stay overdue.
	ReminderEvery time.Duration
	// MaxReminders caps reminders per overdue spell so delivery never turns
	// into unbounded nagging.
	MaxReminders int
}

// Composer maps ledger transitions and sweep findings to notification
// intents. It performs no I/O; pacing state (reminder counts) is supplied
// by the caller.
type Composer struct {
	cfg Config
}

func NewComposer(cfg Config) *Composer {
	if cfg.ReminderEvery <= 0 {
		cfg.ReminderEvery = 72 * time.Hour
	}
	if cfg.MaxReminders <= 0 {
		cfg.MaxReminders = 3
	}
	return &Composer{cfg: cfg}
}

func (c *Composer) Config() Config { return c.cfg }

// OnTransition emits intents for status-category changes:
// entering overdue, and settling up from owing/overdue.
func (c *Composer) OnTransition(tr ledger.Transition) []Intent {
	switch {
	case tr.To == ledger.StatusOverdue:
		return []Intent{c.balanceChanged(tr)}
	case tr.To == ledger.StatusPaid && (tr.From == ledger.StatusOwing || tr.From == ledger.StatusOverdue):
		return []Intent{c.balanceChanged(tr)}
	default:
		return nil
	}
}

func (c *Composer) balanceChanged(tr ledger.Transition) Intent {
	p := Payload{
		AthleteID: tr.AthleteID,
		Status:    tr.To,
		Amount:    tr.Amount,
	}
	// One BalanceChanged per athlete+status+amount per UTC day.
	bucket := tr.At.UTC().Format("2006-01-02")
	return Intent{
		ID:          uuid.New().String(),
		RecipientID: tr.AthleteID,
		Kind:        KindBalanceChanged,
		Payload:     p,
		DedupKey:    dedupKey(tr.AthleteID, KindBalanceChanged, p, bucket),
		CreatedAt:   tr.At,
	}
}

// OverdueEntered announces an overdue spell the sweep saw first. Time alone
// moved the athlete across the grace boundary, so no append published a
// transition for it. The dedup key matches an append-driven notice for the
// same day, so the athlete hears about it once either way.
func (c *Composer) OverdueEntered(o ledger.Overdue, now time.Time) Intent {
	return c.balanceChanged(ledger.Transition{
		AthleteID: o.AthleteID,
		From:      ledger.StatusOwing,
		To:        ledger.StatusOverdue,
		Amount:    o.Amount,
		At:        now,
	})
}

// OnSweep decides whether a standing-overdue athlete gets a reminder now.
// sent and lastAt describe reminders already issued in this overdue spell.
func (c *Composer) OnSweep(o ledger.Overdue, sent int, lastAt time.Time, now time.Time) (Intent, bool) {
	if sent >= c.cfg.MaxReminders {
		return Intent{}, false
	}
	if !lastAt.IsZero() && now.Sub(lastAt) < c.cfg.ReminderEvery {
		return Intent{}, false
	}
	p := Payload{
		AthleteID: o.AthleteID,
		Status:    ledger.StatusOverdue,
		Amount:    o.Amount,
		Days:      o.Days,
	}
	// Bucket by cadence window so a re-run within the same window dedups.
	window := int64(0)
	if now.After(o.Since) {
		window = int64(now.Sub(o.Since) / c.cfg.ReminderEvery)
	}
	bucket := fmt.Sprintf("w%d", window)
	return Intent{
		ID:          uuid.New().String(),
		RecipientID: o.AthleteID,
		Kind:        KindOverdueReminder,
		Payload:     p,
		DedupKey:    dedupKey(o.AthleteID, KindOverdueReminder, p, bucket),
		CreatedAt:   now,
	}, true
}

// Attendance emits a summary intent for one recorded training session.
func (c *Composer) Attendance(athleteID, athleteName string, date time.Time, present bool, now time.Time) Intent {
	p := Payload{
		AthleteID:   athleteID,
		AthleteName: athleteName,
		Date:        date.Format("2006-01-02"),
		Present:     present,
	}
	return Intent{
		ID:          uuid.New().String(),
		RecipientID: athleteID,
		Kind:        KindAttendanceSummary,
		Payload:     p,
		DedupKey:    dedupKey(athleteID, KindAttendanceSummary, p, p.Date),
		CreatedAt:   now,
	}
}
