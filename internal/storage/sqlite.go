package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"clubledger/internal/channel"
	"clubledger/internal/dispatch"
	"clubledger/internal/ledger"
	"clubledger/internal/notify"
	"clubledger/internal/roster"
	logx "clubledger/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the SQLite persistence layer. It implements the store
// interfaces declared by the ledger, dispatch, and telegram packages.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- ledger event log ---

// AppendEvent persists one event unless its idempotency key was already
// used. The check and the insert share a transaction so a replay can never
// slip in between.
func (s *Store) AppendEvent(ctx context.Context, ev ledger.Event) (ledger.Event, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Event{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM ledger_events WHERE idempotency_key = ?`, ev.IdempotencyKey,
	).Scan(&one)
	switch {
	case err == nil:
		return ledger.Event{}, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return ledger.Event{}, false, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_events(athlete_id, kind, amount, occurred_at, recorded_by, idempotency_key)
		 VALUES(?,?,?,?,?,?)`,
		ev.AthleteID, string(ev.Kind), ev.Amount,
		ev.OccurredAt.UTC().Format(time.RFC3339Nano),
		nullStr(ev.RecordedBy), ev.IdempotencyKey,
	)
	if err != nil {
		return ledger.Event{}, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.Event{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Event{}, false, err
	}
	ev.ID = id
	return ev, false, nil
}

func (s *Store) EventsByAthlete(ctx context.Context, athleteID string) ([]ledger.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, athlete_id, kind, amount, occurred_at, COALESCE(recorded_by,''), idempotency_key
		 FROM ledger_events WHERE athlete_id = ? ORDER BY id`, athleteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		var ev ledger.Event
		var kind, occurred string
		if err := rows.Scan(&ev.ID, &ev.AthleteID, &kind, &ev.Amount, &occurred, &ev.RecordedBy, &ev.IdempotencyKey); err != nil {
			return nil, err
		}
		ev.Kind = ledger.EventKind(kind)
		if ev.OccurredAt, err = time.Parse(time.RFC3339Nano, occurred); err != nil {
			return nil, fmt.Errorf("event %d occurred_at: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) EventAthletes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT athlete_id FROM ledger_events ORDER BY athlete_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- intents and delivery attempts ---

func (s *Store) SaveIntent(ctx context.Context, in notify.Intent) error {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO intents(id, recipient_id, kind, payload, dedup_key, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		in.ID, in.RecipientID, string(in.Kind), string(payload), in.DedupKey,
		in.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) RecordAttempt(ctx context.Context, a dispatch.Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts(dedup_key, channel, attempt_no, intent_id, address, state, error, next_retry_at, attempted_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(dedup_key, channel, attempt_no) DO UPDATE SET
		   state = excluded.state,
		   error = excluded.error,
		   next_retry_at = excluded.next_retry_at,
		   attempted_at = excluded.attempted_at`,
		a.DedupKey, string(a.Channel), a.AttemptNo, a.IntentID, a.Address,
		string(a.State), nullStr(a.Error), nullTime(a.NextRetryAt),
		a.AttemptedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) TerminalAttemptExists(ctx context.Context, dedupKey string, ch channel.Channel) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM delivery_attempts
		 WHERE dedup_key = ? AND channel = ? AND state IN ('sent','rejected') LIMIT 1`,
		dedupKey, string(ch),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PendingDeliveries returns the newest pending attempt of every
// (intent, channel) pair that has not reached a terminal state yet.
func (s *Store) PendingDeliveries(ctx context.Context) ([]dispatch.PendingDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.dedup_key, a.channel, a.attempt_no, a.intent_id, a.address,
		        COALESCE(a.next_retry_at,''), a.attempted_at,
		        i.recipient_id, i.kind, i.payload, i.created_at
		 FROM delivery_attempts a
		 JOIN intents i ON i.id = a.intent_id
		 WHERE a.state = 'pending'
		   AND a.attempt_no = (
		       SELECT MAX(b.attempt_no) FROM delivery_attempts b
		       WHERE b.dedup_key = a.dedup_key AND b.channel = a.channel)
		   AND NOT EXISTS (
		       SELECT 1 FROM delivery_attempts t
		       WHERE t.dedup_key = a.dedup_key AND t.channel = a.channel
		         AND t.state IN ('sent','rejected','exhausted'))
		 ORDER BY a.attempted_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dispatch.PendingDelivery
	for rows.Next() {
		var (
			p                 dispatch.PendingDelivery
			ch                string
			nextRetry         string
			attempted         string
			kind, payload     string
			intentCreated     string
		)
		if err := rows.Scan(
			&p.Attempt.DedupKey, &ch, &p.Attempt.AttemptNo, &p.Attempt.IntentID, &p.Attempt.Address,
			&nextRetry, &attempted,
			&p.Intent.RecipientID, &kind, &payload, &intentCreated,
		); err != nil {
			return nil, err
		}
		p.Attempt.Channel = channel.Channel(ch)
		p.Attempt.State = dispatch.StatePending
		if nextRetry != "" {
			if p.Attempt.NextRetryAt, err = time.Parse(time.RFC3339Nano, nextRetry); err != nil {
				return nil, err
			}
		}
		if p.Attempt.AttemptedAt, err = time.Parse(time.RFC3339Nano, attempted); err != nil {
			return nil, err
		}
		p.Intent.ID = p.Attempt.IntentID
		p.Intent.Kind = notify.IntentKind(kind)
		p.Intent.DedupKey = p.Attempt.DedupKey
		if err := json.Unmarshal([]byte(payload), &p.Intent.Payload); err != nil {
			return nil, fmt.Errorf("intent %s payload: %w", p.Intent.ID, err)
		}
		if p.Intent.CreatedAt, err = time.Parse(time.RFC3339Nano, intentCreated); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- subscriptions ---

// ActiveSubscriptions skips flagged addresses: a channel already rejected
// them permanently.
func (s *Store) ActiveSubscriptions(ctx context.Context, recipientID string) ([]dispatch.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id, channel, address, active, flagged FROM subscriptions
		 WHERE recipient_id = ? AND active = 1 AND flagged = 0 ORDER BY channel, address`,
		recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func scanSubscriptions(rows *sql.Rows) ([]dispatch.Subscription, error) {
	var out []dispatch.Subscription
	for rows.Next() {
		var sub dispatch.Subscription
		var ch string
		if err := rows.Scan(&sub.RecipientID, &ch, &sub.Address, &sub.Active, &sub.Flagged); err != nil {
			return nil, err
		}
		sub.Channel = channel.Channel(ch)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// UpsertSubscription reactivates and unflags on resubscribe: a guardian
// explicitly asking for updates again overrides an old rejection.
func (s *Store) UpsertSubscription(ctx context.Context, sub dispatch.Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(recipient_id, channel, address, active, flagged, updated_at)
		 VALUES(?,?,?,?,0,?)
		 ON CONFLICT(recipient_id, channel, address) DO UPDATE SET
		   active = excluded.active,
		   flagged = 0,
		   updated_at = excluded.updated_at`,
		sub.RecipientID, string(sub.Channel), sub.Address, sub.Active,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) DeactivateSubscription(ctx context.Context, recipientID string, ch channel.Channel, address string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET active = 0, updated_at = ?
		 WHERE recipient_id = ? AND channel = ? AND address = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), recipientID, string(ch), address,
	)
	return err
}

func (s *Store) FlagSubscription(ctx context.Context, recipientID string, ch channel.Channel, address string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET flagged = 1, updated_at = ?
		 WHERE recipient_id = ? AND channel = ? AND address = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), recipientID, string(ch), address,
	)
	return err
}

// --- roster ---

func (s *Store) UpsertAthlete(ctx context.Context, a roster.Athlete) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO athletes(id, name, guardian_phone, guardian_email, monthly_fee, active)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   guardian_phone = excluded.guardian_phone,
		   guardian_email = excluded.guardian_email,
		   monthly_fee = excluded.monthly_fee,
		   active = excluded.active`,
		a.ID, a.Name, nullStr(a.GuardianPhone), nullStr(a.GuardianEmail), a.MonthlyFee, a.Active,
	)
	return err
}

func (s *Store) AthleteByID(ctx context.Context, id string) (roster.Athlete, bool, error) {
	return s.athleteBy(ctx, `id = ?`, id)
}

func (s *Store) AthleteByGuardianPhone(ctx context.Context, phone string) (roster.Athlete, bool, error) {
	return s.athleteBy(ctx, `guardian_phone = ? AND active = 1`, phone)
}

func (s *Store) athleteBy(ctx context.Context, where string, arg any) (roster.Athlete, bool, error) {
	var a roster.Athlete
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(guardian_phone,''), COALESCE(guardian_email,''), monthly_fee, active
		 FROM athletes WHERE `+where, arg,
	).Scan(&a.ID, &a.Name, &a.GuardianPhone, &a.GuardianEmail, &a.MonthlyFee, &a.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return roster.Athlete{}, false, nil
	}
	if err != nil {
		return roster.Athlete{}, false, err
	}
	return a, true, nil
}

func (s *Store) ActiveAthletes(ctx context.Context) ([]roster.Athlete, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, COALESCE(guardian_phone,''), COALESCE(guardian_email,''), monthly_fee, active
		 FROM athletes WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []roster.Athlete
	for rows.Next() {
		var a roster.Athlete
		if err := rows.Scan(&a.ID, &a.Name, &a.GuardianPhone, &a.GuardianEmail, &a.MonthlyFee, &a.Active); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- chat links ---

func (s *Store) BindChat(ctx context.Context, chatID int64, athleteID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_links(chat_id, athlete_id, linked_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   athlete_id = excluded.athlete_id,
		   linked_at = excluded.linked_at`,
		chatID, athleteID, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) ChatAthlete(ctx context.Context, chatID int64) (roster.Athlete, bool, error) {
	var a roster.Athlete
	err := s.db.QueryRowContext(ctx,
		`SELECT a.id, a.name, COALESCE(a.guardian_phone,''), COALESCE(a.guardian_email,''), a.monthly_fee, a.active
		 FROM chat_links l JOIN athletes a ON a.id = l.athlete_id
		 WHERE l.chat_id = ?`, chatID,
	).Scan(&a.ID, &a.Name, &a.GuardianPhone, &a.GuardianEmail, &a.MonthlyFee, &a.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return roster.Athlete{}, false, nil
	}
	if err != nil {
		return roster.Athlete{}, false, err
	}
	return a, true, nil
}

// --- reminder pacing ---

func (s *Store) ReminderState(ctx context.Context, athleteID string) (ReminderState, bool, error) {
	var st ReminderState
	var spell, last string
	err := s.db.QueryRowContext(ctx,
		`SELECT spell_started_at, sent, last_at FROM reminder_log WHERE athlete_id = ?`,
		athleteID,
	).Scan(&spell, &st.Sent, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return ReminderState{}, false, nil
	}
	if err != nil {
		return ReminderState{}, false, err
	}
	if st.SpellStartedAt, err = time.Parse(time.RFC3339Nano, spell); err != nil {
		return ReminderState{}, false, err
	}
	if st.LastAt, err = time.Parse(time.RFC3339Nano, last); err != nil {
		return ReminderState{}, false, err
	}
	return st, true, nil
}

// MarkSpellNotified records the spell and its notice time without consuming
// a reminder slot. A different spell start resets the count to zero.
func (s *Store) MarkSpellNotified(ctx context.Context, athleteID string, spellStart, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_log(athlete_id, spell_started_at, sent, last_at) VALUES(?,?,0,?)
		 ON CONFLICT(athlete_id) DO UPDATE SET
		   sent = CASE WHEN reminder_log.spell_started_at = excluded.spell_started_at
		               THEN reminder_log.sent ELSE 0 END,
		   spell_started_at = excluded.spell_started_at,
		   last_at = excluded.last_at`,
		athleteID, spellStart.UTC().Format(time.RFC3339Nano), at.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// RecordReminder bumps the reminder count for the given spell; a different
// spell start resets the count to 1.
func (s *Store) RecordReminder(ctx context.Context, athleteID string, spellStart, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_log(athlete_id, spell_started_at, sent, last_at) VALUES(?,?,1,?)
		 ON CONFLICT(athlete_id) DO UPDATE SET
		   sent = CASE WHEN reminder_log.spell_started_at = excluded.spell_started_at
		               THEN reminder_log.sent + 1 ELSE 1 END,
		   spell_started_at = excluded.spell_started_at,
		   last_at = excluded.last_at`,
		athleteID, spellStart.UTC().Format(time.RFC3339Nano), at.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
