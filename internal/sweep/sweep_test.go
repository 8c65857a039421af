package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"clubledger/internal/ledger"
	"clubledger/internal/notify"
	"clubledger/internal/roster"
	"clubledger/internal/storage"
	logx "clubledger/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeLedger struct {
	mu      sync.Mutex
	overdue []ledger.Overdue
	events  []ledger.Event
	keys    map[string]bool
}

func (f *fakeLedger) ListOverdue(_ context.Context, _ time.Time) ([]ledger.Overdue, error) {
	return f.overdue, nil
}

func (f *fakeLedger) Append(_ context.Context, ev ledger.Event) (ledger.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = map[string]bool{}
	}
	if f.keys[ev.IdempotencyKey] {
		return ledger.Balance{}, ledger.ErrDuplicateEvent
	}
	f.keys[ev.IdempotencyKey] = true
	f.events = append(f.events, ev)
	return ledger.Balance{AthleteID: ev.AthleteID, Amount: ev.Amount}, nil
}

type fakeDisp struct {
	mu      sync.Mutex
	intents []notify.Intent
}

func (f *fakeDisp) Dispatch(_ context.Context, in notify.Intent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, in)
	return nil
}

type fakeStore struct {
	mu        sync.Mutex
	athletes  []roster.Athlete
	reminders map[string]storage.ReminderState
}

func newFakeStore(athletes ...roster.Athlete) *fakeStore {
	return &fakeStore{athletes: athletes, reminders: map[string]storage.ReminderState{}}
}

func (f *fakeStore) ActiveAthletes(_ context.Context) ([]roster.Athlete, error) {
	return f.athletes, nil
}

func (f *fakeStore) AthleteByID(_ context.Context, id string) (roster.Athlete, bool, error) {
	for _, a := range f.athletes {
		if a.ID == id {
			return a, true, nil
		}
	}
	return roster.Athlete{}, false, nil
}

func (f *fakeStore) ReminderState(_ context.Context, athleteID string) (storage.ReminderState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.reminders[athleteID]
	return st, ok, nil
}

func (f *fakeStore) MarkSpellNotified(_ context.Context, athleteID string, spellStart, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.reminders[athleteID]
	if !st.SpellStartedAt.Equal(spellStart) {
		st = storage.ReminderState{SpellStartedAt: spellStart}
	}
	st.LastAt = at
	f.reminders[athleteID] = st
	return nil
}

func (f *fakeStore) RecordReminder(_ context.Context, athleteID string, spellStart, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.reminders[athleteID]
	if !st.SpellStartedAt.Equal(spellStart) {
		st = storage.ReminderState{SpellStartedAt: spellStart}
	}
	st.Sent++
	st.LastAt = at
	f.reminders[athleteID] = st
	return nil
}

func testService(led *fakeLedger, disp *fakeDisp, store *fakeStore, cfg Config) *Service {
	comp := notify.NewComposer(notify.Config{ReminderEvery: 72 * time.Hour, MaxReminders: 3})
	s := New(cfg, led, comp, disp, store, logx.Nop())
	s.now = func() time.Time { return t0 }
	return s
}

func TestRunSweepAnnouncesNewSpell(t *testing.T) {
	since := t0.Add(-48 * time.Hour)
	led := &fakeLedger{overdue: []ledger.Overdue{
		{AthleteID: "ath-1", Amount: 5000, Since: since, Days: 2},
	}}
	disp := &fakeDisp{}
	store := newFakeStore(roster.Athlete{ID: "ath-1", Name: "Ira", Active: true})
	s := testService(led, disp, store, Config{})

	if err := s.RunSweep(context.Background()); err != nil {
		t.Fatalf("RunSweep: %v", err)
	}
	if len(disp.intents) != 1 {
		t.Fatalf("intents = %d, want 1", len(disp.intents))
	}
	in := disp.intents[0]
	// A spell the log has never seen gets the balance-changed notice, not
	// a reminder, and the notice leaves all reminder slots available.
	if in.Kind != notify.KindBalanceChanged || in.Payload.AthleteName != "Ira" {
		t.Fatalf("intent = %+v", in)
	}
	st := store.reminders["ath-1"]
	if st.Sent != 0 || !st.SpellStartedAt.Equal(since) || !st.LastAt.Equal(t0) {
		t.Fatalf("reminder state = %+v", st)
	}
}

func TestRunSweepSendsReminders(t *testing.T) {
	since := t0.Add(-5 * 24 * time.Hour)
	led := &fakeLedger{overdue: []ledger.Overdue{
		{AthleteID: "ath-1", Amount: 5000, Since: since, Days: 5},
	}}
	disp := &fakeDisp{}
	store := newFakeStore(roster.Athlete{ID: "ath-1", Name: "Ira", Active: true})
	// Spell already announced, last touched beyond the cadence.
	store.reminders["ath-1"] = storage.ReminderState{
		SpellStartedAt: since,
		Sent:           0,
		LastAt:         t0.Add(-80 * time.Hour),
	}
	s := testService(led, disp, store, Config{})

	if err := s.RunSweep(context.Background()); err != nil {
		t.Fatalf("RunSweep: %v", err)
	}
	if len(disp.intents) != 1 {
		t.Fatalf("intents = %d, want 1", len(disp.intents))
	}
	in := disp.intents[0]
	if in.Kind != notify.KindOverdueReminder || in.Payload.AthleteName != "Ira" {
		t.Fatalf("intent = %+v", in)
	}
	if st := store.reminders["ath-1"]; st.Sent != 1 || !st.LastAt.Equal(t0) {
		t.Fatalf("reminder state = %+v", st)
	}
}

func TestRunSweepHonorsCadence(t *testing.T) {
	since := t0.Add(-48 * time.Hour)
	led := &fakeLedger{overdue: []ledger.Overdue{
		{AthleteID: "ath-1", Amount: 5000, Since: since, Days: 2},
	}}
	disp := &fakeDisp{}
	store := newFakeStore(roster.Athlete{ID: "ath-1", Name: "Ira", Active: true})
	store.reminders["ath-1"] = storage.ReminderState{
		SpellStartedAt: since,
		Sent:           1,
		LastAt:         t0.Add(-24 * time.Hour),
	}
	s := testService(led, disp, store, Config{})

	if err := s.RunSweep(context.Background()); err != nil {
		t.Fatalf("RunSweep: %v", err)
	}
	if len(disp.intents) != 0 {
		t.Fatalf("intents = %d, want 0 inside cadence window", len(disp.intents))
	}
}

func TestRunSweepResetsPacingForNewSpell(t *testing.T) {
	since := t0.Add(-48 * time.Hour)
	led := &fakeLedger{overdue: []ledger.Overdue{
		{AthleteID: "ath-1", Amount: 5000, Since: since, Days: 2},
	}}
	disp := &fakeDisp{}
	store := newFakeStore(roster.Athlete{ID: "ath-1", Name: "Ira", Active: true})
	// Pacing from an old, settled spell: cap already reached there.
	store.reminders["ath-1"] = storage.ReminderState{
		SpellStartedAt: t0.Add(-60 * 24 * time.Hour),
		Sent:           3,
		LastAt:         t0.Add(-50 * 24 * time.Hour),
	}
	s := testService(led, disp, store, Config{})

	if err := s.RunSweep(context.Background()); err != nil {
		t.Fatalf("RunSweep: %v", err)
	}
	if len(disp.intents) != 1 {
		t.Fatalf("intents = %d, want 1 (old spell must not block a new one)", len(disp.intents))
	}
	if in := disp.intents[0]; in.Kind != notify.KindBalanceChanged {
		t.Fatalf("intent kind = %q, want balance-changed notice for the fresh spell", in.Kind)
	}
	if st := store.reminders["ath-1"]; st.Sent != 0 || !st.SpellStartedAt.Equal(since) {
		t.Fatalf("reminder state = %+v", st)
	}
}

func TestRunSweepRemindersFollowNoticeCadence(t *testing.T) {
	since := t0.Add(-48 * time.Hour)
	led := &fakeLedger{overdue: []ledger.Overdue{
		{AthleteID: "ath-1", Amount: 5000, Since: since, Days: 2},
	}}
	disp := &fakeDisp{}
	store := newFakeStore(roster.Athlete{ID: "ath-1", Name: "Ira", Active: true})
	s := testService(led, disp, store, Config{})

	now := t0
	s.now = func() time.Time { return now }

	// Day one: the notice goes out, no reminder yet.
	if err := s.RunSweep(context.Background()); err != nil {
		t.Fatalf("RunSweep: %v", err)
	}
	// Day two: still inside the cadence measured from the notice.
	now = t0.Add(24 * time.Hour)
	if err := s.RunSweep(context.Background()); err != nil {
		t.Fatalf("RunSweep: %v", err)
	}
	if len(disp.intents) != 1 {
		t.Fatalf("intents = %d, want 1 (notice only)", len(disp.intents))
	}

	// Past one cadence: the first reminder fires.
	now = t0.Add(73 * time.Hour)
	if err := s.RunSweep(context.Background()); err != nil {
		t.Fatalf("RunSweep: %v", err)
	}
	if len(disp.intents) != 2 {
		t.Fatalf("intents = %d, want 2", len(disp.intents))
	}
	if in := disp.intents[1]; in.Kind != notify.KindOverdueReminder {
		t.Fatalf("second intent kind = %q", in.Kind)
	}
	if st := store.reminders["ath-1"]; st.Sent != 1 {
		t.Fatalf("reminder state = %+v", st)
	}
}

func TestAssessMonthlyDues(t *testing.T) {
	led := &fakeLedger{}
	disp := &fakeDisp{}
	store := newFakeStore(
		roster.Athlete{ID: "ath-1", Name: "Ira", MonthlyFee: 150000, Active: true},
		roster.Athlete{ID: "ath-2", Name: "Lev", Active: true}, // club default fee
	)
	s := testService(led, disp, store, Config{MonthlyFee: 120000, AssessDues: true})

	if err := s.AssessMonthlyDues(context.Background()); err != nil {
		t.Fatalf("AssessMonthlyDues: %v", err)
	}
	if len(led.events) != 2 {
		t.Fatalf("events = %d, want 2", len(led.events))
	}
	byID := map[string]ledger.Event{}
	for _, ev := range led.events {
		byID[ev.AthleteID] = ev
	}
	if byID["ath-1"].Amount != 150000 || byID["ath-2"].Amount != 120000 {
		t.Fatalf("events = %+v", byID)
	}
	if byID["ath-1"].IdempotencyKey != "dues-ath-1-2026-03" {
		t.Fatalf("key = %q", byID["ath-1"].IdempotencyKey)
	}

	// Re-running the job in the same month assesses nothing new.
	if err := s.AssessMonthlyDues(context.Background()); err != nil {
		t.Fatalf("AssessMonthlyDues rerun: %v", err)
	}
	if len(led.events) != 2 {
		t.Fatalf("events after rerun = %d, want 2", len(led.events))
	}
}

func TestParseHHMM(t *testing.T) {
	h, m, err := parseHHMM("07:30")
	if err != nil || h != 7 || m != 30 {
		t.Fatalf("parseHHMM = %d:%d err=%v", h, m, err)
	}
	for _, bad := range []string{"", "7", "24:00", "10:60", "aa:bb"} {
		if _, _, err := parseHHMM(bad); err == nil {
			t.Errorf("parseHHMM(%q) accepted", bad)
		}
	}
}
