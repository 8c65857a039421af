package notify

import (
	"strings"
	"testing"
	"time"

	"clubledger/internal/ledger"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestOnTransitionRules(t *testing.T) {
	c := NewComposer(Config{})

	cases := []struct {
		name string
		from ledger.Status
		to   ledger.Status
		want int
	}{
		{"into overdue", ledger.StatusOwing, ledger.StatusOverdue, 1},
		{"paid from owing", ledger.StatusOwing, ledger.StatusPaid, 1},
		{"paid from overdue", ledger.StatusOverdue, ledger.StatusPaid, 1},
		{"paid to owing is silent", ledger.StatusPaid, ledger.StatusOwing, 0},
		{"overdue back to owing is silent", ledger.StatusOverdue, ledger.StatusOwing, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.OnTransition(ledger.Transition{
				AthleteID: "ath-1", From: tc.from, To: tc.to, Amount: 5000, At: t0,
			})
			if len(got) != tc.want {
				t.Fatalf("intents = %d, want %d", len(got), tc.want)
			}
			if tc.want == 1 {
				in := got[0]
				if in.Kind != KindBalanceChanged || in.RecipientID != "ath-1" {
					t.Fatalf("intent = %+v", in)
				}
				if in.DedupKey == "" || in.ID == "" {
					t.Fatalf("missing id/dedup key: %+v", in)
				}
			}
		})
	}
}

func TestBalanceChangedDedupKeyBucketsByDay(t *testing.T) {
	c := NewComposer(Config{})
	tr := ledger.Transition{AthleteID: "ath-1", From: ledger.StatusOwing, To: ledger.StatusOverdue, Amount: 5000, At: t0}

	a := c.OnTransition(tr)[0]
	b := c.OnTransition(tr)[0]
	if a.DedupKey != b.DedupKey {
		t.Fatal("same transition on the same day must share a dedup key")
	}
	if a.ID == b.ID {
		t.Fatal("intent IDs must be unique")
	}

	tr.At = t0.Add(24 * time.Hour)
	next := c.OnTransition(tr)[0]
	if next.DedupKey == a.DedupKey {
		t.Fatal("next day must get a fresh dedup key")
	}

	tr.At = t0
	tr.Amount = 7500
	other := c.OnTransition(tr)[0]
	if other.DedupKey == a.DedupKey {
		t.Fatal("different amount must get a fresh dedup key")
	}
}

func TestOverdueEnteredMatchesTransitionNotice(t *testing.T) {
	c := NewComposer(Config{})
	o := ledger.Overdue{AthleteID: "ath-1", Amount: 5000, Since: t0.Add(-48 * time.Hour), Days: 2}

	in := c.OverdueEntered(o, t0)
	if in.Kind != KindBalanceChanged || in.Payload.Status != ledger.StatusOverdue {
		t.Fatalf("intent = %+v", in)
	}

	// The sweep notice and an append-driven transition on the same day
	// describe the same fact and must collapse to one delivery.
	tr := ledger.Transition{AthleteID: "ath-1", From: ledger.StatusOwing, To: ledger.StatusOverdue, Amount: 5000, At: t0}
	if in.DedupKey != c.OnTransition(tr)[0].DedupKey {
		t.Fatal("sweep notice and transition notice must share a dedup key")
	}
}

func TestOnSweepCadenceAndCap(t *testing.T) {
	c := NewComposer(Config{ReminderEvery: 72 * time.Hour, MaxReminders: 3})
	o := ledger.Overdue{AthleteID: "ath-1", Amount: 5000, Since: t0, Days: 2}
	now := t0.Add(48 * time.Hour)

	// First reminder of the spell.
	in, ok := c.OnSweep(o, 0, time.Time{}, now)
	if !ok {
		t.Fatal("first reminder suppressed")
	}
	if in.Kind != KindOverdueReminder || in.Payload.Days != 2 {
		t.Fatalf("intent = %+v", in)
	}

	// Inside the cadence window: suppressed.
	if _, ok := c.OnSweep(o, 1, now, now.Add(24*time.Hour)); ok {
		t.Fatal("reminder inside cadence window not suppressed")
	}

	// Past the cadence window: emitted again with a new dedup key.
	later := now.Add(73 * time.Hour)
	in2, ok := c.OnSweep(o, 1, now, later)
	if !ok {
		t.Fatal("reminder past cadence window suppressed")
	}
	if in2.DedupKey == in.DedupKey {
		t.Fatal("new cadence window must get a fresh dedup key")
	}

	// Cap reached: suppressed no matter how much time passed.
	if _, ok := c.OnSweep(o, 3, now, now.Add(1000*time.Hour)); ok {
		t.Fatal("reminder past cap not suppressed")
	}
}

func TestOnSweepRerunWithinWindowDedups(t *testing.T) {
	c := NewComposer(Config{ReminderEvery: 72 * time.Hour, MaxReminders: 3})
	o := ledger.Overdue{AthleteID: "ath-1", Amount: 5000, Since: t0, Days: 2}

	// Two sweep runs an hour apart, no reminder recorded between them
	// (e.g. crash before the log write): same window, same key.
	a, ok1 := c.OnSweep(o, 0, time.Time{}, t0.Add(10*time.Hour))
	b, ok2 := c.OnSweep(o, 0, time.Time{}, t0.Add(11*time.Hour))
	if !ok1 || !ok2 {
		t.Fatal("sweep reminders suppressed")
	}
	if a.DedupKey != b.DedupKey {
		t.Fatal("re-run within the same window must share a dedup key")
	}
}

func TestAttendanceIntent(t *testing.T) {
	c := NewComposer(Config{})
	date := time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC)

	in := c.Attendance("ath-1", "Ira", date, true, t0)
	if in.Kind != KindAttendanceSummary || in.Payload.Date != "2026-03-02" || !in.Payload.Present {
		t.Fatalf("intent = %+v", in)
	}

	same := c.Attendance("ath-1", "Ira", date, true, t0.Add(time.Hour))
	if same.DedupKey != in.DedupKey {
		t.Fatal("same session must share a dedup key")
	}
	absent := c.Attendance("ath-1", "Ira", date, false, t0)
	if absent.DedupKey == in.DedupKey {
		t.Fatal("present and absent must not share a dedup key")
	}
}

func TestRenderBodies(t *testing.T) {
	paid := Render(Intent{Kind: KindBalanceChanged, Payload: Payload{AthleteName: "Ira", Status: ledger.StatusPaid}})
	if !strings.Contains(paid.Body, "settled") {
		t.Fatalf("paid body = %q", paid.Body)
	}

	over := Render(Intent{Kind: KindBalanceChanged, Payload: Payload{AthleteName: "Ira", Status: ledger.StatusOverdue, Amount: 150000}})
	if !strings.Contains(over.Body, "1500.00") || !strings.Contains(over.Body, "overdue") {
		t.Fatalf("overdue body = %q", over.Body)
	}

	rem := Render(Intent{Kind: KindOverdueReminder, Payload: Payload{AthleteID: "ath-1", Amount: 5000, Days: 7}})
	if !strings.Contains(rem.Body, "7 days") || !strings.Contains(rem.Body, "ath-1") {
		t.Fatalf("reminder body = %q", rem.Body)
	}

	att := Render(Intent{Kind: KindAttendanceSummary, Payload: Payload{AthleteName: "Ira", Date: "2026-03-02", Present: false}})
	if !strings.Contains(att.Body, "missed") {
		t.Fatalf("attendance body = %q", att.Body)
	}
}

func TestFormatAmount(t *testing.T) {
	cases := map[int64]string{
		0:      "0.00",
		5:      "0.05",
		150000: "1500.00",
		-2500:  "-25.00",
	}
	for in, want := range cases {
		if got := FormatAmount(in); got != want {
			t.Errorf("FormatAmount(%d) = %q, want %q", in, got, want)
		}
	}
}
