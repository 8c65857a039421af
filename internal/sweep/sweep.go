// Package sweep runs the scheduled jobs: the daily overdue reminder sweep
// and the monthly dues assessment.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"clubledger/internal/ledger"
	"clubledger/internal/notify"
	"clubledger/internal/roster"
	"clubledger/internal/storage"
	logx "clubledger/pkg/logx"
)

// Ledger is the slice of the ledger engine the sweep drives.
type Ledger interface {
	ListOverdue(ctx context.Context, asOf time.Time) ([]ledger.Overdue, error)
	Append(ctx context.Context, ev ledger.Event) (ledger.Balance, error)
}

// Dispatcher accepts composed intents for delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, in notify.Intent) error
}

// Store is the roster and pacing state the sweep reads and writes.
type Store interface {
	ActiveAthletes(ctx context.Context) ([]roster.Athlete, error)
	AthleteByID(ctx context.Context, id string) (roster.Athlete, bool, error)
	ReminderState(ctx context.Context, athleteID string) (storage.ReminderState, bool, error)
	MarkSpellNotified(ctx context.Context, athleteID string, spellStart, at time.Time) error
	RecordReminder(ctx context.Context, athleteID string, spellStart, at time.Time) error
}

// Config controls the schedules. DailyAt is "HH:MM" local time; dues are
// assessed on the first of each month. MonthlyFee (minor units) applies to
// athletes without an individual fee.
type Config struct {
	DailyAt    string
	MonthlyFee int64
	AssessDues bool
}

type Service struct {
	cfg      Config
	ledger   Ledger
	composer *notify.Composer
	disp     Dispatcher
	store    Store
	log      logx.Logger
	now      func() time.Time

	cron *cron.Cron
}

func New(cfg Config, led Ledger, comp *notify.Composer, disp Dispatcher, store Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.DailyAt) == "" {
		cfg.DailyAt = "09:00"
	}
	return &Service{
		cfg:      cfg,
		ledger:   led,
		composer: comp,
		disp:     disp,
		store:    store,
		log:      log,
		now:      time.Now,
	}
}

func (s *Service) Start(ctx context.Context) error {
	hour, minute, err := parseHHMM(s.cfg.DailyAt)
	if err != nil {
		return fmt.Errorf("daily_at: %w", err)
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("%d %d * * *", minute, hour), func() {
		if err := s.RunSweep(ctx); err != nil {
			s.log.Error("overdue sweep failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	if s.cfg.AssessDues {
		if _, err := c.AddFunc(fmt.Sprintf("%d %d 1 * *", minute, hour), func() {
			if err := s.AssessMonthlyDues(ctx); err != nil {
				s.log.Error("monthly dues assessment failed", logx.Err(err))
			}
		}); err != nil {
			return err
		}
	}

	c.Start()
	s.cron = c
	s.log.Info("sweep scheduled",
		logx.String("daily_at", s.cfg.DailyAt),
		logx.Bool("assess_dues", s.cfg.AssessDues),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.cron = nil
}

// RunSweep walks every standing-overdue athlete. A spell the reminder log
// has not seen yet gets a balance-changed notice first: the athlete crossed
// the grace boundary by time passing, so no append announced it. Known
// spells get a reminder when the cadence and cap allow one. Pacing state is
// keyed by the spell start, so an athlete who settles up and falls behind
// again starts fresh.
func (s *Service) RunSweep(ctx context.Context) error {
	now := s.now()
	overdue, err := s.ledger.ListOverdue(ctx, now)
	if err != nil {
		return fmt.Errorf("list overdue: %w", err)
	}

	sent, entered := 0, 0
	for _, o := range overdue {
		st, ok, err := s.store.ReminderState(ctx, o.AthleteID)
		if err != nil {
			s.log.Warn("reminder state read failed", logx.String("athlete_id", o.AthleteID), logx.Err(err))
			continue
		}
		if !ok || !st.SpellStartedAt.Equal(o.Since) {
			in := s.composer.OverdueEntered(o, now)
			if ath, ok, err := s.store.AthleteByID(ctx, o.AthleteID); err == nil && ok {
				in.Payload.AthleteName = ath.Name
			}
			if err := s.disp.Dispatch(ctx, in); err != nil {
				s.log.Warn("overdue notice dispatch failed", logx.String("athlete_id", o.AthleteID), logx.Err(err))
				continue
			}
			// Reminders start one cadence after the notice; the notice
			// itself does not use up a reminder slot.
			if err := s.store.MarkSpellNotified(ctx, o.AthleteID, o.Since, now); err != nil {
				s.log.Warn("reminder log write failed", logx.String("athlete_id", o.AthleteID), logx.Err(err))
			}
			entered++
			continue
		}

		in, due := s.composer.OnSweep(o, st.Sent, st.LastAt, now)
		if !due {
			continue
		}
		if ath, ok, err := s.store.AthleteByID(ctx, o.AthleteID); err == nil && ok {
			in.Payload.AthleteName = ath.Name
		}

		if err := s.disp.Dispatch(ctx, in); err != nil {
			s.log.Warn("reminder dispatch failed", logx.String("athlete_id", o.AthleteID), logx.Err(err))
			continue
		}
		if err := s.store.RecordReminder(ctx, o.AthleteID, o.Since, now); err != nil {
			s.log.Warn("reminder log write failed", logx.String("athlete_id", o.AthleteID), logx.Err(err))
		}
		sent++
	}

	s.log.Info("overdue sweep finished",
		logx.Int("overdue", len(overdue)),
		logx.Int("entered", entered),
		logx.Int("reminders", sent),
	)
	return nil
}

// AssessMonthlyDues appends one DueAssessed event per active athlete for
// the current month. The idempotency key makes re-runs harmless.
func (s *Service) AssessMonthlyDues(ctx context.Context) error {
	now := s.now()
	athletes, err := s.store.ActiveAthletes(ctx)
	if err != nil {
		return fmt.Errorf("list athletes: %w", err)
	}

	assessed := 0
	for _, a := range athletes {
		fee := a.MonthlyFee
		if fee == 0 {
			fee = s.cfg.MonthlyFee
		}
		if fee <= 0 {
			continue
		}
		key := fmt.Sprintf("dues-%s-%04d-%02d", a.ID, now.Year(), int(now.Month()))
		_, err := s.ledger.Append(ctx, ledger.Event{
			AthleteID:      a.ID,
			Kind:           ledger.KindDueAssessed,
			Amount:         fee,
			OccurredAt:     now,
			RecordedBy:     "sweep",
			IdempotencyKey: key,
		})
		switch {
		case errors.Is(err, ledger.ErrDuplicateEvent):
			continue
		case err != nil:
			s.log.Warn("dues assessment failed", logx.String("athlete_id", a.ID), logx.Err(err))
			continue
		}
		assessed++
	}

	s.log.Info("monthly dues assessed",
		logx.Int("athletes", len(athletes)),
		logx.Int("assessed", assessed),
	)
	return nil
}

func parseHHMM(v string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(v), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want HH:MM, got %q", v)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", v)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", v)
	}
	return hour, minute, nil
}
