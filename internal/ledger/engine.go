package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"clubledger/internal/eventbus"
	logx "clubledger/pkg/logx"
)

// TopicTransition is the event bus topic for status-category changes.
const TopicTransition eventbus.Topic = "ledger.transition"

// Config controls the grace rules that turn a balance into a status.
type Config struct {
	// GraceThreshold is the balance (minor units) above which an athlete is
	// considered past the tolerated amount.
	GraceThreshold int64
	// GraceDays is how long a balance may stay above GraceThreshold before
	// the athlete counts as overdue.
	GraceDays int
}

// Store is the durable event log the engine appends to.
//
// AppendEvent must be atomic: it either persists the event and returns it
// with its assigned ID, or reports that the idempotency key was already
// used (duplicate=true) without writing anything.
type Store interface {
	AppendEvent(ctx context.Context, ev Event) (stored Event, duplicate bool, err error)
	EventsByAthlete(ctx context.Context, athleteID string) ([]Event, error)
	EventAthletes(ctx context.Context) ([]string, error)
}

// Engine maintains per-athlete balances over an append-only event log.
//
// Appends for the same athlete are serialized; appends for different
// athletes proceed independently. Balances are cached per athlete and
// invalidated on append.
type Engine struct {
	store Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

// cacheEntry holds the time-independent part of a balance. Status depends
// on the clock and is derived on every read.
type cacheEntry struct {
	amount    int64
	overSince time.Time
	version   int64
}

func New(cfg Config, store Store, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.GraceDays < 0 {
		cfg.GraceDays = 0
	}
	return &Engine{
		store: store,
		log:   log,
		bus:   bus,
		now:   time.Now,
		cfg:   cfg,
		locks: map[string]*sync.Mutex{},
		cache: map[string]cacheEntry{},
	}
}

// Apply swaps the grace rules at runtime. Statuses are re-derived lazily on
// the next read; the cached folds stay valid because only the thresholds
// changed, not the events.
func (e *Engine) Apply(cfg Config) {
	if cfg.GraceDays < 0 {
		cfg.GraceDays = 0
	}
	e.cfgMu.Lock()
	changed := cfg != e.cfg
	e.cfg = cfg
	e.cfgMu.Unlock()

	if changed {
		// OverSince tracking depends on the threshold, so cached folds are stale.
		e.cacheMu.Lock()
		e.cache = map[string]cacheEntry{}
		e.cacheMu.Unlock()
		e.log.Info("grace rules updated",
			logx.Int64("threshold", cfg.GraceThreshold),
			logx.Int("grace_days", cfg.GraceDays),
		)
	}
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

func (e *Engine) athleteLock(id string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu := e.locks[id]
	if mu == nil {
		mu = &sync.Mutex{}
		e.locks[id] = mu
	}
	return mu
}

// Append validates and persists one event, recomputes the athlete's
// balance, and publishes a transition when the status category changed.
//
// An idempotency-key replay returns the current balance together with
// ErrDuplicateEvent; nothing is written and no transition fires.
func (e *Engine) Append(ctx context.Context, ev Event) (Balance, error) {
	if err := validate(ev); err != nil {
		return Balance{}, err
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now()
	}

	mu := e.athleteLock(ev.AthleteID)
	mu.Lock()
	defer mu.Unlock()

	asOf := e.now()
	prev, err := e.balance(ctx, ev.AthleteID, asOf)
	if err != nil {
		return Balance{}, fmt.Errorf("balance before append: %w", err)
	}

	stored, duplicate, err := e.store.AppendEvent(ctx, ev)
	if err != nil {
		return Balance{}, fmt.Errorf("append event: %w", err)
	}
	if duplicate {
		duplicatesTotal.Inc()
		e.log.Debug("duplicate event ignored",
			logx.String("athlete_id", ev.AthleteID),
			logx.String("idempotency_key", ev.IdempotencyKey),
		)
		return prev, ErrDuplicateEvent
	}

	e.cacheMu.Lock()
	delete(e.cache, ev.AthleteID)
	e.cacheMu.Unlock()

	cur, err := e.balance(ctx, ev.AthleteID, asOf)
	if err != nil {
		return Balance{}, fmt.Errorf("balance after append: %w", err)
	}

	eventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	e.log.Debug("event appended",
		logx.String("athlete_id", ev.AthleteID),
		logx.String("kind", string(ev.Kind)),
		logx.Int64("amount", ev.Amount),
		logx.Int64("event_id", stored.ID),
		logx.Int64("balance", cur.Amount),
	)

	if cur.Status != prev.Status {
		transitionsTotal.WithLabelValues(string(cur.Status)).Inc()
	}
	if cur.Status != prev.Status && e.bus != nil {
		e.bus.Publish(eventbus.Event{
			Topic: TopicTransition,
			At:    asOf,
			Data: Transition{
				AthleteID: ev.AthleteID,
				From:      prev.Status,
				To:        cur.Status,
				Amount:    cur.Amount,
				At:        asOf,
			},
		})
	}
	return cur, nil
}

// GetBalance returns the cached fold, recomputing lazily if invalidated.
func (e *Engine) GetBalance(ctx context.Context, athleteID string) (Balance, error) {
	if athleteID == "" {
		return Balance{}, &ValidationError{Field: "athlete_id", Reason: "required"}
	}
	return e.balance(ctx, athleteID, e.now())
}

func (e *Engine) balance(ctx context.Context, athleteID string, asOf time.Time) (Balance, error) {
	cfg := e.config()

	e.cacheMu.Lock()
	ent, ok := e.cache[athleteID]
	e.cacheMu.Unlock()

	if !ok {
		events, err := e.store.EventsByAthlete(ctx, athleteID)
		if err != nil {
			return Balance{}, err
		}
		ent = fold(events, cfg.GraceThreshold)

		// An append may have landed between the log read and this install.
		// The cache only ever moves forward: whichever fold saw more events
		// wins, so a slow reader cannot clobber a fresher entry.
		e.cacheMu.Lock()
		if res, ok := e.cache[athleteID]; ok && res.version >= ent.version {
			ent = res
		} else {
			e.cache[athleteID] = ent
		}
		e.cacheMu.Unlock()
	}

	return Balance{
		AthleteID: athleteID,
		Amount:    ent.amount,
		Status:    statusOf(ent, cfg, asOf),
		OverSince: ent.overSince,
		Version:   ent.version,
		AsOf:      asOf,
	}, nil
}

// ListOverdue returns every athlete whose balance has been above the grace
// threshold for longer than the grace period, ordered by days-overdue
// descending then athlete id ascending.
func (e *Engine) ListOverdue(ctx context.Context, asOf time.Time) ([]Overdue, error) {
	if asOf.IsZero() {
		asOf = e.now()
	}
	cfg := e.config()

	ids, err := e.store.EventAthletes(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Overdue, 0, len(ids))
	for _, id := range ids {
		b, err := e.balance(ctx, id, asOf)
		if err != nil {
			return nil, err
		}
		if b.Status != StatusOverdue {
			continue
		}
		since := b.OverSince.AddDate(0, 0, cfg.GraceDays)
		days := int(asOf.Sub(since).Hours() / 24)
		if days < 0 {
			days = 0
		}
		out = append(out, Overdue{AthleteID: id, Amount: b.Amount, Since: since, Days: days})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Days != out[j].Days {
			return out[i].Days > out[j].Days
		}
		return out[i].AthleteID < out[j].AthleteID
	})
	return out, nil
}

// fold replays the athlete's log in append order. It tracks the running sum
// and the moment the balance last rose above the threshold and stayed there.
func fold(events []Event, threshold int64) cacheEntry {
	var ent cacheEntry
	for _, ev := range events {
		was := ent.amount
		ent.amount += ev.Amount
		ent.version = ev.ID
		switch {
		case ent.amount > threshold && was <= threshold:
			ent.overSince = ev.OccurredAt
		case ent.amount <= threshold:
			ent.overSince = time.Time{}
		}
	}
	return ent
}

func statusOf(ent cacheEntry, cfg Config, asOf time.Time) Status {
	switch {
	case ent.amount <= 0:
		return StatusPaid
	case ent.amount <= cfg.GraceThreshold:
		return StatusOwing
	case !ent.overSince.IsZero() && asOf.Sub(ent.overSince) > time.Duration(cfg.GraceDays)*24*time.Hour:
		return StatusOverdue
	default:
		return StatusOwing
	}
}
