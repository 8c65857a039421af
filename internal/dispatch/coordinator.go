package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"clubledger/internal/channel"
	"clubledger/internal/eventbus"
	"clubledger/internal/notify"
	rtsup "clubledger/internal/runtime/supervisor"
	logx "clubledger/pkg/logx"
)

var (
	ErrStopped   = errors.New("dispatch stopped")
	ErrQueueFull = errors.New("dispatch queue full")
)

type delivery struct {
	intent    notify.Intent
	sub       Subscription
	attemptNo int
	due       time.Time
}

// Coordinator fans intents out to every active subscription and drives the
// per-(intent, channel) delivery state machine: dedup check, bounded send,
// exponential backoff on transient failures, terminal states persisted.
//
// Each channel gets its own queue and worker pool; a send in flight for a
// pair blocks concurrent sends for the same pair.
type Coordinator struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store Store
	now   func() time.Time

	senders map[channel.Channel]channel.Sender

	cfg       Config
	accepting bool
	queues    map[channel.Channel]chan delivery
	sup       *rtsup.Supervisor
	stopDone  chan struct{}
	enqueueWG sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func New(cfg Config, senders []channel.Sender, store Store, log logx.Logger, bus eventbus.Bus) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	byName := make(map[channel.Channel]channel.Sender, len(senders))
	for _, s := range senders {
		if s != nil {
			byName[s.Name()] = s
		}
	}
	c := &Coordinator{
		log:      log,
		bus:      bus,
		store:    store,
		now:      time.Now,
		senders:  byName,
		inflight: map[string]struct{}{},
	}
	c.applyLocked(cfg)
	return c
}

// Apply swaps retry tuning at runtime. Worker and queue sizing take effect
// on the next Start.
func (c *Coordinator) Apply(cfg Config) {
	c.mu.Lock()
	c.applyLocked(cfg)
	c.mu.Unlock()
}

func (c *Coordinator) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	c.cfg = cfg
}

// Start is idempotent. It spins up per-channel worker pools and re-enqueues
// pending retries left over from the previous run.
func (c *Coordinator) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.stopDone != nil {
		done := c.stopDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		c.mu.Lock()
	}
	if c.queues != nil {
		c.mu.Unlock()
		return
	}

	c.queues = make(map[channel.Channel]chan delivery, len(c.senders))
	for name := range c.senders {
		c.queues[name] = make(chan delivery, c.cfg.QueueSize)
	}
	c.accepting = true
	workers := c.cfg.Workers

	c.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(c.log.With(logx.String("comp", "dispatch"))),
		// delivery failures must never take down the app
		rtsup.WithCancelOnError(false),
	)
	sup := c.sup
	queues := c.queues
	c.mu.Unlock()

	for name, q := range queues {
		name, q := name, q
		for i := 0; i < workers; i++ {
			wname := fmt.Sprintf("%s.worker.%d", name, i)
			sup.GoRestart(wname, func(wctx context.Context) error {
				c.workerLoop(wctx, q)
				c.mu.Lock()
				stopping := c.stopDone != nil
				c.mu.Unlock()
				if stopping || wctx.Err() != nil {
					return context.Canceled
				}
				return errors.New("dispatch worker exited unexpectedly")
			}, rtsup.WithPublishFirstError(true))
		}
	}

	// Resume retries that were pending when the previous process stopped.
	sup.Go0("resume", func(rctx context.Context) {
		c.resume(rctx)
	})
}

func (c *Coordinator) resume(ctx context.Context) {
	pending, err := c.store.PendingDeliveries(ctx)
	if err != nil {
		c.log.Warn("loading pending deliveries failed", logx.Err(err))
		return
	}
	for _, p := range pending {
		d := delivery{
			intent: p.Intent,
			// Subscription state is rechecked in process; only the pair
			// identity matters here.
			sub: Subscription{
				RecipientID: p.Intent.RecipientID,
				Channel:     p.Attempt.Channel,
				Address:     p.Attempt.Address,
			},
			attemptNo: p.Attempt.AttemptNo,
			due:       p.Attempt.NextRetryAt,
		}
		if !c.enqueue(d) {
			c.log.Warn("pending delivery dropped on resume",
				logx.String("intent_id", p.Intent.ID),
				logx.String("channel", string(p.Attempt.Channel)),
			)
		}
	}
	if len(pending) > 0 {
		c.log.Info("resumed pending deliveries", logx.Int("count", len(pending)))
	}
}

// Stop blocks new intents and drains in-flight work best-effort until ctx
// expires.
func (c *Coordinator) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	queues := c.queues
	sup := c.sup
	if queues == nil {
		c.mu.Unlock()
		return
	}
	if c.stopDone != nil {
		done := c.stopDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	c.stopDone = done
	c.accepting = false
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.enqueueWG.Wait()
		for _, q := range queues {
			func() {
				defer func() { _ = recover() }()
				close(q)
			}()
		}
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		c.mu.Lock()
		c.queues = nil
		c.stopDone = nil
		c.sup = nil
		c.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Dispatch persists the intent and fans it out to every active
// subscription whose channel has a configured sender.
//
// Dispatch never blocks on delivery; the returned error only reports
// intake problems (stopped coordinator, full queues, store failures).
func (c *Coordinator) Dispatch(ctx context.Context, in notify.Intent) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	c.mu.Lock()
	if !c.accepting || c.queues == nil {
		c.mu.Unlock()
		return ErrStopped
	}
	c.enqueueWG.Add(1)
	c.mu.Unlock()
	defer c.enqueueWG.Done()

	if err := c.store.SaveIntent(ctx, in); err != nil {
		return fmt.Errorf("save intent: %w", err)
	}
	intentsTotal.WithLabelValues(string(in.Kind)).Inc()

	subs, err := c.store.ActiveSubscriptions(ctx, in.RecipientID)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	var firstErr error
	enqueued := 0
	for _, sub := range subs {
		if _, ok := c.senders[sub.Channel]; !ok {
			continue
		}
		d := delivery{intent: in, sub: sub, attemptNo: 1, due: c.now()}
		if c.enqueue(d) {
			enqueued++
			continue
		}
		dispatchDropped.WithLabelValues(string(sub.Channel)).Inc()
		c.log.Warn("delivery dropped (queue full)",
			logx.String("intent_id", in.ID),
			logx.String("channel", string(sub.Channel)),
		)
		if firstErr == nil {
			firstErr = ErrQueueFull
		}
	}

	c.log.Debug("intent dispatched",
		logx.String("intent_id", in.ID),
		logx.String("kind", string(in.Kind)),
		logx.String("recipient_id", in.RecipientID),
		logx.Int("deliveries", enqueued),
	)
	return firstErr
}

func (c *Coordinator) enqueue(d delivery) bool {
	c.mu.Lock()
	q := c.queues[d.sub.Channel]
	c.mu.Unlock()
	if q == nil {
		return false
	}
	select {
	case q <- d:
		return true
	default:
		return false
	}
}

func (c *Coordinator) workerLoop(ctx context.Context, q <-chan delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-q:
			if !ok {
				return
			}
			c.process(ctx, d)
		}
	}
}

// process runs the whole state machine for one (intent, channel) pair.
func (c *Coordinator) process(ctx context.Context, d delivery) {
	ch := d.sub.Channel
	key := d.intent.DedupKey + "|" + string(ch)

	// Attempts for the same pair must not run concurrently. A second
	// delivery for the same logical notification is the same work, so
	// skipping is correct, not lossy.
	c.inflightMu.Lock()
	if _, busy := c.inflight[key]; busy {
		c.inflightMu.Unlock()
		return
	}
	c.inflight[key] = struct{}{}
	c.inflightMu.Unlock()
	defer func() {
		c.inflightMu.Lock()
		delete(c.inflight, key)
		c.inflightMu.Unlock()
	}()

	terminal, err := c.store.TerminalAttemptExists(ctx, d.intent.DedupKey, ch)
	if err != nil {
		c.log.Warn("dedup lookup failed", logx.String("intent_id", d.intent.ID), logx.Err(err))
	} else if terminal {
		c.log.Debug("delivery skipped (already terminal)",
			logx.String("dedup_key", d.intent.DedupKey),
			logx.String("channel", string(ch)),
		)
		return
	}

	if !c.sleepUntil(ctx, d.due) {
		return
	}

	c.mu.Lock()
	cfg := c.cfg
	sender := c.senders[ch]
	c.mu.Unlock()
	if sender == nil {
		return
	}

	msg := notify.Render(d.intent)
	maxAttempts := 1 + cfg.RetryMax

	for n := d.attemptNo; n <= maxAttempts; n++ {
		// The guardian may unsubscribe between dispatch and delivery, or
		// between retries, or across a restart. No subscription, no attempt.
		sub, ok := c.activeSubscription(ctx, d.intent, ch, d.sub.Address)
		if !ok {
			c.log.Debug("delivery skipped (subscription inactive)",
				logx.String("intent_id", d.intent.ID),
				logx.String("channel", string(ch)),
				logx.String("recipient_id", d.intent.RecipientID),
			)
			return
		}
		d.sub = sub

		now := c.now()
		c.recordAttempt(ctx, Attempt{
			IntentID:    d.intent.ID,
			DedupKey:    d.intent.DedupKey,
			Channel:     ch,
			Address:     d.sub.Address,
			AttemptNo:   n,
			State:       StatePending,
			AttemptedAt: now,
		})

		callCtx := ctx
		if callCtx == nil {
			callCtx = context.Background()
		}
		callCtx, cancel := context.WithTimeout(callCtx, cfg.SendTimeout)
		start := c.now()
		err := sender.Send(callCtx, d.sub.Address, msg)
		cancel()
		sendDuration.WithLabelValues(string(ch)).Observe(c.now().Sub(start).Seconds())

		switch {
		case err == nil:
			c.recordAttempt(ctx, Attempt{
				IntentID:    d.intent.ID,
				DedupKey:    d.intent.DedupKey,
				Channel:     ch,
				Address:     d.sub.Address,
				AttemptNo:   n,
				State:       StateSent,
				AttemptedAt: c.now(),
			})
			attemptsTotal.WithLabelValues(string(ch), string(StateSent)).Inc()
			c.publish(TopicSent, d, n, nil)
			return

		case channel.IsPermanent(err):
			c.recordAttempt(ctx, Attempt{
				IntentID:    d.intent.ID,
				DedupKey:    d.intent.DedupKey,
				Channel:     ch,
				Address:     d.sub.Address,
				AttemptNo:   n,
				State:       StateRejected,
				Error:       err.Error(),
				AttemptedAt: c.now(),
			})
			attemptsTotal.WithLabelValues(string(ch), string(StateRejected)).Inc()
			if ferr := c.store.FlagSubscription(ctx, d.sub.RecipientID, ch, d.sub.Address); ferr != nil {
				c.log.Warn("flagging subscription failed", logx.Err(ferr))
			}
			c.log.Warn("delivery rejected; subscription flagged",
				logx.String("intent_id", d.intent.ID),
				logx.String("channel", string(ch)),
				logx.String("recipient_id", d.sub.RecipientID),
				logx.Err(err),
			)
			c.publish(TopicRejected, d, n, err)
			return

		default: // transient
			attemptsTotal.WithLabelValues(string(ch), string(StateFailed)).Inc()
			if n >= maxAttempts {
				c.recordAttempt(ctx, Attempt{
					IntentID:    d.intent.ID,
					DedupKey:    d.intent.DedupKey,
					Channel:     ch,
					Address:     d.sub.Address,
					AttemptNo:   n,
					State:       StateExhausted,
					Error:       err.Error(),
					AttemptedAt: c.now(),
				})
				attemptsTotal.WithLabelValues(string(ch), string(StateExhausted)).Inc()
				c.log.Error("delivery exhausted",
					logx.String("intent_id", d.intent.ID),
					logx.String("channel", string(ch)),
					logx.String("recipient_id", d.sub.RecipientID),
					logx.Int("attempts", n),
					logx.Err(err),
				)
				c.publish(TopicExhausted, d, n, err)
				return
			}

			delay := retryDelay(cfg, n)
			c.recordAttempt(ctx, Attempt{
				IntentID:    d.intent.ID,
				DedupKey:    d.intent.DedupKey,
				Channel:     ch,
				Address:     d.sub.Address,
				AttemptNo:   n,
				State:       StateFailed,
				Error:       err.Error(),
				AttemptedAt: c.now(),
			})
			c.recordAttempt(ctx, Attempt{
				IntentID:    d.intent.ID,
				DedupKey:    d.intent.DedupKey,
				Channel:     ch,
				Address:     d.sub.Address,
				AttemptNo:   n + 1,
				State:       StatePending,
				NextRetryAt: c.now().Add(delay),
				AttemptedAt: c.now(),
			})
			c.log.Debug("delivery retry scheduled",
				logx.String("intent_id", d.intent.ID),
				logx.String("channel", string(ch)),
				logx.Int("attempt", n),
				logx.Duration("delay", delay),
				logx.Err(err),
			)
			if !c.sleep(ctx, delay) {
				return
			}
		}
	}
}

// activeSubscription re-reads the recipient's subscriptions and returns
// the one matching this delivery's channel and address. A read failure
// keeps the delivery going on the identity it already has; the durable
// attempt rows make a rare extra send safe to reconcile.
func (c *Coordinator) activeSubscription(ctx context.Context, in notify.Intent, ch channel.Channel, address string) (Subscription, bool) {
	subs, err := c.store.ActiveSubscriptions(ctx, in.RecipientID)
	if err != nil {
		c.log.Warn("subscription recheck failed",
			logx.String("intent_id", in.ID),
			logx.String("channel", string(ch)),
			logx.Err(err),
		)
		return Subscription{RecipientID: in.RecipientID, Channel: ch, Address: address, Active: true}, true
	}
	for _, sub := range subs {
		if sub.Channel == ch && sub.Address == address {
			return sub, true
		}
	}
	return Subscription{}, false
}

func (c *Coordinator) recordAttempt(ctx context.Context, a Attempt) {
	if err := c.store.RecordAttempt(ctx, a); err != nil {
		c.log.Warn("recording attempt failed",
			logx.String("intent_id", a.IntentID),
			logx.String("channel", string(a.Channel)),
			logx.Err(err),
		)
	}
}

func (c *Coordinator) publish(topic eventbus.Topic, d delivery, attemptNo int, err error) {
	if c.bus == nil {
		return
	}
	ev := DeliveryEvent{
		IntentID:  d.intent.ID,
		DedupKey:  d.intent.DedupKey,
		Channel:   d.sub.Channel,
		Address:   d.sub.Address,
		AttemptNo: attemptNo,
		At:        c.now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	c.bus.Publish(eventbus.Event{Topic: topic, At: ev.At, Data: ev})
}

func (c *Coordinator) sleepUntil(ctx context.Context, due time.Time) bool {
	if due.IsZero() {
		return true
	}
	return c.sleep(ctx, time.Until(due))
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// retryDelay is exponential backoff (base * 2^(attempt-1)) with a cap and
// 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	maxD := cfg.RetryMaxDelay
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	j := 0.7 + rng.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
