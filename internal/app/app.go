// Package app wires the ledger, dispatch pipeline, channels, scheduler and
// operational server together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"clubledger/internal/channel"
	"clubledger/internal/channel/email"
	"clubledger/internal/channel/telegram"
	"clubledger/internal/config"
	"clubledger/internal/dispatch"
	"clubledger/internal/eventbus"
	"clubledger/internal/ledger"
	"clubledger/internal/notify"
	"clubledger/internal/ops"
	rtsup "clubledger/internal/runtime/supervisor"
	"clubledger/internal/storage"
	"clubledger/internal/sweep"
	logx "clubledger/pkg/logx"
)

// App is the composition root. Construct with NewApp, run with Start, shut
// down with Stop.
type App struct {
	mu      sync.Mutex
	started bool

	log  logx.Logger
	logs *logx.Service

	cfgm *config.Manager
	bus  eventbus.Bus
	sup  *rtsup.Supervisor

	store    *storage.Store
	engine   *ledger.Engine
	composer *notify.Composer
	coord    *dispatch.Coordinator
	tg       *telegram.Sender
	mail     *email.Sender
	webhook  *telegram.Webhook
	ops      *ops.Service
	sweeper  *sweep.Service
}

// NewApp loads the config at cfgPath and builds every component. Nothing
// runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(mapLoggingConfig(cfg.Logging))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	fail := func(err error) (*App, error) {
		_ = logs.Close()
		return nil, err
	}

	storeCfg, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return fail(err)
	}
	store, err := storage.Open(storeCfg, log)
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	failStore := func(err error) (*App, error) {
		_ = store.Close()
		return fail(err)
	}

	bus := eventbus.New()
	engine := ledger.New(mapLedgerConfig(cfg.Ledger), store, log, bus)

	notifyCfg, err := mapNotifyConfig(cfg.Notify)
	if err != nil {
		return failStore(err)
	}
	composer := notify.NewComposer(notifyCfg)

	tg, err := telegram.NewSender(telegram.Config{
		Token:      cfg.Telegram.Token,
		RatePerSec: cfg.Telegram.RatePerSec,
	}, log)
	if err != nil {
		return failStore(fmt.Errorf("telegram: %w", err))
	}

	mail, err := email.NewSender(mapSMTPConfig(cfg.SMTP), log)
	if err != nil {
		return failStore(fmt.Errorf("smtp: %w", err))
	}

	senders := []channel.Sender{tg}
	if mail.Enabled() {
		senders = append(senders, mail)
	}

	dispCfg, err := mapDispatchConfig(cfg.Dispatch)
	if err != nil {
		return failStore(err)
	}
	coord := dispatch.New(dispCfg, senders, store, log, bus)

	webhook := telegram.NewWebhook(store, engine, tg, cfg.Telegram.WebhookSecret, log)

	sweepCfg := sweep.Config{
		DailyAt:    cfg.Sweep.DailyAt,
		MonthlyFee: cfg.Sweep.MonthlyFee,
		AssessDues: cfg.Sweep.AssessDues,
	}
	sweeper := sweep.New(sweepCfg, engine, composer, coord, store, log)

	a := &App{
		log:      log,
		logs:     logs,
		cfgm:     cfgm,
		bus:      bus,
		store:    store,
		engine:   engine,
		composer: composer,
		coord:    coord,
		tg:       tg,
		mail:     mail,
		webhook:  webhook,
		sweeper:  sweeper,
	}

	opsCfg, err := mapOpsConfig(cfg.Ops)
	if err != nil {
		return failStore(err)
	}
	mounts := map[string]http.Handler{
		webhookPath(cfg.Ops.WebhookPath): webhook,
		"/api/":                          a.adminHandler(),
	}
	a.ops = ops.New(opsCfg, mounts, log)

	return a, nil
}

// Start launches the pipeline, the HTTP server, the scheduler and the
// config watcher. It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "app"))),
		rtsup.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	a.cfgm.SetValidator(validateConfig)

	a.coord.Start(runCtx)
	a.ops.Start(runCtx)
	if err := a.sweeper.Start(runCtx); err != nil {
		a.ops.Stop(context.Background())
		a.coord.Stop(context.Background())
		a.sup.Cancel()
		return fmt.Errorf("sweep: %w", err)
	}

	a.sup.Go("notify.bridge", a.runBridge)
	a.sup.Go("config.reload", a.runReload)
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	)

	a.log.Info("started")
	return nil
}

// runBridge turns ledger transitions into notification intents and hands
// them to the dispatch pipeline.
func (a *App) runBridge(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(64, ledger.TopicTransition)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			tr, ok := ev.Data.(ledger.Transition)
			if !ok {
				continue
			}
			for _, in := range a.composer.OnTransition(tr) {
				if ath, found, err := a.store.AthleteByID(ctx, in.Payload.AthleteID); err == nil && found {
					in.Payload.AthleteName = ath.Name
				}
				if err := a.coord.Dispatch(ctx, in); err != nil {
					a.log.Warn("transition intent dropped",
						logx.String("athlete_id", in.Payload.AthleteID),
						logx.String("kind", string(in.Kind)),
						logx.Err(err),
					)
				}
			}
		}
	}
}

// runReload applies committed config changes to the running components.
// Bursts coalesce to the latest snapshot before applying.
func (a *App) runReload(ctx context.Context) error {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	prev := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			next = cfg
		}
	COALESCE:
		for {
			select {
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				next = cfg
			default:
				break COALESCE
			}
		}
		if next == nil {
			continue
		}

		a.applyConfig(prev, next)
		prev = next
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		return
	}

	for _, sec := range sections {
		switch sec {
		case "logging":
			a.logs.Apply(mapLoggingConfig(newCfg.Logging))
		case "ledger":
			a.engine.Apply(mapLedgerConfig(newCfg.Ledger))
		case "dispatch":
			if cfg, err := mapDispatchConfig(newCfg.Dispatch); err == nil {
				a.coord.Apply(cfg)
			}
		case "storage", "telegram", "smtp", "notify", "sweep", "ops":
			a.log.Warn("config section needs a restart to take effect",
				logx.String("section", sec),
			)
		}
	}

	a.log.Info("config applied",
		append([]logx.Field{logx.Any("sections", sections)}, attrs...)...,
	)
}

// RecordAttendance composes and dispatches an attendance summary for one
// athlete and session date.
func (a *App) RecordAttendance(ctx context.Context, athleteID string, date time.Time, present bool) error {
	ath, found, err := a.store.AthleteByID(ctx, athleteID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("unknown athlete %q", athleteID)
	}
	in := a.composer.Attendance(athleteID, ath.Name, date, present, time.Now().UTC())
	return a.coord.Dispatch(ctx, in)
}

// Done closes when the app has failed or its context was cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop shuts everything down in dependency order. Each step gets its own
// deadline so one stuck component cannot block the rest; a step that
// overruns is abandoned and logged.
func (a *App) Stop(ctx context.Context) {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	a.mu.Unlock()

	step := func(name string, max time.Duration, fn func(ctx context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("stop step panicked",
						logx.String("step", name),
						logx.Any("panic", r),
					)
				}
			}()
			fn(stepCtx)
		}()

		select {
		case <-done:
		case <-stepCtx.Done():
			a.log.Warn("stop step abandoned",
				logx.String("step", name),
				logx.Duration("after", max),
			)
		}
	}

	step("sweep", 5*time.Second, a.sweeper.Stop)
	step("ops", 5*time.Second, a.ops.Stop)
	step("dispatch", 15*time.Second, a.coord.Stop)

	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 5*time.Second, func(c context.Context) {
			_ = a.sup.Wait(c)
		})
	}

	step("storage", 5*time.Second, func(context.Context) {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
}

func webhookPath(v string) string {
	path := strings.TrimSpace(v)
	if path == "" {
		path = "/telegram/webhook"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
