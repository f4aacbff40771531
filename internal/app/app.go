// Package app wires configuration, storage, transport, and the services
// into one lifecycle.
package app

import (
	"context"
	"sync"
	"time"

	"lookupbot/internal/bot"
	"lookupbot/internal/broadcast"
	"lookupbot/internal/config"
	"lookupbot/internal/grant"
	"lookupbot/internal/lookup"
	"lookupbot/internal/metrics"
	"lookupbot/internal/quota"
	"lookupbot/internal/storage"
	kit "lookupbot/internal/transport"
	telegram "lookupbot/internal/transport/telegram"
	logx "lookupbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	logs *logx.Service
	log  logx.Logger

	store   *storage.Store
	adapter *telegram.Adapter

	collector *metrics.Collector
	ledger    *quota.Ledger
	gate      *lookup.Gate
	bcast     *broadcast.Service
	grants    *grant.Service
	router    *bot.Router

	updates chan kit.Update

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:           cfg.Storage.Path,
		BusyTimeout:    busyTimeout,
		InitialCredits: cfg.Quota.InitialCredits,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	ledger := quota.NewLedger(store, log.With(logx.String("comp", "quota")))

	fetchTimeout, err := config.ParseDurationOrDefault("lookup.timeout", cfg.Lookup.Timeout, 20*time.Second)
	if err != nil {
		return nil, err
	}
	client := lookup.NewClient(lookup.ClientConfig{
		APIURL:  cfg.Lookup.APIURL,
		APIKey:  cfg.Lookup.APIKey,
		Timeout: fetchTimeout,
	})
	gate := lookup.NewGate(store, ledger, client, collector, log.With(logx.String("comp", "lookup")))

	bcastCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	bcast := broadcast.New(bcastCfg, store, adapter, collector, log.With(logx.String("comp", "broadcast")))

	grantCfg, err := mapGrantConfig(cfg)
	if err != nil {
		return nil, err
	}
	grants := grant.New(grantCfg, ledger, store, adapter, collector, log.With(logx.String("comp", "grant")))

	router := bot.NewRouter(adapter, ledger, gate, store, bcast, grants,
		cfg.Telegram.AdminUserIDs, log.With(logx.String("comp", "bot")))

	return &App{
		cfgm:      cfgm,
		logs:      logSvc,
		log:       log,
		store:     store,
		adapter:   adapter,
		collector: collector,
		ledger:    ledger,
		gate:      gate,
		bcast:     bcast,
		grants:    grants,
		router:    router,
		updates:   make(chan kit.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	cfg := a.cfgm.Get()
	if a.collector != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.collector.Serve(runCtx, cfg.Metrics.Addr, a.log.With(logx.String("comp", "metrics")))
		}()
	}

	if err := a.grants.Start(runCtx); err != nil {
		cancel()
		return err
	}

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		cancel()
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.router.Run(runCtx, a.updates)
	}()

	// Config hot reload for the sections that can change at runtime.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sub := a.cfgm.Subscribe(1)
		defer a.cfgm.Unsubscribe(sub)

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.cfgm.Watch(runCtx); err != nil {
				a.log.Warn("config watch stopped", logx.Err(err))
			}
		}()

		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	}()

	a.log.Info("started")
	return nil
}

func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if bc, err := mapBroadcastConfig(cfg); err == nil {
		a.bcast.Apply(bc)
	}
	a.router.SetAdmins(cfg.Telegram.AdminUserIDs)
	a.log.Info("runtime config applied")
}

func (a *App) Stop(ctx context.Context) error {
	if a.runCancel != nil {
		a.runCancel()
	}

	a.grants.Stop()
	a.bcast.Stop(ctx)
	_ = a.adapter.Stop(ctx)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	err := a.store.Close()
	_ = a.logs.Close()
	a.log.Info("stopped")
	return err
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	delay, err := config.ParseDurationOrDefault("broadcast.per_recipient_delay", cfg.Broadcast.PerRecipientDelay, 150*time.Millisecond)
	if err != nil {
		return broadcast.Config{}, err
	}
	interval, err := config.ParseDurationOrDefault("broadcast.progress_interval", cfg.Broadcast.ProgressInterval, 2*time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{PerRecipientDelay: delay, ProgressInterval: interval}, nil
}

func mapGrantConfig(cfg *config.Config) (grant.Config, error) {
	hour, minute, err := config.ParseHHMM(cfg.Grant.At, "09:00")
	if err != nil {
		return grant.Config{}, err
	}
	loc := time.UTC
	if tz := cfg.Grant.Timezone; tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return grant.Config{}, err
		}
	}
	return grant.Config{
		Enabled:  cfg.Grant.Enabled,
		Hour:     hour,
		Minute:   minute,
		Location: loc,
		Amount:   cfg.Grant.Amount,
		Notify:   cfg.Grant.Notify,
	}, nil
}
