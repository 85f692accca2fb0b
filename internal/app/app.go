// Package app wires configuration, store, collectors, publishers, and the
// engine into the two process modes: one-shot and scheduled daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/xrpc"

	"crossposter/internal/atp"
	"crossposter/internal/collect"
	"crossposter/internal/config"
	"crossposter/internal/engine"
	"crossposter/internal/engine/dryrun"
	"crossposter/internal/media"
	"crossposter/internal/model"
	"crossposter/internal/publish"
	blueskypub "crossposter/internal/publish/bluesky"
	discordpub "crossposter/internal/publish/discord"
	mastodonpub "crossposter/internal/publish/mastodon"
	telegrampub "crossposter/internal/publish/telegram"
	tumblrpub "crossposter/internal/publish/tumblr"
	"crossposter/internal/schedule"
	"crossposter/internal/store"
	logx "crossposter/pkg/logx"
	"crossposter/pkg/sdnotify"
)

type App struct {
	log  logx.Logger
	logs *logx.Service

	cfgMgr *config.Manager
	st     store.Store
	eng    *engine.Engine
}

// New loads the config, brings up logging and the delivery store, and returns
// the assembled application.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	st, err := store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		BackupPath:  cfg.Store.BackupPath,
		BusyTimeout: config.ParseDuration(cfg.Store.BusyTimeout, 5*time.Second),
	}, log.With(logx.String("svc", "store")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open delivery store: %w", err)
	}

	return &App{
		log:    log,
		logs:   logs,
		cfgMgr: mgr,
		st:     st,
	}, nil
}

// Scheduled reports whether daemon mode is configured.
func (a *App) Scheduled() bool {
	cfg := a.cfgMgr.Get()
	return cfg != nil && cfg.Schedule.Enabled
}

func (a *App) Close() error {
	err := a.st.Close()
	a.logs.Close()
	return err
}

// RunOnce performs one full collect-and-dispatch invocation. dryRun forces
// rehearsal mode regardless of the config toggle.
func (a *App) RunOnce(ctx context.Context, dryRun bool) error {
	cfg := a.cfgMgr.Get()
	dry := dryRun || cfg.Run.DryRun

	mediaStore, err := media.NewStore(cfg.Media.Dir, a.log.With(logx.String("svc", "media")))
	if err != nil {
		return fmt.Errorf("media dir: %w", err)
	}
	defer mediaStore.Cleanup()

	var bskyClient *xrpc.Client
	if src := cfg.Sources.Bluesky; src != nil {
		bskyClient, err = atp.Dial(ctx, atp.Config{
			Host:        src.Host,
			Handle:      src.Handle,
			Password:    src.Password,
			SessionPath: src.SessionPath,
		}, a.log.With(logx.String("svc", "atp")))
		if err != nil {
			return fmt.Errorf("bluesky session: %w", err)
		}
	}

	collectors := a.buildCollectors(cfg, bskyClient, mediaStore)
	if len(collectors) == 0 {
		return fmt.Errorf("no sources configured")
	}

	registry, enabled := a.buildRegistry(cfg, bskyClient)

	lookback := config.ParseDuration(cfg.Run.Lookback, 12*time.Hour)
	since := time.Now().Add(-lookback)

	var batch []*model.Post
	for _, c := range collectors {
		posts, err := c.Collect(ctx, since)
		if err != nil {
			// One broken source must not stall the others.
			a.log.Error("collect failed", logx.String("source", string(c.Name())), logx.Err(err))
			continue
		}
		a.log.Info("collected", logx.String("source", string(c.Name())), logx.Int("posts", len(posts)))
		batch = append(batch, posts...)
	}

	settings := engine.Settings{
		Enabled:           enabled,
		MaxRetries:        cfg.Run.MaxRetries,
		RepostWindow:      config.ParseDuration(cfg.Run.RepostWindow, time.Hour),
		MaxPerRun:         cfg.Run.MaxPerRun,
		Overflow:          engine.OverflowPolicy(cfg.Run.Overflow),
		QuotePostsAsLinks: cfg.Run.QuotePostsAsLinks,
	}

	if dry {
		return a.rehearse(ctx, batch, settings, registry, cfg.Run.ReceiptsPath)
	}

	eng := engine.New(a.st, registry, a.log.With(logx.String("svc", "engine")))
	res, err := eng.Run(ctx, batch, settings)
	if err != nil {
		return err
	}
	a.log.Info("run complete",
		logx.String("run", res.RunID),
		logx.Int("processed", res.Processed),
		logx.Int("delivered", res.Delivered))
	return nil
}

// rehearse runs the engine against the recording gateway and a read-only
// store view, then writes the would-publish receipts.
func (a *App) rehearse(ctx context.Context, batch []*model.Post, settings engine.Settings, registry *publish.Registry, receiptsPath string) error {
	log := a.log.With(logx.String("svc", "dryrun"))
	gw := dryrun.NewGateway(registry, time.Now().UTC().Format("20060102T150405Z"))
	eng := engine.New(dryrun.WrapStore(a.st), gw, log)

	res, err := eng.Run(ctx, batch, settings)
	if err != nil {
		return err
	}
	log.Info("rehearsal complete",
		logx.String("run", res.RunID),
		logx.Int("processed", res.Processed),
		logx.Int("would_publish", len(gw.Receipts())))

	if receiptsPath != "" {
		if err := gw.WriteFile(receiptsPath); err != nil {
			return fmt.Errorf("write receipts: %w", err)
		}
		log.Info("receipts written", logx.String("path", receiptsPath))
	}
	return nil
}

// Daemon runs on the configured schedule until ctx is done, reloading config
// on file changes.
func (a *App) Daemon(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	job := func(jctx context.Context) {
		if err := a.RunOnce(jctx, false); err != nil {
			if errors.Is(err, engine.ErrRunInProgress) {
				a.log.Warn("run skipped, previous still in progress")
				return
			}
			a.log.Error("run failed", logx.Err(err))
		}
	}

	sched, err := schedule.New(schedule.Config{
		Spec:     cfg.Schedule.Spec,
		Timezone: cfg.Schedule.Timezone,
	}, job, a.log.With(logx.String("svc", "schedule")))
	if err != nil {
		return err
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := a.cfgMgr.Watch(watchCtx); err != nil {
			a.log.Warn("config watch exited", logx.Err(err))
		}
	}()

	updates := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(updates)
	go func() {
		for nc := range updates {
			if nc == nil {
				continue
			}
			a.logs.Apply(logx.Config{
				Level:   nc.Logging.Level,
				Console: nc.Logging.Console,
				File: logx.FileConfig{
					Enabled: nc.Logging.File.Enabled,
					Path:    nc.Logging.File.Path,
				},
			})
			a.log.Info("config applied")
		}
	}()

	sched.Start()
	sdnotify.Ready()
	go sdnotify.Watchdog(ctx)
	a.log.Info("daemon started")

	<-ctx.Done()

	sdnotify.Stopping()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sched.Stop(stopCtx)
}

func (a *App) buildCollectors(cfg *config.Config, bskyClient *xrpc.Client, m *media.Store) []collect.Collector {
	var cs []collect.Collector
	if bskyClient != nil {
		cs = append(cs, collect.NewBluesky(bskyClient, m, a.log.With(logx.String("svc", "collect.bluesky"))))
	}
	if src := cfg.Sources.Instagram; src != nil && src.Enabled {
		if src.APIKey == "" {
			a.log.Warn("instagram source enabled but api key missing, skipping")
		} else {
			cs = append(cs, collect.NewInstagram(src.APIKey, m, a.log.With(logx.String("svc", "collect.instagram"))))
		}
	}
	return cs
}

// buildRegistry constructs publishers for every destination with usable
// credentials. The returned toggle map reflects the enabled flags only; a
// destination enabled without credentials stays enabled but unregistered, so
// the engine leaves its deliveries pending rather than marking them skipped.
func (a *App) buildRegistry(cfg *config.Config, bskyClient *xrpc.Client) (*publish.Registry, map[model.Destination]bool) {
	log := a.log.With(logx.String("svc", "publish"))
	reg := publish.NewRegistry(log)
	enabled := map[model.Destination]bool{}
	dests := cfg.Destinations

	rateFor := func(d model.Destination) int {
		if rs, ok := dests.Rate[string(d)]; ok {
			return rs.PerSecond
		}
		return 1
	}
	addOrWarn := func(d model.Destination, p publish.Publisher, err error) {
		if err != nil {
			log.Warn("destination unavailable", logx.String("dest", string(d)), logx.Err(err))
			return
		}
		reg.Add(p, rateFor(d))
	}

	if c := dests.Bluesky; c != nil && c.Enabled {
		enabled[model.DestBluesky] = true
		if bskyClient == nil {
			log.Warn("bluesky destination enabled but source credentials missing")
		} else {
			p, err := blueskypub.New(bskyClient, log.With(logx.String("dest", "bluesky")))
			addOrWarn(model.DestBluesky, p, err)
		}
	}
	if c := dests.Mastodon; c != nil && c.Enabled {
		enabled[model.DestMastodon] = true
		p, err := mastodonpub.New(mastodonpub.Config{
			Server:       c.Server,
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			AccessToken:  c.AccessToken,
		}, log.With(logx.String("dest", "mastodon")))
		addOrWarn(model.DestMastodon, p, err)
	}
	if c := dests.Discord; c != nil && c.Enabled {
		enabled[model.DestDiscord] = true
		p, err := discordpub.New(discordpub.Config{
			WebhookID:    c.WebhookID,
			WebhookToken: c.WebhookToken,
			Username:     c.Username,
		}, log.With(logx.String("dest", "discord")))
		addOrWarn(model.DestDiscord, p, err)
	}
	if c := dests.Tumblr; c != nil && c.Enabled {
		enabled[model.DestTumblr] = true
		p, err := tumblrpub.New(tumblrpub.Config{
			ConsumerKey:    c.ConsumerKey,
			ConsumerSecret: c.ConsumerSecret,
			Token:          c.Token,
			TokenSecret:    c.TokenSecret,
			Blog:           c.Blog,
		}, log.With(logx.String("dest", "tumblr")))
		addOrWarn(model.DestTumblr, p, err)
	}
	if c := dests.Telegram; c != nil && c.Enabled {
		enabled[model.DestTelegram] = true
		p, err := telegrampub.New(telegrampub.Config{
			Token:     c.Token,
			ChannelID: c.ChannelID,
		}, log.With(logx.String("dest", "telegram")))
		addOrWarn(model.DestTelegram, p, err)
	}

	return reg, enabled
}
