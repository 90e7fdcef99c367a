package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opsdesk/opsbot/internal/access"
	"github.com/opsdesk/opsbot/internal/audit"
	"github.com/opsdesk/opsbot/internal/config"
	"github.com/opsdesk/opsbot/internal/flow"
	"github.com/opsdesk/opsbot/internal/logging"
	"github.com/opsdesk/opsbot/internal/metrics"
	"github.com/opsdesk/opsbot/internal/otp"
	"github.com/opsdesk/opsbot/internal/remote"
	"github.com/opsdesk/opsbot/internal/squid"
	"github.com/opsdesk/opsbot/internal/store"
	"github.com/opsdesk/opsbot/internal/telegram"
	"github.com/opsdesk/opsbot/internal/throttle"
	"github.com/opsdesk/opsbot/internal/webapp"
	"github.com/opsdesk/opsbot/internal/wireguard"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func runBot(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(logging.Config{
		Format:    cfg.Log.Format,
		Level:     cfg.Log.Level,
		Component: "opsbot",
		FilePath:  cfg.Log.File,
	})
	defer logging.Shutdown()

	log.Info().
		Str("version", Version).
		Str("commit", GitCommit).
		Str("wireguard_host", cfg.WireGuard.Host).
		Int("squid_hosts", len(cfg.Squid.Hosts)).
		Msg("Starting opsbot")

	m := metrics.New(Version)

	auditLog, err := openAudit(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	localDB, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open local database: %w", err)
	}
	local := store.NewLocal(localDB, cfg.Database.Driver)
	defer local.Close()
	if err := local.Migrate(ctx); err != nil {
		return err
	}

	var gateway *store.Gateway
	if cfg.Gateway.DSN != "" {
		gatewayDB, err := store.Open(ctx, cfg.Gateway.Driver, cfg.Gateway.DSN)
		if err != nil {
			return fmt.Errorf("open gateway database: %w", err)
		}
		gateway = store.NewGateway(gatewayDB)
		defer gateway.Close()
	} else {
		log.Warn().Msg("Gateway database not configured; gateway allowlist requests will be refused")
	}

	sshExec, err := remote.NewSSHExecutor(remote.Config{
		User:           cfg.SSH.User,
		KeyFile:        cfg.SSH.KeyFile,
		Port:           cfg.SSH.Port,
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		MaxOutputBytes: cfg.SSH.MaxOutputBytes,
	})
	if err != nil {
		return err
	}
	sshExec.SetObserver(m.ObserveRemote)
	exec := remote.Serialize(sshExec, throttle.NewKeyGate())

	wg := wireguard.NewClient(exec, wireguard.Settings{
		Host:            cfg.WireGuard.Host,
		Script:          cfg.WireGuard.Script,
		ServerPublicKey: cfg.WireGuard.ServerPublicKey,
		AllowedIPs:      cfg.WireGuard.AllowedIPs,
		Endpoint:        cfg.WireGuard.Endpoint,
		Keepalive:       cfg.WireGuard.Keepalive,
	})
	proxies := squid.NewClient(exec, cfg.Squid.Script, cfg.Squid.WarmupPort)

	watcher, err := config.NewWatcher(configPath, cfg)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	watcher.SetReloadObserver(m.RecordConfigReload)
	watcher.OnChange(func(c *config.Config) {
		logging.SetLevel(c.Log.Level)
	})
	if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Config file watching disabled; use SIGHUP to reload")
	}
	defer watcher.Stop()

	api, err := telegram.Connect(cfg.Telegram.Token, cfg.Telegram.Debug)
	if err != nil {
		return err
	}
	log.Info().Str("username", api.Self.UserName).Msg("Authorized on Telegram")
	client := telegram.NewClient(api)

	var launcher flow.WebAppLauncher
	var pbxApp *webapp.Service
	if cfg.PBXWebApp.URL != "" {
		pbxApp, err = webapp.New(webapp.Config{
			URL:      cfg.PBXWebApp.URL,
			Secret:   cfg.PBXWebApp.Secret,
			TokenTTL: cfg.PBXWebApp.TokenTTL,
		})
		if err != nil {
			return err
		}
		launcher = pbxApp
	}

	limiter := throttle.NewLimiter(cfg.Throttle.Interval, cfg.Throttle.Burst)
	defer limiter.Shutdown()

	engine := flow.New(flow.Config{
		Gate:       access.NewGate(local, client, auditLog, m),
		Messenger:  client,
		WireGuard:  wg,
		Squid:      proxies,
		PBX:        local,
		Gateway:    gateway,
		Challenger: otp.NewVerifier(cfg.TOTP.Secret),
		WebApp:     launcher,
		ProxyHosts: func() []string {
			return watcher.Current().Squid.Hosts
		},
		Audit:          auditLog,
		Metrics:        m,
		TypingInterval: flow.DefaultTypingInterval,
	})
	bot := telegram.NewBot(api, engine.Handle, telegram.Options{
		PollTimeout: cfg.Telegram.PollTimeout,
		Limiter:     limiter,
		Metrics:     m,
	})

	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()
	g.Go(func() error {
		// The bot is the service; everything else stops with it.
		defer cancel()
		return bot.Run(gctx)
	})
	if cfg.Metrics.Address != "" {
		g.Go(func() error {
			return m.Serve(gctx, cfg.Metrics.Address)
		})
	}
	if pbxApp != nil {
		g.Go(func() error {
			return pbxApp.Serve(gctx, cfg.PBXWebApp.Listen, func(ctx context.Context, sub webapp.Submission) {
				bot.Submit(ctx, flow.Event{
					ChatID: sub.ChatID,
					UserID: sub.UserID,
					WebApp: &flow.WebAppReport{IP: sub.IP, Failed: sub.Failed},
				})
			})
		})
	}
	g.Go(func() error {
		reloadOnHangup(gctx, watcher)
		return nil
	})

	err = g.Wait()
	log.Info().Msg("opsbot stopped")
	return err
}

func openAudit(path string) (*audit.Logger, error) {
	if path == "" {
		log.Warn().Msg("Audit trail disabled (audit.path is empty)")
		return nil, nil
	}
	auditLog, err := audit.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return auditLog, nil
}

func reloadOnHangup(ctx context.Context, watcher *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			log.Info().Msg("Received SIGHUP, reloading configuration")
			watcher.Reload()
		}
	}
}
