package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AbuAR/superhero-wallet/broker"
	"github.com/AbuAR/superhero-wallet/guard"
	"github.com/AbuAR/superhero-wallet/host"
	"github.com/AbuAR/superhero-wallet/phishing"
	"github.com/AbuAR/superhero-wallet/port"
	"github.com/AbuAR/superhero-wallet/queue"
	"github.com/AbuAR/superhero-wallet/router"
	"github.com/AbuAR/superhero-wallet/storage"
	"github.com/AbuAR/superhero-wallet/vault"
)

const tipMenuID = "superheroTip"

// Daemon wires the background components together
type Daemon struct {
	config *Config
	store  *storage.SQLiteStorage
	host   host.Host

	vault  *vault.Vault
	gate   *phishing.Gate
	broker *broker.Broker
	queue  *queue.Queue
	router *router.Router
	guard  *guard.Guard

	connected func() bool
}

// NewDaemon builds the components over an open store and a host.
func NewDaemon(cfg *Config, store *storage.SQLiteStorage, h host.Host) *Daemon {
	d := &Daemon{
		config:    cfg,
		store:     store,
		host:      h,
		vault:     vault.New(store),
		gate:      phishing.NewGate(store),
		broker:    broker.New(),
		connected: func() bool { return true },
	}
	d.queue = queue.New(d.attachExternal, queue.WithMaxPending(cfg.Queue.MaxPending))
	d.router = router.New(router.Config{
		ExtensionURL: cfg.ExtensionURL(),
		CallTimeout:  cfg.vaultCallTimeout(),
	}, router.Deps{
		Vault:     d.vault,
		Gate:      d.gate,
		Host:      h,
		Store:     store,
		Broker:    d.broker,
		Readiness: d.queue,
	})
	d.guard = guard.New(d.vault, h,
		guard.WithInterval(cfg.guardInterval()),
		guard.WithQueryTimeout(cfg.guardQueryTimeout()),
	)
	return d
}

// OnConnect takes ownership of an accepted port according to its class.
func (d *Daemon) OnConnect(ctx context.Context, p *port.Port) {
	key := broker.Key{Class: p.Class(), ID: p.ID()}

	switch p.Class() {
	case broker.ClassPopup, broker.ClassExtension:
		d.register(ctx, key, p)

	default:
		p.OnClose(func() { d.queue.Remove(p) })
		if err := d.queue.EnqueueOrForward(ctx, p); err != nil {
			log.Warn().Err(err).Str("conn_id", p.ID()).Msg("Rejecting external connection")
			p.Close()
		}
	}
}

// attachExternal is the ready queue's handler.
func (d *Daemon) attachExternal(ctx context.Context, c queue.Conn) {
	p, ok := c.(*port.Port)
	if !ok {
		log.Error().Str("conn_id", c.ID()).Msg("Ready queue released a non-port connection")
		return
	}
	d.register(ctx, broker.Key{Class: p.Class(), ID: p.ID()}, p)
}

// register adds p to the broker and serves its messages. The teardown hook
// is registered after Add so a port that already closed is removed at once.
func (d *Daemon) register(ctx context.Context, key broker.Key, p *port.Port) {
	d.broker.Add(key, p)
	p.OnClose(func() { d.broker.RemoveChannel(key, p) })

	go p.Serve(ctx, func(ctx context.Context, data []byte) {
		d.router.Handle(ctx, p, data)
	})
}

// installMenu replaces the context menu with the tip entry.
func (d *Daemon) installMenu(ctx context.Context) (func(), error) {
	if err := d.host.RemoveAllMenus(ctx); err != nil {
		return nil, fmt.Errorf("failed to clear context menu: %w", err)
	}
	if err := d.host.CreateMenuItem(ctx, host.MenuItem{ID: tipMenuID, Title: "Tip"}); err != nil {
		return nil, fmt.Errorf("failed to create context menu: %w", err)
	}
	return d.host.OnMenuClick(func(c host.MenuClick) {
		if c.MenuItemID != tipMenuID {
			return
		}
		if err := d.router.OpenTipPopup(ctx, c.PageURL); err != nil {
			log.Warn().Err(err).Msg("Failed to open tip popup")
		}
	})
}

// staticSource serves a fixed blocklist from configuration.
type staticSource []string

func (s staticSource) Fetch(ctx context.Context) ([]string, error) {
	return s, nil
}

func (d *Daemon) blocklistSource(ctx context.Context) (phishing.Source, error) {
	if d.config.Phishing.S3.Bucket != "" {
		return phishing.NewS3Source(ctx, d.config.Phishing.S3)
	}
	if len(d.config.Phishing.Blocklist) > 0 {
		return staticSource(d.config.Phishing.Blocklist), nil
	}
	return nil, nil
}

// refreshLoop refreshes the blocklist now and then on every interval.
func (d *Daemon) refreshLoop(ctx context.Context, src phishing.Source, interval time.Duration) {
	refresh := func() {
		if err := d.gate.Refresh(ctx, src); err != nil {
			log.Warn().Err(err).Msg("Blocklist refresh failed")
		}
	}

	refresh()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// Status reports the health snapshot.
func (d *Daemon) Status() HealthStatus {
	stats := d.router.Stats()
	connected := d.connected()
	return HealthStatus{
		Healthy:       connected,
		NATSConnected: connected,
		WalletReady:   d.queue.Ready(),
		VaultUnlocked: d.vault.IsUnlocked(),
		Popups:        d.broker.Count(broker.InClass(broker.ClassPopup)),
		Extensions:    d.broker.Count(broker.InClass(broker.ClassExtension)),
		Externals:     d.broker.Count(broker.InClass(broker.ClassExternal)),
		Pending:       d.queue.Pending(),
		Handled:       stats.Handled,
		Ignored:       stats.Ignored,
		Failures:      stats.Failures,
		GuardLocks:    d.guard.Locks(),
	}
}

// Run starts every background task and the port server, and blocks until
// ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	log.Info().Str("extension_id", d.config.ExtensionID).Msg("Wallet daemon starting")

	healthSrv := NewHealthServer(d.config.Health.Port, d.Status)
	go healthSrv.Start()
	defer healthSrv.Stop()

	unsubscribe, err := d.installMenu(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Context menu unavailable")
	} else {
		defer unsubscribe()
	}

	src, err := d.blocklistSource(ctx)
	if err != nil {
		return fmt.Errorf("failed to create blocklist source: %w", err)
	}
	if src != nil {
		go d.refreshLoop(ctx, src, d.config.refreshInterval())
	}

	go d.guard.Run(ctx)

	l, err := port.Listen(d.config.Listen)
	if err != nil {
		return err
	}

	srv := port.NewServer(port.ServerConfig{
		ExtensionID:    d.config.ExtensionID,
		Scheme:         d.config.ExtensionScheme,
		OriginPatterns: d.config.OriginPatterns,
	}, d.OnConnect)

	err = srv.Serve(ctx, l)

	if lockErr := d.vault.Lock(context.Background()); lockErr != nil {
		log.Warn().Err(lockErr).Msg("Failed to clear session on shutdown")
	}
	log.Info().Msg("Wallet daemon stopped")
	return err
}
