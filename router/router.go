// Package router dispatches inbound channel messages to the vault, the
// phishing gate, session controls and the notification fan-out.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AbuAR/superhero-wallet/broker"
	"github.com/AbuAR/superhero-wallet/host"
	"github.com/AbuAR/superhero-wallet/phishing"
	"github.com/AbuAR/superhero-wallet/port"
	"github.com/AbuAR/superhero-wallet/storage"
	"github.com/AbuAR/superhero-wallet/vault"
)

const (
	defaultCallTimeout = 30 * time.Second

	tipPopupWidth  = 375
	tipPopupHeight = 600
)

// errFatal marks a collaborator that panicked.
var errFatal = errors.New("router: collaborator failed")

// Vault is the credential vault as seen by the router.
type Vault interface {
	Unlock(ctx context.Context, password string, keystore []byte) (vault.UnlockResult, error)
	Generate(ctx context.Context, seed []byte) (vault.GenerateResult, error)
	DeriveAccount(ctx context.Context, idx uint32) (vault.Account, error)
	GetKeypair(ctx context.Context, idx uint32) (string, error)
	Lock(ctx context.Context) error
	IsUnlocked() bool
}

// Gate is the phishing gate as seen by the router.
type Gate interface {
	IsBlocked(ctx context.Context, host string) (phishing.Verdict, error)
	Allow(ctx context.Context, host string) error
}

// Host is the subset of platform primitives the router calls.
type Host interface {
	ActiveTabs(ctx context.Context) ([]host.Tab, error)
	SendToTab(ctx context.Context, tabID int, msg any) error
	OpenPopup(ctx context.Context, opts host.PopupOptions) error
}

// Store persists session flags.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Broker delivers replies and broadcasts.
type Broker interface {
	Send(ctx context.Context, key broker.Key, msg any) error
	Broadcast(ctx context.Context, pred func(broker.Key) bool, msg any) int
}

// Readiness is signalled when the RPC wallet has initialised.
type Readiness interface {
	MarkReady(ctx context.Context) bool
}

// Conn is the channel a message arrived on.
type Conn interface {
	ID() string
	Class() broker.Class
	Sender() port.Sender
}

// Config configures a Router.
type Config struct {
	// ExtensionURL is the extension's base URL, ending in a slash.
	ExtensionURL string

	// CallTimeout bounds each vault call.
	CallTimeout time.Duration
}

// Deps are the router's collaborators.
type Deps struct {
	Vault     Vault
	Gate      Gate
	Host      Host
	Store     Store
	Broker    Broker
	Readiness Readiness
}

// Stats are cumulative dispatch counters.
type Stats struct {
	Handled  uint64
	Ignored  uint64
	Failures uint64
}

// Router is the message router. Safe for concurrent use; each channel
// serializes its own messages.
type Router struct {
	cfg  Config
	deps Deps

	handled  atomic.Uint64
	ignored  atomic.Uint64
	failures atomic.Uint64
}

// New creates a router.
func New(cfg Config, deps Deps) *Router {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Router{cfg: cfg, deps: deps}
}

// Stats returns the current counters.
func (r *Router) Stats() Stats {
	return Stats{
		Handled:  r.handled.Load(),
		Ignored:  r.ignored.Load(),
		Failures: r.failures.Load(),
	}
}

// Handle processes one frame received on c. Malformed, unknown and
// unpermitted messages are ignored.
func (r *Router) Handle(ctx context.Context, c Conn, data []byte) {
	req, err := DecodeRequest(data)
	if err != nil {
		r.ignored.Add(1)
		log.Debug().Err(err).Str("conn_id", c.ID()).Msg("Ignoring malformed message")
		return
	}

	m := ParseMethod(req.Name())
	if !Allowed(c.Class(), m) {
		r.ignored.Add(1)
		log.Debug().
			Str("conn_id", c.ID()).
			Str("trust_class", string(c.Class())).
			Str("method", req.Name()).
			Msg("Ignoring message")
		return
	}

	r.handled.Add(1)
	switch m.Family() {
	case FamilyVault:
		r.handleVault(ctx, c, m, req)
	case FamilyBlocklist:
		r.handleBlocklist(ctx, c, m, req)
	case FamilySession:
		r.handleSession(ctx, c, m, req)
	case FamilyNotification:
		r.handleNotification(ctx, m, req)
	}
}

// reply sends {uuid, res} back on c when the request carried a uuid. A
// channel that has gone away is not an error.
func (r *Router) reply(ctx context.Context, c Conn, req *Request, res any) {
	if !req.HasUUID() {
		return
	}
	key := broker.Key{Class: c.Class(), ID: c.ID()}
	err := r.deps.Broker.Send(ctx, key, Reply{UUID: req.UUID, Res: res})
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrNotFound):
		log.Debug().Str("key", key.String()).Msg("Reply target gone, dropping reply")
	default:
		log.Warn().Err(err).Str("key", key.String()).Msg("Failed to deliver reply")
	}
}

// callVault runs fn under the call ceiling. A panic inside the vault leaves
// its state undefined, so the vault is locked and errFatal returned.
func (r *Router) callVault(ctx context.Context, m Method, fn func(ctx context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	type result struct {
		res any
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error().Str("method", m.String()).Interface("panic", p).Msg("Vault call panicked, locking vault")
				if err := r.deps.Vault.Lock(context.Background()); err != nil {
					log.Error().Err(err).Msg("Failed to lock vault")
				}
				done <- result{err: errFatal}
			}
		}()
		res, err := fn(ctx)
		done <- result{res, err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("vault %s: %w", m, ctx.Err())
	}
}

func (r *Router) handleVault(ctx context.Context, c Conn, m Method, req *Request) {
	v := r.deps.Vault
	var (
		res any
		err error
	)

	switch m {
	case MethodUnlockWallet:
		var p unlockPayload
		if err = req.Decode(&p); err == nil {
			res, err = r.callVault(ctx, m, func(ctx context.Context) (any, error) {
				return v.Unlock(ctx, p.AccountPassword, p.EncryptedPrivateKey)
			})
		}
		if err != nil {
			res = vault.UnlockResult{Decrypt: false}
		}

	case MethodGenerateWallet:
		var p generatePayload
		if err = req.Decode(&p); err == nil {
			res, err = r.callVault(ctx, m, func(ctx context.Context) (any, error) {
				return v.Generate(ctx, p.Seed)
			})
		}
		if err != nil {
			res = vault.GenerateResult{Generate: false}
		}

	case MethodGetAccount:
		var p accountPayload
		if err = req.Decode(&p); err == nil {
			res, err = r.callVault(ctx, m, func(ctx context.Context) (any, error) {
				return v.DeriveAccount(ctx, p.Idx)
			})
		}
		if err != nil {
			res = errorResult{Error: true}
		}

	case MethodGetKeypair:
		var p keypairPayload
		if err = req.Decode(&p); err == nil {
			res, err = r.callVault(ctx, m, func(ctx context.Context) (any, error) {
				return v.GetKeypair(ctx, p.ActiveAccount)
			})
		}
		if err != nil {
			res = errorResult{Error: true}
		}

	case MethodLockWallet:
		_, err = r.callVault(ctx, m, func(ctx context.Context) (any, error) {
			return nil, v.Lock(ctx)
		})
		res = err == nil

	case MethodIsLoggedIn:
		res = v.IsUnlocked()
	}

	if err != nil {
		r.failures.Add(1)
		log.Info().Err(err).Str("conn_id", c.ID()).Str("method", m.String()).Msg("Vault call failed")
	}
	r.reply(ctx, c, req, res)
}

func (r *Router) handleBlocklist(ctx context.Context, c Conn, m Method, req *Request) {
	switch m {
	case MethodPhishingCheck:
		r.checkHost(ctx, c, req)

	case MethodSetPhishingURL:
		var p allowHostParams
		if err := req.Decode(&p); err != nil {
			r.failures.Add(1)
			log.Debug().Err(err).Msg("Ignoring allow-host request")
			return
		}
		if err := r.deps.Gate.Allow(ctx, p.Hostname); err != nil {
			r.failures.Add(1)
			log.Warn().Err(err).Str("host", p.Hostname).Msg("Failed to whitelist host")
			r.reply(ctx, c, req, false)
			return
		}
		r.reply(ctx, c, req, true)
	}
}

// checkHost answers a phishing probe. Only the active tab of the current
// window may probe; anything else gets no query and no reply.
func (r *Router) checkHost(ctx context.Context, c Conn, req *Request) {
	var p phishingCheckParams
	if err := req.Decode(&p); err != nil {
		log.Debug().Err(err).Msg("Ignoring phishing check")
		return
	}
	u, err := url.Parse(p.Href)
	if err != nil || u.Hostname() == "" {
		log.Debug().Str("href", p.Href).Msg("Ignoring phishing check without host")
		return
	}

	tabs, err := r.deps.Host.ActiveTabs(ctx)
	if err != nil {
		r.failures.Add(1)
		log.Warn().Err(err).Msg("Failed to query active tab")
		return
	}
	if len(tabs) == 0 || tabs[0].ID != c.Sender().TabID {
		log.Debug().
			Str("conn_id", c.ID()).
			Int("tab_id", c.Sender().TabID).
			Msg("SECURITY: Phishing check from inactive tab ignored")
		return
	}

	hostname := u.Hostname()
	verdict, err := r.deps.Gate.IsBlocked(ctx, hostname)
	if err != nil {
		r.failures.Add(1)
		log.Warn().Err(err).Str("host", hostname).Msg("Phishing lookup failed")
		return
	}

	msg, err := phishingBroadcast(req, PhishingData{
		Method:  MethodPhishingCheck.String(),
		ExtURL:  r.cfg.ExtensionURL,
		Host:    hostname,
		Href:    p.Href,
		Blocked: verdict.Blocked,
	})
	if err != nil {
		r.failures.Add(1)
		log.Error().Err(err).Msg("Failed to build phishing verdict")
		return
	}

	for _, tab := range tabs {
		if err := r.deps.Host.SendToTab(ctx, tab.ID, msg); err != nil {
			log.Warn().Err(err).Int("tab_id", tab.ID).Msg("Failed to deliver phishing verdict")
		}
	}

	log.Info().Str("host", hostname).Bool("blocked", verdict.Blocked).Msg("Phishing check answered")
}

func (r *Router) handleSession(ctx context.Context, c Conn, m Method, req *Request) {
	switch m {
	case MethodSwitchNetwork:
		var p switchNetworkPayload
		if err := req.Decode(&p); err != nil || p.Network == "" {
			log.Debug().Err(err).Msg("Ignoring network switch without network")
			return
		}
		if err := r.deps.Store.Set(ctx, storage.KeyNetwork, p.Network); err != nil {
			r.failures.Add(1)
			log.Warn().Err(err).Msg("Failed to persist network")
			return
		}
		params, _ := json.Marshal(p)
		n := r.deps.Broker.Broadcast(ctx, broker.InClass(broker.ClassExternal), Notification{
			Method: "networkChanged",
			Params: params,
		})
		log.Info().Str("network", p.Network).Int("notified", n).Msg("Network switched")

	case MethodCheckHasAccount:
		account, err := r.deps.Store.Get(ctx, storage.KeyAccount)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			r.reply(ctx, c, req, false)
		case err != nil:
			r.failures.Add(1)
			log.Warn().Err(err).Msg("Failed to read account flag")
			r.reply(ctx, c, req, false)
		default:
			r.reply(ctx, c, req, hasAccount(account))
		}

	case MethodOpenTipPopup:
		var p tipPayload
		if err := req.Decode(&p); err != nil {
			log.Debug().Err(err).Msg("Ignoring tip popup request")
			return
		}
		pageURL := p.URL
		if pageURL == "" {
			tabs, err := r.deps.Host.ActiveTabs(ctx)
			if err != nil || len(tabs) == 0 {
				r.failures.Add(1)
				log.Warn().Err(err).Msg("No page to tip")
				return
			}
			pageURL = tabs[0].URL
		}
		if err := r.OpenTipPopup(ctx, pageURL); err != nil {
			r.failures.Add(1)
			log.Warn().Err(err).Msg("Failed to open tip popup")
		}
	}
}

// hasAccount treats an empty or empty-object account record as absent.
func hasAccount(v string) bool {
	switch v {
	case "", "{}", "null":
		return false
	}
	return true
}

// OpenTipPopup records the tip route and opens the popup on it.
func (r *Router) OpenTipPopup(ctx context.Context, pageURL string) error {
	tipRoute := "/tip?url=" + url.QueryEscape(pageURL)
	if err := r.deps.Store.Set(ctx, storage.KeyTipURL, tipRoute); err != nil {
		return fmt.Errorf("failed to persist tip url: %w", err)
	}
	err := r.deps.Host.OpenPopup(ctx, host.PopupOptions{
		URL:    r.cfg.ExtensionURL + "popup/popup.html#" + tipRoute,
		Width:  tipPopupWidth,
		Height: tipPopupHeight,
	})
	if err != nil {
		return fmt.Errorf("failed to open popup: %w", err)
	}
	return nil
}

func (r *Router) handleNotification(ctx context.Context, m Method, req *Request) {
	if m == MethodInitRPCWallet {
		if r.deps.Readiness.MarkReady(ctx) {
			log.Info().Msg("RPC wallet initialised")
		}
		return
	}

	n := r.deps.Broker.Broadcast(ctx, broker.InClass(broker.ClassExternal), Notification{
		Method: m.String(),
		Params: req.Body(),
	})
	log.Debug().Str("method", m.String()).Int("notified", n).Msg("Notification broadcast")
}
