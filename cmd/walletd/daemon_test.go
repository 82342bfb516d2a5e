package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbuAR/superhero-wallet/broker"
	"github.com/AbuAR/superhero-wallet/host"
	"github.com/AbuAR/superhero-wallet/port"
	"github.com/AbuAR/superhero-wallet/storage"
)

const testExtensionID = "abcdefghijklmnop"

type fakeHost struct {
	mu      sync.Mutex
	windows int
	menus   []host.MenuItem
	cleared int
	popups  []host.PopupOptions
	onClick func(host.MenuClick)
}

func (h *fakeHost) CountWindows(ctx context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.windows, nil
}

func (h *fakeHost) ActiveTabs(ctx context.Context) ([]host.Tab, error) { return nil, nil }

func (h *fakeHost) SendToTab(ctx context.Context, tabID int, msg any) error { return nil }

func (h *fakeHost) OpenPopup(ctx context.Context, opts host.PopupOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.popups = append(h.popups, opts)
	return nil
}

func (h *fakeHost) CreateMenuItem(ctx context.Context, item host.MenuItem) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.menus = append(h.menus, item)
	return nil
}

func (h *fakeHost) RemoveAllMenus(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleared++
	h.menus = nil
	return nil
}

func (h *fakeHost) OnMenuClick(fn func(host.MenuClick)) (func(), error) {
	h.onClick = fn
	return func() { h.onClick = nil }, nil
}

func newTestDaemon(t *testing.T) (*Daemon, *fakeHost) {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := DefaultConfig()
	cfg.ExtensionID = testExtensionID
	fh := &fakeHost{windows: 1}
	return NewDaemon(cfg, store, fh), fh
}

func startPortServer(t *testing.T, d *Daemon) *httptest.Server {
	t.Helper()
	s := port.NewServer(port.ServerConfig{
		ExtensionID:    testExtensionID,
		OriginPatterns: []string{"*"},
	}, d.OnConnect)
	mux := http.NewServeMux()
	mux.Handle("/connect", s)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server, params url.Values) *websocket.Conn {
	t.Helper()
	params.Set("sender_id", testExtensionID)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/connect?" + params.Encode()
	c, _, err := websocket.Dial(ctx, u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func TestOnConnect_ExternalWaitsForReadiness(t *testing.T) {
	d, _ := newTestDaemon(t)
	srv := startPortServer(t, d)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aepp := dial(t, ctx, srv, url.Values{"url": {"https://aepp.example"}})
	require.Eventually(t, func() bool { return d.queue.Pending() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, aepp.Write(ctx, websocket.MessageText, []byte(`{"type":"isLoggedIn","uuid":"a"}`)))
	assert.Zero(t, d.broker.Count(broker.InClass(broker.ClassExternal)))

	ext := dial(t, ctx, srv, url.Values{
		"name": {"EXTENSION"},
		"url":  {"chrome-extension://" + testExtensionID + "/background.html"},
	})
	require.Eventually(t, func() bool {
		return d.broker.Count(broker.InClass(broker.ClassExtension)) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, ext.Write(ctx, websocket.MessageText, []byte(`{"type":"INIT_RPC_WALLET"}`)))

	_, reply, err := aepp.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"uuid":"a","res":false}`, string(reply))
	assert.True(t, d.queue.Ready())
	assert.Equal(t, 1, d.broker.Count(broker.InClass(broker.ClassExternal)))
}

func TestOnConnect_PendingExternalClosedIsWithdrawn(t *testing.T) {
	d, _ := newTestDaemon(t)
	srv := startPortServer(t, d)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aepp := dial(t, ctx, srv, url.Values{})
	require.Eventually(t, func() bool { return d.queue.Pending() == 1 }, time.Second, 5*time.Millisecond)

	aepp.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return d.queue.Pending() == 0 }, time.Second, 5*time.Millisecond)

	d.queue.MarkReady(ctx)
	assert.Zero(t, d.broker.Count(broker.InClass(broker.ClassExternal)))
}

func TestOnConnect_PopupRegistersAndUnregisters(t *testing.T) {
	d, _ := newTestDaemon(t)
	srv := startPortServer(t, d)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	popup := dial(t, ctx, srv, url.Values{
		"name": {"POPUP"},
		"url":  {"chrome-extension://" + testExtensionID + "/popup/popup.html?id=win-1"},
	})
	key := broker.Key{Class: broker.ClassPopup, ID: "win-1"}
	require.Eventually(t, func() bool {
		_, ok := d.broker.Get(key)
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, d.broker.Send(ctx, key, map[string]string{"type": "POPUP_INFO"}))
	_, msg, err := popup.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"POPUP_INFO"}`, string(msg))

	popup.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool {
		_, ok := d.broker.Get(key)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestInstallMenu_TipClickOpensPopup(t *testing.T) {
	d, fh := newTestDaemon(t)
	ctx := context.Background()

	unsubscribe, err := d.installMenu(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fh.cleared)
	assert.Equal(t, []host.MenuItem{{ID: "superheroTip", Title: "Tip"}}, fh.menus)

	fh.onClick(host.MenuClick{MenuItemID: "other", PageURL: "https://x.example"})
	fh.onClick(host.MenuClick{MenuItemID: "superheroTip", PageURL: "https://creator.example/"})

	require.Len(t, fh.popups, 1)
	assert.Equal(t, "chrome-extension://"+testExtensionID+"/popup/popup.html#/tip?url=https%3A%2F%2Fcreator.example%2F", fh.popups[0].URL)
	assert.Equal(t, 375, fh.popups[0].Width)
	assert.Equal(t, 600, fh.popups[0].Height)

	unsubscribe()
	assert.Nil(t, fh.onClick)
}

func TestRefreshLoop_StaticBlocklist(t *testing.T) {
	d, _ := newTestDaemon(t)
	ctx := context.Background()

	d.refreshLoop(ctx, staticSource{"evil.example"}, 0)

	v, err := d.gate.IsBlocked(ctx, "www.evil.example")
	require.NoError(t, err)
	assert.True(t, v.Blocked)
}

func TestHealth_Endpoints(t *testing.T) {
	d, _ := newTestDaemon(t)
	srv := httptest.NewServer(NewHealthServer(0, d.Status).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	d.queue.MarkReady(context.Background())

	resp, err = http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "walletd_wallet_ready 1\n")
	assert.Contains(t, string(body), "walletd_vault_unlocked 0\n")
	assert.Contains(t, string(body), `walletd_channels{class="OTHER"} 0`)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "walletd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
extension_id: abc
listen:
  address: 127.0.0.1:9000
nats:
  url: nats://shim:4222
  request_timeout: 500ms
phishing:
  blocklist: [evil.example]
session_guard:
  interval_ms: 1000
`), 0o600))

	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", cfg.ExtensionID)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen.Address)
	assert.Equal(t, "nats://shim:4222", cfg.NATS.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.RequestTimeout)
	assert.Equal(t, "browser", cfg.NATS.SubjectPrefix)
	assert.Equal(t, []string{"evil.example"}, cfg.Phishing.Blocklist)
	assert.Equal(t, time.Second, cfg.guardInterval())
	assert.Equal(t, "chrome-extension://abc/", cfg.ExtensionURL())
	assert.NoError(t, cfg.Validate())

	cfg.ExtensionID = ""
	assert.Error(t, cfg.Validate())
}
