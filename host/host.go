// Package host gives the daemon access to the browser's window, tab and
// context-menu primitives through a shim reachable over NATS.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Tab is a browser tab.
type Tab struct {
	ID  int    `json:"id"`
	URL string `json:"url,omitempty"`
}

// PopupOptions describes a popup window to open.
type PopupOptions struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// MenuItem is a context-menu entry.
type MenuItem struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Contexts []string `json:"contexts,omitempty"`
}

// MenuClick is delivered when the user picks a context-menu entry.
type MenuClick struct {
	MenuItemID string `json:"menuItemId"`
	PageURL    string `json:"pageUrl"`
}

// Host is the set of platform primitives the background needs.
type Host interface {
	CountWindows(ctx context.Context) (int, error)
	ActiveTabs(ctx context.Context) ([]Tab, error)
	SendToTab(ctx context.Context, tabID int, msg any) error
	OpenPopup(ctx context.Context, opts PopupOptions) error
	CreateMenuItem(ctx context.Context, item MenuItem) error
	RemoveAllMenus(ctx context.Context) error
	OnMenuClick(fn func(MenuClick)) (func(), error)
}

// Config configures the NATS connection to the browser shim.
type Config struct {
	URL             string        `yaml:"url"`
	CredentialsFile string        `yaml:"credentials_file"`
	SubjectPrefix   string        `yaml:"subject_prefix"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ReconnectWait   int           `yaml:"reconnect_wait_ms"`
	MaxReconnects   int           `yaml:"max_reconnects"`
}

// conn is the part of *nats.Conn the host uses.
type conn interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// envelope is the shim's reply shape.
type envelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NATSHost implements Host with JSON request/reply on <prefix>.* subjects.
type NATSHost struct {
	conn    conn
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// Dial connects to NATS and returns a host bound to cfg.SubjectPrefix.
func Dial(cfg Config) (*NATSHost, error) {
	opts := []nats.Option{
		nats.Name("superhero-walletd"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	h := newNATSHost(nc, cfg.SubjectPrefix, cfg.RequestTimeout)
	h.nc = nc
	return h, nil
}

func newNATSHost(c conn, prefix string, timeout time.Duration) *NATSHost {
	if prefix == "" {
		prefix = "browser"
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NATSHost{conn: c, prefix: prefix, timeout: timeout}
}

// Close drains the NATS connection, if this host owns one.
func (h *NATSHost) Close() {
	if h.nc != nil {
		h.nc.Close()
	}
}

// IsConnected reports whether the NATS connection is up.
func (h *NATSHost) IsConnected() bool {
	return h.nc != nil && h.nc.IsConnected()
}

func (h *NATSHost) subject(name string) string {
	return h.prefix + "." + name
}

// call performs one request/reply. out may be nil when no result is expected.
func (h *NATSHost) call(ctx context.Context, name string, in, out any) error {
	var data []byte
	if in != nil {
		var err error
		data, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", name, err)
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	msg, err := h.conn.RequestWithContext(ctx, h.subject(name), data)
	if err != nil {
		return fmt.Errorf("host %s: %w", name, err)
	}

	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", name, err)
	}
	if env.Error != "" {
		return fmt.Errorf("host %s: %s", name, env.Error)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", name, err)
		}
	}
	return nil
}

// CountWindows returns the number of open browser windows.
func (h *NATSHost) CountWindows(ctx context.Context) (int, error) {
	var n int
	if err := h.call(ctx, "windows.count", nil, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// ActiveTabs returns the active tab(s) of the current window.
func (h *NATSHost) ActiveTabs(ctx context.Context) ([]Tab, error) {
	var tabs []Tab
	if err := h.call(ctx, "tabs.active", nil, &tabs); err != nil {
		return nil, err
	}
	return tabs, nil
}

// SendToTab delivers msg to the content script of a tab.
func (h *NATSHost) SendToTab(ctx context.Context, tabID int, msg any) error {
	return h.call(ctx, "tabs.send", struct {
		TabID   int `json:"tabId"`
		Message any `json:"message"`
	}{tabID, msg}, nil)
}

// OpenPopup opens a popup window.
func (h *NATSHost) OpenPopup(ctx context.Context, opts PopupOptions) error {
	return h.call(ctx, "windows.create", struct {
		PopupOptions
		Type string `json:"type"`
	}{opts, "popup"}, nil)
}

// CreateMenuItem adds a context-menu entry.
func (h *NATSHost) CreateMenuItem(ctx context.Context, item MenuItem) error {
	return h.call(ctx, "menus.create", item, nil)
}

// RemoveAllMenus clears every context-menu entry this extension created.
func (h *NATSHost) RemoveAllMenus(ctx context.Context) error {
	return h.call(ctx, "menus.removeAll", nil, nil)
}

// OnMenuClick subscribes fn to context-menu clicks. The returned function
// unsubscribes.
func (h *NATSHost) OnMenuClick(fn func(MenuClick)) (func(), error) {
	sub, err := h.conn.Subscribe(h.subject("menus.clicked"), func(msg *nats.Msg) {
		var click MenuClick
		if err := json.Unmarshal(msg.Data, &click); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed menu click")
			return
		}
		fn(click)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to menu clicks: %w", err)
	}
	log.Debug().Str("subject", sub.Subject).Msg("Subscribed to NATS")
	return func() { sub.Unsubscribe() }, nil
}
