package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/mdlayher/vsock"
	"github.com/rs/zerolog/log"

	"github.com/AbuAR/superhero-wallet/broker"
)

// ListenConfig selects where the port server accepts connections.
type ListenConfig struct {
	// Address is a TCP listen address, used unless VsockPort is set.
	Address string `yaml:"address"`

	// VsockPort listens on AF_VSOCK instead, for a daemon running in a VM
	// next to the browser.
	VsockPort uint32 `yaml:"vsock_port"`
}

// Listen opens the configured listener.
func Listen(cfg ListenConfig) (net.Listener, error) {
	if cfg.VsockPort != 0 {
		l, err := vsock.Listen(cfg.VsockPort, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create vsock listener: %w", err)
		}
		return l, nil
	}
	l, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP listener: %w", err)
	}
	return l, nil
}

// ConnectFunc receives every accepted port. It must not block for the
// lifetime of the port.
type ConnectFunc func(ctx context.Context, p *Port)

// Server accepts WebSocket handshakes on /connect.
type Server struct {
	extensionID    string
	scheme         string
	originPatterns []string
	onConnect      ConnectFunc

	ctx context.Context
}

// ServerConfig configures a Server.
type ServerConfig struct {
	ExtensionID    string
	Scheme         string
	OriginPatterns []string
}

// NewServer creates a server that hands accepted ports to onConnect.
func NewServer(cfg ServerConfig, onConnect ConnectFunc) *Server {
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "chrome-extension"
	}
	return &Server{
		extensionID:    cfg.ExtensionID,
		scheme:         scheme,
		originPatterns: cfg.OriginPatterns,
		onConnect:      onConnect,
		ctx:            context.Background(),
	}
}

// ServeHTTP performs the handshake and holds the request open until the
// port is closed.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sender := Sender{
		ExtensionID: q.Get("sender_id"),
		URL:         q.Get("url"),
		Name:        q.Get("name"),
	}
	if tab := q.Get("tab_id"); tab != "" {
		id, err := strconv.Atoi(tab)
		if err != nil {
			http.Error(w, "invalid tab_id", http.StatusBadRequest)
			return
		}
		sender.TabID = id
	}

	if sender.ExtensionID != s.extensionID {
		log.Warn().
			Str("sender_id", sender.ExtensionID).
			Str("remote", r.RemoteAddr).
			Msg("SECURITY: Rejected connection from foreign extension")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket handshake failed")
		return
	}

	class := Classify(s.extensionID, s.scheme, sender)
	id := broker.NewIdentity()
	if class == broker.ClassPopup {
		id = sender.PopupID()
	}

	ctx := s.ctx
	p := newPort(ctx, ws, id, class, sender)

	log.Debug().
		Str("conn_id", id).
		Str("trust_class", string(class)).
		Int("tab_id", sender.TabID).
		Msg("Port connected")

	s.onConnect(ctx, p)

	select {
	case <-p.Done():
	case <-ctx.Done():
		p.Close()
	}
}

// Serve runs an HTTP server for the port endpoint on l until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.ctx = ctx

	mux := http.NewServeMux()
	mux.Handle("/connect", s)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", l.Addr().String()).Msg("Port server listening")

	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("port server: %w", err)
	}
	return nil
}
