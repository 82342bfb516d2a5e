// Package port implements the duplex channels contexts use to reach the
// background process, and the handshake that assigns each one a trust class.
package port

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/AbuAR/superhero-wallet/broker"
)

const (
	inboxSize = 64
	readLimit = 1 << 20
)

// ErrClosed is returned by Send after the port has been torn down.
var ErrClosed = errors.New("port: closed")

// State is a port's lifecycle state. Closed is terminal.
type State int32

const (
	StateOpen State = iota
	StateProcessing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateProcessing:
		return "processing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sender describes the context on the other end, as declared in the
// handshake.
type Sender struct {
	ExtensionID string
	URL         string
	TabID       int
	Name        string
}

// PopupID returns the `id` query parameter of the sender URL, which popup
// windows use to correlate themselves with their port.
func (s Sender) PopupID() string {
	u, err := url.Parse(s.URL)
	if err != nil {
		return ""
	}
	return u.Query().Get("id")
}

// Classify assigns a trust class from the handshake. The POPUP and
// EXTENSION names are honoured only for senders on one of this extension's
// own pages (the popup page for POPUP); anything else is external.
func Classify(extensionID, scheme string, s Sender) broker.Class {
	origin := fmt.Sprintf("%s://%s/", scheme, extensionID)
	senderURL, _, _ := strings.Cut(s.URL, "?")

	switch broker.Class(s.Name) {
	case broker.ClassPopup:
		if strings.HasPrefix(senderURL, origin+"popup/popup.html") {
			return broker.ClassPopup
		}
	case broker.ClassExtension:
		if strings.HasPrefix(senderURL, origin) {
			return broker.ClassExtension
		}
	}
	return broker.ClassExternal
}

// Port is one duplex channel. Inbound frames are read continuously into a
// bounded inbox from the moment the port exists, so a port that is still
// waiting in the ready queue notices when its peer goes away. Until Serve
// starts, frames past the inbox bound are dropped rather than stalling the
// reader.
type Port struct {
	id     string
	class  broker.Class
	sender Sender
	ws     *websocket.Conn

	writeMu sync.Mutex
	state   atomic.Int32
	serving atomic.Bool
	dropped atomic.Uint64
	inbox   chan []byte
	done    chan struct{}

	closeOnce sync.Once
	hooksMu   sync.Mutex
	hooks     []func()
}

func newPort(ctx context.Context, ws *websocket.Conn, id string, class broker.Class, sender Sender) *Port {
	ws.SetReadLimit(readLimit)
	p := &Port{
		id:     id,
		class:  class,
		sender: sender,
		ws:     ws,
		inbox:  make(chan []byte, inboxSize),
		done:   make(chan struct{}),
	}
	go p.readLoop(ctx)
	return p
}

// ID returns the port's identity.
func (p *Port) ID() string { return p.id }

// Class returns the port's trust class.
func (p *Port) Class() broker.Class { return p.class }

// Sender returns the handshake description of the peer.
func (p *Port) Sender() Sender { return p.sender }

// State returns the current lifecycle state.
func (p *Port) State() State { return State(p.state.Load()) }

// Dropped returns how many frames were discarded while the port waited to
// be served.
func (p *Port) Dropped() uint64 { return p.dropped.Load() }

// Done is closed when the port has been torn down.
func (p *Port) Done() <-chan struct{} { return p.done }

// Send writes msg as a JSON text frame.
func (p *Port) Send(ctx context.Context, msg any) error {
	if p.State() == StateClosed {
		return ErrClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("port: marshal: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("port: write: %w", err)
	}
	return nil
}

func (p *Port) readLoop(ctx context.Context) {
	defer p.Close()
	for {
		_, data, err := p.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Debug().Err(err).Str("conn_id", p.id).Msg("Port read failed")
			}
			return
		}
		if !p.serving.Load() {
			select {
			case p.inbox <- data:
			default:
				if n := p.dropped.Add(1); n == 1 {
					log.Warn().Str("conn_id", p.id).Int("inbox", inboxSize).Msg("Pending port inbox full, dropping frames")
				}
			}
			continue
		}
		select {
		case p.inbox <- data:
		case <-p.done:
			return
		}
	}
}

// Serve hands each inbound frame to fn, one at a time and in arrival order,
// until the port closes or ctx is cancelled.
func (p *Port) Serve(ctx context.Context, fn func(ctx context.Context, data []byte)) {
	p.serving.Store(true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case data := <-p.inbox:
			if !p.state.CompareAndSwap(int32(StateOpen), int32(StateProcessing)) {
				return
			}
			fn(ctx, data)
			p.state.CompareAndSwap(int32(StateProcessing), int32(StateOpen))
		}
	}
}

// OnClose registers a teardown hook. Hooks run once, newest first. A hook
// registered after the port closed runs immediately.
func (p *Port) OnClose(fn func()) {
	p.hooksMu.Lock()
	if p.State() != StateClosed {
		p.hooks = append(p.hooks, fn)
		p.hooksMu.Unlock()
		return
	}
	p.hooksMu.Unlock()
	fn()
}

// Close is the single teardown path: mark closed, run hooks, close the socket.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.hooksMu.Lock()
		p.state.Store(int32(StateClosed))
		hooks := p.hooks
		p.hooks = nil
		p.hooksMu.Unlock()

		close(p.done)
		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i]()
		}
		err = p.ws.Close(websocket.StatusNormalClosure, "")

		log.Debug().
			Str("conn_id", p.id).
			Str("trust_class", string(p.class)).
			Msg("Port closed")
	})
	return err
}
