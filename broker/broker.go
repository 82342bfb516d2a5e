// Package broker keeps the registry of live duplex channels, keyed by trust
// class and identity, and delivers directed and broadcast messages to them.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Class is the trust class a channel registered under.
type Class string

const (
	ClassPopup     Class = "POPUP"
	ClassExtension Class = "EXTENSION"
	ClassExternal  Class = "OTHER"
)

// Key identifies a registered channel.
type Key struct {
	Class Class
	ID    string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Class, k.ID)
}

// Channel is anything a message can be written to.
type Channel interface {
	Send(ctx context.Context, msg any) error
}

// Error represents an error with a code
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// ErrNotFound is returned by Send when no channel is registered for the key.
var ErrNotFound = &Error{Code: "NOT_FOUND", Message: "no channel registered"}

// NewIdentity returns a fresh broker-generated identity.
func NewIdentity() string {
	return uuid.NewString()
}

// Broker is the channel registry. Safe for concurrent use.
type Broker struct {
	channels map[Key]Channel
	mu       sync.RWMutex
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{channels: make(map[Key]Channel)}
}

// Add registers ch under key. An existing registration is replaced without
// notifying or closing the superseded channel.
func (b *Broker) Add(key Key, ch Channel) {
	b.mu.Lock()
	_, replaced := b.channels[key]
	b.channels[key] = ch
	total := len(b.channels)
	b.mu.Unlock()

	log.Debug().
		Str("key", key.String()).
		Bool("replaced", replaced).
		Int("channels", total).
		Msg("Channel registered")
}

// Remove unregisters key. Removing an absent key is a no-op.
func (b *Broker) Remove(key Key) {
	b.mu.Lock()
	delete(b.channels, key)
	b.mu.Unlock()
}

// RemoveChannel unregisters key only while ch is still the channel
// registered under it, so the teardown of a superseded channel cannot evict
// its replacement. Reports whether anything was removed.
func (b *Broker) RemoveChannel(key Key, ch Channel) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur, ok := b.channels[key]; ok && cur == ch {
		delete(b.channels, key)
		return true
	}
	return false
}

// Get returns the channel registered under key.
func (b *Broker) Get(key Key) (Channel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.channels[key]
	return ch, ok
}

// Send delivers msg to the channel registered under key. No reply is awaited.
func (b *Broker) Send(ctx context.Context, key Key, msg any) error {
	ch, ok := b.Get(key)
	if !ok {
		return ErrNotFound
	}
	if err := ch.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send to %s: %w", key, err)
	}
	return nil
}

// Broadcast sends msg to every channel whose key satisfies pred. Channels
// that fail are skipped; the number of successful deliveries is returned.
func (b *Broker) Broadcast(ctx context.Context, pred func(Key) bool, msg any) int {
	b.mu.RLock()
	targets := make(map[Key]Channel)
	for k, ch := range b.channels {
		if pred(k) {
			targets[k] = ch
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for k, ch := range targets {
		if err := ch.Send(ctx, msg); err != nil {
			log.Warn().Err(err).Str("key", k.String()).Msg("Broadcast delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

// Len returns the number of registered channels.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}

// Count returns the number of registered channels matching pred.
func (b *Broker) Count(pred func(Key) bool) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for k := range b.channels {
		if pred(k) {
			n++
		}
	}
	return n
}

// InClass is a predicate matching every key of class c.
func InClass(c Class) func(Key) bool {
	return func(k Key) bool { return k.Class == c }
}
