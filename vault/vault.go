// Package vault holds the decrypted wallet for the current session. At most
// one session exists at a time and nothing outside this package ever holds
// a reference to its key material; Lock drops the only reference.
package vault

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/AbuAR/superhero-wallet/storage"
)

// ErrLocked is returned by operations that need an unlocked session.
var ErrLocked = errors.New("vault: locked")

// SessionStore is the persisted flag store cleared on lock.
type SessionStore interface {
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, keys ...string) error
}

// UnlockResult is the reply to unlockWallet. Decrypt is false for a wrong
// password or unreadable keystore; that is not an error.
type UnlockResult struct {
	Decrypt bool   `json:"decrypt"`
	Address string `json:"address,omitempty"`
}

// GenerateResult is the reply to generateWallet.
type GenerateResult struct {
	Generate bool   `json:"generate"`
	Address  string `json:"address,omitempty"`
}

// Account is the reply to getAccount.
type Account struct {
	Address string `json:"address"`
}

type session struct {
	wallet     *hdWallet
	unlockedAt time.Time
}

// Vault is the credential vault. The zero value is not usable; use New.
type Vault struct {
	store SessionStore

	// transition orders session changes with their flag writes so the
	// persisted isLogged flag never outlives a Lock.
	transition sync.Mutex

	mu      sync.Mutex
	session *session
}

// New creates a locked vault. store may be nil in tests.
func New(store SessionStore) *Vault {
	return &Vault{store: store}
}

// install replaces the current session, wiping the one it supersedes, and
// persists the login flag.
func (v *Vault) install(ctx context.Context, w *hdWallet) {
	v.transition.Lock()
	defer v.transition.Unlock()

	v.mu.Lock()
	old := v.session
	v.session = &session{wallet: w, unlockedAt: time.Now()}
	v.mu.Unlock()

	if old != nil {
		old.wallet.wipe()
	}
	v.markLogged(ctx)
}

func (v *Vault) markLogged(ctx context.Context) {
	if v.store == nil {
		return
	}
	if err := v.store.Set(ctx, storage.KeyIsLogged, "true"); err != nil {
		log.Warn().Err(err).Msg("Failed to persist login flag")
	}
}

// Unlock decrypts keystore with password and opens a session on success.
func (v *Vault) Unlock(ctx context.Context, password string, keystore []byte) (UnlockResult, error) {
	seed, err := OpenSeed([]byte(password), keystore)
	if err != nil {
		if !errors.Is(err, ErrWrongPassword) {
			log.Warn().Err(err).Msg("Keystore could not be read")
		}
		return UnlockResult{Decrypt: false}, nil
	}
	defer zero(seed)

	if err := ctx.Err(); err != nil {
		return UnlockResult{}, err
	}

	w, err := newHDWallet(seed)
	if err != nil {
		log.Warn().Err(err).Msg("Keystore seed rejected")
		return UnlockResult{Decrypt: false}, nil
	}
	pub, priv := w.account(0)
	zero(priv)
	v.install(ctx, w)

	log.Info().Msg("Vault unlocked")
	return UnlockResult{Decrypt: true, Address: EncodeAddress(pub)}, nil
}

// Generate opens a session directly from a seed.
func (v *Vault) Generate(ctx context.Context, seed []byte) (GenerateResult, error) {
	w, err := newHDWallet(seed)
	if err != nil {
		return GenerateResult{Generate: false}, nil
	}
	pub, priv := w.account(0)
	zero(priv)
	v.install(ctx, w)

	log.Info().Msg("Vault generated from seed")
	return GenerateResult{Generate: true, Address: EncodeAddress(pub)}, nil
}

// DeriveAccount returns the address at account index idx.
func (v *Vault) DeriveAccount(ctx context.Context, idx uint32) (Account, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.session == nil {
		return Account{}, ErrLocked
	}
	pub, priv := v.session.wallet.account(idx)
	zero(priv)
	return Account{Address: EncodeAddress(pub)}, nil
}

type serializedKeypair struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
}

// GetKeypair returns the JSON-serialized keypair for account idx.
func (v *Vault) GetKeypair(ctx context.Context, idx uint32) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.session == nil {
		return "", ErrLocked
	}
	pub, priv := v.session.wallet.account(idx)
	defer zero(priv)

	data, err := json.Marshal(serializedKeypair{
		PublicKey: EncodeAddress(pub),
		SecretKey: hex.EncodeToString(priv),
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize keypair: %w", err)
	}
	return string(data), nil
}

// Lock drops the session and clears the session-scoped flags. It is safe
// to call on a locked vault.
func (v *Vault) Lock(ctx context.Context) error {
	v.transition.Lock()
	defer v.transition.Unlock()

	v.mu.Lock()
	old := v.session
	v.session = nil
	v.mu.Unlock()

	if old != nil {
		old.wallet.wipe()
		log.Info().Dur("session_age", time.Since(old.unlockedAt)).Msg("Vault locked")
	}

	if v.store == nil {
		return nil
	}
	if err := v.store.Remove(ctx, storage.KeyIsLogged, storage.KeyActiveAccount); err != nil {
		return fmt.Errorf("failed to clear session flags: %w", err)
	}
	return nil
}

// IsUnlocked reports whether a session is loaded.
func (v *Vault) IsUnlocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.session != nil
}
