package vault

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const keystoreVersion = 1

// Argon2id defaults for newly sealed keystores.
const (
	Argon2idTime    = 3
	Argon2idMemory  = 262144 // 256 MB
	Argon2idThreads = 4
	Argon2idKeyLen  = 32
)

// Bounds accepted when opening a keystore. Memory is in KiB.
const (
	maxKDFTime    = 64
	maxKDFMemory  = 1 << 20 // 1 GiB
	maxKDFThreads = 64
)

// ErrWrongPassword is returned when a keystore fails authentication.
var ErrWrongPassword = errors.New("vault: wrong password")

// KDFParams are the Argon2id parameters stored alongside the ciphertext.
type KDFParams struct {
	Salt    []byte `cbor:"1,keyasint"`
	Time    uint32 `cbor:"2,keyasint"`
	Memory  uint32 `cbor:"3,keyasint"`
	Threads uint8  `cbor:"4,keyasint"`
}

// DefaultKDFParams returns production Argon2id parameters with a fresh salt.
func DefaultKDFParams() (KDFParams, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return KDFParams{}, err
	}
	return KDFParams{
		Salt:    salt,
		Time:    Argon2idTime,
		Memory:  Argon2idMemory,
		Threads: Argon2idThreads,
	}, nil
}

// Keystore is the encrypted-at-rest form of a wallet seed.
type Keystore struct {
	Version    int       `cbor:"1,keyasint"`
	KDF        KDFParams `cbor:"2,keyasint"`
	Nonce      []byte    `cbor:"3,keyasint"`
	Ciphertext []byte    `cbor:"4,keyasint"`
}

// validate rejects parameters argon2 cannot run with or that would exhaust
// memory. Keystores arrive from untrusted callers.
func (p KDFParams) validate() error {
	switch {
	case len(p.Salt) == 0:
		return fmt.Errorf("missing salt")
	case p.Time < 1 || p.Time > maxKDFTime:
		return fmt.Errorf("time cost %d out of range", p.Time)
	case p.Memory < 1 || p.Memory > maxKDFMemory:
		return fmt.Errorf("memory cost %d KiB out of range", p.Memory)
	case p.Threads < 1 || p.Threads > maxKDFThreads:
		return fmt.Errorf("parallelism %d out of range", p.Threads)
	}
	return nil
}

func (p KDFParams) deriveKey(password []byte) []byte {
	return argon2.IDKey(password, p.Salt, p.Time, p.Memory, p.Threads, Argon2idKeyLen)
}

// SealSeed encrypts seed under password and returns the CBOR keystore.
func SealSeed(password, seed []byte, params KDFParams) ([]byte, error) {
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("invalid keystore parameters: %w", err)
	}
	key := params.deriveKey(password)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ks := Keystore{
		Version:    keystoreVersion,
		KDF:        params,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, seed, []byte("superhero-keystore")),
	}
	data, err := cbor.Marshal(ks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode keystore: %w", err)
	}
	return data, nil
}

// OpenSeed decrypts a CBOR keystore. A failed authentication yields
// ErrWrongPassword; a malformed blob yields a wrapped decode error.
func OpenSeed(password, blob []byte) ([]byte, error) {
	var ks Keystore
	if err := cbor.Unmarshal(blob, &ks); err != nil {
		return nil, fmt.Errorf("failed to decode keystore: %w", err)
	}
	if ks.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", ks.Version)
	}
	if err := ks.KDF.validate(); err != nil {
		return nil, fmt.Errorf("invalid keystore parameters: %w", err)
	}

	key := ks.KDF.deriveKey(password)
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(ks.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid keystore nonce length %d", len(ks.Nonce))
	}

	seed, err := aead.Open(nil, ks.Nonce, ks.Ciphertext, []byte("superhero-keystore"))
	if err != nil {
		return nil, ErrWrongPassword
	}
	return seed, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
