package vault

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// SLIP-0010 ed25519 derivation along m/44'/457'/idx'/0'/0'.
const (
	hardenedOffset = 0x80000000
	purpose        = 44
	coinType       = 457

	AddressPrefix = "ak_"
)

var ed25519Curve = []byte("ed25519 seed")

// hdWallet holds the master node derived from the seed. The key and chain
// code are the only long-lived secrets in a session.
type hdWallet struct {
	key   []byte
	chain []byte
}

func newHDWallet(seed []byte) (*hdWallet, error) {
	if len(seed) < 16 || len(seed) > 64 {
		return nil, fmt.Errorf("seed length %d out of range", len(seed))
	}
	mac := hmac.New(sha512.New, ed25519Curve)
	mac.Write(seed)
	sum := mac.Sum(nil)

	w := &hdWallet{key: sum[:32], chain: sum[32:]}
	lockMemory(sum)
	return w, nil
}

func deriveChild(key, chain []byte, index uint32) ([]byte, []byte) {
	data := make([]byte, 0, 37)
	data = append(data, 0)
	data = append(data, key...)
	data = binary.BigEndian.AppendUint32(data, index|hardenedOffset)

	mac := hmac.New(sha512.New, chain)
	mac.Write(data)
	zero(data)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}

// account derives the keypair at the given account index.
func (w *hdWallet) account(idx uint32) (ed25519.PublicKey, ed25519.PrivateKey) {
	key, chain := w.key, w.chain
	for n, i := range []uint32{purpose, coinType, idx, 0, 0} {
		nextKey, nextChain := deriveChild(key, chain, i)
		// intermediate nodes only; the master node belongs to w
		if n > 0 {
			zero(key)
			zero(chain)
		}
		key, chain = nextKey, nextChain
	}
	priv := ed25519.NewKeyFromSeed(key)
	zero(key)
	zero(chain)
	return priv.Public().(ed25519.PublicKey), priv
}

func (w *hdWallet) wipe() {
	unlockMemory(w.key[:cap(w.key)])
	zero(w.key)
	zero(w.chain)
}

// EncodeAddress renders a public key as an ak_ address (base58check).
func EncodeAddress(pub ed25519.PublicKey) string {
	first := sha256.Sum256(pub)
	second := sha256.Sum256(first[:])
	payload := make([]byte, 0, len(pub)+4)
	payload = append(payload, pub...)
	payload = append(payload, second[:4]...)
	return AddressPrefix + base58.Encode(payload)
}
