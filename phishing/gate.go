// Package phishing answers "is this host blocked" for content scripts. The
// whitelist the user builds up always overrides the blocklist.
package phishing

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/AbuAR/superhero-wallet/storage"
)

const defaultCacheSize = 512

// HostStore is the persistent backing for both lists.
type HostStore interface {
	AddHost(ctx context.Context, list storage.HostList, hostname string) error
	HasHost(ctx context.Context, list storage.HostList, hostname string) (bool, error)
	Hosts(ctx context.Context, list storage.HostList) ([]string, error)
	ReplaceHosts(ctx context.Context, list storage.HostList, hosts []string) error
}

// Source supplies a fresh blocklist.
type Source interface {
	Fetch(ctx context.Context) ([]string, error)
}

// Verdict is the answer to IsBlocked.
type Verdict struct {
	Blocked bool `json:"blocked"`
}

// Gate is the phishing gate.
type Gate struct {
	store HostStore
	cache *verdictCache
}

// NewGate creates a gate over store.
func NewGate(store HostStore) *Gate {
	return &Gate{
		store: store,
		cache: newVerdictCache(defaultCacheSize),
	}
}

// NormalizeHost lower-cases and strips a trailing dot.
func NormalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}

// IsBlocked reports whether host is on the blocklist (directly or through a
// parent domain) and not on the whitelist.
func (g *Gate) IsBlocked(ctx context.Context, host string) (Verdict, error) {
	host = NormalizeHost(host)
	if host == "" {
		return Verdict{}, nil
	}
	if blocked, ok := g.cache.get(host); ok {
		return Verdict{Blocked: blocked}, nil
	}
	gen := g.cache.generation()

	allowed, err := g.store.HasHost(ctx, storage.ListAllow, host)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to check whitelist: %w", err)
	}
	if allowed {
		g.cache.put(gen, host, false)
		return Verdict{Blocked: false}, nil
	}

	blocked := false
	for _, candidate := range domainSuffixes(host) {
		hit, err := g.store.HasHost(ctx, storage.ListBlock, candidate)
		if err != nil {
			return Verdict{}, fmt.Errorf("failed to check blocklist: %w", err)
		}
		if hit {
			blocked = true
			break
		}
	}

	g.cache.put(gen, host, blocked)
	return Verdict{Blocked: blocked}, nil
}

// ListEntries returns the whitelist.
func (g *Gate) ListEntries(ctx context.Context) ([]string, error) {
	return g.store.Hosts(ctx, storage.ListAllow)
}

// Allow appends host to the whitelist. Appending an existing entry is fine.
func (g *Gate) Allow(ctx context.Context, host string) error {
	host = NormalizeHost(host)
	if host == "" {
		return fmt.Errorf("empty hostname")
	}
	if err := g.store.AddHost(ctx, storage.ListAllow, host); err != nil {
		return err
	}
	g.cache.clear()

	log.Info().Str("host", host).Msg("Host added to phishing whitelist")
	return nil
}

// Refresh replaces the blocklist with the contents of src.
func (g *Gate) Refresh(ctx context.Context, src Source) error {
	hosts, err := src.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch blocklist: %w", err)
	}

	normalized := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = NormalizeHost(h); h != "" {
			normalized = append(normalized, h)
		}
	}
	if err := g.store.ReplaceHosts(ctx, storage.ListBlock, normalized); err != nil {
		return err
	}
	g.cache.clear()
	return nil
}

// domainSuffixes returns host and each parent domain with at least two
// labels: a.b.example.com -> [a.b.example.com b.example.com example.com].
func domainSuffixes(host string) []string {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return []string{host}
	}
	out := make([]string, 0, len(labels)-1)
	for i := 0; i < len(labels)-1; i++ {
		out = append(out, strings.Join(labels[i:], "."))
	}
	return out
}
