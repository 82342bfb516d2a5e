package phishing

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbuAR/superhero-wallet/storage"
)

type staticSource []string

func (s staticSource) Fetch(ctx context.Context) ([]string, error) { return s, nil }

func newTestGate(t *testing.T, blocked ...string) *Gate {
	t.Helper()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	g := NewGate(st)
	require.NoError(t, g.Refresh(context.Background(), staticSource(blocked)))
	return g
}

func TestIsBlocked(t *testing.T) {
	g := newTestGate(t, "evil.example", "Phish.TEST.")

	tests := []struct {
		host string
		want bool
	}{
		{"evil.example", true},
		{"login.evil.example", true},
		{"EVIL.example", true},
		{"phish.test", true},
		{"notevil.example", false},
		{"example", false},
		{"", false},
	}

	for _, tt := range tests {
		v, err := g.IsBlocked(context.Background(), tt.host)
		require.NoError(t, err)
		assert.Equal(t, tt.want, v.Blocked, "host %q", tt.host)
	}
}

func TestWhitelistWins(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, "evil.example")

	v, err := g.IsBlocked(ctx, "evil.example")
	require.NoError(t, err)
	require.True(t, v.Blocked)

	require.NoError(t, g.Allow(ctx, "evil.example"))
	require.NoError(t, g.Allow(ctx, "evil.example"))

	v, err = g.IsBlocked(ctx, "evil.example")
	require.NoError(t, err)
	assert.False(t, v.Blocked)

	// refreshing the blocklist does not undo the whitelist
	require.NoError(t, g.Refresh(ctx, staticSource{"evil.example"}))
	v, err = g.IsBlocked(ctx, "evil.example")
	require.NoError(t, err)
	assert.False(t, v.Blocked)

	entries, err := g.ListEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"evil.example"}, entries)
}

func TestAllow_RejectsEmpty(t *testing.T) {
	g := newTestGate(t)
	assert.Error(t, g.Allow(context.Background(), "  "))
}

func TestVerdictCache_Evicts(t *testing.T) {
	c := newVerdictCache(2)
	gen := c.generation()
	c.put(gen, "a", true)
	c.put(gen, "b", false)
	c.get("a")
	c.put(gen, "c", true)

	_, ok := c.get("b")
	assert.False(t, ok)
	blocked, ok := c.get("a")
	assert.True(t, ok)
	assert.True(t, blocked)
	assert.Equal(t, 2, c.len())

	c.clear()
	c.put(gen, "d", true)
	_, ok = c.get("d")
	assert.False(t, ok, "verdict from before clear must not be cached")
}

// pausingStore blocks the first blocklist lookup for host until released.
type pausingStore struct {
	HostStore
	host    string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *pausingStore) HasHost(ctx context.Context, list storage.HostList, hostname string) (bool, error) {
	if list == storage.ListBlock && hostname == s.host {
		s.once.Do(func() {
			close(s.entered)
			<-s.release
		})
	}
	return s.HostStore.HasHost(ctx, list, hostname)
}

func TestAllow_DuringLookupIsNotOverwritten(t *testing.T) {
	ctx := context.Background()
	st, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.ReplaceHosts(ctx, storage.ListBlock, []string{"evil.com"}))

	ps := &pausingStore{
		HostStore: st,
		host:      "evil.com",
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	g := NewGate(ps)

	done := make(chan Verdict, 1)
	go func() {
		v, err := g.IsBlocked(ctx, "evil.com")
		assert.NoError(t, err)
		done <- v
	}()

	<-ps.entered
	require.NoError(t, g.Allow(ctx, "evil.com"))
	close(ps.release)

	// the in-flight lookup may answer either way, but must not be cached
	<-done

	v, err := g.IsBlocked(ctx, "evil.com")
	require.NoError(t, err)
	assert.False(t, v.Blocked)
}

type fakeS3 struct {
	body string
	err  error
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func TestS3Source_Formats(t *testing.T) {
	ctx := context.Background()

	src := &S3Source{client: &fakeS3{body: `["a.example", "b.example"]`}, bucket: "b", key: "k"}
	hosts, err := src.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example", "b.example"}, hosts)

	src = &S3Source{client: &fakeS3{body: "# comment\na.example\n\n  b.example  \n"}}
	hosts, err = src.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example", "b.example"}, hosts)

	src = &S3Source{client: &fakeS3{err: errors.New("denied")}}
	_, err = src.Fetch(ctx)
	assert.Error(t, err)
}
