package port

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AbuAR/superhero-wallet/broker"
)

const testExtensionID = "abcdefghijklmnop"

func TestClassify(t *testing.T) {
	popupURL := "chrome-extension://" + testExtensionID + "/popup/popup.html?id=42"

	tests := []struct {
		name   string
		sender Sender
		want   broker.Class
	}{
		{"popup", Sender{Name: "POPUP", URL: popupURL}, broker.ClassPopup},
		{"popup name from page", Sender{Name: "POPUP", URL: "https://evil.example/popup/popup.html"}, broker.ClassExternal},
		{"popup name other extension", Sender{Name: "POPUP", URL: "chrome-extension://other/popup/popup.html"}, broker.ClassExternal},
		{"extension", Sender{Name: "EXTENSION", URL: "chrome-extension://" + testExtensionID + "/options.html"}, broker.ClassExtension},
		{"extension name from page", Sender{Name: "EXTENSION", URL: "https://evil.example/"}, broker.ClassExternal},
		{"extension name other extension", Sender{Name: "EXTENSION", URL: "chrome-extension://other/background.html"}, broker.ClassExternal},
		{"extension name without url", Sender{Name: "EXTENSION"}, broker.ClassExternal},
		{"extension id as prefix", Sender{Name: "EXTENSION", URL: "chrome-extension://" + testExtensionID + "x/options.html"}, broker.ClassExternal},
		{"unnamed", Sender{URL: "https://aepp.example"}, broker.ClassExternal},
		{"other name", Sender{Name: "AEPP", URL: "https://aepp.example"}, broker.ClassExternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(testExtensionID, "chrome-extension", tt.sender))
		})
	}
}

func TestSender_PopupID(t *testing.T) {
	s := Sender{URL: "chrome-extension://x/popup/popup.html?id=win-7#/connect"}
	assert.Equal(t, "win-7", s.PopupID())
	assert.Equal(t, "", Sender{URL: "::bad"}.PopupID())
}

func wsURL(srv *httptest.Server, params url.Values) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/connect?" + params.Encode()
}

func startServer(t *testing.T, onConnect ConnectFunc) *httptest.Server {
	t.Helper()
	s := NewServer(ServerConfig{ExtensionID: testExtensionID, OriginPatterns: []string{"*"}}, onConnect)
	mux := http.NewServeMux()
	mux.Handle("/connect", s)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestServer_RejectsForeignExtension(t *testing.T) {
	srv := startServer(t, func(ctx context.Context, p *Port) {
		t.Error("foreign sender must not be accepted")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL(srv, url.Values{"sender_id": {"intruder"}}), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPort_ServeInOrderAndTeardown(t *testing.T) {
	var (
		mu       sync.Mutex
		got      []string
		accepted = make(chan *Port, 1)
		closed   = make(chan struct{})
	)

	srv := startServer(t, func(ctx context.Context, p *Port) {
		var order []string
		p.OnClose(func() { order = append(order, "first") })
		p.OnClose(func() {
			order = append(order, "second")
			mu.Lock()
			got = append(got, strings.Join(order, ","))
			mu.Unlock()
			close(closed)
		})
		accepted <- p
		go p.Serve(ctx, func(ctx context.Context, data []byte) {
			mu.Lock()
			got = append(got, string(data))
			mu.Unlock()
			if string(data) == `"ping"` {
				assert.NoError(t, p.Send(ctx, "pong"))
			}
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	params := url.Values{
		"sender_id": {testExtensionID},
		"name":      {"EXTENSION"},
		"url":       {"chrome-extension://" + testExtensionID + "/background.html"},
		"tab_id":    {"7"},
	}
	client, _, err := websocket.Dial(ctx, wsURL(srv, params), nil)
	require.NoError(t, err)

	p := <-accepted
	assert.Equal(t, broker.ClassExtension, p.Class())
	assert.Equal(t, 7, p.Sender().TabID)
	assert.NotEmpty(t, p.ID())

	for _, m := range []string{`"a"`, `"b"`, `"ping"`} {
		require.NoError(t, client.Write(ctx, websocket.MessageText, []byte(m)))
	}

	_, reply, err := client.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, `"pong"`, string(reply))

	client.Close(websocket.StatusNormalClosure, "bye")

	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatal("teardown hooks did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`"a"`, `"b"`, `"ping"`, "second,first"}, got)
	assert.Equal(t, StateClosed, p.State())
	assert.ErrorIs(t, p.Send(ctx, "late"), ErrClosed)
}

func TestPort_OnCloseAfterClose(t *testing.T) {
	accepted := make(chan *Port, 1)
	srv := startServer(t, func(ctx context.Context, p *Port) { accepted <- p })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	params := url.Values{
		"sender_id": {testExtensionID},
		"name":      {"POPUP"},
		"url":       {"chrome-extension://" + testExtensionID + "/popup/popup.html?id=p1"},
	}
	client, _, err := websocket.Dial(ctx, wsURL(srv, params), nil)
	require.NoError(t, err)
	defer client.CloseNow()

	p := <-accepted
	assert.Equal(t, broker.ClassPopup, p.Class())
	assert.Equal(t, "p1", p.ID())

	p.Close()
	ran := false
	p.OnClose(func() { ran = true })
	assert.True(t, ran)
}

func TestPort_PendingPeerCloseWithFullInbox(t *testing.T) {
	accepted := make(chan *Port, 1)
	srv := startServer(t, func(ctx context.Context, p *Port) { accepted <- p })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, _, err := websocket.Dial(ctx, wsURL(srv, url.Values{"sender_id": {testExtensionID}}), nil)
	require.NoError(t, err)
	defer client.CloseNow()

	p := <-accepted
	assert.Equal(t, broker.ClassExternal, p.Class())

	// nobody serves the port, as while it waits in the ready queue
	for i := 0; i < inboxSize+16; i++ {
		require.NoError(t, client.Write(ctx, websocket.MessageText, []byte(`{"type":"isLoggedIn"}`)))
	}
	require.Eventually(t, func() bool { return p.Dropped() > 0 }, 2*time.Second, 5*time.Millisecond)

	client.Close(websocket.StatusNormalClosure, "")

	select {
	case <-p.Done():
	case <-ctx.Done():
		t.Fatal("pending port did not observe the peer closing")
	}
	assert.Equal(t, StateClosed, p.State())
	assert.Equal(t, uint64(16), p.Dropped())
}
