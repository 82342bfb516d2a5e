package host

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	replies  map[string]string
	err      error
	requests map[string][]byte
	handler  nats.MsgHandler
}

func (f *fakeConn) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	if f.requests == nil {
		f.requests = map[string][]byte{}
	}
	f.requests[subj] = data
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("request without deadline")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &nats.Msg{Subject: subj, Data: []byte(f.replies[subj])}, nil
}

func (f *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.handler = cb
	return &nats.Subscription{Subject: subj}, nil
}

func TestNATSHost_CountWindows(t *testing.T) {
	fc := &fakeConn{replies: map[string]string{"shim.windows.count": `{"result":3}`}}
	h := newNATSHost(fc, "shim", time.Second)

	n, err := h.CountWindows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestNATSHost_ShimError(t *testing.T) {
	fc := &fakeConn{replies: map[string]string{"browser.windows.count": `{"error":"no browser"}`}}
	h := newNATSHost(fc, "", 0)

	_, err := h.CountWindows(context.Background())
	assert.ErrorContains(t, err, "no browser")
}

func TestNATSHost_TransportError(t *testing.T) {
	fc := &fakeConn{err: nats.ErrNoResponders}
	h := newNATSHost(fc, "shim", time.Second)

	_, err := h.ActiveTabs(context.Background())
	assert.ErrorIs(t, err, nats.ErrNoResponders)
}

func TestNATSHost_ActiveTabs(t *testing.T) {
	fc := &fakeConn{replies: map[string]string{
		"shim.tabs.active": `{"result":[{"id":12,"url":"https://aepp.example"}]}`,
	}}
	h := newNATSHost(fc, "shim", time.Second)

	tabs, err := h.ActiveTabs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Tab{{ID: 12, URL: "https://aepp.example"}}, tabs)
}

func TestNATSHost_SendToTabAndPopup(t *testing.T) {
	fc := &fakeConn{replies: map[string]string{
		"shim.tabs.send":      `{}`,
		"shim.windows.create": `{}`,
	}}
	h := newNATSHost(fc, "shim", time.Second)
	ctx := context.Background()

	require.NoError(t, h.SendToTab(ctx, 5, map[string]string{"method": "phishingCheck"}))
	assert.JSONEq(t, `{"tabId":5,"message":{"method":"phishingCheck"}}`, string(fc.requests["shim.tabs.send"]))

	require.NoError(t, h.OpenPopup(ctx, PopupOptions{URL: "x/popup.html", Width: 375, Height: 600}))
	assert.JSONEq(t, `{"url":"x/popup.html","width":375,"height":600,"type":"popup"}`, string(fc.requests["shim.windows.create"]))
}

func TestNATSHost_OnMenuClick(t *testing.T) {
	fc := &fakeConn{}
	h := newNATSHost(fc, "shim", time.Second)

	var got []MenuClick
	unsubscribe, err := h.OnMenuClick(func(c MenuClick) { got = append(got, c) })
	require.NoError(t, err)
	require.NotNil(t, fc.handler)

	data, _ := json.Marshal(MenuClick{MenuItemID: "superheroTip", PageURL: "https://creator.example"})
	fc.handler(&nats.Msg{Subject: "shim.menus.clicked", Data: data})
	fc.handler(&nats.Msg{Subject: "shim.menus.clicked", Data: []byte("{bad")})

	assert.Equal(t, []MenuClick{{MenuItemID: "superheroTip", PageURL: "https://creator.example"}}, got)
	unsubscribe()
}
