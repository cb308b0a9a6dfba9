package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/docsync/internal/core/channel"
)

func open(t *testing.T, c *Channel) *[]channel.Status {
	t.Helper()
	var statuses []channel.Status
	c.SubscribeStatus(func(s channel.Status, _ error) { statuses = append(statuses, s) })
	require.NoError(t, c.Open(context.Background()))
	return &statuses
}

func TestBroadcastSkipsSender(t *testing.T) {
	hub := NewHub()
	a := hub.Channel("doc")
	b := hub.Channel("doc")
	other := hub.Channel("elsewhere")

	var gotA, gotB, gotOther [][]byte
	a.Subscribe(channel.EventMessage, func(p []byte) { gotA = append(gotA, p) })
	b.Subscribe(channel.EventMessage, func(p []byte) { gotB = append(gotB, p) })
	other.Subscribe(channel.EventMessage, func(p []byte) { gotOther = append(gotOther, p) })

	statuses := open(t, a)
	open(t, b)
	open(t, other)
	assert.Equal(t, []channel.Status{channel.StatusSubscribed}, *statuses)

	require.NoError(t, a.Publish(context.Background(), channel.EventMessage, []byte("hi")))

	assert.Empty(t, gotA)
	assert.Equal(t, [][]byte{[]byte("hi")}, gotB)
	assert.Empty(t, gotOther)
	assert.Len(t, hub.SentBy(a, channel.EventMessage), 1)
}

func TestDropNext(t *testing.T) {
	hub := NewHub()
	a := hub.Channel("doc")
	b := hub.Channel("doc")
	var got int
	b.Subscribe(channel.EventMessage, func([]byte) { got++ })
	open(t, a)
	open(t, b)

	hub.DropNext("doc", channel.EventMessage, 1)
	require.NoError(t, a.Publish(context.Background(), channel.EventMessage, []byte{1}))
	require.NoError(t, a.Publish(context.Background(), channel.EventMessage, []byte{2}))

	assert.Equal(t, 1, got)
	sent := hub.Sent("doc")
	require.Len(t, sent, 2)
	assert.True(t, sent[0].Dropped)
	assert.False(t, sent[1].Dropped)
}

func TestPublishRequiresOpen(t *testing.T) {
	hub := NewHub()
	c := hub.Channel("doc")
	assert.ErrorIs(t, c.Publish(context.Background(), channel.EventMessage, nil), channel.ErrNotOpen)

	open(t, c)
	assert.ErrorIs(t, c.Publish(context.Background(), "bogus", nil), channel.ErrUnknownEvent)
	assert.ErrorIs(t, c.Open(context.Background()), channel.ErrAlreadyOpen)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Publish(context.Background(), channel.EventMessage, nil), channel.ErrClosed)
}

func TestFailAndReopen(t *testing.T) {
	hub := NewHub()
	a := hub.Channel("doc")
	b := hub.Channel("doc")
	var got int
	b.Subscribe(channel.EventAwareness, func([]byte) { got++ })
	open(t, a)
	statuses := open(t, b)

	boom := errors.New("boom")
	var lastErr error
	b.SubscribeStatus(func(_ channel.Status, err error) { lastErr = err })
	b.Fail(channel.StatusError, boom)
	assert.ErrorIs(t, lastErr, boom)
	require.NoError(t, a.Publish(context.Background(), channel.EventAwareness, []byte{1}))
	assert.Equal(t, 0, got)

	require.NoError(t, b.Reopen(context.Background()))
	require.NoError(t, a.Publish(context.Background(), channel.EventAwareness, []byte{1}))
	assert.Equal(t, 1, got)
	assert.Equal(t, []channel.Status{channel.StatusSubscribed, channel.StatusError, channel.StatusSubscribed}, *statuses)
}
