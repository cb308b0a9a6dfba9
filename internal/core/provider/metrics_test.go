package provider

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/docsync/internal/core/events/bus"
)

// observedBus records observer registrations of a real bus.
type observedBus struct {
	bus.EventBus
	added, removed int
}

func (b *observedBus) AddObserver(obs bus.EventBusObserver) {
	b.added++
	b.EventBus.AddObserver(obs)
}

func (b *observedBus) RemoveObserver(obs bus.EventBusObserver) {
	b.removed++
	b.EventBus.RemoveObserver(obs)
}

func TestLifecycleEventsAreCounted(t *testing.T) {
	h := newHarness(t)
	events := &observedBus{EventBus: bus.New()}
	before := testutil.ToFloat64(eventsTotal.WithLabelValues(EventConnect, resultOK))

	a := h.connected(1, WithEventBus(events))
	assert.Equal(t, 1, events.added)
	assert.Equal(t, before+1, testutil.ToFloat64(eventsTotal.WithLabelValues(EventConnect, resultOK)))
	assert.NotZero(t, events.GetMetrics().Published)

	a.Destroy()
	assert.Equal(t, 1, events.removed)
	published := events.GetMetrics().Published
	require.NoError(t, events.Publish(bus.NewEvent(EventConnect, "other", nil)))
	assert.Equal(t, published, events.GetMetrics().Published, "no observer is left behind")
}

func TestEventMetricsIgnoreOtherTopics(t *testing.T) {
	m := &eventMetrics{topic: "doc/1"}
	ok := testutil.ToFloat64(eventsTotal.WithLabelValues(EventSave, resultOK))
	failed := testutil.ToFloat64(eventsTotal.WithLabelValues(EventSave, resultError))

	m.OnDelivered("doc/2", EventSave, 1, nil, 10)
	assert.Equal(t, ok, testutil.ToFloat64(eventsTotal.WithLabelValues(EventSave, resultOK)))

	m.OnDelivered("doc/1", EventSave, 1, nil, 10)
	m.OnDelivered("doc/1", EventSave, 1, errors.New("handler failed"), 10)
	assert.Equal(t, ok+1, testutil.ToFloat64(eventsTotal.WithLabelValues(EventSave, resultOK)))
	assert.Equal(t, failed+1, testutil.ToFloat64(eventsTotal.WithLabelValues(EventSave, resultError)))
}

func TestHandlerCountTracksSubscriptions(t *testing.T) {
	h := newHarness(t)
	a := h.peer(1)
	base := a.handlerCount()

	sub, err := a.On(EventSave, func(bus.Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, base+1, a.handlerCount())

	require.NoError(t, sub.Cancel())
	assert.Equal(t, base, a.handlerCount())
}
