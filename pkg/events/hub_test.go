package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishFanOut(t *testing.T) {
	h := NewEventHub()

	a := h.Subscribe()
	b := h.Subscribe()
	assert.Equal(t, 2, h.SubscriberCount())

	h.Publish(Reading, ReadingEvent{Flowrate: 30, Volume: 0.5, TotalVolume: 4.5, Ts: 1700000000})

	for _, ch := range []chan Event{a, b} {
		ev := <-ch
		assert.Equal(t, Reading, ev.Name)

		payload, err := DecodeAs[ReadingEvent](ev)
		require.NoError(t, err)
		assert.Equal(t, 30.0, payload.Flowrate)
		assert.Equal(t, 4.5, payload.TotalVolume)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewEventHub()

	ch := h.Subscribe()
	h.Unsubscribe(ch)
	assert.Equal(t, 0, h.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "unsubscribed channel must be closed")

	// Unsubscribing twice or publishing to nobody must not panic.
	h.Unsubscribe(ch)
	h.Publish(TotalsReset, TotalsResetEvent{PreviousVolume: 12})
}

func TestHubSlowSubscriberDrops(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()

	// Publish past the buffer without draining; the excess is dropped
	// instead of blocking the sampling loop.
	for i := 0; i < cap(ch)+8; i++ {
		h.Publish(Reading, ReadingEvent{Ts: int64(i)})
	}

	assert.Len(t, ch, cap(ch))
}

func TestHubNilSafe(t *testing.T) {
	var h *EventHub
	assert.Equal(t, 0, h.SubscriberCount())
	h.Publish(Reading, ReadingEvent{}) // must not panic
}

func TestHubUnmarshalablePayload(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()

	h.Publish("bad", func() {}) // functions cannot marshal; event is dropped
	assert.Empty(t, ch)
}

func TestDecodeAs(t *testing.T) {
	ev := Event{
		Name: CalibrationPhase,
		Data: json.RawMessage(`{"from":"Capturing","to":"AwaitingReference","action":"Stop","ts":1}`),
	}
	payload, err := DecodeAs[CalibrationPhaseEvent](ev)
	require.NoError(t, err)
	assert.Equal(t, "Capturing", payload.From)
	assert.Equal(t, "AwaitingReference", payload.To)
	assert.Equal(t, "Stop", payload.Action)

	// Empty data decodes to the zero value.
	zero, err := DecodeAs[ReadingEvent](Event{Name: Reading})
	require.NoError(t, err)
	assert.Zero(t, zero)

	_, err = DecodeAs[ReadingEvent](Event{Data: json.RawMessage(`{`)})
	assert.Error(t, err)
}
