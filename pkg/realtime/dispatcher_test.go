package realtime

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestDispatcherFansOutInRegistrationOrder(t *testing.T) {
	d := NewDispatcher(testLogger())

	var order []int
	d.On("ping", func(json.RawMessage) { order = append(order, 1) })
	d.On("ping", func(json.RawMessage) { order = append(order, 2) })
	d.On("ping", func(json.RawMessage) { order = append(order, 3) })

	d.Dispatch(0, Envelope{Event: "ping"})

	require.Equal(t, []int{1, 2, 3}, order)
}

func TestDispatcherOffRemovesOnlyThatSubscription(t *testing.T) {
	d := NewDispatcher(testLogger())

	var fired []string
	subA := d.On("ping", func(json.RawMessage) { fired = append(fired, "a") })
	d.On("ping", func(json.RawMessage) { fired = append(fired, "b") })

	d.Off(subA)
	d.Off(subA)
	d.Dispatch(0, Envelope{Event: "ping"})

	require.Equal(t, []string{"b"}, fired)
}

func TestDispatcherHandlerPanicDoesNotStopSiblings(t *testing.T) {
	d := NewDispatcher(testLogger())

	var fired []string
	d.On("ping", func(json.RawMessage) { fired = append(fired, "first") })
	d.On("ping", func(json.RawMessage) { panic("boom") })
	d.On("ping", func(json.RawMessage) { fired = append(fired, "last") })

	require.NotPanics(t, func() {
		d.Dispatch(0, Envelope{Event: "ping"})
	})
	require.Equal(t, []string{"first", "last"}, fired)
}

func TestDispatcherDiscardsStaleEpoch(t *testing.T) {
	d := NewDispatcher(testLogger())

	fired := 0
	d.On("ping", func(json.RawMessage) { fired++ })

	first := d.Advance()
	second := d.Advance()
	require.Greater(t, second, first)

	d.Dispatch(first, Envelope{Event: "ping"})
	require.Zero(t, fired)

	d.Dispatch(second, Envelope{Event: "ping"})
	require.Equal(t, 1, fired)
}

func TestDispatcherResetDropsAllHandlers(t *testing.T) {
	d := NewDispatcher(testLogger())

	fired := 0
	d.On("ping", func(json.RawMessage) { fired++ })
	d.On("pong", func(json.RawMessage) { fired++ })

	d.Reset()
	d.Dispatch(0, Envelope{Event: "ping"})
	d.Dispatch(0, Envelope{Event: "pong"})

	require.Zero(t, fired)
}
