package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testEvent struct {
	Name string
}

func TestPublish_DeliversToMatchingSubscriber(t *testing.T) {
	bus := NewEventPublisher(nil)

	var got []string
	bus.Subscribe(func(ev *testEvent) {
		got = append(got, ev.Name)
	})

	bus.Publish(&testEvent{Name: "a"})
	bus.Publish(&testEvent{Name: "b"})

	require.Equal(t, []string{"a", "b"}, got)
}

func TestPublish_SkipsNonMatchingSubscriber(t *testing.T) {
	bus := NewEventPublisher(nil)

	called := false
	bus.Subscribe(func(n int) { called = true })

	bus.Publish(&testEvent{Name: "a"})
	require.False(t, called)
}

func TestPublish_RecoversFromPanickingHandler(t *testing.T) {
	bus := NewEventPublisher(nil)

	delivered := false
	bus.Subscribe(func(ev *testEvent) { panic("boom") })
	bus.Subscribe(func(ev *testEvent) { delivered = true })

	require.NotPanics(t, func() {
		bus.Publish(&testEvent{Name: "a"})
	})
	require.True(t, delivered)
}

func TestUnsubscribeAndClear(t *testing.T) {
	bus := NewEventPublisher(nil)

	h := func(ev *testEvent) {}
	bus.Subscribe(h)
	require.Equal(t, 1, bus.SubscribersCount())

	require.NotPanics(t, func() { bus.Unsubscribe(h) })
	require.Equal(t, 0, bus.SubscribersCount())

	// Unsubscribing removes exactly the matching handler.
	kept := 0
	keeper := func(ev *testEvent) { kept++ }
	bus.Subscribe(h)
	bus.Subscribe(keeper)
	bus.Unsubscribe(h)
	require.Equal(t, 1, bus.SubscribersCount())
	bus.Publish(&testEvent{Name: "a"})
	require.Equal(t, 1, kept)

	bus.Subscribe(h)
	bus.Clear()
	require.Equal(t, 0, bus.SubscribersCount())
}

func TestSubscribe_PanicsOnNonFunction(t *testing.T) {
	bus := NewEventPublisher(nil)
	require.Panics(t, func() {
		bus.Subscribe("not a function")
	})
}
