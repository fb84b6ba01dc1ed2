package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdobrica/Kaden/internal/kaden/events"
)

func TestBus_RoundTrip(t *testing.T) {
	bus := events.NewBus(nil)
	t.Cleanup(func() { bus.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan events.Generated, 1)
	require.NoError(t, bus.SubscribeGenerated(ctx, func(ev events.Generated) { got <- ev }))

	want := events.Generated{
		ID:        "8f14e45f",
		Alias:     "Kitchen on at six (Auto Generated)",
		Session:   "s1",
		YAML:      "- id: '8f14e45f'\n",
		CreatedAt: time.Date(2026, 1, 2, 6, 0, 0, 0, time.UTC),
	}
	require.NoError(t, bus.PublishGenerated(ctx, want))

	select {
	case ev := <-got:
		assert.Equal(t, want, ev)
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
}

func TestBus_PublishWithoutSubscriber(t *testing.T) {
	bus := events.NewBus(nil)
	t.Cleanup(func() { bus.Close() })

	assert.NoError(t, bus.PublishGenerated(context.Background(), events.Generated{ID: "x"}))
}

func TestBus_SubscribeAfterClose(t *testing.T) {
	bus := events.NewBus(nil)
	require.NoError(t, bus.Close())

	assert.Error(t, bus.SubscribeGenerated(context.Background(), func(events.Generated) {}))
}
