package events

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBus() *MemoryBus {
	return NewMemoryBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishFansOut(t *testing.T) {
	bus := testBus()
	ctx := context.Background()

	ch1, cancel1 := bus.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel2()

	bus.Publish(ctx, Event{Type: TypeRequestDecided, AppID: "app-1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeRequestDecided, ev.Type)
			assert.Equal(t, "app-1", ev.AppID)
			assert.False(t, ev.Timestamp.IsZero(), "publish stamps missing timestamps")
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := testBus()
	ctx := context.Background()

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	// The second publish overflows the buffer and must be dropped, not
	// block the publisher.
	bus.Publish(ctx, Event{Type: TypeSessionPrepared})
	bus.Publish(ctx, Event{Type: TypeSessionDecided})

	require.Len(t, ch, 1)
	ev := <-ch
	assert.Equal(t, TypeSessionPrepared, ev.Type)
}

func TestCancelUnsubscribes(t *testing.T) {
	bus := testBus()
	ctx := context.Background()

	ch, cancel := bus.Subscribe(4)
	cancel()

	// Cancel closes the channel; publishing afterwards must not panic.
	bus.Publish(ctx, Event{Type: TypeRequestDecided})

	_, open := <-ch
	assert.False(t, open)

	// Cancel is idempotent.
	cancel()
}
