package hooks_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentrun/engine/runtime/agent/hooks"
)

type stringEvent string

func (stringEvent) isEvent() {}

func TestBusPublishFanOut(t *testing.T) {
	bus := hooks.NewBus()
	ctx := context.Background()

	count := 0
	sub := hooks.SubscriberFunc(func(context.Context, hooks.Event) error {
		count++
		return nil
	})
	sub2 := hooks.SubscriberFunc(func(context.Context, hooks.Event) error {
		count++
		return nil
	})

	subscription1, err := bus.Register(sub)
	require.NoError(t, err)
	defer subscription1.Close()

	subscription2, err := bus.Register(sub2)
	require.NoError(t, err)
	defer subscription2.Close()

	require.NoError(t, bus.Publish(ctx, stringEvent("hello")))
	require.Equal(t, 2, count)
}

func TestBusUnregisterStopsDelivery(t *testing.T) {
	bus := hooks.NewBus()
	ctx := context.Background()

	count := 0
	sub := hooks.SubscriberFunc(func(context.Context, hooks.Event) error {
		count++
		return nil
	})
	subscription, err := bus.Register(sub)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, stringEvent("one")))
	subscription.Close()
	// Closing twice must be a no-op.
	subscription.Close()
	require.NoError(t, bus.Publish(ctx, stringEvent("two")))

	require.Equal(t, 1, count)
}

func TestBusStopsOnFirstSubscriberError(t *testing.T) {
	bus := hooks.NewBus()
	ctx := context.Background()
	boom := errors.New("boom")

	var calls []int
	first := hooks.SubscriberFunc(func(context.Context, hooks.Event) error {
		calls = append(calls, 1)
		return boom
	})
	second := hooks.SubscriberFunc(func(context.Context, hooks.Event) error {
		calls = append(calls, 2)
		return nil
	})

	_, err := bus.Register(first)
	require.NoError(t, err)
	_, err = bus.Register(second)
	require.NoError(t, err)

	err = bus.Publish(ctx, stringEvent("x"))
	require.ErrorIs(t, err, boom)
}

func TestBusRegisterRejectsNil(t *testing.T) {
	bus := hooks.NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}
