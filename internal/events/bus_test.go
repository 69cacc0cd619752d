package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := NewBus(quietLogger(), 8)
	got := make(chan Event, 8)
	bus.Subscribe("recorder", func(ctx context.Context, evt Event) error {
		got <- evt
		return nil
	}, KindPolizaPosted, KindPeriodClosed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Run(ctx) }()

	require.NoError(t, bus.Publish(ctx,
		PolizaPosted{CompanyID: 1, EntryID: 10},
		CFDIImported{CompanyID: 1, UUID: "U1"},
		PeriodClosed{CompanyID: 1, PeriodID: 3},
	))

	first := waitEvent(t, got)
	second := waitEvent(t, got)
	require.Equal(t, KindPolizaPosted, first.Kind())
	require.Equal(t, KindPeriodClosed, second.Kind())
	select {
	case extra := <-got:
		t.Fatalf("unexpected delivery of %s", extra.Kind())
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBusRecoversFromPanickingHandler(t *testing.T) {
	bus := NewBus(quietLogger(), 4)
	got := make(chan Event, 1)
	bus.Subscribe("panics", func(ctx context.Context, evt Event) error {
		panic("boom")
	}, KindPaymentReconciled)
	bus.Subscribe("fails", func(ctx context.Context, evt Event) error {
		return errors.New("nope")
	}, KindPaymentReconciled)
	bus.Subscribe("healthy", func(ctx context.Context, evt Event) error {
		got <- evt
		return nil
	}, KindPaymentReconciled)

	bus.Dispatch(context.Background(), PaymentReconciled{CompanyID: 2, MovementID: 7})
	evt := waitEvent(t, got)
	require.Equal(t, int64(2), evt.Company())
}

func TestBusCloseFlushesAndRejects(t *testing.T) {
	bus := NewBus(quietLogger(), 4)
	got := make(chan Event, 4)
	bus.Subscribe("all", func(ctx context.Context, evt Event) error {
		got <- evt
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), PeriodClosed{CompanyID: 1}))
	bus.Close()
	require.ErrorIs(t, bus.Publish(context.Background(), PeriodClosed{CompanyID: 1}), ErrBusClosed)

	require.NoError(t, bus.Run(context.Background()))
	require.Len(t, got, 1)
}

func TestPublishHonoursContextWhenFull(t *testing.T) {
	bus := NewBus(quietLogger(), 1)
	require.NoError(t, bus.Publish(context.Background(), PeriodClosed{CompanyID: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, PeriodClosed{CompanyID: 1})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandlerPublishIntoFullQueueDoesNotWedge(t *testing.T) {
	bus := NewBus(quietLogger(), 2)
	reconciled := make(chan Event, 8)
	bus.Subscribe("reconcile", func(ctx context.Context, evt Event) error {
		imported := evt.(CFDIImported)
		return bus.Publish(ctx, PaymentReconciled{CompanyID: imported.CompanyID, MovementID: 1})
	}, KindCFDIImported)
	bus.Subscribe("recorder", func(ctx context.Context, evt Event) error {
		reconciled <- evt
		return nil
	}, KindPaymentReconciled)

	require.NoError(t, bus.Publish(context.Background(),
		CFDIImported{CompanyID: 1, UUID: "U1"},
		CFDIImported{CompanyID: 2, UUID: "U2"},
	))

	// U1's reaction takes the freed slot; the next handler publish overflows.
	bus.Dispatch(context.Background(), <-bus.queue)
	require.NoError(t, bus.Publish(context.WithValue(context.Background(), dispatchKey{}, bus),
		PaymentReconciled{CompanyID: 3, MovementID: 2}))
	require.Equal(t, 1, bus.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Run(ctx) }()

	companies := make([]int64, 0, 3)
	for i := 0; i < 3; i++ {
		companies = append(companies, waitEvent(t, reconciled).Company())
	}
	require.Equal(t, []int64{1, 3, 2}, companies)

	publishCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	require.NoError(t, bus.Publish(publishCtx, CFDIImported{CompanyID: 4, UUID: "U4"}))
	require.Equal(t, int64(4), waitEvent(t, reconciled).Company())
	require.Zero(t, bus.Pending())
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}
