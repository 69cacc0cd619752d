package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrBusClosed indicates a publish after Close.
var ErrBusClosed = errors.New("events: bus closed")

// Handler consumes a single event.
type Handler func(ctx context.Context, evt Event) error

// Publisher is the producing side of the bus.
type Publisher interface {
	Publish(ctx context.Context, evts ...Event) error
}

type subscription struct {
	name    string
	handler Handler
}

// Bus delivers events in publish order to subscribers through a buffered
// channel drained by Run. Events published by a handler while it is being
// dispatched never block; when the queue is full they wait in an overflow
// list that Run delivers once the queue empties.
type Bus struct {
	queue  chan Event
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[Kind][]subscription

	overflowMu sync.Mutex
	overflow   []Event
}

type dispatchKey struct{}

// NewBus constructs a bus with the given queue capacity.
func NewBus(logger *slog.Logger, capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		queue:  make(chan Event, capacity),
		done:   make(chan struct{}),
		logger: logger,
		subs:   make(map[Kind][]subscription),
	}
}

// Subscribe registers handler for the listed kinds. With no kinds the handler
// receives every variant.
func (b *Bus) Subscribe(name string, handler Handler, kinds ...Kind) {
	if handler == nil {
		return
	}
	if len(kinds) == 0 {
		kinds = []Kind{KindPolizaPosted, KindPeriodClosed, KindCFDIImported, KindPaymentReconciled}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range kinds {
		b.subs[k] = append(b.subs[k], subscription{name: name, handler: handler})
	}
	b.logger.Debug("event handler subscribed", slog.String("handler", name), slog.Any("kinds", kinds))
}

// Publish enqueues events. It blocks while the queue is full until ctx ends.
func (b *Bus) Publish(ctx context.Context, evts ...Event) error {
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		select {
		case <-b.done:
			return ErrBusClosed
		default:
		}
		if b.dispatching(ctx) {
			b.enqueueNoWait(evt)
			continue
		}
		select {
		case b.queue <- evt:
		case <-b.done:
			return ErrBusClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run delivers events until ctx is cancelled or Close is called, then
// flushes whatever is still buffered.
func (b *Bus) Run(ctx context.Context) error {
	b.logger.Info("event bus started")
	for {
		if evt, ok := b.nextOverflow(); ok {
			b.Dispatch(ctx, evt)
			continue
		}
		select {
		case evt := <-b.queue:
			b.Dispatch(ctx, evt)
		case <-b.done:
			b.drain(context.WithoutCancel(ctx))
			b.logger.Info("event bus stopped")
			return nil
		case <-ctx.Done():
			b.drain(context.WithoutCancel(ctx))
			b.logger.Info("event bus stopped")
			return ctx.Err()
		}
	}
}

// Close stops accepting events. Run returns after flushing the queue.
func (b *Bus) Close() {
	b.once.Do(func() { close(b.done) })
}

func (b *Bus) drain(ctx context.Context) {
	for {
		select {
		case evt := <-b.queue:
			b.Dispatch(ctx, evt)
			continue
		default:
		}
		evt, ok := b.nextOverflow()
		if !ok {
			return
		}
		b.Dispatch(ctx, evt)
	}
}

// Pending reports how many events wait in the overflow list.
func (b *Bus) Pending() int {
	b.overflowMu.Lock()
	defer b.overflowMu.Unlock()
	return len(b.overflow)
}

func (b *Bus) dispatching(ctx context.Context) bool {
	owner, _ := ctx.Value(dispatchKey{}).(*Bus)
	return owner == b
}

// enqueueNoWait keeps overflow events behind earlier ones so handler
// publishes stay in order.
func (b *Bus) enqueueNoWait(evt Event) {
	b.overflowMu.Lock()
	defer b.overflowMu.Unlock()
	if len(b.overflow) == 0 {
		select {
		case b.queue <- evt:
			return
		default:
		}
	}
	b.overflow = append(b.overflow, evt)
	b.logger.Warn("event queue full, deferring handler publish",
		slog.String("event", string(evt.Kind())),
		slog.Int("pending", len(b.overflow)),
	)
}

// nextOverflow pops the oldest deferred event once the queue is empty.
func (b *Bus) nextOverflow() (Event, bool) {
	b.overflowMu.Lock()
	defer b.overflowMu.Unlock()
	if len(b.overflow) == 0 || len(b.queue) > 0 {
		return nil, false
	}
	evt := b.overflow[0]
	b.overflow[0] = nil
	b.overflow = b.overflow[1:]
	return evt, true
}

// Dispatch hands evt to every subscriber of its kind. Handler errors and
// panics are logged and never stop delivery to the remaining handlers.
func (b *Bus) Dispatch(ctx context.Context, evt Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[evt.Kind()]...)
	b.mu.RUnlock()
	ctx = context.WithValue(ctx, dispatchKey{}, b)
	for _, sub := range subs {
		if err := b.deliver(ctx, sub, evt); err != nil {
			b.logger.Error("event handler failed",
				slog.String("handler", sub.name),
				slog.String("event", string(evt.Kind())),
				slog.Int64("company_id", evt.Company()),
				slog.Any("error", err),
			)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, sub subscription, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("events: handler panicked: %v", r)
		}
	}()
	return sub.handler(ctx, evt)
}
