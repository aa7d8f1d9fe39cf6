package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"trill/internal/domain"
)

func newTestDispatcher() *Dispatcher {
	return New(slog.New(slog.DiscardHandler))
}

func TestDispatchOrder(t *testing.T) {
	d := newTestDispatcher()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		d.Subscribe(domain.EventReady, func(ctx context.Context, ev domain.Event) {
			got = append(got, i)
		})
	}

	d.Dispatch(context.Background(), domain.Event{Kind: domain.EventReady})

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got, "handlers must run in registration order")
}

func TestDispatchKindIsolation(t *testing.T) {
	d := newTestDispatcher()

	readyCalls := 0
	resumedCalls := 0
	d.Subscribe(domain.EventReady, func(ctx context.Context, ev domain.Event) { readyCalls++ })
	d.Subscribe(domain.EventResumed, func(ctx context.Context, ev domain.Event) { resumedCalls++ })

	d.Dispatch(context.Background(), domain.Event{Kind: domain.EventReady})
	d.Dispatch(context.Background(), domain.Event{Kind: domain.EventReady})

	assert.Equal(t, 2, readyCalls)
	assert.Equal(t, 0, resumedCalls)
}

func TestDispatchPanicContainment(t *testing.T) {
	d := newTestDispatcher()

	d.Subscribe(domain.EventReady, func(ctx context.Context, ev domain.Event) {
		panic("boom")
	})
	survived := false
	d.Subscribe(domain.EventReady, func(ctx context.Context, ev domain.Event) {
		survived = true
	})

	d.Dispatch(context.Background(), domain.Event{Kind: domain.EventReady})

	assert.True(t, survived, "handler after a panicking one must still run")
}

func TestUnsubscribe(t *testing.T) {
	d := newTestDispatcher()

	calls := 0
	cancel := d.Subscribe(domain.EventReady, func(ctx context.Context, ev domain.Event) { calls++ })

	d.Dispatch(context.Background(), domain.Event{Kind: domain.EventReady})
	cancel()
	d.Dispatch(context.Background(), domain.Event{Kind: domain.EventReady})

	assert.Equal(t, 1, calls)
}

func TestSubscribeAll(t *testing.T) {
	d := newTestDispatcher()

	var kinds []domain.EventKind
	d.SubscribeAll(func(ctx context.Context, ev domain.Event) {
		kinds = append(kinds, ev.Kind)
	})

	d.Dispatch(context.Background(), domain.Event{Kind: domain.EventReady})
	d.Dispatch(context.Background(), domain.Event{Kind: domain.EventResumed})

	assert.Equal(t, []domain.EventKind{domain.EventReady, domain.EventResumed}, kinds)
}

func TestLatest(t *testing.T) {
	d := newTestDispatcher()

	_, ok := d.Latest(domain.EventReady)
	assert.False(t, ok)

	d.Dispatch(context.Background(), domain.Event{Kind: domain.EventReady, Sequence: 1, HasSequence: true})
	d.Dispatch(context.Background(), domain.Event{Kind: domain.EventReady, Sequence: 2, HasSequence: true})

	ev, ok := d.Latest(domain.EventReady)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), ev.Sequence)
}

func TestTypedDecode(t *testing.T) {
	d := newTestDispatcher()

	type payload struct {
		SessionID string `json:"session_id"`
	}

	var got payload
	Typed(d, domain.EventReady, func(ctx context.Context, p payload) { got = p })

	d.Dispatch(context.Background(), domain.Event{
		Kind: domain.EventReady,
		Data: json.RawMessage(`{"session_id":"abc"}`),
	})
	assert.Equal(t, "abc", got.SessionID)

	// Undecodable data is dropped without affecting the subscriber.
	d.Dispatch(context.Background(), domain.Event{
		Kind: domain.EventReady,
		Data: json.RawMessage(`not json`),
	})
	assert.Equal(t, "abc", got.SessionID)
}

func TestDispatchConcurrentSubscribers(t *testing.T) {
	d := newTestDispatcher()

	var mu sync.Mutex
	calls := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Subscribe(domain.EventSpeaking, func(ctx context.Context, ev domain.Event) {
				mu.Lock()
				calls++
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	d.Dispatch(context.Background(), domain.Event{Kind: domain.EventSpeaking})
	assert.Equal(t, 10, calls)
}

func TestCloseStopsDispatch(t *testing.T) {
	d := newTestDispatcher()

	calls := 0
	d.Subscribe(domain.EventReady, func(ctx context.Context, ev domain.Event) { calls++ })

	d.Close()
	d.Dispatch(context.Background(), domain.Event{Kind: domain.EventReady})
	assert.Equal(t, 0, calls)
}
