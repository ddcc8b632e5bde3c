package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amonhq/amon/internal/bus"
	"github.com/amonhq/amon/internal/model"
)

func TestPublish_DeliversToAllMatchingSubscribers(t *testing.T) {
	b := bus.New(bus.Options{})
	defer b.Close()

	var mu sync.Mutex
	var got []model.Event
	done := make(chan struct{}, 1)

	sub := b.Register(nil, func(ctx context.Context, evt model.Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
		done <- struct{}{}
	})
	defer sub.Close()

	b.Publish(model.Event{Type: model.EventRunStarted}, "")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, model.EventRunStarted, got[0].Type)
}

func TestPublish_FilterExcludesNonMatchingSubscriber(t *testing.T) {
	b := bus.New(bus.Options{})
	defer b.Close()

	calls := make(chan model.Event, 4)
	sub := b.Register(func(e model.Event) bool {
		return e.Type == model.EventNodeFailed
	}, func(ctx context.Context, evt model.Event) {
		calls <- evt
	})
	defer sub.Close()

	b.Publish(model.Event{Type: model.EventNodeStarted}, "")
	b.Publish(model.Event{Type: model.EventNodeFailed}, "")

	select {
	case evt := <-calls:
		assert.Equal(t, model.EventNodeFailed, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered delivery")
	}

	select {
	case evt := <-calls:
		t.Fatalf("unexpected second delivery: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublish_OverflowDropsOldestAndIncrementsCounter(t *testing.T) {
	var dropped float64
	var mu sync.Mutex
	metrics := fakeMetrics{onInc: func(name string, v float64) {
		if name == "bus.dropped" {
			mu.Lock()
			dropped += v
			mu.Unlock()
		}
	}}

	b := bus.New(bus.Options{BufferSize: 2, Metrics: metrics})
	defer b.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	sub := b.Register(nil, func(ctx context.Context, evt model.Event) {
		once.Do(func() { close(started) })
		<-release
	})
	defer sub.Close()

	b.Publish(model.Event{Type: model.EventNodeStarted}, "")
	<-started // first event now blocking the handler goroutine

	for i := 0; i < 5; i++ {
		b.Publish(model.Event{Type: model.EventNodeSucceeded}, "")
	}
	close(release)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, dropped, float64(0))
}

func TestPublish_DedupesWithinWindow(t *testing.T) {
	b := bus.New(bus.Options{DedupeWindow: 30 * time.Millisecond})
	defer b.Close()

	calls := make(chan model.Event, 10)
	sub := b.Register(nil, func(ctx context.Context, evt model.Event) {
		calls <- evt
	})
	defer sub.Close()

	b.Publish(model.Event{Type: model.EventNodeStarted, Actor: "v1"}, "node-1")
	b.Publish(model.Event{Type: model.EventNodeStarted, Actor: "v2"}, "node-1")
	b.Publish(model.Event{Type: model.EventNodeStarted, Actor: "v3"}, "node-1")

	select {
	case evt := <-calls:
		assert.Equal(t, "v3", evt.Actor, "only the latest coalesced event should be delivered")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for coalesced delivery")
	}

	select {
	case evt := <-calls:
		t.Fatalf("unexpected extra delivery: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

type fakeMetrics struct {
	onInc func(name string, v float64)
}

func (f fakeMetrics) IncCounter(name string, value float64, tags ...string) {
	if f.onInc != nil {
		f.onInc(name, value)
	}
}
func (f fakeMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {}
func (f fakeMetrics) RecordGauge(name string, value float64, tags ...string)          {}
