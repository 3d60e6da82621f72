package eventbus

import (
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleEvent struct{ N int }

func TestPublishDemandScenario(t *testing.T) {
	// Publish 5 events on topic X to 2 subscribers: the one with demand
	// 10 receives all 5; the one with demand 0 receives none and
	// reports dropped=5.
	bus := New(nil)

	var gotA []int
	var mu sync.Mutex
	subA := bus.Subscribe("X", nil, nil, func(e any) {
		mu.Lock()
		defer mu.Unlock()
		gotA = append(gotA, e.(sampleEvent).N)
	})
	subA.Request(10)

	subB := bus.Subscribe("X", nil, nil, func(e any) { t.Fatal("subB should never be delivered to") })

	for i := 0; i < 5; i++ {
		bus.Publish("X", sampleEvent{N: i})
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, gotA)
	assert.Equal(t, int64(0), subA.Dropped())
	assert.Equal(t, int64(5), subB.Dropped())
}

func TestPublishOrderWithinTopic(t *testing.T) {
	bus := New(nil)
	var got []int
	sub := bus.Subscribe("topic", nil, nil, func(e any) { got = append(got, e.(sampleEvent).N) })
	sub.Request(100)

	for i := 0; i < 20; i++ {
		bus.Publish("topic", sampleEvent{N: i})
	}
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

type dataEvent struct{}
type foiEvent struct{}

func TestSubscribeTypeFiltering(t *testing.T) {
	bus := New(nil)
	var got []any
	sub := bus.Subscribe("topic", []reflect.Type{reflect.TypeOf(dataEvent{})}, nil, func(e any) { got = append(got, e) })
	sub.Request(10)

	bus.Publish("topic", dataEvent{})
	bus.Publish("topic", foiEvent{})

	require.Len(t, got, 1)
	assert.IsType(t, dataEvent{}, got[0])
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := New(nil)
	var count int
	sub := bus.Subscribe("topic", nil, nil, func(e any) { count++ })
	sub.Request(10)

	bus.Publish("topic", sampleEvent{N: 1})
	sub.Cancel()
	bus.Publish("topic", sampleEvent{N: 2})

	assert.Equal(t, 1, count)
}

func TestFilterPredicate(t *testing.T) {
	bus := New(nil)
	var got []int
	onlyEven := func(e any) bool { return e.(sampleEvent).N%2 == 0 }
	sub := bus.Subscribe("topic", nil, onlyEven, func(e any) { got = append(got, e.(sampleEvent).N) })
	sub.Request(10)

	for i := 0; i < 4; i++ {
		bus.Publish("topic", sampleEvent{N: i})
	}
	assert.Equal(t, []int{0, 2}, got)
}
