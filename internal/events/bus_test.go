package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_EmitOrderAndUnsubscribe(t *testing.T) {
	bus := NewBus[string]()
	var got []string

	unsubA := bus.Subscribe(func(v string) { got = append(got, "a:"+v) })
	bus.Subscribe(func(v string) { got = append(got, "b:"+v) })

	bus.Emit("connect")
	unsubA()
	unsubA()
	bus.Emit("disconnect")

	assert.Equal(t, []string{"a:connect", "b:connect", "b:disconnect"}, got,
		"handlers MUST run in registration order and stop after unsubscribe")
	assert.Equal(t, 1, bus.Len())

	bus.Reset()
	assert.Equal(t, 0, bus.Len())
}

func TestBus_HandlerMayUnsubscribeDuringEmit(t *testing.T) {
	bus := NewBus[int]()
	calls := 0

	var unsub func()
	unsub = bus.Subscribe(func(int) {
		calls++
		unsub()
	})

	bus.Emit(1)
	bus.Emit(2)
	assert.Equal(t, 1, calls, "one-shot handler MUST fire once")
}

func TestBus_Stream(t *testing.T) {
	bus := NewBus[int]()
	stream, cancel := bus.Stream(2)

	bus.Emit(1)
	bus.Emit(2)
	bus.Emit(3)
	cancel()
	bus.Emit(4)

	var got []int
	for v := range stream.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{2, 3}, got, "stream MUST keep the newest values and close on cancel")
	assert.Equal(t, 0, bus.Len())
}

func TestRingChannel(t *testing.T) {
	rc := NewRingChannel[int](3)

	for i := 0; i < 5; i++ {
		rc.Send(i)
	}
	assert.Equal(t, 3, rc.Len())
	assert.Equal(t, 3, rc.Cap())
	assert.False(t, rc.TrySend(9), "TrySend MUST fail when full")

	v, ok := rc.Receive()
	require.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = rc.TryReceive()
	require.True(t, ok)
	assert.Equal(t, 3, v)

	rc.Close()
	rc.Close()
	assert.False(t, rc.Send(10), "send after close MUST be dropped")

	m := rc.GetMetrics()
	assert.Equal(t, int64(5), m.Written)
	assert.Equal(t, int64(2), m.Overwritten)
	assert.Equal(t, int64(2), m.Processed)
	assert.Equal(t, int64(1), m.Dropped)

	v, ok = rc.TryReceive()
	assert.True(t, ok)
	assert.Equal(t, 4, v)
	_, ok = rc.TryReceive()
	assert.False(t, ok)
}

func TestNewRingChannel_InvalidCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRingChannel[int](0) })
}
