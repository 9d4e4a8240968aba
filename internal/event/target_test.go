package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTarget_DispatchOrder(t *testing.T) {
	var (
		x   Target[string]
		got []string
	)
	x.Subscribe(func(v string) { got = append(got, "a:"+v) })
	x.Subscribe(func(v string) { got = append(got, "b:"+v) })

	assert.Equal(t, 2, x.Dispatch("1"))
	assert.Equal(t, 2, x.Dispatch("2"))
	assert.Equal(t, []string{"a:1", "b:1", "a:2", "b:2"}, got)
}

func TestTarget_Unsubscribe(t *testing.T) {
	var (
		x     Target[int]
		calls int
	)
	id := x.Subscribe(func(int) { calls++ })
	assert.NotZero(t, id)
	assert.Equal(t, 1, x.Len())
	assert.True(t, x.Unsubscribe(id))
	assert.False(t, x.Unsubscribe(id))
	assert.Equal(t, 0, x.Dispatch(1))
	assert.Zero(t, calls)
}

func TestTarget_NilListener(t *testing.T) {
	var x Target[int]
	assert.Zero(t, x.Subscribe(nil))
	assert.Zero(t, x.Len())
}

func TestTarget_SubscribeOnce(t *testing.T) {
	var (
		x     Target[int]
		calls int
	)
	x.SubscribeOnce(func(int) { calls++ })
	x.Dispatch(1)
	x.Dispatch(2)
	assert.Equal(t, 1, calls)
	assert.Zero(t, x.Len())
}

func TestTarget_SubscribeDuringDispatch(t *testing.T) {
	var (
		x   Target[int]
		got []int
	)
	x.SubscribeOnce(func(v int) {
		// a listener added mid-dispatch only observes later values
		x.Subscribe(func(v int) { got = append(got, v) })
	})
	x.Dispatch(1)
	x.Dispatch(2)
	x.Dispatch(3)
	assert.Equal(t, []int{2, 3}, got)
}

func TestTarget_Clear(t *testing.T) {
	var x Target[int]
	x.Subscribe(func(int) {})
	x.Subscribe(func(int) {})
	x.Clear()
	assert.Zero(t, x.Len())
	assert.Zero(t, x.Dispatch(1))
}
