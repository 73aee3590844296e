package sipcore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crocodilertc/sipua/pkg/sipcore"
)

func TestEmitter_SubscribeAndEmit(t *testing.T) {
	var e sipcore.Emitter[int]
	var got []int
	e.Subscribe(func(v int) { got = append(got, v) })
	e.Subscribe(func(v int) { got = append(got, v*10) })

	e.Emit(1)

	assert.ElementsMatch(t, []int{1, 10}, got)
}

func TestEmitter_EmitsInRegistrationOrder(t *testing.T) {
	var e sipcore.Emitter[int]
	var got []int
	for i := 0; i < 5; i++ {
		n := i
		e.Subscribe(func(int) { got = append(got, n) })
	}

	e.Emit(0)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestEmitter_Unsubscribe(t *testing.T) {
	var e sipcore.Emitter[string]
	var got []string
	unsub := e.Subscribe(func(v string) { got = append(got, v) })

	e.Emit("a")
	unsub()
	e.Emit("b")

	assert.Equal(t, []string{"a"}, got)
}

func TestEmitter_ListenerCount(t *testing.T) {
	var e sipcore.Emitter[int]
	assert.Equal(t, 0, e.ListenerCount())
	unsub := e.Subscribe(func(int) {})
	assert.Equal(t, 1, e.ListenerCount())
	unsub()
	assert.Equal(t, 0, e.ListenerCount())
}

func TestCoreError_Error(t *testing.T) {
	err := sipcore.NewError("E_STATE", "invalid transition", sipcore.ErrorCategoryState)
	assert.Contains(t, err.Error(), "STATE")
	assert.Contains(t, err.Error(), "invalid transition")
}

func TestCoreError_Wrap_Unwrap(t *testing.T) {
	cause := assertErr{"boom"}
	err := sipcore.Wrap(cause, "E_TRANSPORT", "send failed", sipcore.ErrorCategoryTransport)
	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "boom")
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
