package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/arkeep-io/parley/internal/connection"
	"github.com/arkeep-io/parley/internal/message"
)

func TestDispatch_RegistrationOrder(t *testing.T) {
	b := New(zap.NewNop())
	var got []string

	b.OnMessage(func(m message.Message) { got = append(got, "first:"+m.Content) })
	b.OnMessage(func(m message.Message) { got = append(got, "second:"+m.Content) })

	b.PublishMessage(message.Message{Content: "hi", Sender: "bob"})
	assert.Equal(t, []string{"first:hi", "second:hi"}, got)
}

func TestDispatch_PanicIsolated(t *testing.T) {
	b := New(zap.NewNop())
	var got []connection.State

	b.OnConnectionChange(func(connection.Status) { panic("boom") })
	b.OnConnectionChange(func(s connection.Status) { got = append(got, s.State) })

	assert.NotPanics(t, func() {
		b.PublishState(connection.Status{State: connection.StateConnected})
	})
	assert.Equal(t, []connection.State{connection.StateConnected}, got)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := New(zap.NewNop())
	calls := 0

	unsub := b.OnNotification(func(Notification) { calls++ })
	other := b.OnNotification(func(Notification) {})

	b.PublishNotification(Notification{Counterpart: "bob"})
	unsub()
	unsub()
	b.PublishNotification(Notification{Counterpart: "bob"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, b.notifications.Len())
	other()
	assert.Zero(t, b.notifications.Len())
}

func TestUnsubscribe_DuringDispatch(t *testing.T) {
	r := NewRegistry[int]("test", zap.NewNop())
	var got []string
	var unsubSecond Unsubscribe

	r.Register(func(int) {
		got = append(got, "first")
		unsubSecond()
	})
	unsubSecond = r.Register(func(int) { got = append(got, "second") })
	r.Register(func(int) { got = append(got, "third") })

	r.Dispatch(1)
	assert.Equal(t, []string{"first", "third"}, got)
}

func TestRegister_DuringDispatchSeesNextEvent(t *testing.T) {
	r := NewRegistry[int]("test", zap.NewNop())
	var late []int

	r.Register(func(v int) {
		if v == 1 {
			r.Register(func(v int) { late = append(late, v) })
		}
	})

	r.Dispatch(1)
	r.Dispatch(2)
	assert.Equal(t, []int{2}, late)
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewRegistry[int]("test", zap.NewNop())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := r.Register(func(int) {})
			unsub()
		}()
		go func() {
			defer wg.Done()
			r.Dispatch(1)
		}()
	}
	wg.Wait()
	assert.Zero(t, r.Len())
}
