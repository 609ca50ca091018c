package kernsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dplanitzer/serena-vpcore/clock"
	"github.com/dplanitzer/serena-vpcore/vp"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConditionVariableSignalWakesOneWaiter(t *testing.T) {
	s := newTestScheduler(t)
	m := NewMutex(s)
	cv := NewConditionVariable(s)

	a := vp.NewVP(30)
	woke := make(chan int, 2)

	waiter := func(id int, v *vp.VP) {
		m.Lock(v)
		err := cv.Wait(v, m, clock.QuantumInfinite)
		require.NoError(t, err)
		m.Unlock(v)
		woke <- id
	}

	runVP(s, a, func() { waiter(1, a) })
	s.Resume(a, false)
	waitUntil(t, func() bool { return cv.WaiterCount() == 1 })

	self := vp.NewVP(30)
	m.Lock(self)
	cv.Signal(m, self)

	require.Equal(t, 1, <-woke)
}

func TestConditionVariableCloseInterruptsWaiters(t *testing.T) {
	s := newTestScheduler(t)
	m := NewMutex(s)
	cv := NewConditionVariable(s)

	a := vp.NewVP(30)
	result := make(chan error, 1)
	runVP(s, a, func() {
		m.Lock(a)
		err := cv.Wait(a, m, clock.QuantumInfinite)
		result <- err
	})
	s.Resume(a, false)
	waitUntil(t, func() bool { return cv.WaiterCount() == 1 })

	cv.Close()
	err := <-result
	require.Error(t, err)
}
