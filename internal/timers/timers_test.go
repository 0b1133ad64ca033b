package timers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestArmFires(t *testing.T) {
	tbl := NewTable()
	fired := make(chan struct{})
	tbl.Arm(SlotNoParticipants, 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestDisarmPreventsFire(t *testing.T) {
	tbl := NewTable()
	var fired atomic.Bool
	tbl.Arm(SlotMaxDuration, 20*time.Millisecond, func() { fired.Store(true) })

	assert.True(t, tbl.Disarm(SlotMaxDuration))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestRearmReplacesTimer(t *testing.T) {
	tbl := NewTable()
	var first, second atomic.Bool
	tbl.Arm(SlotInactivity, 15*time.Millisecond, func() { first.Store(true) })
	tbl.Arm(SlotInactivity, 15*time.Millisecond, func() { second.Store(true) })

	time.Sleep(60 * time.Millisecond)
	assert.False(t, first.Load(), "replaced timer must not fire")
	assert.True(t, second.Load())
}

func TestStopAll(t *testing.T) {
	tbl := NewTable()
	var fired atomic.Int32
	tbl.Arm(SlotMaxDuration, 20*time.Millisecond, func() { fired.Add(1) })
	tbl.Arm(SlotNoParticipants, 20*time.Millisecond, func() { fired.Add(1) })
	tbl.StopAll()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fired.Load())
	assert.False(t, tbl.Disarm(SlotMaxDuration))
}
