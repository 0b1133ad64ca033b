// Package timers centralizes the cancellable lifecycle timers that rooms,
// peers and conferences carry, keyed by named slots so arming and disarming
// is a single operation.
package timers

import (
	"sync"
	"time"
)

type Slot string

const (
	SlotMaxDuration     Slot = "maxDuration"
	SlotNoParticipants  Slot = "noParticipants"
	SlotInactivity      Slot = "inactivity"
	SlotMinParticipants Slot = "minParticipants"
	SlotRoomInit        Slot = "roomInit"
	SlotReconnectGrace  Slot = "reconnectGrace"
)

// Table holds at most one live timer per slot. Re-arming a slot replaces the
// previous timer and resets to the full duration.
type Table struct {
	mu    sync.Mutex
	slots map[Slot]*time.Timer
}

func NewTable() *Table {
	return &Table{slots: make(map[Slot]*time.Timer)}
}

func (t *Table) Arm(slot Slot, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.slots[slot]; ok {
		old.Stop()
	}
	t.slots[slot] = time.AfterFunc(d, fn)
}

// Disarm stops the timer in the slot, if any. Returns whether a timer was
// stopped before it fired.
func (t *Table) Disarm(slot Slot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.slots[slot]
	if !ok {
		return false
	}
	delete(t.slots, slot)
	return old.Stop()
}

func (t *Table) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for slot, timer := range t.slots {
		timer.Stop()
		delete(t.slots, slot)
	}
}
