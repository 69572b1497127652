// Package risk enforces pre-trade checks and manages open positions.
package risk

import (
	"sync"
	"time"
)

// KillSwitch is a one-way halt latch. Once tripped it stays tripped for
// the rest of the run; only a new run resets it.
type KillSwitch struct {
	mu        sync.RWMutex
	tripped   bool
	reason    string
	trippedAt time.Time
}

// NewKillSwitch creates an untripped kill switch.
func NewKillSwitch() *KillSwitch {
	return &KillSwitch{}
}

// Trip latches the switch. The first reason wins; later trips are
// ignored.
func (k *KillSwitch) Trip(reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.tripped {
		return
	}
	k.tripped = true
	k.reason = reason
	k.trippedAt = time.Now()
}

// Tripped reports whether trading is halted.
func (k *KillSwitch) Tripped() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.tripped
}

// Reason returns why the switch tripped, empty if it has not.
func (k *KillSwitch) Reason() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.reason
}

// TrippedAt returns when the switch tripped.
func (k *KillSwitch) TrippedAt() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.trippedAt
}
