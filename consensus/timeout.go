package consensus

import (
	"sync"
	"time"

	"github.com/crestline-labs/baseline/types"
)

const timeoutChannelSize = 100

// TimeoutInfo identifies the round a timeout belongs to. A fired
// timeout for an already-finalized round is harmless; the coordinator
// drops it.
type TimeoutInfo struct {
	Duration time.Duration
	Level    types.Level
	Scope    string
	Epoch    uint64
}

// TimeoutTicker schedules round timeouts and delivers them on a
// channel so timeout handling shares the coordinator's event loop
// instead of firing from arbitrary timer goroutines. Rounds at
// different levels run concurrently, so each scheduled timeout gets
// its own timer.
type TimeoutTicker struct {
	mu      sync.Mutex
	timers  map[roundKey]*time.Timer
	tockCh  chan TimeoutInfo
	stopped bool
}

// roundKey identifies one (level, scope, epoch) round. Sibling groups
// aggregate concurrently within an epoch, so the scope name is part of
// the identity.
type roundKey struct {
	level types.Level
	scope string
	epoch uint64
}

// NewTimeoutTicker creates a ticker.
func NewTimeoutTicker() *TimeoutTicker {
	return &TimeoutTicker{
		timers: make(map[roundKey]*time.Timer),
		tockCh: make(chan TimeoutInfo, timeoutChannelSize),
	}
}

// Stop cancels every pending timer. Already-fired timeouts may still
// be sitting in the channel.
func (tt *TimeoutTicker) Stop() {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	tt.stopped = true
	for _, timer := range tt.timers {
		timer.Stop()
	}
	tt.timers = make(map[roundKey]*time.Timer)
}

// Chan delivers fired timeouts.
func (tt *TimeoutTicker) Chan() <-chan TimeoutInfo {
	return tt.tockCh
}

// ScheduleTimeout arms a timeout for a round. Delivery never blocks;
// if the channel is full the timeout is dropped, which only delays the
// round's deterministic rejection until the next schedule or an
// explicit finalize.
func (tt *TimeoutTicker) ScheduleTimeout(ti TimeoutInfo) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if tt.stopped {
		return
	}
	key := roundKey{level: ti.Level, scope: ti.Scope, epoch: ti.Epoch}
	if prev, ok := tt.timers[key]; ok {
		prev.Stop()
	}
	tt.timers[key] = time.AfterFunc(ti.Duration, func() {
		tt.mu.Lock()
		delete(tt.timers, key)
		tt.mu.Unlock()

		select {
		case tt.tockCh <- ti:
		default:
		}
	})
}

// Cancel disarms the timeout for a round that finalized early.
func (tt *TimeoutTicker) Cancel(level types.Level, scope string, epoch uint64) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	key := roundKey{level: level, scope: scope, epoch: epoch}
	if timer, ok := tt.timers[key]; ok {
		timer.Stop()
		delete(tt.timers, key)
	}
}
