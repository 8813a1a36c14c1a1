package coord

import (
	"sync/atomic"
	"time"
)

// noPendingChanges marks an empty pending-change window.
const noPendingChanges = int64(-1)

// PendingChangeWindow tracks the time range of training data changes which
// have not yet been dumped to the working tree.
//
// Two monotonic timestamps coordinate "has everything been dumped" between
// writers and the dump job without a lock: the oldest unflushed change only
// moves forward to at most the max of itself and the latest observed change
// when a dump completes, and the latest observed change only moves forward.
// Concurrent updates therefore always converge to a conservative "might still
// be dirty" answer.
type PendingChangeWindow struct {
	oldestPending atomic.Int64 // unix nanoseconds, noPendingChanges if empty
	latestPending atomic.Int64
}

// NewPendingChangeWindow creates an empty window.
func NewPendingChangeWindow() *PendingChangeWindow {
	w := &PendingChangeWindow{}
	w.oldestPending.Store(noPendingChanges)
	w.latestPending.Store(noPendingChanges)
	return w
}

// MarkChange records that a change happened at the given time.
func (w *PendingChangeWindow) MarkChange(at time.Time) {
	ts := at.UnixNano()

	for {
		oldest := w.oldestPending.Load()
		updated := ts
		if oldest != noPendingChanges && oldest < ts {
			updated = oldest
		}
		if w.oldestPending.CompareAndSwap(oldest, updated) {
			break
		}
	}

	for {
		latest := w.latestPending.Load()
		if ts <= latest {
			break
		}
		if w.latestPending.CompareAndSwap(latest, ts) {
			break
		}
	}
}

// MarkDumped records that a dump which started at the given time has
// completed. Changes observed after the dump started stay pending.
func (w *PendingChangeWindow) MarkDumped(dumpStartedAt time.Time) {
	ts := dumpStartedAt.UnixNano()

	latest := w.latestPending.Load()
	if latest > ts {
		ts = latest
	}
	w.oldestPending.Store(ts)
}

// HasPendingChangesBefore reports whether a change recorded before the given
// time has not been dumped yet.
func (w *PendingChangeWindow) HasPendingChangesBefore(at time.Time) bool {
	oldest := w.oldestPending.Load()
	latest := w.latestPending.Load()

	undumpedChangeBefore := oldest != noPendingChanges && oldest < at.UnixNano()
	dumpCoversLatestChange := oldest > latest

	return undumpedChangeBefore && !dumpCoversLatestChange
}

// Cancel drops all pending changes, typically because the local working tree
// state they belong to was discarded.
func (w *PendingChangeWindow) Cancel() {
	w.oldestPending.Store(noPendingChanges)
}
