package localwatcher

import (
	"context"
	"sync/atomic"
)

type pendingKind int

const (
	pendingDeleteFile pendingKind = iota
	pendingDeleteFolder
)

// pendingRecord tracks a path between an unlink event and its resolution —
// either a matching add/addDir claims it as a move/re-add, or its timer
// expires and it is finalized as a delete (spec.md section 4.3, "State").
// finalize performs the eventual deleteFile/deleteFolder dispatch; it is
// invoked both by the normal timer path and, on shutdown, directly by
// Stop (spec.md section 5, "the watcher's stop finalizes every pending
// record").
type pendingRecord struct {
	kind     pendingKind
	path     string
	timer    timerHandle
	finalize func(ctx context.Context)

	done atomic.Bool
}

// stop cancels the record's timer and marks it resolved so a racing timer
// fire observes stopped() and no-ops instead of double-finalizing.
func (r *pendingRecord) stop() {
	r.done.Store(true)
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *pendingRecord) stopped() bool {
	return r.done.Load()
}
