// Package tracker implements per-process sliding-window read/write
// accounting and the suspicion decision. It is touched only from the
// detector orchestrator's goroutine and therefore needs no internal
// locking, mirroring the habit of commenting single-goroutine invariants
// instead of defensively locking every field.
package tracker

import (
	"container/list"
	"time"
)

// Kind distinguishes the two event kinds the tracker accounts for. Only
// READ and WRITE are retained for suspicion accounting; OPEN/CLOSE drive the
// snapshot store instead.
type Kind int

const (
	Read Kind = iota
	Write
	numKinds
)

// ProcEvent is a single retained piece of evidence for a PID.
type ProcEvent struct {
	Kind  Kind
	Birth time.Time
}

// procInfo is the per-PID state: a FIFO of ProcEvents ordered by birth
// (non-decreasing) plus a tally per kind, maintaining the invariant
// tally[k] == |{e in fifo : e.Kind == k}|.
type procInfo struct {
	fifo  *list.List // of ProcEvent, oldest at Front
	tally [numKinds]int
}

// Config holds the suspicion thresholds and window length.
type Config struct {
	ReadSuspect  int
	WriteSuspect int
	MaxAge       time.Duration
}

// DefaultConfig returns the tuning defaults: a 150ms window and 300/300
// read/write thresholds.
func DefaultConfig() Config {
	return Config{ReadSuspect: 300, WriteSuspect: 300, MaxAge: 150 * time.Millisecond}
}

// Tracker maps PID to its per-process accounting state. A PID entry is
// created on first relevant event and removed only by Forget — expiry alone
// never removes an entry, so an empty FIFO is permitted and harmless.
type Tracker struct {
	cfg Config
	pid map[int]*procInfo
	// order records PID discovery order so Suspicious() returns a
	// reproducible sequence for logging, without depending on Go's
	// randomized map iteration order.
	order []int
}

// New creates a Tracker using cfg's thresholds and window.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, pid: make(map[int]*procInfo)}
}

func (t *Tracker) entry(pid int) *procInfo {
	pi, ok := t.pid[pid]
	if !ok {
		pi = &procInfo{fifo: list.New()}
		t.pid[pid] = pi
		t.order = append(t.order, pid)
	}
	return pi
}

// Record appends a ProcEvent of kind for pid, born at now. Only Read and
// Write are meaningful; callers must not call Record for OPEN/CLOSE
// activity.
func (t *Tracker) Record(pid int, kind Kind, now time.Time) {
	pi := t.entry(pid)
	pi.fifo.PushBack(ProcEvent{Kind: kind, Birth: now})
	pi.tally[kind]++
}

// Expire pops front events whose age is >= MaxAge for every tracked PID,
// decrementing the matching tally. Because each FIFO is monotonically
// ordered by birth, Expire short-circuits at the first unexpired front:
// O(k) amortized per tick where k is the number of events aging out this
// call. Expire must be invoked before Suspicious in the same tick. An event
// whose age is exactly MaxAge is expired; an event recorded after Expire in
// the same tick is retained.
func (t *Tracker) Expire(now time.Time) {
	for _, pi := range t.pid {
		for {
			front := pi.fifo.Front()
			if front == nil {
				break
			}
			ev := front.Value.(ProcEvent)
			if now.Sub(ev.Birth) < t.cfg.MaxAge {
				break
			}
			pi.fifo.Remove(front)
			pi.tally[ev.Kind]--
		}
	}
}

// Suspicious returns PIDs whose read and write tallies both meet the
// configured thresholds: tally[READ] >= ReadSuspect AND tally[WRITE] >=
// WriteSuspect — logical AND, not OR, so a high-read-only or high-write-only
// process is tolerated. Order matches PID discovery order.
func (t *Tracker) Suspicious() []int {
	var out []int
	for _, pid := range t.order {
		pi, ok := t.pid[pid]
		if !ok {
			continue
		}
		if pi.tally[Read] >= t.cfg.ReadSuspect && pi.tally[Write] >= t.cfg.WriteSuspect {
			out = append(out, pid)
		}
	}
	return out
}

// Forget removes pid's entry after enforcement (kill or whitelist
// clearance).
func (t *Tracker) Forget(pid int) {
	if _, ok := t.pid[pid]; !ok {
		return
	}
	delete(t.pid, pid)
	for i, p := range t.order {
		if p == pid {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Tally returns the current (read, write) counts for pid, for tests and
// diagnostics. It does not mutate state.
func (t *Tracker) Tally(pid int) (reads, writes int) {
	pi, ok := t.pid[pid]
	if !ok {
		return 0, 0
	}
	return pi.tally[Read], pi.tally[Write]
}

// Tracked reports whether pid currently has an entry. The detector's own
// PID must never appear here.
func (t *Tracker) Tracked(pid int) bool {
	_, ok := t.pid[pid]
	return ok
}
