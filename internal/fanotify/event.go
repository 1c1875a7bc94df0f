package fanotify

import "golang.org/x/sys/unix"

// MarkFlag is a single kernel fanotify mask bit, the granularity at which
// marks are added/removed and at which EventBatch records are classified.
type MarkFlag uint64

// The fixed set of symbolic mark flags this package understands.
const (
	Access       MarkFlag = unix.FAN_ACCESS
	AccessPerm   MarkFlag = unix.FAN_ACCESS_PERM
	Modify       MarkFlag = unix.FAN_MODIFY
	Open         MarkFlag = unix.FAN_OPEN
	OpenPerm     MarkFlag = unix.FAN_OPEN_PERM
	OpenExec     MarkFlag = unix.FAN_OPEN_EXEC
	CloseWrite   MarkFlag = unix.FAN_CLOSE_WRITE
	CloseNoWrite MarkFlag = unix.FAN_CLOSE_NOWRITE
	Close        MarkFlag = unix.FAN_CLOSE_WRITE | unix.FAN_CLOSE_NOWRITE
)

// mandatoryMarks are always tracked regardless of the configured event-track
// list: read, read-permission, and write evidence feeds the suspicion
// decision and can never be turned off.
var mandatoryMarks = []MarkFlag{Access, AccessPerm, Modify}

// allMarkBits is the ordered set of individual mask bits classification
// iterates over per event.
var allMarkBits = []MarkFlag{
	Access, AccessPerm, Modify, Open, OpenPerm, OpenExec, CloseWrite, CloseNoWrite,
}

// Kind is the four-way semantic bucket kernel masks collapse into: reads,
// writes, opens, and closes.
type Kind int

const (
	KindUnknown Kind = iota
	KindRead
	KindWrite
	KindOpen
	KindClose
)

// kindOf maps a single mark bit to its semantic bucket.
func kindOf(bit MarkFlag) Kind {
	switch bit {
	case Access, AccessPerm:
		return KindRead
	case Modify:
		return KindWrite
	case Open, OpenPerm, OpenExec:
		return KindOpen
	case CloseWrite, CloseNoWrite:
		return KindClose
	default:
		return KindUnknown
	}
}

// isPermission reports whether bit requires a synchronous allow/deny verdict
// before the originating syscall may proceed.
func isPermission(bit MarkFlag) bool {
	return bit == AccessPerm || bit == OpenPerm
}

// Record is a single classified bit of a raw kernel event: one Record is
// produced per (Event, mark bit present in Event.Mask) pair, the
// granularity callers consume when deciding how to account for an event.
type Record struct {
	Bit        MarkFlag
	Kind       Kind
	Permission bool
	PID        int
	Fd         int
	SelfOrigin bool // event.pid == detector's own pid
}

// Classify expands a RawEvent into one Record per configured mask bit
// present in raw.Mask. trackedMask is the bitwise-OR of the mandatory marks
// and any additional configured event kinds; selfPID is the detector's own
// PID, used to tag self-originated events so callers can skip accounting
// for their own file activity while still issuing a permission verdict.
func Classify(raw RawEvent, trackedMask uint64, selfPID int) []Record {
	var out []Record
	for _, bit := range allMarkBits {
		if trackedMask&uint64(bit) == 0 {
			continue
		}
		if raw.Mask&uint64(bit) == 0 {
			continue
		}
		out = append(out, Record{
			Bit:        bit,
			Kind:       kindOf(bit),
			Permission: isPermission(bit),
			PID:        int(raw.PID),
			Fd:         int(raw.Fd),
			SelfOrigin: int(raw.PID) == selfPID,
		})
	}
	return out
}
