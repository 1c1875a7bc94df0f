package fanotify

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// eventsBufferSize bounds a single ReadBatch call.
const eventsBufferSize = 4096

var sizeOfMetadata = int(unsafe.Sizeof(unix.FanotifyEventMetadata{}))

// RawEvent is a kernel-delivered record: version, mask bitset, an fd open
// to the affected file (owned by the caller), and the acting PID.
type RawEvent struct {
	Version uint8
	Mask    uint64
	Fd      int32
	PID     int32
}

// EventBatch is a one-shot, finite forward sequence over the events read in
// a single ReadBatch call: it bufferizes raw kernel event records and
// exposes them as a finite sequence, detecting queue overflow along the
// way.
type EventBatch struct {
	buf    [eventsBufferSize * 64]byte // 64B per record, metadata included
	n      int                         // bytes valid in buf
	offset int                         // read cursor
	empty  bool
}

// readBatch performs the blocking read of up to one buffer's worth of
// events from fd. An empty result (no events currently available) is
// distinguished from a populated one via Empty(), rather than treated as an
// error.
func readBatch(fd int) (*EventBatch, error) {
	b := &EventBatch{}
	for {
		n, err := unix.Read(fd, b.buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if err == unix.EAGAIN {
				b.empty = true
				return b, nil
			}
			return nil, err
		}
		b.n = n
		b.empty = n == 0
		return b, nil
	}
}

// Empty reports whether this batch produced zero events this tick, as
// opposed to having been fully drained mid-iteration.
func (b *EventBatch) Empty() bool {
	return b.empty
}

// Next advances the iterator and returns the next raw record. ok is false
// once the batch is exhausted. A record whose Fd is zero signals kernel
// queue overflow and is surfaced as ErrOverflow rather than as a regular
// record.
func (b *EventBatch) Next() (RawEvent, bool, error) {
	for b.offset+sizeOfMetadata <= b.n {
		meta := (*unix.FanotifyEventMetadata)(unsafe.Pointer(&b.buf[b.offset]))
		if meta.Event_len < uint32(sizeOfMetadata) || int(meta.Event_len) > b.n-b.offset {
			// malformed / truncated record: nothing more can be decoded.
			b.offset = b.n
			return RawEvent{}, false, nil
		}

		rec := RawEvent{
			Version: meta.Vers,
			Mask:    meta.Mask,
			Fd:      meta.Fd,
			PID:     meta.Pid,
		}
		b.offset += int(meta.Event_len)

		if rec.Version == 0 && rec.Mask == 0 && rec.Fd == 0 && rec.PID == 0 {
			// All-zero record: no more events in this batch.
			return RawEvent{}, false, nil
		}
		if rec.Fd == 0 {
			return RawEvent{}, false, ErrOverflow
		}
		return rec, true, nil
	}
	return RawEvent{}, false, nil
}
