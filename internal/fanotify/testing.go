package fanotify

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// NewEventBatch builds an EventBatch from records without touching the
// kernel, for orchestrator tests that drive a caller against a fake
// notification client. Production code never calls this; only readBatch
// does.
func NewEventBatch(records []RawEvent) *EventBatch {
	b := &EventBatch{}
	offset := 0
	for _, r := range records {
		meta := unix.FanotifyEventMetadata{
			Event_len: uint32(sizeOfMetadata),
			Vers:      r.Version,
			Mask:      r.Mask,
			Fd:        r.Fd,
			Pid:       r.PID,
		}
		dst := (*unix.FanotifyEventMetadata)(unsafe.Pointer(&b.buf[offset]))
		*dst = meta
		offset += sizeOfMetadata
	}
	b.n = offset
	return b
}
