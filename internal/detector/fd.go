package detector

import "golang.org/x/sys/unix"

// closeEventFd releases a fanotify event's process-owned descriptor exactly
// once, after classification.
func closeEventFd(fd int32) error {
	return unix.Close(int(fd))
}
