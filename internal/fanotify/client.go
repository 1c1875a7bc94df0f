package fanotify

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// WaitResult is the outcome of a single Wait call.
type WaitResult int

const (
	Continue WaitResult = iota
	Stopped
)

// Client wraps a single fanotify notification group: init, mark, wait,
// readBatch, allow, deny. One Client watches one mount point; multiple
// mounts require multiple Clients.
type Client struct {
	fd         int
	groupFlags uint
	mountpoint *os.File

	// stopR/stopW back the secondary "stop" channel used in interactive
	// mode: when the stop channel is a terminal, the stop condition is "a
	// newline was read from standard input". Both are nil in daemon mode,
	// where Wait can only return on events or fatal errors.
	stopR *os.File
	stopW *os.File
}

// New creates a fanotify notification group rooted at mountPath. When
// withStopChannel is true, Wait also multiplexes an internal pipe that
// StopOnNewline feeds from standard input (interactive mode); when false,
// Wait blocks purely on the notification descriptor (daemon mode).
func New(groupFlags, eventOpenFlags uint, mountPath string, withStopChannel bool) (*Client, error) {
	capSysAdmin, err := checkCapSysAdmin()
	if err != nil {
		return nil, &InitError{Err: err}
	}
	if !capSysAdmin {
		return nil, &InitError{Err: ErrCapSysAdmin}
	}

	maj, min, err := kernelVersion()
	if err != nil {
		return nil, &InitError{Err: err}
	}
	if !checkFlagsKernelSupport(groupFlags, maj, min) {
		return nil, &InitError{Err: ErrUnsupportedKernel}
	}

	fd, err := unix.FanotifyInit(groupFlags, eventOpenFlags)
	if err != nil {
		return nil, &InitError{Err: err}
	}

	mp, err := os.Open(mountPath)
	if err != nil {
		unix.Close(fd)
		return nil, &InitError{Err: fmt.Errorf("open mountpoint %s: %w", mountPath, err)}
	}

	c := &Client{fd: fd, groupFlags: groupFlags, mountpoint: mp}

	if withStopChannel {
		r, w, perr := os.Pipe()
		if perr != nil {
			mp.Close()
			unix.Close(fd)
			return nil, &InitError{Err: perr}
		}
		c.stopR, c.stopW = r, w
	}

	return c, nil
}

// checkFlagsKernelSupport reports whether flags are supported by the given
// kernel version.
func checkFlagsKernelSupport(flags uint, maj, min int) bool {
	type ver struct{ maj, min int }
	required := map[uint]ver{
		unix.FAN_ENABLE_AUDIT: {4, 15},
	}
	for flag, v := range required {
		if flags&flag != flag {
			continue
		}
		if maj > v.maj || (maj == v.maj && min >= v.min) {
			continue
		}
		return false
	}
	return true
}

// MountPath returns the path the client's notification group is rooted at.
func (c *Client) MountPath() string { return c.mountpoint.Name() }

// Mark adds or removes a fanotify mark.
func (c *Client) Mark(markFlags uint, mask uint64, dirFd int, path string) error {
	if err := unix.FanotifyMark(c.fd, markFlags, mask, dirFd, path); err != nil {
		return &MarkError{Path: path, Err: err}
	}
	return nil
}

// MarkMount adds a mount-wide mark for mask, the mode this detector runs
// in: it marks the root mount for the configured event mask.
func (c *Client) MarkMount(mask uint64) error {
	return c.Mark(unix.FAN_MARK_ADD|unix.FAN_MARK_MOUNT, mask, unix.AT_FDCWD, c.mountpoint.Name())
}

// IgnorePath marks path so the detector's own accesses to it never surface
// as events, used to make the log file invisible to the detector itself.
func (c *Client) IgnorePath(mask uint64, path string) error {
	return c.Mark(unix.FAN_MARK_ADD|unix.FAN_MARK_IGNORED_MASK|unix.FAN_MARK_IGNORED_SURV_MODIFY, mask, unix.AT_FDCWD, path)
}

// StopOnNewline reads from os.Stdin until a newline, then signals Wait to
// return Stopped. It is a no-op if the client was created without a stop
// channel (daemon mode). Intended to run in its own goroutine.
func (c *Client) StopOnNewline() {
	if c.stopW == nil {
		return
	}
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			break
		}
		if n > 0 && buf[0] == '\n' {
			break
		}
	}
	_, _ = c.stopW.Write([]byte{'x'})
}

// Wait blocks until either the notification group becomes readable or, in
// interactive mode, the stop channel fires. EINTR is retried transparently.
func (c *Client) Wait() (WaitResult, error) {
	var fds []unix.PollFd
	fds = append(fds, unix.PollFd{Fd: int32(c.fd), Events: unix.POLLIN})
	if c.stopR != nil {
		fds = append(fds, unix.PollFd{Fd: int32(c.stopR.Fd()), Events: unix.POLLIN})
	}

	for {
		n, err := unix.Poll(fds, -1)
		if n == 0 {
			continue
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return Stopped, err
		}
		if len(fds) > 1 && fds[1].Revents&unix.POLLIN != 0 {
			return Stopped, nil
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			return Continue, nil
		}
	}
}

// ReadBatch reads up to one buffer's worth of events. An empty (not error)
// batch is returned when nothing is currently available.
func (c *Client) ReadBatch() (*EventBatch, error) {
	return readBatch(c.fd)
}

// Allow writes an "allowed" verdict for a permission event. Verdicts are
// fire-and-forget: the kernel unblocks the originating syscall but sends
// no completion signal back.
func (c *Client) Allow(fd int32) error {
	return c.respond(fd, unix.FAN_ALLOW)
}

// Deny writes a "denied" verdict for a permission event.
func (c *Client) Deny(fd int32) error {
	return c.respond(fd, unix.FAN_DENY)
}

func (c *Client) respond(fd int32, verdict uint32) error {
	resp := unix.FanotifyResponse{Fd: fd, Response: verdict}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &resp); err != nil {
		return err
	}
	_, err := unix.Write(c.fd, buf.Bytes())
	return err
}

// Close releases the notification group and the mountpoint/stop handles.
// Closing the group cancels any pending kernel permission requests as
// implicit denies. The first failure among the handles is returned, wrapped
// as an IOError; the rest are still attempted regardless.
func (c *Client) Close() error {
	var first error
	if c.stopR != nil {
		if err := c.stopR.Close(); err != nil && first == nil {
			first = &IOError{Op: "close stop-read pipe", Err: err}
		}
	}
	if c.stopW != nil {
		if err := c.stopW.Close(); err != nil && first == nil {
			first = &IOError{Op: "close stop-write pipe", Err: err}
		}
	}
	if err := c.mountpoint.Close(); err != nil && first == nil {
		first = &IOError{Op: "close mountpoint", Err: err}
	}
	if err := unix.Close(c.fd); err != nil && first == nil {
		first = &IOError{Op: "close notification group", Err: err}
	}
	return first
}
