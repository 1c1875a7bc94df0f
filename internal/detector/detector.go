// Package detector implements the main loop that drives the notification
// client, the process-activity tracker, and the snapshot store through the
// Starting → Running → Stopping → Stopped state machine.
//
// The loop is restructured around a narrow NotifierClient interface so the
// orchestrator is unit-testable without a real kernel mount.
package detector

import (
	"errors"
	"fmt"
	"time"

	"github.com/ransomguard/sentinel/internal/config"
	"github.com/ransomguard/sentinel/internal/fanotify"
	"github.com/ransomguard/sentinel/internal/logtrace"
	"github.com/ransomguard/sentinel/internal/procctl"
	"github.com/ransomguard/sentinel/internal/snapshot"
	"github.com/ransomguard/sentinel/internal/tracker"
)

// ExpectedMetadataVersion is the fanotify wire version this build was
// compiled against. A mismatch against the running kernel's delivered
// records is fatal.
const ExpectedMetadataVersion = 3 // unix.FANOTIFY_METADATA_VERSION

// ProtocolError signals a kernel record version mismatch.
type ProtocolError struct {
	Got, Want uint8
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("detector: protocol version mismatch: got %d, want %d", e.Got, e.Want)
}

// OverflowError signals the notification queue lost events.
var OverflowError = errors.New("detector: notification queue overflow")

// State is one of the orchestrator's four lifecycle states.
type State int

const (
	Starting State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	}
	return "Unknown"
}

// nower lets tests substitute a controllable clock; production uses
// time.Now.
type nower func() time.Time

// Detector drives one notification group's worth of events through
// classification, accounting, and enforcement.
type Detector struct {
	client    NotifierClient
	tracker   *tracker.Tracker
	store     *snapshot.Store
	whitelist *procctl.Whitelist
	log       logtrace.Logger
	cfg       config.Config
	selfPID   int
	pool      *workPool
	now       nower

	state State
}

// Option configures a Detector at construction.
type Option func(*Detector)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithWorkerCount overrides the default worker-pool shape, for tests that
// want to observe back-pressure with a tiny queue.
func WithWorkerCount(workers, queueDepth int) Option {
	return func(d *Detector) {
		d.pool = newWorkPool(workers, queueDepth, func(reason string) {
			d.log.Warn("detector.workpool", "dropped task: "+reason)
		})
	}
}

// New constructs a Detector in the Starting state. selfPID is the
// detector's own PID, used to guard against self-amplification and to keep
// the detector's own PID out of the tracker.
func New(client NotifierClient, store *snapshot.Store, whitelist *procctl.Whitelist, log logtrace.Logger, cfg config.Config, selfPID int, opts ...Option) *Detector {
	d := &Detector{
		client:    client,
		tracker:   tracker.New(tracker.Config{ReadSuspect: cfg.ReadSuspect, WriteSuspect: cfg.WriteSuspect, MaxAge: cfg.FileIOMaxAge}),
		store:     store,
		whitelist: whitelist,
		log:       log,
		cfg:       cfg,
		selfPID:   selfPID,
		state:     Starting,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.pool == nil {
		d.pool = newWorkPool(4, 256, func(reason string) {
			log.Warn("detector.workpool", "dropped task: "+reason)
		})
	}
	return d
}

// State reports the orchestrator's current state.
func (d *Detector) State() State { return d.state }

// Start marks the notification group for the configured tracked mask and
// ignore-marks the log path, then transitions to Running. The snapshot
// store's path is deliberately NOT ignore-marked: the store's
// self-protection works by PID comparison in respond(), not by suppressing
// events outright — an IGNORE mask would also hide other processes'
// attempts to open the store, defeating the required deny-on-foreign-access
// behavior.
func (d *Detector) Start() error {
	if err := d.client.MarkMount(d.cfg.TrackedMask); err != nil {
		return err
	}
	if err := d.client.IgnorePath(^uint64(0), d.cfg.LogPath); err != nil {
		d.log.Warn("detector.start", "failed to ignore-mark log path: "+err.Error())
	}
	d.state = Running
	return nil
}

// Run executes the per-tick algorithm until a Stopped wait result or a
// fatal error occurs, then releases resources and transitions to Stopped.
// The returned error is nil on a clean stop.
func (d *Detector) Run() error {
	for d.state == Running {
		if err := d.tick(); err != nil {
			d.state = Stopping
			d.shutdown()
			d.state = Stopped
			return err
		}
	}
	d.shutdown()
	d.state = Stopped
	return nil
}

func (d *Detector) shutdown() {
	d.pool.Close()
	if err := d.client.Close(); err != nil {
		d.log.Warn("detector.shutdown", "close notification group: "+err.Error())
	}
}

// tick runs one iteration of the orchestrator's main loop.
func (d *Detector) tick() error {
	// 1. Block in wait.
	result, err := d.client.Wait()
	if err != nil {
		return err
	}
	if result == fanotify.Stopped {
		d.state = Stopping
		return nil
	}

	now := d.now()

	// 2. expire(now) on the tracker. Must precede suspicious() in this
	// tick.
	d.tracker.Expire(now)

	// 3. readBatch. If empty, continue.
	batch, err := d.client.ReadBatch()
	if err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}

	// 4. Classify and dispatch each event in the batch.
	for {
		raw, ok, err := batch.Next()
		if err != nil {
			if errors.Is(err, fanotify.ErrOverflow) {
				return OverflowError
			}
			return err
		}
		if !ok {
			break
		}
		if raw.Version != ExpectedMetadataVersion {
			return &ProtocolError{Got: raw.Version, Want: ExpectedMetadataVersion}
		}
		d.log.Debug("detector.tick", fmt.Sprintf("raw event: mask=%#x pid=%d fd=%d", raw.Mask, raw.PID, raw.Fd))
		d.classify(raw, now)
	}

	// 5. suspects = tracker.suspicious(); enforce.
	for _, pid := range d.tracker.Suspicious() {
		d.enforce(pid)
	}

	return nil
}

// classify expands one RawEvent into Records and applies per-bit handling,
// then closes the event's descriptor exactly once.
func (d *Detector) classify(raw fanotify.RawEvent, now time.Time) {
	path, pathErr := procctl.ResolvePath(raw.Fd)
	records := fanotify.Classify(raw, d.cfg.TrackedMask, d.selfPID)

	for _, rec := range records {
		if rec.Permission {
			d.respond(rec, path, pathErr)
		}
		if rec.SelfOrigin {
			continue
		}
		if pathErr != nil {
			d.log.Warn("detector.classify", fmt.Sprintf("resolve path for fd %d: %s", rec.Fd, pathErr.Error()))
			continue
		}
		if path == d.store.Path() {
			continue
		}

		switch {
		case rec.Kind == fanotify.KindOpen:
			pid := rec.PID
			p := path
			d.pool.Submit("addFile", func() {
				if err := d.store.AddFile(p, pid); err != nil {
					d.log.Warn("detector.store", "addFile: "+err.Error())
				}
			})
		case rec.Bit == fanotify.CloseNoWrite:
			p := path
			d.pool.Submit("deleteFile", func() {
				if err := d.store.DeleteFile(p); err != nil {
					d.log.Warn("detector.store", "deleteFile: "+err.Error())
				}
			})
		case rec.Kind == fanotify.KindRead:
			d.tracker.Record(rec.PID, tracker.Read, now)
		case rec.Kind == fanotify.KindWrite:
			d.tracker.Record(rec.PID, tracker.Write, now)
		}
	}

	if err := closeEventFd(raw.Fd); err != nil {
		d.log.Warn("detector.classify", fmt.Sprintf("close fd %d: %s", raw.Fd, err.Error()))
	}
}

// respond issues the synchronous allow/deny verdict a permission-kind
// record requires, denying permission-kind events against the store's own
// path from any PID but the detector's own. A path-resolution failure does
// not excuse a missing verdict — the kernel would otherwise hang the
// requester — so an unresolved path is denied defensively.
func (d *Detector) respond(rec fanotify.Record, path string, pathErr error) {
	var verdictErr error
	deny := pathErr != nil || (path == d.store.Path() && rec.PID != d.selfPID)
	if deny {
		verdictErr = d.client.Deny(int32(rec.Fd))
	} else {
		verdictErr = d.client.Allow(int32(rec.Fd))
	}
	if verdictErr != nil {
		d.log.Error("detector.respond", "failed to write permission verdict: "+verdictErr.Error())
	}
}

// enforce applies the response policy to a single suspicious PID:
// whitelist clearance, kill, forget, restoration.
func (d *Detector) enforce(pid int) {
	exe, err := procctl.ExePath(pid)
	if err == nil && d.whitelist.Contains(exe) {
		d.log.Info("detector.enforce", fmt.Sprintf("pid %d whitelisted (%s), not killed", pid, exe))
		d.tracker.Forget(pid)
		return
	}

	if err := procctl.Kill(pid); err != nil {
		d.log.Error("detector.enforce", fmt.Sprintf("kill pid %d: %s", pid, err.Error()))
	} else {
		d.log.Info("detector.enforce", fmt.Sprintf("terminated pid %d", pid))
	}
	d.tracker.Forget(pid)

	d.pool.Submit("restore", func() {
		paths, err := d.store.FilesOpenedBy(pid)
		if err != nil {
			d.log.Warn("detector.restore", "filesOpenedBy: "+err.Error())
			return
		}
		for _, p := range paths {
			if err := d.store.Restore(p); err != nil {
				d.log.Warn("detector.restore", fmt.Sprintf("restore %s: %s", p, err.Error()))
				continue
			}
			d.log.Info("detector.restore", fmt.Sprintf("restored %s", p))
		}
	})
}
