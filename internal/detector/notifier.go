package detector

import "github.com/ransomguard/sentinel/internal/fanotify"

// NotifierClient is the narrow surface the orchestrator needs from a
// notification client. Declaring it here, rather than consuming
// *fanotify.Client directly, lets tests drive scripted event scenarios
// against a fake — no CAP_SYS_ADMIN or real kernel mount needed.
type NotifierClient interface {
	MarkMount(mask uint64) error
	IgnorePath(mask uint64, path string) error
	Wait() (fanotify.WaitResult, error)
	ReadBatch() (*fanotify.EventBatch, error)
	Allow(fd int32) error
	Deny(fd int32) error
	Close() error
}
