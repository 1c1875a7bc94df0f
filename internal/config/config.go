// Package config implements a JSON document loader producing a
// fully-populated Config, validating required fields by checking presence
// against the raw object before any typed decode, via Go's
// map[string]json.RawMessage + ok-idiom.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ConfigError wraps a missing required field or an unrecognized symbolic
// flag name.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %s", e.Field, e.Err.Error())
	}
	return fmt.Sprintf("config: missing required field %q", e.Field)
}
func (e *ConfigError) Unwrap() error { return e.Err }

// Config is the fully-resolved runtime configuration.
type Config struct {
	NotificationGroupFlags uint
	EventOpenFlags         uint
	TrackedMask            uint64
	ReadSuspect            int
	WriteSuspect           int
	FileIOMaxAge           time.Duration
	LogPath                string
	Whitelist              []string
}

// mandatoryMask is {read, read-permission, write}, always tracked regardless
// of event_track's configured additions.
const mandatoryMask = unix.FAN_ACCESS | unix.FAN_ACCESS_PERM | unix.FAN_MODIFY

var fanotifyFlagNames = map[string]uint{
	"FAN_CLASS_NOTIF":  unix.FAN_CLASS_NOTIF,
	"FAN_CLASS_CONTENT": unix.FAN_CLASS_CONTENT,
	"FAN_CLASS_PRE_CONTENT": unix.FAN_CLASS_PRE_CONTENT,
	"FAN_CLOEXEC":      unix.FAN_CLOEXEC,
	"FAN_NONBLOCK":     unix.FAN_NONBLOCK,
	"FAN_UNLIMITED_QUEUE": unix.FAN_UNLIMITED_QUEUE,
	"FAN_UNLIMITED_MARKS": unix.FAN_UNLIMITED_MARKS,
	"FAN_ENABLE_AUDIT": unix.FAN_ENABLE_AUDIT,
}

var eventFlagNames = map[string]uint{
	"O_RDONLY":   uint(os.O_RDONLY),
	"O_WRONLY":   uint(os.O_WRONLY),
	"O_RDWR":     uint(os.O_RDWR),
	"O_LARGEFILE": unix.O_LARGEFILE,
	"O_CLOEXEC":  uint(os.O_CLOEXEC),
	"O_NOATIME":  unix.O_NOATIME,
}

var eventTrackNames = map[string]uint64{
	"read":            unix.FAN_ACCESS,
	"read-permission": unix.FAN_ACCESS_PERM,
	"write":           unix.FAN_MODIFY,
	"open":            unix.FAN_OPEN,
	"open-permission": unix.FAN_OPEN_PERM,
	"open-exec":       unix.FAN_OPEN_EXEC,
	"close":           unix.FAN_CLOSE,
	"close-write":     unix.FAN_CLOSE_WRITE,
	"close-nowrite":   unix.FAN_CLOSE_NOWRITE,
}

// Default returns the built-in defaults used when no config file is given.
func Default() Config {
	return Config{
		NotificationGroupFlags: unix.FAN_CLASS_CONTENT | unix.FAN_CLOEXEC | unix.FAN_NONBLOCK,
		EventOpenFlags:         uint(os.O_RDONLY) | unix.O_LARGEFILE,
		TrackedMask:            mandatoryMask,
		ReadSuspect:            300,
		WriteSuspect:           300,
		FileIOMaxAge:           150 * time.Millisecond,
		LogPath:                "/var/log/sentinel.log",
		Whitelist:              nil,
	}
}

// fields mirrors the JSON document's schema. All keys are required,
// including white_list, though its array value may be empty.
type fields struct {
	LogFilePath      *string  `json:"log_file_path"`
	EventReadSuspect *int     `json:"event_read_suspect"`
	EventWriteSuspect *int    `json:"event_write_suspect"`
	EventLifetimeMs  *int64   `json:"event_lifetime_ms"`
	FanotifyFlags    []string `json:"fanotify_flags"`
	EventFlags       []string `json:"event_flags"`
	EventTrack       []string `json:"event_track"`
	WhiteList        []string `json:"white_list"`
}

var requiredKeys = []string{
	"log_file_path",
	"event_read_suspect",
	"event_write_suspect",
	"event_lifetime_ms",
	"fanotify_flags",
	"event_flags",
	"event_track",
	"white_list",
}

// Load reads and validates the JSON configuration file at path.
// Required-field presence is checked against the raw object first, before
// any typed decode, so a field present but wrongly-typed produces a JSON
// decode error rather than being silently treated as absent.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &ConfigError{Field: path, Err: err}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Config{}, &ConfigError{Field: path, Err: err}
	}
	for _, key := range requiredKeys {
		if _, ok := obj[key]; !ok {
			return Config{}, &ConfigError{Field: key}
		}
	}

	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return Config{}, &ConfigError{Field: path, Err: err}
	}

	groupFlags, err := resolveFlags(f.FanotifyFlags, fanotifyFlagNames)
	if err != nil {
		return Config{}, err
	}
	openFlags, err := resolveFlags(f.EventFlags, eventFlagNames)
	if err != nil {
		return Config{}, err
	}
	mask := uint64(mandatoryMask)
	for _, name := range f.EventTrack {
		bit, ok := eventTrackNames[name]
		if !ok {
			return Config{}, &ConfigError{Field: "event_track", Err: fmt.Errorf("unknown event kind %q", name)}
		}
		mask |= bit
	}

	return Config{
		NotificationGroupFlags: groupFlags,
		EventOpenFlags:         openFlags,
		TrackedMask:            mask,
		ReadSuspect:            *f.EventReadSuspect,
		WriteSuspect:           *f.EventWriteSuspect,
		FileIOMaxAge:           time.Duration(*f.EventLifetimeMs) * time.Millisecond,
		LogPath:                *f.LogFilePath,
		Whitelist:              f.WhiteList,
	}, nil
}

func resolveFlags(names []string, table map[string]uint) (uint, error) {
	var out uint
	for _, name := range names {
		bit, ok := table[name]
		if !ok {
			return 0, &ConfigError{Field: name, Err: fmt.Errorf("unknown flag name %q", name)}
		}
		out |= bit
	}
	return out, nil
}
