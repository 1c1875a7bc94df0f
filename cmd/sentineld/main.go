// Command sentineld is the daemon variant: no arguments, mount defaults to
// /, detaches from the controlling terminal, writes /run/sentineld.pid, and
// logs to the system log. Shutdown requires an external termination signal
// (no stop channel).
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/ransomguard/sentinel/internal/config"
	"github.com/ransomguard/sentinel/internal/daemonize"
	"github.com/ransomguard/sentinel/internal/detector"
	"github.com/ransomguard/sentinel/internal/fanotify"
	"github.com/ransomguard/sentinel/internal/logtrace"
	"github.com/ransomguard/sentinel/internal/procctl"
	"github.com/ransomguard/sentinel/internal/snapshot"
)

const (
	defaultMount  = "/"
	configPath    = "/etc/sentinel/config.json"
	storePath     = "/etc/sentinel/snapshots.db"
	pidFilePath   = "/run/sentineld.pid"
)

func main() {
	if err := daemonize.Daemonize(); err != nil {
		fmt.Fprintln(os.Stderr, "sentineld:", err)
		os.Exit(1)
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "sentineld:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = config.Default()
		} else {
			return err
		}
	}

	// Daemon mode ignores log_file_path: logs go to the system log.
	log, err := logtrace.NewSyslogLogger("sentineld")
	if err != nil {
		return err
	}

	if err := daemonize.WritePidFile(pidFilePath); err != nil {
		log.Error("main", "write pidfile: "+err.Error())
		return err
	}
	defer daemonize.RemovePidFile(pidFilePath)

	store, err := snapshot.Open(storePath)
	if err != nil {
		log.Error("main", "open snapshot store: "+err.Error())
		return err
	}
	defer store.Close()

	client, err := fanotify.New(cfg.NotificationGroupFlags, cfg.EventOpenFlags, defaultMount, false)
	if err != nil {
		log.Error("main", "init notification client: "+err.Error())
		return err
	}

	whitelist := procctl.NewWhitelist(cfg.Whitelist)

	d := detector.New(client, store, whitelist, log, cfg, os.Getpid())
	if err := d.Start(); err != nil {
		log.Error("main", "start: "+err.Error())
		return err
	}

	// The daemon has no stop channel: an external termination signal ends
	// the process directly, relying on the OS to reclaim the fanotify fd
	// and mountpoint handle rather than unwinding the loop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Info("main", "received "+sig.String()+", exiting")
		daemonize.RemovePidFile(pidFilePath)
		os.Exit(0)
	}()

	if err := d.Run(); err != nil {
		log.Error("main", "fatal: "+err.Error())
		return err
	}
	return nil
}
