// Command sentinel is the interactive CLI variant: `sentinel <mount-path>`,
// stop on a newline from standard input, exit 0 on normal stop and non-zero
// with an error line to standard error on fatal failure.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/ransomguard/sentinel/internal/config"
	"github.com/ransomguard/sentinel/internal/detector"
	"github.com/ransomguard/sentinel/internal/fanotify"
	"github.com/ransomguard/sentinel/internal/logtrace"
	"github.com/ransomguard/sentinel/internal/procctl"
	"github.com/ransomguard/sentinel/internal/snapshot"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "sentinel <mount-path>",
		Short: "Interactive ransomware behavior detector",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
		SilenceUsage: true,
	}
	root.Flags().StringVar(&configPath, "config", "/etc/sentinel/config.json", "path to the JSON configuration file")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "raise the file logger's level to debug")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sentinel:", err)
		os.Exit(1)
	}
}

func run(mountPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = config.Default()
		} else {
			return err
		}
	}

	log, err := logtrace.NewFileLogger(cfg.LogPath, verbose)
	if err != nil {
		return err
	}

	store, err := snapshot.Open("/etc/sentinel/snapshots.db")
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := fanotify.New(cfg.NotificationGroupFlags, cfg.EventOpenFlags, mountPath, true)
	if err != nil {
		return err
	}

	whitelist := procctl.NewWhitelist(cfg.Whitelist)

	d := detector.New(client, store, whitelist, log, cfg, os.Getpid())
	if err := d.Start(); err != nil {
		return err
	}

	go client.StopOnNewline()

	if err := d.Run(); err != nil {
		return err
	}
	return nil
}
