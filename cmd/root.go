// Package cmd wires the CLI entry points for cursord.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/promptops/cursord/internal/config"
	"github.com/promptops/cursord/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "cursord",
	Short: "Headless automation server for the cursor-agent CLI",
	Long: `cursord drives the cursor-agent CLI through HTTP-submitted programming
tasks. It supervises worker subprocesses, keeps per-conversation context,
reviews worker output for completion, and delivers results synchronously
or via webhook.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/cursord/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
}

// debugEnabled reports whether debug mode was requested via flag or env.
func debugEnabled() bool {
	return debugFlag || os.Getenv("CURSORD_DEBUG") != ""
}

// initLogging sets up the global logger. CURSORD_LOG selects a file target;
// otherwise log lines go to stderr. Debug mode lowers the level floor.
func initLogging() (func(), error) {
	cleanup := func() {}
	if logPath := os.Getenv("CURSORD_LOG"); logPath != "" {
		c, err := log.Init(logPath)
		if err != nil {
			return nil, err
		}
		cleanup = c
	} else {
		log.InitWithWriter(os.Stderr)
	}
	if debugEnabled() {
		log.SetMinLevel(log.LevelDebug)
	} else {
		log.SetMinLevel(log.LevelInfo)
	}
	return cleanup, nil
}

func loadConfig() (config.Config, error) {
	return config.Load(cfgFile)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
