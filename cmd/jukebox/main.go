/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_jukebox/internal/config"
	"github.com/friendsincode/grimnir_jukebox/internal/logbuffer"
	"github.com/friendsincode/grimnir_jukebox/internal/logging"
	"github.com/friendsincode/grimnir_jukebox/internal/version"
)

var (
	logger  zerolog.Logger
	cfg     *config.Config
	logBuf  *logbuffer.Buffer
	autoRun bool
)

var rootCmd = &cobra.Command{
	Use:           "jukebox",
	Short:         "Grimnir Jukebox - shared queue playback engine",
	Long:          "Grimnir Jukebox plays a shared, rate-limited queue of remotely hosted tracks through a supervised local player.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the playback engine and the ops server",
	RunE:  runServe,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the player and extractor executables are usable",
	RunE:  runDoctor,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&autoRun, "autostart", true, "start playback as soon as the engine is up")
	rootCmd.AddCommand(serveCmd, doctorCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logBuf = logbuffer.New(logbuffer.DefaultCapacity)
	logger = logging.SetupWithWriter(cfg.Environment, logbuffer.NewWriter(logBuf, nil))
	if cfg.File != "" {
		logger.Info().Str("file", cfg.File).Msg("configuration file applied")
	}
	return nil
}
