/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_jukebox/internal/result"
	"github.com/friendsincode/grimnir_jukebox/internal/supervisor"
)

var doctorTimeout time.Duration

func init() {
	doctorCmd.Flags().DurationVar(&doctorTimeout, "timeout", 20*time.Second, "overall time limit for the checks")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
	defer cancel()

	sup := supervisor.New(supervisor.Config{
		PlayerBinary:    cfg.PlayerBinary,
		ExtractorBinary: cfg.ExtractorBinary,
	}, nil, logger)
	defer func() { _ = sup.Shutdown(context.Background()) }()

	out := cmd.OutOrStdout()
	deps, err := sup.CheckDependencies(ctx)
	if err != nil {
		fmt.Fprintf(out, "FAIL  %s\n", result.From(err).Message)
		return fmt.Errorf("dependency check failed: %s", result.CodeOf(err))
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPATH\tVERSION")
	for _, d := range deps {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.Name, d.Path, d.Version)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if err := (supervisor.PlayerOptions{SocketPath: cfg.SocketPath, Volume: cfg.InitialVolume, AudioDevice: cfg.AudioDevice}).Validate(); err != nil {
		fmt.Fprintf(out, "FAIL  %s\n", result.From(err).Message)
		return fmt.Errorf("player options invalid: %s", result.CodeOf(err))
	}
	fmt.Fprintln(out, "OK    player options valid")
	return nil
}
