// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the sitesync command line.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command for the sitesync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sitesync",
		Short: "Multi-site database synchronisation",
		Long: `sitesync keeps the databases of remote sites and a central server in step.

A remote site pushes its local changes and pulls central data on a schedule.
The central server accepts pushes, serves pulls and exposes an operator API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config (default $SITESYNC_CONFIG)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewResetCursorCommand(opts))
	cmd.AddCommand(NewBufferFailuresCommand(opts))
	cmd.AddCommand(NewRegisterSiteCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}
