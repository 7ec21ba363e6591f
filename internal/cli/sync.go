// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"github.com/spf13/cobra"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and print its report",
		Long: `Run a single sync cycle against the configured partner.

The cycle report is printed as JSON. A cycle that ends in error still prints
its report before the command fails. If another cycle holds the site lock the
report is marked skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			driver, err := a.newDriver()
			if err != nil {
				return err
			}
			report, cycleErr := driver.Trigger(cmd.Context())
			if report != nil {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}
			return cycleErr
		},
	}
}
