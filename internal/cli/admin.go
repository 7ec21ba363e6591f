// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mobiletoly/go-sitesync/central"
	"github.com/mobiletoly/go-sitesync/syncmodel"
)

// NewResetCursorCommand creates the reset-cursor command.
func NewResetCursorCommand(rootOpts *RootOptions) *cobra.Command {
	var partnerID string

	cmd := &cobra.Command{
		Use:   "reset-cursor <pull|push> <position>",
		Short: "Move a sync cursor, backwards included",
		Long: `Set the pull or push cursor of a partner to an explicit position.

This is the only way to move a cursor backwards, e.g. to re-pull history
after restoring a backup. The partner defaults to sync.partner_id.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := syncmodel.Direction(args[0])
			if direction != syncmodel.DirectionPull && direction != syncmodel.DirectionPush {
				return fmt.Errorf("invalid direction %q: must be pull or push", args[0])
			}
			position, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || position < 0 {
				return fmt.Errorf("invalid position %q", args[1])
			}

			a, err := openApp(cmd.Context(), rootOpts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if partnerID == "" {
				partnerID = a.cfg.Sync.PartnerID
			}
			if err := a.store.ResetCursor(cmd.Context(), direction, partnerID, position); err != nil {
				return err
			}
			a.logger.Info("Cursor reset", "direction", direction, "partner_id", partnerID, "position", position)
			return nil
		},
	}

	cmd.Flags().StringVar(&partnerID, "partner", "", "partner id (default sync.partner_id)")
	return cmd
}

// NewBufferFailuresCommand creates the buffer-failures command.
func NewBufferFailuresCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "buffer-failures",
		Short: "List buffered records that failed to integrate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			failures, err := a.store.BufferFailures(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if failures == nil {
				failures = []syncmodel.BufferRow{}
			}
			return printJSON(cmd.OutOrStdout(), failures)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of rows")
	return cmd
}

// NewRegisterSiteCommand creates the register-site command.
func NewRegisterSiteCommand(rootOpts *RootOptions) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "register-site <site-id> <name>",
		Short: "Register a remote site on the central server",
		Long: `Create or update the credentials of a remote site.

Re-registering a site clears its hardware binding, so the next machine that
authenticates with the new password becomes the bound one.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			siteID, err := strconv.ParseInt(args[0], 10, 32)
			if err != nil || siteID <= 0 {
				return fmt.Errorf("invalid site id %q", args[0])
			}

			a, err := openApp(cmd.Context(), rootOpts, nil)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.Role != "central" {
				return errors.New("register-site requires role central")
			}

			sites, err := central.NewSiteRegistry(cmd.Context(), a.store, a.cfg.Central.BcryptCost, a.logger)
			if err != nil {
				return err
			}
			site, err := sites.Register(cmd.Context(), int32(siteID), args[1], password)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), site)
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "site password (required)")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		operator string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for the central admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if cfg.Role != "central" {
				return errors.New("token requires role central")
			}
			token, err := central.NewAdminAuth(cfg.Central.JWTSecret, logger).GenerateToken(operator, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&operator, "operator", "", "operator id recorded as the token subject (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}
