package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	newPassword string
	hintFlag    string
)

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Set up, check and reset the journal password",
}

var passwordSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configure a password and move existing private entries to it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pw := newPassword
		if pw == "" {
			pw = password()
		}
		ctx, out := cmd.Context(), cmd.OutOrStdout()
		return withApp(ctx, out, func(a *app) error {
			cfg, res, err := a.svc.SetupPassword(ctx, session(), pw, hintFlag)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Password configured for %s (v%d)\n", color.GreenString("✓"), color.CyanString(cfg.Context), cfg.Version)
			printResult(out, res)
			return nil
		})
	},
}

var passwordCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the password without touching entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, out := cmd.Context(), cmd.OutOrStdout()
		return withApp(ctx, out, func(a *app) error {
			if password() == "" {
				return errors.New("no password given")
			}
			if err := a.svc.UnlockPassword(ctx, session(), password()); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Password accepted\n", color.GreenString("✓"))
			return nil
		})
	},
}

var passwordHintCmd = &cobra.Command{
	Use:   "hint",
	Short: "Show the password hint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, out := cmd.Context(), cmd.OutOrStdout()
		return withApp(ctx, out, func(a *app) error {
			hint, err := a.svc.PasswordHint(ctx, session())
			if err != nil {
				return err
			}
			if hint == "" {
				fmt.Fprintln(out, color.HiBlackString("(no hint)"))
				return nil
			}
			fmt.Fprintln(out, hint)
			return nil
		})
	},
}

var passwordResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Re-seal every private entry under a new password",
	Long: `Reset verifies the current password (--password or JOURNAL_PASSWORD),
re-seals every private entry of the session owner with --new and switches the
password only if every entry was migrated. On failure nothing changes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if newPassword == "" {
			return errors.New("--new is required")
		}
		ctx, out := cmd.Context(), cmd.OutOrStdout()
		return withApp(ctx, out, func(a *app) error {
			res, err := a.svc.ResetPassword(ctx, session(), password(), newPassword)
			printResult(out, res)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s Password changed\n", color.GreenString("✓"))
			return nil
		})
	},
}

func init() {
	passwordSetupCmd.Flags().StringVar(&newPassword, "new", "", "password to configure (defaults to --password)")
	passwordSetupCmd.Flags().StringVar(&hintFlag, "hint", "", "optional password hint")
	passwordResetCmd.Flags().StringVar(&newPassword, "new", "", "new password")

	passwordCmd.AddCommand(passwordSetupCmd, passwordCheckCmd, passwordHintCmd, passwordResetCmd)
}
