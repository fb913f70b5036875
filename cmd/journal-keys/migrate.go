package main

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"private-journal/go-backend/internal/migration"
	"private-journal/go-backend/pkg/models"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var fromAnonID string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Move entries between keys and envelope versions",
}

var migrateUpgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Re-seal the session's entries at the current envelope version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, out := cmd.Context(), cmd.OutOrStdout()
		return withApp(ctx, out, func(a *app) error {
			s := session()
			if err := a.unlock(ctx, s); err != nil {
				return err
			}
			res, err := a.svc.UpgradeVersion(ctx, s)
			printResult(out, res)
			return err
		})
	},
}

var migrateAdoptCmd = &cobra.Command{
	Use:   "adopt",
	Short: "Move entries written anonymously on this device to the logged-in identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if fromAnonID == "" {
			return errors.New("--from-anon is required")
		}
		ctx, out := cmd.Context(), cmd.OutOrStdout()
		return withApp(ctx, out, func(a *app) error {
			to := session()
			if err := a.unlock(ctx, to); err != nil {
				return err
			}
			res, err := a.svc.AdoptIdentity(ctx, models.Session{AnonymousID: fromAnonID}, to)
			printResult(out, res)
			return err
		})
	},
}

func printResult(out io.Writer, res migration.Result) {
	if res.Total == 0 {
		return
	}
	mark := color.GreenString("✓")
	if !res.Complete() {
		mark = color.YellowString("!")
	}
	fmt.Fprintf(out, "%s Migrated %d of %d entries %s\n", mark, res.Migrated, res.Total, color.HiBlackString("(run "+res.RunID+")"))
	ids := make([]string, 0, len(res.Errors))
	for id := range res.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(out, "  %s %s: %v\n", color.RedString("✗"), id, res.Errors[id])
	}
	if len(res.Skipped) > 0 {
		fmt.Fprintf(out, "  %s %d entries not processed\n", color.YellowString("!"), len(res.Skipped))
	}
}

func init() {
	migrateAdoptCmd.Flags().StringVar(&fromAnonID, "from-anon", "", "anonymous device id the entries were written with")
	migrateCmd.AddCommand(migrateUpgradeCmd, migrateAdoptCmd)
}
