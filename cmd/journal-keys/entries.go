package main

import (
	"fmt"
	"io"
	"strings"

	"private-journal/go-backend/internal/identity"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	entryID     string
	entryPublic bool
)

var putCmd = &cobra.Command{
	Use:   "put [text]",
	Short: "Seal an entry (reads stdin when no text is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var text []byte
		if len(args) == 1 {
			text = []byte(args[0])
		} else {
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			text = b
		}
		defer identity.WipeBytes(text)

		ctx, out := cmd.Context(), cmd.OutOrStdout()
		return withApp(ctx, out, func(a *app) error {
			s := session()
			if err := a.unlock(ctx, s); err != nil {
				return err
			}
			rec, err := a.svc.SaveEntry(ctx, s, entryID, text, entryPublic)
			if err != nil {
				return err
			}
			kind := "private"
			if rec.Public {
				kind = "public"
			}
			fmt.Fprintf(out, "%s Saved %s entry %s\n", color.GreenString("✓"), kind, color.CyanString(rec.ID))
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Decrypt and print an entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, out := cmd.Context(), cmd.OutOrStdout()
		return withApp(ctx, out, func(a *app) error {
			s := session()
			if err := a.unlock(ctx, s); err != nil {
				return err
			}
			plaintext, _, err := a.svc.LoadEntry(ctx, s, args[0])
			if err != nil {
				return err
			}
			defer identity.WipeBytes(plaintext)
			_, err = out.Write(plaintext)
			if err == nil && (len(plaintext) == 0 || plaintext[len(plaintext)-1] != '\n') {
				_, err = io.WriteString(out, "\n")
			}
			return err
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the entries of the session owner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, out := cmd.Context(), cmd.OutOrStdout()
		return withApp(ctx, out, func(a *app) error {
			recs, err := a.svc.ListEntries(ctx, session())
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(out, color.HiBlackString("(no entries)"))
				return nil
			}
			for _, rec := range recs {
				version := "?"
				if env, err := a.svc.Codec().Parse(rec.Blob); err == nil {
					version = fmt.Sprintf("v%d %s", env.Version, env.KDF)
				}
				flags := []string{version}
				if rec.Public {
					flags = append(flags, "public")
				}
				fmt.Fprintf(out, "%s  %s  %s\n", color.CyanString(rec.ID),
					rec.UpdatedAt.Format("2006-01-02 15:04:05"), color.HiBlackString(strings.Join(flags, ", ")))
			}
			return nil
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete an entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, out := cmd.Context(), cmd.OutOrStdout()
		return withApp(ctx, out, func(a *app) error {
			ok, err := a.svc.DeleteEntry(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(out, "%s No entry %s\n", color.YellowString("!"), args[0])
				return nil
			}
			fmt.Fprintf(out, "%s Deleted %s\n", color.GreenString("✓"), args[0])
			return nil
		})
	},
}

var anonIDCmd = &cobra.Command{
	Use:   "anon-id",
	Short: "Generate a new anonymous device id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := identity.NewAnonymousID()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

func init() {
	putCmd.Flags().StringVar(&entryID, "id", "", "entry id (a new uuid when empty)")
	putCmd.Flags().BoolVar(&entryPublic, "public", false, "seal with the public key")
}
