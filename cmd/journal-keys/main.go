package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath     string
	walletAddress  string
	platformUserID string
	anonymousID    string
	passwordFlag   string
	printMetrics   bool
)

var rootCmd = &cobra.Command{
	Use:   "journal-keys",
	Short: "Seal, open and migrate private journal entries",
	Long: `journal-keys manages the encryption keys of a private journal.

Entries are sealed for the strongest identity of the session (an unlocked
password, then platform account, then wallet, then anonymous device id).
Public entries are readable by anyone.

Identity flags describe the session:
  --wallet, --platform-user, --anon-id

A password can be passed with --password or JOURNAL_PASSWORD.`,
	Version:       fmt.Sprintf("%s (commit=%s build_date=%s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "path to journal.yaml (optional)")
	flags.StringVar(&walletAddress, "wallet", "", "wallet address of the session")
	flags.StringVar(&platformUserID, "platform-user", "", "platform user id of the session")
	flags.StringVar(&anonymousID, "anon-id", "", "anonymous device id of the session")
	flags.StringVar(&passwordFlag, "password", "", "journal password (defaults to $JOURNAL_PASSWORD)")
	flags.BoolVar(&printMetrics, "metrics", false, "print collected metrics after the command")

	rootCmd.AddCommand(putCmd, getCmd, listCmd, removeCmd)
	rootCmd.AddCommand(passwordCmd, migrateCmd, anonIDCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("✗")+" "+err.Error())
		if hint := guidance(err); hint != "" {
			fmt.Fprintln(os.Stderr, color.CyanString("→")+" "+hint)
		}
		stop()
		os.Exit(1)
	}
}
