package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/worksheet-dev/worksheet/internal/cli/commands"
)

var version = "dev" // Will be set during build

// NewRootCmd builds the worksheet command tree
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "worksheet",
		Short: "Worksheet - account and export tools",
		Long: `Worksheet CLI - Sign in, manage your devices and export worksheets.

Credentials are kept in the configured auth store (sqlite by default) and
shared by every worksheet process on this machine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "worksheet version %s\n", version)
		},
	})

	// Add all subcommands
	rootCmd.AddCommand(commands.NewLoginCmd())
	rootCmd.AddCommand(commands.NewVerifyCmd())
	rootCmd.AddCommand(commands.NewLogoutCmd())
	rootCmd.AddCommand(commands.NewWhoamiCmd())
	rootCmd.AddCommand(commands.NewSessionsCmd())
	rootCmd.AddCommand(commands.NewPasswordCmd())
	rootCmd.AddCommand(commands.NewExportCmd())
	rootCmd.AddCommand(commands.NewUpgradeCmd())
	rootCmd.AddCommand(commands.NewWatchCmd())

	return rootCmd
}

// Execute runs the root command until it finishes or the process is interrupted
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}
