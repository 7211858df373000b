package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/worksheet-dev/worksheet/internal/authstate"
	"github.com/worksheet-dev/worksheet/internal/identity"
	"github.com/worksheet-dev/worksheet/internal/session"
)

// NewLogoutCmd creates the logout command
func NewLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out on this device",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return runLogout(cmd.Context(), a)
		}),
	}
}

func runLogout(ctx context.Context, a *app) error {
	if !a.state.Current().LoggedIn() {
		a.printf("Not signed in.\n")
		return nil
	}
	if err := a.manager.Logout(ctx); err != nil {
		return err
	}
	a.printf("✓ Signed out\n")
	return nil
}

// NewWhoamiCmd creates the whoami command
func NewWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "whoami",
		Aliases: []string{"status"},
		Short:   "Show the signed-in account",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return runWhoami(cmd.Context(), a)
		}),
	}
}

func runWhoami(ctx context.Context, a *app) error {
	if !a.state.Current().LoggedIn() {
		a.printf("Not signed in.\n")
		return nil
	}

	err := a.manager.ValidateSession(ctx, session.ValidateOptions{})
	switch {
	case errors.Is(err, identity.ErrSessionExpired):
		return nil
	case errors.Is(err, identity.ErrNetwork):
		a.printf("(offline, showing the last known account)\n")
	case err != nil:
		return fmt.Errorf("failed to check session: %w", err)
	}

	state := a.state.Current()
	a.printf("Email:  %s\n", state.UserEmail)
	a.printf("Plan:   %s\n", planName(state.IsPro))
	a.printf("Status: %s\n", a.manager.Status())
	if id, ok := a.store.Get(authstate.KeySessionID); ok {
		a.printf("Session: %s\n", id)
	}
	if id, ok := a.manager.PendingPayment(); ok {
		a.printf("Checkout %s is awaiting payment (worksheet upgrade --resume)\n", id)
	}
	return nil
}

// NewSessionsCmd creates the sessions command and its evict subcommand
func NewSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List the devices signed in to your account",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return runSessions(cmd.Context(), a)
		}),
	}

	cmd.AddCommand(&cobra.Command{
		Use:     "evict <session-id>",
		Aliases: []string{"revoke"},
		Short:   "Sign out another device",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return runEvict(cmd.Context(), a, args[0])
		}),
	})

	return cmd
}

func runSessions(ctx context.Context, a *app) error {
	sessions, err := a.manager.ListSessions(ctx)
	if errors.Is(err, session.ErrNotLoggedIn) {
		a.printf("Not signed in.\n")
		return nil
	}
	if err != nil {
		return err
	}

	writeSessions(a.out, sessions)
	return nil
}

func writeSessions(out io.Writer, sessions []identity.DeviceSession) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tCLIENT\tLAST USED\t")
	fmt.Fprintln(w, "──\t──────\t──────\t─────────\t")

	for _, s := range sessions {
		marker := ""
		if s.Current {
			marker = "(this device)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%s\n",
			s.SessionID,
			s.DeviceType,
			s.Browser,
			s.OS,
			s.LastUsedAt.Local().Format(time.DateTime),
			marker,
		)
	}

	w.Flush()
}

func runEvict(ctx context.Context, a *app, sessionID string) error {
	err := a.manager.EvictSession(ctx, sessionID)
	if errors.Is(err, session.ErrCannotEvictCurrent) {
		return fmt.Errorf("%w (use 'worksheet logout' instead)", err)
	}
	if err != nil {
		return fmt.Errorf("failed to evict session: %w", err)
	}
	a.printf("✓ Session %s signed out\n", sessionID)
	return nil
}

// NewPasswordCmd creates the password command group
func NewPasswordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Set or reset your password",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Set a password for the signed-in account",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return runSetPassword(cmd.Context(), a, cmd.InOrStdin())
		}),
	})

	var email, token string
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Email a reset link, or with --token choose a new password",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if token != "" {
				return runConfirmReset(cmd.Context(), a, cmd.InOrStdin(), token)
			}
			return runRequestReset(cmd.Context(), a, email)
		}),
	}
	reset.Flags().StringVar(&email, "email", "", "Account email")
	reset.Flags().StringVar(&token, "token", "", "Code from the reset email")
	cmd.AddCommand(reset)

	return cmd
}

func runSetPassword(ctx context.Context, a *app, in io.Reader) error {
	password, err := readPassword(in, a.out, "New password: ")
	if err != nil {
		return err
	}
	if err := a.manager.SetPassword(ctx, password); err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	a.printf("✓ Password set\n")
	return nil
}

func runRequestReset(ctx context.Context, a *app, email string) error {
	if email == "" {
		email = a.state.Current().UserEmail
	}
	if email == "" {
		email = rememberedEmail()
	}
	if email == "" {
		return fmt.Errorf("email is required (use --email flag)")
	}

	if err := a.manager.RequestPasswordReset(ctx, email); err != nil {
		return fmt.Errorf("failed to request password reset: %w", err)
	}
	a.printf("✓ If %s has an account, a reset link is on its way.\n", email)
	a.printf("  Then run: worksheet password reset --token <code>\n")
	return nil
}

func runConfirmReset(ctx context.Context, a *app, in io.Reader, token string) error {
	password, err := readPassword(in, a.out, "New password: ")
	if err != nil {
		return err
	}
	if err := a.manager.ConfirmPasswordReset(ctx, token, password); err != nil {
		return fmt.Errorf("failed to reset password: %w", err)
	}
	a.printf("✓ Password changed. Every device has been signed out.\n")
	return nil
}
