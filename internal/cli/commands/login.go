package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/worksheet-dev/worksheet/internal/cli/userconfig"
	"github.com/worksheet-dev/worksheet/internal/session"
)

type loginOptions struct {
	email       string
	password    string
	usePassword bool
	token       string
	redirect    string
}

// NewLoginCmd creates the login command
func NewLoginCmd() *cobra.Command {
	var opts loginOptions

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with an email link or a password",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return runLogin(cmd.Context(), a, cmd.InOrStdin(), opts)
		}),
	}

	cmd.Flags().StringVar(&opts.email, "email", "", "Email address (or set WORKSHEET_EMAIL)")
	cmd.Flags().StringVar(&opts.password, "password", "", "Password (or set WORKSHEET_PASSWORD, will prompt with --use-password)")
	cmd.Flags().BoolVar(&opts.usePassword, "use-password", false, "Sign in with a password instead of an email link")
	cmd.Flags().StringVar(&opts.token, "token", "", "Code from an email link requested earlier")
	cmd.Flags().StringVar(&opts.redirect, "redirect", "", "Path to continue at after signing in")

	return cmd
}

// NewVerifyCmd creates the verify command
func NewVerifyCmd() *cobra.Command {
	var checkout bool

	cmd := &cobra.Command{
		Use:   "verify <code>",
		Short: "Finish signing in with the code from an email link",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return runVerify(cmd.Context(), a, args[0], checkout)
		}),
	}

	cmd.Flags().BoolVar(&checkout, "checkout", false, "The code came from a completed checkout")

	return cmd
}

func runLogin(ctx context.Context, a *app, in io.Reader, opts loginOptions) error {
	// Check for environment variables (useful for CI/CD)
	if opts.email == "" {
		opts.email = os.Getenv("WORKSHEET_EMAIL")
	}
	if opts.password == "" {
		opts.password = os.Getenv("WORKSHEET_PASSWORD")
	}
	if opts.email == "" {
		opts.email = rememberedEmail()
	}
	if opts.email == "" {
		return fmt.Errorf("email is required (use --email flag or WORKSHEET_EMAIL env var)")
	}

	if opts.redirect != "" {
		a.manager.SetRedirectPath(opts.redirect)
	}

	if opts.usePassword || opts.password != "" {
		password := opts.password
		if password == "" {
			if !isTerminal(in) {
				return fmt.Errorf("password is required in non-interactive mode (use --password flag or WORKSHEET_PASSWORD env var)")
			}
			var err error
			if password, err = readPassword(in, a.out, "Password: "); err != nil {
				return err
			}
		}
		return passwordLogin(ctx, a, opts.email, password)
	}

	return magicLinkLogin(ctx, a, in, opts.email, opts.token)
}

func runVerify(ctx context.Context, a *app, code string, checkout bool) error {
	verify := a.manager.VerifyLoginToken
	if checkout {
		verify = a.manager.VerifyCheckoutToken
	}

	res, err := verify(ctx, strings.TrimSpace(code))
	if err != nil {
		return fmt.Errorf("sign-in failed: %w", err)
	}
	printLogin(a, res)
	return nil
}

// magicLinkLogin requests a link and, when a code is at hand or can be typed in,
// finishes the sign-in
func magicLinkLogin(ctx context.Context, a *app, in io.Reader, email, code string) error {
	if code == "" {
		if err := a.manager.RequestMagicLink(ctx, email); err != nil {
			return fmt.Errorf("failed to request sign-in link: %w", err)
		}
		a.printf("✓ If %s can sign in, a link is on its way.\n", email)
		_ = userconfig.RememberEmail(email)

		if !isTerminal(in) {
			a.printf("  Then run: worksheet verify <code>\n")
			return nil
		}

		var err error
		if code, err = readLine(in, a.out, "Code from the email: "); err != nil {
			return err
		}
	}

	return runVerify(ctx, a, code, false)
}

func passwordLogin(ctx context.Context, a *app, email, password string) error {
	a.printf("Signing in to %s...\n", a.client.BaseURL())

	res, err := a.manager.LoginWithPassword(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	printLogin(a, res)
	return nil
}

func printLogin(a *app, res *session.LoginResult) {
	a.printf("✓ Signed in as %s\n", res.Email)
	a.printf("  Plan: %s\n", planName(res.IsPro))
	if res.RedirectPath != "" {
		a.printf("  Continue at: %s\n", res.RedirectPath)
	}
	if res.Replayed && res.ReplayErr != nil {
		a.printf("  Resumed the pending action, which failed: %v\n", res.ReplayErr)
	}
	if err := userconfig.RememberEmail(res.Email); err != nil {
		a.logger.Debug().Err(err).Msg("Failed to remember email")
	}
}

func planName(pro bool) string {
	if pro {
		return "Pro"
	}
	return "Free"
}

func rememberedEmail() string {
	return userconfig.LastEmail()
}

func isTerminal(in io.Reader) bool {
	f, ok := in.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// readPassword reads a secret without echo on a terminal, or one line otherwise
func readPassword(in io.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out) // New line after password input
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}
	return scanLine(in)
}

func readLine(in io.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	return scanLine(in)
}

// scanLine reads up to a newline one byte at a time so nothing past the line is
// consumed
func scanLine(in io.Reader) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				break
			}
			sb.WriteByte(buf[0])
		}
		if err == io.EOF {
			if sb.Len() == 0 {
				return "", io.ErrUnexpectedEOF
			}
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
