package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/worksheet-dev/worksheet/internal/cli/userconfig"
	"github.com/worksheet-dev/worksheet/internal/identity"
	"github.com/worksheet-dev/worksheet/internal/session"
)

type upgradeOptions struct {
	email  string
	plan   string
	resume bool
	noWait bool
}

// NewUpgradeCmd creates the upgrade command
func NewUpgradeCmd() *cobra.Command {
	var opts upgradeOptions

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Buy Worksheet Pro",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return runUpgrade(cmd.Context(), a, opts)
		}),
	}

	cmd.Flags().StringVar(&opts.email, "email", "", "Account email (defaults to the signed-in account)")
	cmd.Flags().StringVar(&opts.plan, "plan", "", "Billing plan: monthly or yearly")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "Keep waiting for a checkout started earlier")
	cmd.Flags().BoolVar(&opts.noWait, "no-wait", false, "Print the payment link and exit")

	return cmd
}

func runUpgrade(ctx context.Context, a *app, opts upgradeOptions) error {
	if opts.resume {
		return awaitCheckout(ctx, a)
	}

	state := a.state.Current()
	if state.IsPro {
		a.printf("Already on Pro.\n")
		return nil
	}

	email := opts.email
	if email == "" {
		email = state.UserEmail
	}
	if email == "" {
		email = rememberedEmail()
	}
	if email == "" {
		return fmt.Errorf("email is required (use --email flag or sign in first)")
	}

	plan := opts.plan
	if plan == "" {
		plan = userconfig.Plan()
	}

	if !state.LoggedIn() {
		pre, err := a.manager.PreCheckout(ctx, email)
		if err != nil {
			return fmt.Errorf("failed to start checkout: %w", err)
		}
		if pre.IsPro {
			return fmt.Errorf("%s already has Pro, sign in instead", email)
		}
		if pre.AccountExists {
			a.printf("Pro will be added to the existing account %s.\n", email)
		}
	}

	if opts.noWait {
		return startCheckout(ctx, a, email, plan)
	}
	return runCheckout(ctx, a, email, plan)
}

// runCheckout starts a checkout and waits for it to be paid
func runCheckout(ctx context.Context, a *app, email, plan string) error {
	if err := startCheckout(ctx, a, email, plan); err != nil {
		return err
	}
	return awaitCheckout(ctx, a)
}

func startCheckout(ctx context.Context, a *app, email, plan string) error {
	checkout, err := a.manager.StartCheckout(ctx, email, plan)
	if errors.Is(err, identity.ErrDuplicateSubscription) {
		return fmt.Errorf("%s already has Pro, sign in instead", email)
	}
	if err != nil {
		return fmt.Errorf("failed to start checkout: %w", err)
	}
	_ = userconfig.RememberPlan(plan)

	a.printf("Complete your payment at:\n  %s\n", checkout.RedirectURL)
	return nil
}

func awaitCheckout(ctx context.Context, a *app) error {
	a.printf("Waiting for payment...\n")

	res, err := a.manager.AwaitCheckout(ctx)
	switch {
	case errors.Is(err, session.ErrNoPendingCheckout):
		return fmt.Errorf("no checkout in progress, run 'worksheet upgrade' first")
	case errors.Is(err, identity.ErrVerificationTimedOut), errors.Is(err, identity.ErrNetwork):
		a.printf("Payment not confirmed yet. Run 'worksheet upgrade --resume' once it is done.\n")
		return err
	case errors.Is(err, session.ErrCheckoutFailed):
		return fmt.Errorf("payment was not completed, nothing was charged")
	case err != nil:
		return fmt.Errorf("failed to confirm checkout: %w", err)
	}

	printLogin(a, res)
	return nil
}
