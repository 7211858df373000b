package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/worksheet-dev/worksheet/internal/authstate"
)

// NewWatchCmd creates the watch command
func NewWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the session validated and report sign-ins and sign-outs until interrupted",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return runWatch(cmd.Context(), a)
		}),
	}
}

func runWatch(ctx context.Context, a *app) error {
	changes := make(chan authstate.AuthState, 16)
	cancel := a.state.Subscribe(func(s authstate.AuthState) {
		select {
		case changes <- s:
		default:
		}
	})
	defer cancel()

	if err := a.manager.StartValidation(); err != nil {
		return err
	}
	defer a.manager.StopValidation()

	last := a.state.Current()
	printState(a, last)

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-changes:
			if s.Equal(last) {
				continue
			}
			last = s
			printState(a, s)
		}
	}
}

func printState(a *app, s authstate.AuthState) {
	if !s.LoggedIn() {
		a.printf("● Signed out\n")
		return
	}
	a.printf("● Signed in as %s (%s)\n", s.UserEmail, planName(s.IsPro))
}
