package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/manifoldco/promptui"
	"golang.org/x/term"

	"github.com/worksheet-dev/worksheet/internal/session"
)

// newPrompter picks an interactive prompter when in is a terminal and a hint
// printer otherwise
func newPrompter(a *app, in io.Reader) session.Prompter {
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return hintPrompter{a: a}
	}
	return &terminalPrompter{a: a, in: f}
}

// hintPrompter tells the user which command opens the requested flow
type hintPrompter struct {
	a *app
}

func (h hintPrompter) Prompt(_ context.Context, p session.Prompt) {
	switch p {
	case session.PromptSessionExpired:
		h.a.printf("Your session has expired.\n")
	case session.PromptLogin:
		h.a.printf("Sign in to continue: worksheet login --email you@example.com\n")
	case session.PromptRegistration:
		h.a.printf("Create a free account to continue: worksheet login --email you@example.com\n")
	case session.PromptUpgrade:
		h.a.printf("This needs Worksheet Pro: worksheet upgrade\n")
	case session.PromptQuotaUpgrade:
		h.a.printf("You have used today's free exports. Upgrade for unlimited exports: worksheet upgrade\n")
	}
}

// terminalPrompter runs the requested flow in place
type terminalPrompter struct {
	a  *app
	in *os.File
}

func (t *terminalPrompter) Prompt(ctx context.Context, p session.Prompt) {
	var err error
	switch p {
	case session.PromptSessionExpired:
		t.a.printf("Your session has expired.\n")
		return
	case session.PromptLogin, session.PromptRegistration:
		err = t.login(ctx, p == session.PromptRegistration)
	case session.PromptUpgrade:
		err = t.upgrade(ctx, "This needs Worksheet Pro.")
	case session.PromptQuotaUpgrade:
		err = t.upgrade(ctx, "You have used today's free exports.")
	}

	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrAbort) {
		t.a.manager.AbandonFlow()
		return
	}
	if err != nil {
		t.a.printf("✗ %v\n", err)
	}
}

func (t *terminalPrompter) login(ctx context.Context, register bool) error {
	label := "Sign in with"
	if register {
		label = "Create a free account with"
	}
	methods := []string{"Email link", "Password", "Not now"}
	sel := promptui.Select{Label: label, Items: methods, Stdin: t.in}
	i, _, err := sel.Run()
	if err != nil {
		return err
	}
	if i == len(methods)-1 {
		return promptui.ErrAbort
	}

	email, err := t.askEmail()
	if err != nil {
		return err
	}

	if i == 0 {
		return magicLinkLogin(ctx, t.a, t.in, email, "")
	}

	password, err := readPassword(t.in, t.a.out, "Password: ")
	if err != nil {
		return err
	}
	return passwordLogin(ctx, t.a, email, password)
}

func (t *terminalPrompter) upgrade(ctx context.Context, reason string) error {
	t.a.printf("%s\n", reason)

	plans := []string{"monthly", "yearly", "Not now"}
	sel := promptui.Select{Label: "Upgrade to Pro", Items: plans, Stdin: t.in}
	i, plan, err := sel.Run()
	if err != nil {
		return err
	}
	if i == len(plans)-1 {
		return promptui.ErrAbort
	}

	email := t.a.state.Current().UserEmail
	if email == "" {
		if email, err = t.askEmail(); err != nil {
			return err
		}
	}
	return runCheckout(ctx, t.a, email, plan)
}

func (t *terminalPrompter) askEmail() (string, error) {
	prompt := promptui.Prompt{
		Label:   "Email",
		Default: rememberedEmail(),
		Stdin:   t.in,
		Validate: func(s string) error {
			if s == "" {
				return fmt.Errorf("email is required")
			}
			return nil
		},
	}
	return prompt.Run()
}
