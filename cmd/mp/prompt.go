package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/huh"

	"github.com/daviddao/mailpilot/internal/display"
	"github.com/daviddao/mailpilot/internal/types"
)

// prompter asks on the terminal whether a missing folder should be created.
type prompter struct{}

// ConfirmCreate implements policy.Confirmer. Aborting the prompt queues the
// action.
func (prompter) ConfirmCreate(ctx context.Context, account, folder string, it types.Item) (bool, error) {
	create := true
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Create folder %q in %s?", folder, account)).
			Description(fmt.Sprintf("%s\n%s", it.Sender, display.Truncate(it.Subject, 70))).
			Affirmative("Create").
			Negative("Queue").
			Value(&create),
	))
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return create, nil
}

// terminalNotifier prints a hint when an action waits on a missing folder.
type terminalNotifier struct {
	w io.Writer
}

// FolderPending implements policy.Notifier.
func (n terminalNotifier) FolderPending(_ context.Context, account, folder string, it types.Item) {
	fmt.Fprintf(n.w, "%s folder %q missing in %s for %q, create it and run 'mp replay'\n",
		display.QueuedStyle.Render("○"), folder, account, display.Truncate(it.Subject, 50))
}

// promptSecret reads a secret without echo.
func promptSecret(ctx context.Context, title string) (string, error) {
	var value string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title(title).
			EchoMode(huh.EchoModePassword).
			Value(&value).
			Validate(func(s string) error {
				if s == "" {
					return errors.New("value is required")
				}
				return nil
			}),
	))
	if err := form.RunWithContext(ctx); err != nil {
		return "", err
	}
	return value, nil
}
