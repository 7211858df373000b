package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/worksheet-dev/worksheet/internal/authstate"
	"github.com/worksheet-dev/worksheet/internal/gate"
	"github.com/worksheet-dev/worksheet/internal/identity"
	"github.com/worksheet-dev/worksheet/internal/pending"
)

const (
	layoutStandard = "standard"
	layoutEconomy  = "economy"
)

// NewExportCmd creates the export command
func NewExportCmd() *cobra.Command {
	var layout string

	cmd := &cobra.Command{
		Use:   "export <document-id>",
		Short: "Export a worksheet as PDF",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			return runExport(cmd.Context(), a, args[0], layout)
		}),
	}

	cmd.Flags().StringVar(&layout, "layout", layoutStandard, "Page layout: standard or economy (Pro)")

	return cmd
}

func runExport(ctx context.Context, a *app, documentID, layout string) error {
	capability := gate.Export
	switch layout {
	case layoutStandard:
	case layoutEconomy:
		capability = gate.EconomyLayout
	default:
		return fmt.Errorf("unknown layout %q, must be one of: standard, economy", layout)
	}

	action := pending.Action{
		Type:     "export",
		Metadata: map[string]any{"document_id": documentID, "layout": layout},
		Callback: func(ctx context.Context, state authstate.AuthState) error {
			res, err := a.client.Export(ctx, state.SessionToken, identity.ExportRequest{
				DocumentID: documentID,
				Layout:     layout,
			})
			if err != nil {
				return err
			}
			a.printf("✓ Exported %s\n", documentID)
			a.printf("  Download: %s\n", res.URL)
			if res.RemainingToday >= 0 {
				a.printf("  Free exports left today: %d\n", res.RemainingToday)
			}
			return nil
		},
	}

	outcome, err := a.manager.RunGated(ctx, capability, action)
	switch outcome {
	case gate.Allow:
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		return nil
	case gate.Indeterminate:
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		return fmt.Errorf("auth state is not settled yet, try again")
	default:
		// the prompter has shown the way forward
		a.logger.Debug().Str("outcome", outcome.String()).Msg("Export gated")
		return nil
	}
}
