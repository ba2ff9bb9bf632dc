package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jdai/vault-engine/internal/catalog"
	"github.com/jdai/vault-engine/internal/model"
	"github.com/jdai/vault-engine/internal/wizard"
)

func newPositionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "position",
		Short: "Read the vault, holdings and wallet balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, err := a.user()
			if err != nil {
				return err
			}
			pv := a.poller.Refresh(cmd.Context(), user)
			if a.jsonOut {
				return a.printJSON(pv)
			}
			writePosition(a.out, pv)
			return nil
		},
	}
}

func newOperationsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "operations",
		Short: "List the operations and their steps",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ops := catalog.All()
			if a.jsonOut {
				return a.printJSON(ops)
			}
			for _, op := range ops {
				fmt.Fprintf(a.out, "%s\t%s\n", op.ID, op.Title)
				for i, step := range op.Steps {
					fmt.Fprintf(a.out, "  %d. %s\n", i+1, step.Title)
				}
			}
			return nil
		},
	}
}

func newWizardCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wizard",
		Short: "Run an operation step by step",
	}

	// transition wraps a wizard call that takes only the address.
	transition := func(use, short string, fn func(*wizard.Manager, context.Context, string) (wizard.View, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.run(cmd.Context(), func(ctx context.Context, user string) (wizard.View, error) {
					return fn(a.manager, ctx, user)
				})
			},
		}
	}

	cmd.AddCommand(
		transition("status", "Restore and show the current session", (*wizard.Manager).Restore),
		&cobra.Command{
			Use:       "select <operation>",
			Short:     "Start an operation, replacing any session in progress",
			Args:      cobra.ExactArgs(1),
			ValidArgs: operationIDs(),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.run(cmd.Context(), func(ctx context.Context, user string) (wizard.View, error) {
					return a.manager.Select(ctx, user, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "amount <value>",
			Short: "Set the amount at the input step",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.run(cmd.Context(), func(ctx context.Context, user string) (wizard.View, error) {
					return a.manager.SetAmount(ctx, user, args[0])
				})
			},
		},
		transition("advance", "Move past the input step", (*wizard.Manager).Advance),
		transition("execute", "Submit the current step and verify it", (*wizard.Manager).Execute),
		transition("verify", "Re-derive progress from the ledger", (*wizard.Manager).VerifyProgress),
		transition("back", "Return to the previous step", (*wizard.Manager).GoBack),
		transition("reset", "Abandon the session", (*wizard.Manager).Reset),
	)
	return cmd
}

func newRecoveryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Find and resolve balances stranded by unfinished operations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "scan",
			Short: "Report stranded adapter balances",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				user, err := a.user()
				if err != nil {
					return err
				}
				res, err := a.sweeper.Scan(cmd.Context(), user)
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(res)
				}
				writeScan(a.out, res)
				return nil
			},
		},
		&cobra.Command{
			Use:       "resolve <collateral|debt> <resolution>",
			Short:     "Start a session that finishes the chosen resolution",
			Args:      cobra.ExactArgs(2),
			ValidArgs: []string{string(model.AssetCollateral), string(model.AssetDebt)},
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.run(cmd.Context(), func(ctx context.Context, user string) (wizard.View, error) {
					return a.sweeper.Resolve(ctx, user, model.Asset(args[0]), args[1])
				})
			},
		},
	)
	return cmd
}

// run resolves the user, applies fn and prints the resulting view. On
// failure the unchanged view is still printed before the error.
func (a *app) run(ctx context.Context, fn func(context.Context, string) (wizard.View, error)) error {
	user, err := a.user()
	if err != nil {
		return err
	}
	view, err := fn(ctx, user)
	if perr := a.printView(view); perr != nil {
		return perr
	}
	return explain(err)
}

func operationIDs() []string {
	ops := catalog.All()
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}
