package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/jdai/vault-engine/internal/model"
	"github.com/jdai/vault-engine/internal/wizard"
)

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printView(v wizard.View) error {
	if a.jsonOut {
		return a.printJSON(v)
	}
	writeView(a.out, v)
	return nil
}

func writeView(w io.Writer, v wizard.View) {
	if v.State == wizard.StateIdle || v.Operation == nil {
		fmt.Fprintf(w, "No operation in progress for %s\n", v.Address)
		return
	}
	sess := v.Session
	fmt.Fprintf(w, "%s (%s)\n", v.Operation.Title, v.Operation.ID)
	if sess.Amount != "" {
		fmt.Fprintf(w, "Amount: %s\n", sess.Amount)
	}
	if sess.Origin == model.OriginRecovery {
		fmt.Fprintln(w, "Started by recovery")
	}
	for i, step := range v.Operation.Steps {
		mark := "[ ]"
		switch {
		case i == sess.StepIndex:
			mark = "[>]"
		case sess.IsCompleted(step.ID):
			mark = "[x]"
		}
		line := fmt.Sprintf("  %s %d. %s", mark, i+1, step.Title)
		if hash := sess.TxHashes[step.ID]; hash != "" {
			line += "  tx " + hash
		}
		fmt.Fprintln(w, line)
	}
	if v.State == wizard.StateTerminal {
		fmt.Fprintln(w, "Complete.")
	} else if v.Step != nil {
		fmt.Fprintf(w, "Next: %s\n", v.Step.Description)
	}
}

func writePosition(w io.Writer, pv model.PositionView) {
	if pv.State != model.ViewOK || pv.Snapshot == nil {
		fmt.Fprintf(w, "Position for %s is unavailable: %s\n", pv.Address, pv.Error)
		return
	}
	s := pv.Snapshot
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintf(tw, "Vault\t%s\n", pv.Address)
	fmt.Fprintf(tw, "Collateral\t%s\n", s.Position.CollateralAmount)
	fmt.Fprintf(tw, "Debt\t%s\n", s.Position.DebtAmount)
	fmt.Fprintf(tw, "Health ratio\t%s\n", s.Position.HealthRatio)
	fmt.Fprintf(tw, "Liquidation price\t%s\n", s.Position.LiquidationPrice)
	fmt.Fprintf(tw, "Max mintable\t%s\n", s.Position.MaxMintable)
	fmt.Fprintf(tw, "Max withdrawable\t%s\n", s.Position.MaxWithdrawable)
	fmt.Fprintf(tw, "Reference price\t%s\n", s.System.ReferencePrice)
	fmt.Fprintf(tw, "Adapter holdings\t%s collateral, %s tokens\n", s.Holdings.Collateral, s.Holdings.Debt)
	fmt.Fprintf(tw, "Wallet\t%s native, %s tokens\n", s.Wallet.Native, s.Wallet.Token)
	tw.Flush()
}

func writeScan(w io.Writer, res model.ScanResult) {
	if len(res.Stranded) == 0 {
		fmt.Fprintln(w, "Nothing stranded.")
	}
	for _, f := range res.Stranded {
		fmt.Fprintf(w, "%s %s stranded in the adapter\n", f.Amount, f.Asset)
		for _, r := range f.Resolutions {
			fmt.Fprintf(w, "  vaultctl recovery resolve %s %s   # %s\n", f.Asset, r.ID, r.Title)
		}
	}
	for _, r := range res.Recovered {
		fmt.Fprintf(w, "recovered earlier: %s %s in tx %s\n", r.Amount, r.Asset, r.TxHash)
	}
	if res.StuckDebt {
		fmt.Fprintln(w, "The vault has debt but the wallet holds no tokens to repay it.")
	}
}

// explain turns a wizard failure into the message shown to the user.
func explain(err error) error {
	var se *wizard.StepError
	if errors.As(err, &se) {
		return fmt.Errorf("%s (%s)", se.Message, se.Kind)
	}
	return err
}
