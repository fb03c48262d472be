package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewDisputeCmd groups the dispute lifecycle: opening, evidence, the
// optimistic counter-bond exchange, arbitration and permissionless timeouts.
func NewDisputeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispute",
		Short: "Open and advance disputes against receipts",
	}
	cmd.AddCommand(newDisputeOpenCmd())
	cmd.AddCommand(newDisputeShowCmd())
	cmd.AddCommand(newDisputeEvidenceCmd())
	cmd.AddCommand(newDisputeEscalateCmd())
	cmd.AddCommand(newDisputeCounterBondCmd())
	cmd.AddCommand(newDisputeRuleCmd())
	cmd.AddCommand(newDisputeProgressCmd())
	cmd.AddCommand(newDisputeResolveCmd())
	return cmd
}

func newDisputeOpenCmd() *cobra.Command {
	var (
		challenger, beneficiary       string
		reason, minOut, actualOut     string
		tag, evidence, challengerBond string
		leg                           int
	)
	cmd := &cobra.Command{
		Use:   "open <receipt-id>",
		Short: "Open a dispute against a receipt",
		Long: `Open a dispute within the receipt's challenge window.

Deterministic reasons (timeout, min_out_violation, wrong_token) resolve
from facts alone. Subjective disputes go to arbitration, or to the
optimistic path when --bond is supplied.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"receipt_id":  args[0],
				"challenger":  challenger,
				"beneficiary": beneficiary,
				"reason": map[string]any{
					"kind":       reason,
					"leg":        leg,
					"min_out":    minOut,
					"actual_out": actualOut,
					"tag":        tag,
				},
			}
			if evidence != "" {
				body["evidence"] = evidence
			}
			if challengerBond != "" {
				body["bond"] = challengerBond
			}

			c := GetClientOrDie()
			var out map[string]string
			if err := c.Post("/v1/disputes", body, &out); err != nil {
				return err
			}
			if OutputFormat == "json" {
				printJSON(out)
				return nil
			}
			Success("dispute opened")
			fmt.Println(RenderKV([][2]string{{"Dispute ID", out["dispute_id"]}}))
			return nil
		},
	}
	cmd.Flags().StringVar(&challenger, "challenger", "", "Challenger address")
	cmd.Flags().StringVar(&beneficiary, "beneficiary", "", "Affected user receiving the user share of any slash")
	cmd.Flags().StringVar(&reason, "reason", "subjective", "Reason kind: timeout, min_out_violation, wrong_token, wrong_chain, wrong_recipient, receipt_mismatch, invalid_signature, subjective, custom")
	cmd.Flags().IntVar(&leg, "leg", 0, "Output leg for per-leg reasons")
	cmd.Flags().StringVar(&minOut, "min-out", "", "Committed minimum output (min_out_violation)")
	cmd.Flags().StringVar(&actualOut, "actual-out", "", "Delivered output (min_out_violation)")
	cmd.Flags().StringVar(&tag, "tag", "", "Tag for custom reasons")
	cmd.Flags().StringVar(&evidence, "evidence", "", "Optional 32-byte evidence commitment")
	cmd.Flags().StringVar(&challengerBond, "bond", "", "Challenger bond in wei, routes to the optimistic path")
	cmd.MarkFlagRequired("challenger")
	cmd.MarkFlagRequired("beneficiary")
	return cmd
}

func newDisputeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <dispute-id>",
		Short: "Show a dispute and its evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			var out map[string]any
			if err := c.Get("/v1/disputes/"+args[0], &out); err != nil {
				return err
			}
			if OutputFormat == "json" {
				printJSON(out)
				return nil
			}
			fmt.Println(StyleHeader.Render("Dispute"))
			fmt.Println(RenderKV([][2]string{
				{"ID", str(out["id"])},
				{"Receipt", str(out["receipt_id"])},
				{"Reason", str(out["reason"])},
				{"Challenger", str(out["challenger"])},
				{"Status", StatusBadge(str(out["status"]))},
				{"Opened", str(out["opened_at"])},
			}))
			if entries, ok := out["evidence"].([]any); ok && len(entries) > 0 {
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					m, _ := e.(map[string]any)
					rows = append(rows, []string{
						str(m["submitted_at"]), str(m["submitter"]), str(m["hash"]),
					})
				}
				fmt.Println(RenderTable([]string{"SUBMITTED", "BY", "HASH"}, rows))
			}
			return nil
		},
	}
}

func newDisputeEvidenceCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "evidence <dispute-id> <hash>",
		Short: "Submit an evidence commitment during the evidence window",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			err := c.Post("/v1/disputes/"+args[0]+"/evidence", map[string]string{
				"by":   by,
				"hash": args[1],
			}, nil)
			if err != nil {
				return err
			}
			Success("evidence recorded")
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "Submitting party address")
	cmd.MarkFlagRequired("by")
	return cmd
}

func newDisputeEscalateCmd() *cobra.Command {
	var by, fee string
	cmd := &cobra.Command{
		Use:   "escalate <dispute-id>",
		Short: "Escalate a dispute to the arbitrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			err := c.Post("/v1/disputes/"+args[0]+"/escalate", map[string]string{
				"by":  by,
				"fee": fee,
			}, nil)
			if err != nil {
				return err
			}
			Success("escalated to arbitration")
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "Escalating party address")
	cmd.Flags().StringVar(&fee, "fee", "", "Arbitration fee in wei")
	cmd.MarkFlagRequired("by")
	cmd.MarkFlagRequired("fee")
	return cmd
}

func newDisputeCounterBondCmd() *cobra.Command {
	var by, amount string
	cmd := &cobra.Command{
		Use:   "counter-bond <dispute-id>",
		Short: "Contest an optimistic challenge with a matching bond",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			err := c.Post("/v1/disputes/"+args[0]+"/counter-bond", map[string]string{
				"by":     by,
				"amount": amount,
			}, nil)
			if err != nil {
				return err
			}
			Success("counter-bond posted, dispute escalated to arbitration")
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "Solver operator address")
	cmd.Flags().StringVar(&amount, "amount", "", "Counter-bond in wei")
	cmd.MarkFlagRequired("by")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func newDisputeRuleCmd() *cobra.Command {
	var by, reason string
	var fault bool
	var slashPct int
	cmd := &cobra.Command{
		Use:   "rule <dispute-id>",
		Short: "Record an arbitrator ruling",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			err := c.Post("/v1/disputes/"+args[0]+"/ruling", map[string]any{
				"by":           by,
				"solver_fault": fault,
				"slash_pct":    slashPct,
				"reason":       reason,
			}, nil)
			if err != nil {
				return err
			}
			if fault {
				Success(fmt.Sprintf("ruled solver at fault, %d%% slashed", slashPct))
			} else {
				Success("ruled no fault")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "Arbitrator address")
	cmd.Flags().BoolVar(&fault, "fault", false, "Rule the solver at fault")
	cmd.Flags().IntVar(&slashPct, "slash-pct", 0, "Percentage of locked bond to slash on fault")
	cmd.Flags().StringVar(&reason, "reason", "", "Short ruling rationale")
	cmd.MarkFlagRequired("by")
	return cmd
}

func newDisputeProgressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <dispute-id>",
		Short: "Advance a dispute past any elapsed timeout",
		Long: `Permissionless nudge: resolves an unanswered optimistic challenge,
lapses an unescalated dispute after its evidence window, or times out a
stalled arbitration. No effect when no deadline has passed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			var out map[string]bool
			if err := c.Post("/v1/disputes/"+args[0]+"/progress", nil, &out); err != nil {
				return err
			}
			if out["moved"] {
				Success("dispute advanced")
			} else {
				Info("no elapsed deadline, nothing to do")
			}
			return nil
		},
	}
}

func newDisputeResolveCmd() *cobra.Command {
	var factsFile string
	cmd := &cobra.Command{
		Use:   "resolve <receipt-id>",
		Short: "Resolve a deterministic dispute from a facts file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			facts, err := loadJSONFile(factsFile)
			if err != nil {
				return err
			}
			c := GetClientOrDie()
			if err := c.Post("/v1/receipts/"+args[0]+"/resolve", facts, nil); err != nil {
				return err
			}
			Success("deterministic resolution applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&factsFile, "facts", "", "JSON file with the commitment preimages")
	cmd.MarkFlagRequired("facts")
	return cmd
}
