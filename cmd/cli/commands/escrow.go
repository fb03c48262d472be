package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewEscrowCmd groups escrow operations.
func NewEscrowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrow",
		Short: "Hold and settle user funds bound to receipts",
	}
	cmd.AddCommand(newEscrowDepositCmd())
	cmd.AddCommand(newEscrowShowCmd())
	cmd.AddCommand(newEscrowSettleCmd())
	return cmd
}

func newEscrowDepositCmd() *cobra.Command {
	var depositor, token, amount string
	cmd := &cobra.Command{
		Use:   "deposit <receipt-id>",
		Short: "Bind an escrow hold to a receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			var out map[string]string
			err := c.Post("/v1/escrows", map[string]string{
				"receipt_id": args[0],
				"depositor":  depositor,
				"token":      token,
				"amount":     amount,
			}, &out)
			if err != nil {
				return err
			}
			if OutputFormat == "json" {
				printJSON(out)
				return nil
			}
			Success("escrow held")
			fmt.Println(RenderKV([][2]string{{"Escrow ID", out["escrow_id"]}}))
			return nil
		},
	}
	cmd.Flags().StringVar(&depositor, "depositor", "", "Depositor address, refunded on slash")
	cmd.Flags().StringVar(&token, "token", "0x0000000000000000000000000000000000000000", "Token contract address")
	cmd.Flags().StringVar(&amount, "amount", "", "Amount in wei")
	cmd.MarkFlagRequired("depositor")
	cmd.MarkFlagRequired("amount")
	return cmd
}

func newEscrowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <escrow-id>",
		Short: "Show an escrow hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			var out map[string]any
			if err := c.Get("/v1/escrows/"+args[0], &out); err != nil {
				return err
			}
			if OutputFormat == "json" {
				printJSON(out)
				return nil
			}
			fmt.Println(StyleHeader.Render("Escrow"))
			fmt.Println(RenderKV([][2]string{
				{"ID", str(out["id"])},
				{"Receipt", str(out["receipt_id"])},
				{"Amount", str(out["amount"]) + " wei"},
				{"Token", str(out["token"])},
				{"Depositor", str(out["depositor"])},
				{"Recipient", str(out["recipient"])},
				{"Status", StatusBadge(str(out["status"]))},
				{"Held", str(out["held_at"])},
			}))
			return nil
		},
	}
}

func newEscrowSettleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle <escrow-id>",
		Short: "Settle an escrow per its receipt's terminal state",
		Long: `Permissionless: releases to the solver's operator when the receipt
finalized, refunds the depositor when it was slashed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			if err := c.Post("/v1/escrows/"+args[0]+"/settle", nil, nil); err != nil {
				return err
			}
			Success("escrow settled")
			return nil
		},
	}
}
