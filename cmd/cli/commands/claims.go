package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewClaimsCmd groups payout claims.
func NewClaimsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Inspect and collect slash payouts and bond refunds",
	}
	cmd.AddCommand(newClaimsShowCmd())
	cmd.AddCommand(newClaimsCollectCmd())
	return cmd
}

func newClaimsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <address>",
		Short: "Show the claimable balance of an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			var out map[string]string
			if err := c.Get("/v1/claims/"+args[0], &out); err != nil {
				return err
			}
			if OutputFormat == "json" {
				printJSON(out)
				return nil
			}
			fmt.Println(RenderKV([][2]string{
				{"Address", out["address"]},
				{"Claimable", out["claimable"] + " wei"},
			}))
			return nil
		},
	}
}

func newClaimsCollectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect <address>",
		Short: "Collect the full claimable balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			var out map[string]string
			if err := c.Post("/v1/claims/"+args[0], nil, &out); err != nil {
				return err
			}
			Success(fmt.Sprintf("claimed %s wei", out["amount"]))
			return nil
		},
	}
}
