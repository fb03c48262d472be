package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSolverCmd groups solver identity and bond management.
func NewSolverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "solver",
		Short: "Manage solver registration and bonds",
	}
	cmd.AddCommand(newSolverRegisterCmd())
	cmd.AddCommand(newSolverShowCmd())
	cmd.AddCommand(newSolverDepositCmd())
	cmd.AddCommand(newSolverWithdrawCmd())
	cmd.AddCommand(newSolverRotateCmd())
	cmd.AddCommand(newSolverUnjailCmd())
	return cmd
}

func newSolverRegisterCmd() *cobra.Command {
	var metadata string
	cmd := &cobra.Command{
		Use:   "register <operator-address>",
		Short: "Register a new solver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			var out map[string]string
			err := c.Post("/v1/solvers", map[string]string{
				"operator": args[0],
				"metadata": metadata,
			}, &out)
			if err != nil {
				return err
			}
			if OutputFormat == "json" {
				printJSON(out)
				return nil
			}
			Success("solver registered")
			fmt.Println(RenderKV([][2]string{
				{"Solver ID", out["solver_id"]},
				{"Operator", args[0]},
			}))
			Info("deposit at least the activation bond to go active")
			return nil
		},
	}
	cmd.Flags().StringVar(&metadata, "metadata", "", "Optional solver metadata (endpoint, contact)")
	return cmd
}

func newSolverShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <solver-id>",
		Short: "Show a solver's bond and reputation state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			var out map[string]any
			if err := c.Get("/v1/solvers/"+args[0], &out); err != nil {
				return err
			}
			if OutputFormat == "json" {
				printJSON(out)
				return nil
			}
			fmt.Println(StyleHeader.Render("Solver"))
			fmt.Println(RenderKV([][2]string{
				{"ID", str(out["id"])},
				{"Operator", str(out["operator"])},
				{"Status", StatusBadge(str(out["status"]))},
				{"Bond", str(out["bond_balance"]) + " wei"},
				{"Locked", str(out["locked_balance"]) + " wei"},
				{"Fills", fmt.Sprint(out["total_filled"])},
				{"Disputes", fmt.Sprint(out["total_disputes"])},
				{"Slashed", str(out["total_slashed"]) + " wei"},
			}))
			if w := str(out["withdrawal_amount"]); w != "" {
				Warning(fmt.Sprintf("pending withdrawal of %s wei requested at %s",
					w, str(out["withdrawal_requested_at"])))
			}
			return nil
		},
	}
}

func newSolverDepositCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deposit <solver-id> <amount-wei>",
		Short: "Deposit bond collateral",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			err := c.Post("/v1/solvers/"+args[0]+"/deposit", map[string]string{
				"amount": args[1],
			}, nil)
			if err != nil {
				return err
			}
			Success(fmt.Sprintf("deposited %s wei", args[1]))
			return nil
		},
	}
}

func newSolverWithdrawCmd() *cobra.Command {
	var by string
	var execute bool
	cmd := &cobra.Command{
		Use:   "withdraw <solver-id> [amount-wei]",
		Short: "Request or execute a bond withdrawal",
		Long: `Request a withdrawal of available bond, or execute one whose cooldown
has elapsed. Withdrawals are two-phase: request, wait out the cooldown,
then run with --execute.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			if execute {
				var out map[string]string
				err := c.Post("/v1/solvers/"+args[0]+"/withdrawals/execute", map[string]string{
					"by": by,
				}, &out)
				if err != nil {
					return err
				}
				Success(fmt.Sprintf("withdrew %s wei", out["amount"]))
				return nil
			}
			if len(args) < 2 {
				return fmt.Errorf("amount required when requesting a withdrawal")
			}
			err := c.Post("/v1/solvers/"+args[0]+"/withdrawals", map[string]string{
				"by":     by,
				"amount": args[1],
			}, nil)
			if err != nil {
				return err
			}
			Success("withdrawal requested, execute after the cooldown")
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "Operator address authorizing the withdrawal")
	cmd.Flags().BoolVar(&execute, "execute", false, "Execute a matured withdrawal request")
	cmd.MarkFlagRequired("by")
	return cmd
}

func newSolverRotateCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "rotate <solver-id> <new-operator>",
		Short: "Rotate the solver's operator key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			err := c.Post("/v1/solvers/"+args[0]+"/operator", map[string]string{
				"by":           by,
				"new_operator": args[1],
			}, nil)
			if err != nil {
				return err
			}
			Success("operator rotated")
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "Current operator address")
	cmd.MarkFlagRequired("by")
	return cmd
}

func newSolverUnjailCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "unjail <solver-id>",
		Short: "Reactivate a jailed solver with sufficient bond",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			err := c.Post("/v1/solvers/"+args[0]+"/unjail", map[string]string{
				"by": by,
			}, nil)
			if err != nil {
				return err
			}
			Success("solver active")
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "Operator address")
	cmd.MarkFlagRequired("by")
	return cmd
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
