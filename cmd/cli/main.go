package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/solverbond/solverbond/cmd/cli/commands"
)

var rootCmd = &cobra.Command{
	Use:   "solverbond",
	Short: "Solverbond accountability protocol CLI",
	Long: `Command-line client for the solverbond daemon: solver bonds, intent
receipts, disputes, arbitration and escrow settlement.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.APIEndpoint, "api", "", "Daemon API endpoint (default: from config)")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPath, "config", "", "Config file path")
	rootCmd.PersistentFlags().StringVarP(&commands.OutputFormat, "output", "o", "", "Output format: json or plain")
}

func main() {
	rootCmd.AddCommand(commands.NewStatusCmd())
	rootCmd.AddCommand(commands.NewWalletCmd())
	rootCmd.AddCommand(commands.NewSolverCmd())
	rootCmd.AddCommand(commands.NewReceiptCmd())
	rootCmd.AddCommand(commands.NewDisputeCmd())
	rootCmd.AddCommand(commands.NewEscrowCmd())
	rootCmd.AddCommand(commands.NewClaimsCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
