package commands

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/solverbond/solverbond/internal/identity"
)

// NewWalletCmd groups operator wallet management.
func NewWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the operator signing wallet",
	}
	cmd.AddCommand(newWalletCreateCmd())
	cmd.AddCommand(newWalletImportCmd())
	cmd.AddCommand(newWalletAddressCmd())
	return cmd
}

func newWalletCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a new operator wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := promptNewPassword()
			if err != nil {
				return err
			}
			wallet, err := identity.Create(GetKeystoreDir(), password)
			if err != nil {
				return err
			}
			Success("wallet created")
			fmt.Println(RenderKV([][2]string{
				{"Address", wallet.Address().Hex()},
				{"Keystore", wallet.KeystoreDir()},
			}))
			Info("register a solver with: solverbond solver register " + wallet.Address().Hex())
			return nil
		},
	}
}

func newWalletImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <private-key-hex>",
		Short: "Import an operator key into the keystore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := promptNewPassword()
			if err != nil {
				return err
			}
			wallet, err := identity.Import(GetKeystoreDir(), args[0], password)
			if err != nil {
				return err
			}
			Success("wallet imported")
			fmt.Println(RenderKV([][2]string{{"Address", wallet.Address().Hex()}}))
			return nil
		},
	}
}

func newWalletAddressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the operator wallet address",
		RunE: func(cmd *cobra.Command, args []string) error {
			wallet, err := identity.Load(GetKeystoreDir())
			if err != nil {
				return err
			}
			if wallet == nil || !wallet.IsLoaded() {
				return fmt.Errorf("no wallet in %s", GetKeystoreDir())
			}
			fmt.Println(wallet.Address().Hex())
			return nil
		},
	}
}

// resolveWalletPassword reads the wallet password from the environment, or
// prompts when attached to a terminal.
func resolveWalletPassword() (string, error) {
	if pw := os.Getenv("SOLVERBOND_WALLET_PASSWORD"); pw != "" {
		return pw, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("wallet password required: set SOLVERBOND_WALLET_PASSWORD")
	}
	fmt.Print("Wallet password: ")
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func promptNewPassword() (string, error) {
	if pw := os.Getenv("SOLVERBOND_WALLET_PASSWORD"); pw != "" {
		return pw, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", fmt.Errorf("wallet password required: set SOLVERBOND_WALLET_PASSWORD")
	}
	fmt.Print("New wallet password: ")
	first, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	fmt.Print("Confirm password: ")
	second, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("empty password")
	}
	return string(first), nil
}
