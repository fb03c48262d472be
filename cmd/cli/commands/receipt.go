package commands

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/solverbond/solverbond/internal/identity"
	"github.com/solverbond/solverbond/pkg/types"
)

// receiptFile is the on-disk JSON form of a receipt, matching the API wire
// format.
type receiptFile struct {
	IntentHash      string `json:"intent_hash"`
	ConstraintsHash string `json:"constraints_hash"`
	RouteHash       string `json:"route_hash"`
	OutcomeHash     string `json:"outcome_hash"`
	EvidenceHash    string `json:"evidence_hash,omitempty"`
	CreatedAt       string `json:"created_at"`
	Expiry          string `json:"expiry"`
	SolverID        string `json:"solver_id"`
	Signature       string `json:"signature,omitempty"`
}

// NewReceiptCmd groups receipt operations.
func NewReceiptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Post, inspect and finalize intent receipts",
	}
	cmd.AddCommand(newReceiptSignCmd())
	cmd.AddCommand(newReceiptPostCmd())
	cmd.AddCommand(newReceiptShowCmd())
	cmd.AddCommand(newReceiptFinalizeCmd())
	cmd.AddCommand(newReceiptProofCmd())
	cmd.AddCommand(newReceiptIDCmd())
	return cmd
}

func newReceiptSignCmd() *cobra.Command {
	var file, out string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a receipt file with the local operator wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, rf, err := loadReceiptFile(file)
			if err != nil {
				return err
			}

			wallet, err := identity.Load(GetKeystoreDir())
			if err != nil {
				return fmt.Errorf("load wallet: %w", err)
			}
			if wallet == nil || !wallet.IsLoaded() {
				return fmt.Errorf("no operator wallet in %s, create one with: solverbond wallet create", GetKeystoreDir())
			}
			password, err := resolveWalletPassword()
			if err != nil {
				return err
			}

			cfg := loadConfigQuiet()
			domain := types.SignatureDomain{
				ChainID:  big.NewInt(cfg.Chain.ChainID),
				Contract: common.HexToAddress(cfg.Chain.ContractAddress),
			}
			if err := wallet.SignReceipt(rec, domain, password); err != nil {
				return fmt.Errorf("sign: %w", err)
			}
			rf.Signature = hexutil.Encode(rec.Signature)

			dest := out
			if dest == "" {
				dest = file
			}
			data, err := json.MarshalIndent(rf, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(dest, append(data, '\n'), 0o600); err != nil {
				return err
			}
			Success(fmt.Sprintf("signed by %s", wallet.Address().Hex()))
			fmt.Println(RenderKV([][2]string{
				{"Receipt ID", types.ComputeReceiptID(rec).Hex()},
				{"File", dest},
			}))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Receipt JSON file")
	cmd.Flags().StringVar(&out, "out", "", "Output path (default: overwrite input)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newReceiptPostCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post a signed receipt to the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, rf, err := loadReceiptFile(file)
			if err != nil {
				return err
			}
			if rf.Signature == "" {
				return fmt.Errorf("receipt is unsigned, run: solverbond receipt sign --file %s", file)
			}
			c := GetClientOrDie()
			var out map[string]string
			if err := c.Post("/v1/receipts", rf, &out); err != nil {
				return err
			}
			if OutputFormat == "json" {
				printJSON(out)
				return nil
			}
			Success("receipt posted")
			fmt.Println(RenderKV([][2]string{{"Receipt ID", out["receipt_id"]}}))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Signed receipt JSON file")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newReceiptShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <receipt-id>",
		Short: "Show a receipt and its lifecycle state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			var out map[string]any
			if err := c.Get("/v1/receipts/"+args[0], &out); err != nil {
				return err
			}
			if OutputFormat == "json" {
				printJSON(out)
				return nil
			}
			fmt.Println(StyleHeader.Render("Receipt"))
			fmt.Println(RenderKV([][2]string{
				{"ID", str(out["id"])},
				{"Solver", str(out["solver_id"])},
				{"Status", StatusBadge(str(out["status"]))},
				{"Created", str(out["created_at"])},
				{"Expiry", str(out["expiry"])},
				{"Window ends", str(out["challenge_ends"])},
				{"Intent", str(out["intent_hash"])},
				{"Outcome", str(out["outcome_hash"])},
			}))
			return nil
		},
	}
}

func newReceiptFinalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <receipt-id>",
		Short: "Finalize a receipt whose challenge window has closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			if err := c.Post("/v1/receipts/"+args[0]+"/finalize", nil, nil); err != nil {
				return err
			}
			Success("receipt finalized")
			return nil
		},
	}
}

func newReceiptProofCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "proof <receipt-id> <proof-hash>",
		Short: "Attach a settlement proof commitment to a receipt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := GetClientOrDie()
			err := c.Post("/v1/receipts/"+args[0]+"/proof", map[string]string{
				"proof": args[1],
			}, nil)
			if err != nil {
				return err
			}
			Success("proof recorded")
			return nil
		},
	}
}

func newReceiptIDCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Compute the content hash of a receipt file",
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, _, err := loadReceiptFile(file)
			if err != nil {
				return err
			}
			fmt.Println(types.ComputeReceiptID(rec).Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Receipt JSON file")
	cmd.MarkFlagRequired("file")
	return cmd
}

// loadReceiptFile parses and validates the wire form, returning both the
// typed receipt and the raw file struct for re-serialization.
func loadReceiptFile(path string) (*types.IntentReceipt, *receiptFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var rf receiptFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	rec := &types.IntentReceipt{
		IntentHash:      common.HexToHash(rf.IntentHash),
		ConstraintsHash: common.HexToHash(rf.ConstraintsHash),
		RouteHash:       common.HexToHash(rf.RouteHash),
		OutcomeHash:     common.HexToHash(rf.OutcomeHash),
		EvidenceHash:    common.HexToHash(rf.EvidenceHash),
		SolverID:        common.HexToHash(rf.SolverID),
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339, rf.CreatedAt); err != nil {
		return nil, nil, fmt.Errorf("created_at: %w", err)
	}
	if rec.Expiry, err = time.Parse(time.RFC3339, rf.Expiry); err != nil {
		return nil, nil, fmt.Errorf("expiry: %w", err)
	}
	if rf.Signature != "" {
		if rec.Signature, err = hexutil.Decode(rf.Signature); err != nil {
			return nil, nil, fmt.Errorf("signature: %w", err)
		}
	}
	if err := rec.Validate(); err != nil {
		return nil, nil, err
	}
	return rec, &rf, nil
}
