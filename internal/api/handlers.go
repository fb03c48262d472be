package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/solverbond/solverbond/internal/logging"
	"github.com/solverbond/solverbond/pkg/types"
)

// ---- wire types ----

// SolverResponse is the JSON view of a solver record. Amounts are decimal
// wei strings.
type SolverResponse struct {
	ID            string `json:"id"`
	Operator      string `json:"operator"`
	Metadata      string `json:"metadata,omitempty"`
	BondBalance   string `json:"bond_balance"`
	LockedBalance string `json:"locked_balance"`
	Status        string `json:"status"`
	RegisteredAt  string `json:"registered_at"`
	TotalFilled   uint64 `json:"total_filled"`
	TotalDisputes uint64 `json:"total_disputes"`
	TotalSlashed  string `json:"total_slashed"`

	WithdrawalAmount      string `json:"withdrawal_amount,omitempty"`
	WithdrawalRequestedAt string `json:"withdrawal_requested_at,omitempty"`
}

// ReceiptRequest carries a signed receipt for posting. Hashes are 0x-prefixed
// 32-byte hex, timestamps RFC 3339.
type ReceiptRequest struct {
	IntentHash      string `json:"intent_hash"`
	ConstraintsHash string `json:"constraints_hash"`
	RouteHash       string `json:"route_hash"`
	OutcomeHash     string `json:"outcome_hash"`
	EvidenceHash    string `json:"evidence_hash"`
	CreatedAt       string `json:"created_at"`
	Expiry          string `json:"expiry"`
	SolverID        string `json:"solver_id"`
	Signature       string `json:"signature"`
}

// ReceiptResponse is the JSON view of a posted receipt.
type ReceiptResponse struct {
	ID              string `json:"id"`
	IntentHash      string `json:"intent_hash"`
	ConstraintsHash string `json:"constraints_hash"`
	RouteHash       string `json:"route_hash"`
	OutcomeHash     string `json:"outcome_hash"`
	EvidenceHash    string `json:"evidence_hash"`
	CreatedAt       string `json:"created_at"`
	Expiry          string `json:"expiry"`
	SolverID        string `json:"solver_id"`
	Signature       string `json:"signature"`
	Status          string `json:"status"`
	ChallengeEnds   string `json:"challenge_ends,omitempty"`
}

// ReasonRequest selects a dispute reason variant by kind.
type ReasonRequest struct {
	Kind      string `json:"kind"`
	Leg       int    `json:"leg,omitempty"`
	MinOut    string `json:"min_out,omitempty"`
	ActualOut string `json:"actual_out,omitempty"`
	Tag       string `json:"tag,omitempty"`
}

// DisputeRequest opens a dispute. Bond is required only for the optimistic
// path; omit it to route a subjective dispute to arbitration.
type DisputeRequest struct {
	ReceiptID   string        `json:"receipt_id"`
	Challenger  string        `json:"challenger"`
	Beneficiary string        `json:"beneficiary"`
	Reason      ReasonRequest `json:"reason"`
	Evidence    string        `json:"evidence,omitempty"`
	Bond        string        `json:"bond,omitempty"`
}

// DisputeResponse is the JSON view of a dispute record.
type DisputeResponse struct {
	ID          string             `json:"id"`
	ReceiptID   string             `json:"receipt_id"`
	Reason      string             `json:"reason"`
	Challenger  string             `json:"challenger"`
	Beneficiary string             `json:"beneficiary"`
	OpenedAt    string             `json:"opened_at"`
	Status      string             `json:"status"`
	Evidence    []EvidenceResponse `json:"evidence,omitempty"`
}

// EvidenceResponse is one evidence commitment within a dispute.
type EvidenceResponse struct {
	Submitter   string `json:"submitter"`
	Hash        string `json:"hash"`
	SubmittedAt string `json:"submitted_at"`
}

// FactsRequest carries the commitment preimages for deterministic
// resolution. Each section is optional; supply what the claimed rule needs.
type FactsRequest struct {
	Intent *struct {
		Recipient string `json:"recipient"`
		ChainID   string `json:"chain_id"`
		Nonce     string `json:"nonce"`
	} `json:"intent,omitempty"`
	Constraints *struct {
		TokensOut     []string `json:"tokens_out"`
		MinAmountsOut []string `json:"min_amounts_out"`
	} `json:"constraints,omitempty"`
	Outcome *struct {
		TokensOut  []string `json:"tokens_out"`
		AmountsOut []string `json:"amounts_out"`
		Recipient  string   `json:"recipient"`
		ChainID    string   `json:"chain_id"`
	} `json:"outcome,omitempty"`
}

// EscrowResponse is the JSON view of an escrow hold.
type EscrowResponse struct {
	ID        string `json:"id"`
	ReceiptID string `json:"receipt_id"`
	Amount    string `json:"amount"`
	Token     string `json:"token"`
	Depositor string `json:"depositor"`
	Recipient string `json:"recipient,omitempty"`
	Status    string `json:"status"`
	HeldAt    string `json:"held_at"`
}

// ---- handlers ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"time":            s.core.Now().UTC().Format(time.RFC3339),
		"challenge_bonds": s.core.Optimistic().Held().String(),
		"ws_clients":      s.wsHub.ClientCount(),
	})
}

func (s *Server) handleSolvers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Operator string `json:"operator"`
		Metadata string `json:"metadata"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	operator, err := parseAddress(req.Operator)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.core.RegisterSolver(operator, req.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"solver_id": id.Hex()})
}

func (s *Server) handleSolverPath(w http.ResponseWriter, r *http.Request) {
	id, action, err := splitEntityPath(r.URL.Path, "/v1/solvers/")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.getSolver(w, id)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	switch action {
	case "deposit":
		s.depositBond(w, r, id)
	case "withdrawals":
		s.requestWithdrawal(w, r, id)
	case "withdrawals/execute":
		s.executeWithdrawal(w, r, id)
	case "operator":
		s.rotateOperator(w, r, id)
	case "unjail":
		s.unjail(w, r, id)
	case "ban":
		s.banSolver(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown solver action")
	}
}

func (s *Server) getSolver(w http.ResponseWriter, id types.SolverID) {
	sol, err := s.core.Ledger().GetSolver(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := SolverResponse{
		ID:            sol.ID.Hex(),
		Operator:      sol.Operator.Hex(),
		Metadata:      sol.Metadata,
		BondBalance:   sol.BondBalance.String(),
		LockedBalance: sol.LockedBalance.String(),
		Status:        sol.Status.String(),
		RegisteredAt:  sol.RegisteredAt.UTC().Format(time.RFC3339),
		TotalFilled:   sol.TotalFilled,
		TotalDisputes: sol.TotalDisputes,
		TotalSlashed:  sol.TotalSlashed.String(),
	}
	if sol.WithdrawalAmount != nil && sol.WithdrawalAmount.Sign() > 0 {
		resp.WithdrawalAmount = sol.WithdrawalAmount.String()
		resp.WithdrawalRequestedAt = sol.WithdrawalRequestedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) depositBond(w http.ResponseWriter, r *http.Request, id types.SolverID) {
	var req struct {
		Amount string `json:"amount"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := parseBig(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.core.DepositBond(id, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deposited"})
}

func (s *Server) requestWithdrawal(w http.ResponseWriter, r *http.Request, id types.SolverID) {
	var req struct {
		By     string `json:"by"`
		Amount string `json:"amount"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	by, err := parseAddress(req.By)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseBig(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.core.RequestWithdrawal(id, by, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawal_requested"})
}

func (s *Server) executeWithdrawal(w http.ResponseWriter, r *http.Request, id types.SolverID) {
	var req struct {
		By string `json:"by"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	by, err := parseAddress(req.By)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := s.core.ExecuteWithdrawal(id, by)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
}

func (s *Server) rotateOperator(w http.ResponseWriter, r *http.Request, id types.SolverID) {
	var req struct {
		By          string `json:"by"`
		NewOperator string `json:"new_operator"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	by, err := parseAddress(req.By)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	next, err := parseAddress(req.NewOperator)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.core.RotateOperator(id, by, next); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "operator_rotated"})
}

func (s *Server) unjail(w http.ResponseWriter, r *http.Request, id types.SolverID) {
	var req struct {
		By string `json:"by"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	by, err := parseAddress(req.By)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.core.Unjail(id, by); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) banSolver(w http.ResponseWriter, r *http.Request, id types.SolverID) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.core.BanSolver(id, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "banned"})
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req ReceiptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := req.toReceipt()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.core.PostReceipt(rec)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"receipt_id": id.Hex()})
}

func (s *Server) handleReceiptPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/receipts/")

	// Compute the content hash without posting.
	if rest == "id" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req ReceiptRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		rec, err := req.toReceipt()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"receipt_id": types.ComputeReceiptID(rec).Hex()})
		return
	}

	id, action, err := splitEntityPath(r.URL.Path, "/v1/receipts/")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.getReceipt(w, id)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	switch action {
	case "finalize":
		if err := s.core.Finalize(id); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "finalized"})
	case "proof":
		var req struct {
			Proof string `json:"proof"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		proof, err := parseHash(req.Proof)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.core.SubmitSettlementProof(id, proof); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "proof_recorded"})
	case "resolve":
		var req FactsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		facts, err := req.toFacts()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.core.ResolveDeterministic(id, facts); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	default:
		writeError(w, http.StatusNotFound, "unknown receipt action")
	}
}

func (s *Server) getReceipt(w http.ResponseWriter, id types.ReceiptID) {
	rec, status, err := s.core.Hub().GetReceipt(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := ReceiptResponse{
		ID:              id.Hex(),
		IntentHash:      rec.IntentHash.Hex(),
		ConstraintsHash: rec.ConstraintsHash.Hex(),
		RouteHash:       rec.RouteHash.Hex(),
		OutcomeHash:     rec.OutcomeHash.Hex(),
		EvidenceHash:    rec.EvidenceHash.Hex(),
		CreatedAt:       rec.CreatedAt.UTC().Format(time.RFC3339),
		Expiry:          rec.Expiry.UTC().Format(time.RFC3339),
		SolverID:        rec.SolverID.Hex(),
		Signature:       hexutil.Encode(rec.Signature),
		Status:          status.String(),
	}
	if ends, err := s.core.Hub().ChallengeEnds(id); err == nil {
		resp.ChallengeEnds = ends.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req DisputeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	receiptID, err := parseHash(req.ReceiptID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	challenger, err := parseAddress(req.Challenger)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	beneficiary, err := parseAddress(req.Beneficiary)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reason, err := req.Reason.toReason()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var evidence common.Hash
	if req.Evidence != "" {
		if evidence, err = parseHash(req.Evidence); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	var bond *big.Int
	if req.Bond != "" {
		if bond, err = parseBig(req.Bond); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	id, err := s.core.OpenDispute(receiptID, challenger, beneficiary, reason, evidence, bond)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"dispute_id": id.Hex()})
}

func (s *Server) handleDisputePath(w http.ResponseWriter, r *http.Request) {
	id, action, err := splitEntityPath(r.URL.Path, "/v1/disputes/")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.getDispute(w, id)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	switch action {
	case "evidence":
		s.submitEvidence(w, r, id)
	case "escalate":
		s.escalate(w, r, id)
	case "counter-bond":
		s.postCounterBond(w, r, id)
	case "ruling":
		s.arbitrate(w, r, id)
	case "progress":
		moved, err := s.core.Progress(id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"moved": moved})
	case "settle":
		if err := s.core.SettleBonds(id); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
	default:
		writeError(w, http.StatusNotFound, "unknown dispute action")
	}
}

func (s *Server) getDispute(w http.ResponseWriter, id types.DisputeID) {
	d, err := s.core.Hub().GetDispute(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := DisputeResponse{
		ID:          d.ID.Hex(),
		ReceiptID:   d.ReceiptID.Hex(),
		Reason:      d.Reason.Kind.String(),
		Challenger:  d.Challenger.Hex(),
		Beneficiary: d.Beneficiary.Hex(),
		OpenedAt:    d.OpenedAt.UTC().Format(time.RFC3339),
		Status:      d.Status.String(),
	}
	for _, e := range d.Evidence {
		resp.Evidence = append(resp.Evidence, EvidenceResponse{
			Submitter:   e.Submitter.Hex(),
			Hash:        e.Hash.Hex(),
			SubmittedAt: e.SubmittedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) submitEvidence(w http.ResponseWriter, r *http.Request, id types.DisputeID) {
	var req struct {
		By   string `json:"by"`
		Hash string `json:"hash"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	by, err := parseAddress(req.By)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hash, err := parseHash(req.Hash)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.core.SubmitEvidence(id, by, hash); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) escalate(w http.ResponseWriter, r *http.Request, id types.DisputeID) {
	var req struct {
		By  string `json:"by"`
		Fee string `json:"fee"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	by, err := parseAddress(req.By)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fee, err := parseBig(req.Fee)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.core.Escalate(id, by, fee); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "escalated"})
}

func (s *Server) postCounterBond(w http.ResponseWriter, r *http.Request, id types.DisputeID) {
	var req struct {
		By     string `json:"by"`
		Amount string `json:"amount"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	by, err := parseAddress(req.By)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseBig(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.core.PostCounterBond(id, by, amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "contested"})
}

func (s *Server) arbitrate(w http.ResponseWriter, r *http.Request, id types.DisputeID) {
	var req struct {
		By          string `json:"by"`
		SolverFault bool   `json:"solver_fault"`
		SlashPct    int    `json:"slash_pct"`
		Reason      string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	by, err := parseAddress(req.By)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.core.Arbitrate(id, by, req.SolverFault, req.SlashPct, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ruled"})
}

func (s *Server) handleEscrows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ReceiptID string `json:"receipt_id"`
		Depositor string `json:"depositor"`
		Token     string `json:"token"`
		Amount    string `json:"amount"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	receiptID, err := parseHash(req.ReceiptID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	depositor, err := parseAddress(req.Depositor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := parseAddress(req.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseBig(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.core.EscrowDeposit(receiptID, depositor, token, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"escrow_id": id.Hex()})
}

func (s *Server) handleEscrowPath(w http.ResponseWriter, r *http.Request) {
	id, action, err := splitEntityPath(r.URL.Path, "/v1/escrows/")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.getEscrow(w, id)
	case "settle":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := s.core.EscrowSettle(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
	default:
		writeError(w, http.StatusNotFound, "unknown escrow action")
	}
}

func (s *Server) getEscrow(w http.ResponseWriter, id types.EscrowID) {
	e, err := s.core.Vault().Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := EscrowResponse{
		ID:        e.ID.Hex(),
		ReceiptID: e.ReceiptID.Hex(),
		Amount:    e.Amount.String(),
		Token:     e.Token.Hex(),
		Depositor: e.Depositor.Hex(),
		Status:    e.Status.String(),
		HeldAt:    e.HeldAt.UTC().Format(time.RFC3339),
	}
	if e.Recipient != (common.Address{}) {
		resp.Recipient = e.Recipient.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClaimPath(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/v1/claims/")
	addr, err := parseAddress(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{
			"address":   addr.Hex(),
			"claimable": s.core.Ledger().Claimable(addr).String(),
		})
	case http.MethodPost:
		amount, err := s.core.Claim(addr)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"amount": amount.String()})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// ---- request decoding ----

func (r *ReceiptRequest) toReceipt() (*types.IntentReceipt, error) {
	rec := &types.IntentReceipt{}
	var err error
	if rec.IntentHash, err = parseHash(r.IntentHash); err != nil {
		return nil, fmt.Errorf("intent_hash: %w", err)
	}
	if rec.ConstraintsHash, err = parseHash(r.ConstraintsHash); err != nil {
		return nil, fmt.Errorf("constraints_hash: %w", err)
	}
	if rec.RouteHash, err = parseHash(r.RouteHash); err != nil {
		return nil, fmt.Errorf("route_hash: %w", err)
	}
	if rec.OutcomeHash, err = parseHash(r.OutcomeHash); err != nil {
		return nil, fmt.Errorf("outcome_hash: %w", err)
	}
	if r.EvidenceHash != "" {
		if rec.EvidenceHash, err = parseHash(r.EvidenceHash); err != nil {
			return nil, fmt.Errorf("evidence_hash: %w", err)
		}
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339, r.CreatedAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if rec.Expiry, err = time.Parse(time.RFC3339, r.Expiry); err != nil {
		return nil, fmt.Errorf("expiry: %w", err)
	}
	if rec.SolverID, err = parseHash(r.SolverID); err != nil {
		return nil, fmt.Errorf("solver_id: %w", err)
	}
	if rec.Signature, err = hexutil.Decode(r.Signature); err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	return rec, nil
}

func (r *ReasonRequest) toReason() (types.DisputeReason, error) {
	switch r.Kind {
	case "timeout":
		return types.TimeoutReason(), nil
	case "min_out_violation":
		minOut, err := parseBig(r.MinOut)
		if err != nil {
			return types.DisputeReason{}, fmt.Errorf("min_out: %w", err)
		}
		actual, err := parseBigAllowZero(r.ActualOut)
		if err != nil {
			return types.DisputeReason{}, fmt.Errorf("actual_out: %w", err)
		}
		return types.MinOutReason(r.Leg, minOut, actual), nil
	case "wrong_token":
		return types.WrongTokenReason(r.Leg), nil
	case "wrong_chain":
		return types.WrongChainReason(), nil
	case "wrong_recipient":
		return types.WrongRecipientReason(), nil
	case "receipt_mismatch":
		return types.ReceiptMismatchReason(), nil
	case "invalid_signature":
		return types.InvalidSignatureReason(), nil
	case "subjective":
		return types.SubjectiveReason(), nil
	case "custom":
		if r.Tag == "" {
			return types.DisputeReason{}, fmt.Errorf("custom reason requires a tag")
		}
		return types.CustomReason(r.Tag), nil
	default:
		return types.DisputeReason{}, fmt.Errorf("unknown reason kind %q", r.Kind)
	}
}

func (r *FactsRequest) toFacts() (*types.ResolutionFacts, error) {
	facts := &types.ResolutionFacts{}
	if r.Intent != nil {
		recipient, err := parseAddress(r.Intent.Recipient)
		if err != nil {
			return nil, fmt.Errorf("intent.recipient: %w", err)
		}
		chainID, err := parseBigAllowZero(r.Intent.ChainID)
		if err != nil {
			return nil, fmt.Errorf("intent.chain_id: %w", err)
		}
		nonce, err := parseHash(r.Intent.Nonce)
		if err != nil {
			return nil, fmt.Errorf("intent.nonce: %w", err)
		}
		facts.Intent = &types.IntentFacts{Recipient: recipient, ChainID: chainID, Nonce: nonce}
	}
	if r.Constraints != nil {
		c := &types.ConstraintFacts{}
		for i, t := range r.Constraints.TokensOut {
			addr, err := parseAddress(t)
			if err != nil {
				return nil, fmt.Errorf("constraints.tokens_out[%d]: %w", i, err)
			}
			c.TokensOut = append(c.TokensOut, addr)
		}
		for i, m := range r.Constraints.MinAmountsOut {
			amount, err := parseBig(m)
			if err != nil {
				return nil, fmt.Errorf("constraints.min_amounts_out[%d]: %w", i, err)
			}
			c.MinAmountsOut = append(c.MinAmountsOut, amount)
		}
		facts.Constraints = c
	}
	if r.Outcome != nil {
		o := &types.OutcomeFacts{}
		for i, t := range r.Outcome.TokensOut {
			addr, err := parseAddress(t)
			if err != nil {
				return nil, fmt.Errorf("outcome.tokens_out[%d]: %w", i, err)
			}
			o.TokensOut = append(o.TokensOut, addr)
		}
		for i, a := range r.Outcome.AmountsOut {
			amount, err := parseBigAllowZero(a)
			if err != nil {
				return nil, fmt.Errorf("outcome.amounts_out[%d]: %w", i, err)
			}
			o.AmountsOut = append(o.AmountsOut, amount)
		}
		var err error
		if o.Recipient, err = parseAddress(r.Outcome.Recipient); err != nil {
			return nil, fmt.Errorf("outcome.recipient: %w", err)
		}
		if o.ChainID, err = parseBigAllowZero(r.Outcome.ChainID); err != nil {
			return nil, fmt.Errorf("outcome.chain_id: %w", err)
		}
		facts.Outcome = o
	}
	return facts, nil
}

// ---- plumbing ----

func splitEntityPath(path, prefix string) (common.Hash, string, error) {
	rest := strings.TrimPrefix(path, prefix)
	idPart, action, _ := strings.Cut(rest, "/")
	id, err := parseHash(idPart)
	if err != nil {
		return common.Hash{}, "", err
	}
	return id, action, nil
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid hash %q: %v", s, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid hash %q: want 32 bytes, got %d", s, len(b))
	}
	return common.BytesToHash(b), nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseBig(s string) (*big.Int, error) {
	v, err := parseBigAllowZero(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q must be positive", s)
	}
	return v, nil
}

func parseBigAllowZero(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps protocol errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, types.ErrDuplicate),
		errors.Is(err, types.ErrInvalidTransition),
		errors.Is(err, types.ErrAlreadyResolved),
		errors.Is(err, types.ErrWindowNotOpen),
		errors.Is(err, types.ErrWindowClosed),
		errors.Is(err, types.ErrSolverBanned),
		errors.Is(err, types.ErrSolverNotActive):
		status = http.StatusConflict
	case errors.Is(err, types.ErrInsufficientBond),
		errors.Is(err, types.ErrInsufficientLocked),
		errors.Is(err, types.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, types.ErrInvalidInput),
		errors.Is(err, types.ErrInvalidSignature),
		errors.Is(err, types.ErrZeroSlash):
		status = http.StatusBadRequest
	}
	writeError(w, status, err.Error())
}
