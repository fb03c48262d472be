package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"

	"github.com/solverbond/solverbond/internal/config"
	"github.com/solverbond/solverbond/internal/core"
	"github.com/solverbond/solverbond/internal/engine"
	"github.com/solverbond/solverbond/pkg/types"
)

var (
	testTreasury   = common.HexToAddress("0x7000000000000000000000000000000000000001")
	testArbitrator = common.HexToAddress("0x00000000000000000000000000000000000000AB")
	testUser       = common.HexToAddress("0x00000000000000000000000000000000000000E1")
	testToken      = common.HexToAddress("0x00000000000000000000000000000000000000F0")
)

type testServer struct {
	srv   *Server
	ts    *httptest.Server
	core  *core.Core
	bus   *engine.Bus
	clock *engine.FakeClock

	key      *ecdsa.PrivateKey
	operator common.Address
	solverID types.SolverID
	domain   types.SignatureDomain
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Protocol.TreasuryAddress = testTreasury.Hex()
	cfg.Protocol.ArbitratorAddress = testArbitrator.Hex()
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("finalize config: %v", err)
	}

	clock := engine.NewFakeClock(time.Unix(1_700_000_000, 0))
	bus := engine.NewBus()
	c, err := core.New(cfg, nil, clock, bus)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}

	srv := NewServer(cfg.API, c, bus, nil)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go srv.wsHub.Run(hubCtx)
	bridgeCancel := srv.bridgeBusToWebSocket()

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(func() {
		ts.Close()
		bridgeCancel()
		hubCancel()
		bus.Close()
	})

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	operator := crypto.PubkeyToAddress(key.PublicKey)
	solverID, err := c.RegisterSolver(operator, "api test solver")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.DepositBond(solverID, big.NewInt(1e18)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	return &testServer{
		srv:      srv,
		ts:       ts,
		core:     c,
		bus:      bus,
		clock:    clock,
		key:      key,
		operator: operator,
		solverID: solverID,
		domain: types.SignatureDomain{
			ChainID:  big.NewInt(cfg.Chain.ChainID),
			Contract: common.HexToAddress(cfg.Chain.ContractAddress),
		},
	}
}

func (f *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

func testFacts(amountOut int64) *types.ResolutionFacts {
	return &types.ResolutionFacts{
		Intent: &types.IntentFacts{
			Recipient: testUser,
			ChainID:   big.NewInt(8453),
			Nonce:     crypto.Keccak256Hash([]byte("nonce-api")),
		},
		Constraints: &types.ConstraintFacts{
			TokensOut:     []common.Address{testToken},
			MinAmountsOut: []*big.Int{big.NewInt(100)},
		},
		Outcome: &types.OutcomeFacts{
			TokensOut:  []common.Address{testToken},
			AmountsOut: []*big.Int{big.NewInt(amountOut)},
			Recipient:  testUser,
			ChainID:    big.NewInt(8453),
		},
	}
}

// signedReceiptRequest builds the wire form of a receipt signed by the
// fixture's operator, plus its expected content hash.
func (f *testServer) signedReceiptRequest(t *testing.T, facts *types.ResolutionFacts, expiry time.Duration) (ReceiptRequest, types.ReceiptID) {
	t.Helper()

	now := f.clock.Now()
	rec := &types.IntentReceipt{
		IntentHash:      facts.Intent.Hash(),
		ConstraintsHash: facts.Constraints.Hash(),
		RouteHash:       crypto.Keccak256Hash([]byte("route")),
		OutcomeHash:     facts.Outcome.Hash(),
		EvidenceHash:    crypto.Keccak256Hash([]byte("evidence")),
		CreatedAt:       now,
		Expiry:          now.Add(expiry),
		SolverID:        f.solverID,
	}
	sig, err := crypto.Sign(rec.SigningDigest(f.domain).Bytes(), f.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec.Signature = sig

	req := ReceiptRequest{
		IntentHash:      rec.IntentHash.Hex(),
		ConstraintsHash: rec.ConstraintsHash.Hex(),
		RouteHash:       rec.RouteHash.Hex(),
		OutcomeHash:     rec.OutcomeHash.Hex(),
		EvidenceHash:    rec.EvidenceHash.Hex(),
		CreatedAt:       rec.CreatedAt.UTC().Format(time.RFC3339),
		Expiry:          rec.Expiry.UTC().Format(time.RFC3339),
		SolverID:        rec.SolverID.Hex(),
		Signature:       hexutil.Encode(sig),
	}
	return req, types.ComputeReceiptID(rec)
}

func TestHealth(t *testing.T) {
	f := newTestServer(t)
	status, body := f.do(t, http.MethodGet, "/health", nil)
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: status %d body %v", status, body)
	}
}

func TestStatus(t *testing.T) {
	f := newTestServer(t)
	status, body := f.do(t, http.MethodGet, "/v1/status", nil)
	if status != http.StatusOK {
		t.Fatalf("status endpoint: %d %v", status, body)
	}
	if body["challenge_bonds"] != "0" {
		t.Errorf("challenge_bonds = %v, want 0", body["challenge_bonds"])
	}
}

func TestSolverRegistration(t *testing.T) {
	f := newTestServer(t)

	operator := common.HexToAddress("0x0000000000000000000000000000000000000A11")
	status, body := f.do(t, http.MethodPost, "/v1/solvers", map[string]string{
		"operator": operator.Hex(),
		"metadata": "http solver",
	})
	if status != http.StatusCreated {
		t.Fatalf("register: %d %v", status, body)
	}
	id := body["solver_id"].(string)

	status, body = f.do(t, http.MethodPost, "/v1/solvers/"+id+"/deposit", map[string]string{
		"amount": "1000000000000000000",
	})
	if status != http.StatusOK {
		t.Fatalf("deposit: %d %v", status, body)
	}

	status, body = f.do(t, http.MethodGet, "/v1/solvers/"+id, nil)
	if status != http.StatusOK {
		t.Fatalf("get solver: %d %v", status, body)
	}
	if body["status"] != "active" {
		t.Errorf("solver status = %v, want active", body["status"])
	}
	if body["bond_balance"] != "1000000000000000000" {
		t.Errorf("bond_balance = %v", body["bond_balance"])
	}
}

func TestSolverRegistration_BadOperator(t *testing.T) {
	f := newTestServer(t)
	status, _ := f.do(t, http.MethodPost, "/v1/solvers", map[string]string{
		"operator": "not-an-address",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestReceiptLifecycle(t *testing.T) {
	f := newTestServer(t)
	req, wantID := f.signedReceiptRequest(t, testFacts(100), time.Hour)

	// Content hash endpoint agrees with local computation before posting.
	status, body := f.do(t, http.MethodPost, "/v1/receipts/id", req)
	if status != http.StatusOK {
		t.Fatalf("compute id: %d %v", status, body)
	}
	if body["receipt_id"] != wantID.Hex() {
		t.Errorf("computed id = %v, want %s", body["receipt_id"], wantID.Hex())
	}

	status, body = f.do(t, http.MethodPost, "/v1/receipts", req)
	if status != http.StatusCreated {
		t.Fatalf("post receipt: %d %v", status, body)
	}
	id := body["receipt_id"].(string)
	if id != wantID.Hex() {
		t.Errorf("posted id = %s, want %s", id, wantID.Hex())
	}

	status, body = f.do(t, http.MethodGet, "/v1/receipts/"+id, nil)
	if status != http.StatusOK {
		t.Fatalf("get receipt: %d %v", status, body)
	}
	if body["status"] != "pending" {
		t.Errorf("receipt status = %v, want pending", body["status"])
	}
	if body["challenge_ends"] == "" {
		t.Error("challenge_ends missing")
	}

	// The challenge window is still open.
	status, _ = f.do(t, http.MethodPost, "/v1/receipts/"+id+"/finalize", nil)
	if status != http.StatusConflict {
		t.Fatalf("early finalize: %d, want 409", status)
	}

	f.clock.Advance(61 * time.Minute)
	status, body = f.do(t, http.MethodPost, "/v1/receipts/"+id+"/finalize", nil)
	if status != http.StatusOK {
		t.Fatalf("finalize: %d %v", status, body)
	}

	status, body = f.do(t, http.MethodGet, "/v1/receipts/"+id, nil)
	if status != http.StatusOK || body["status"] != "finalized" {
		t.Fatalf("after finalize: %d %v", status, body)
	}
}

func TestReceipt_BadSignatureRejected(t *testing.T) {
	f := newTestServer(t)
	req, _ := f.signedReceiptRequest(t, testFacts(100), time.Hour)
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	sig[10] ^= 0xFF
	req.Signature = hexutil.Encode(sig)

	status, _ := f.do(t, http.MethodPost, "/v1/receipts", req)
	if status != http.StatusBadRequest && status != http.StatusForbidden {
		t.Fatalf("status = %d, want signature rejection", status)
	}
}

func TestDisputeDeterministic(t *testing.T) {
	f := newTestServer(t)
	facts := testFacts(40)
	req, _ := f.signedReceiptRequest(t, facts, time.Hour)

	status, body := f.do(t, http.MethodPost, "/v1/receipts", req)
	if status != http.StatusCreated {
		t.Fatalf("post receipt: %d %v", status, body)
	}
	receiptID := body["receipt_id"].(string)

	status, body = f.do(t, http.MethodPost, "/v1/disputes", DisputeRequest{
		ReceiptID:   receiptID,
		Challenger:  testUser.Hex(),
		Beneficiary: testUser.Hex(),
		Reason: ReasonRequest{
			Kind:      "min_out_violation",
			Leg:       0,
			MinOut:    "100",
			ActualOut: "40",
		},
	})
	if status != http.StatusCreated {
		t.Fatalf("open dispute: %d %v", status, body)
	}
	disputeID := body["dispute_id"].(string)

	status, body = f.do(t, http.MethodPost, "/v1/receipts/"+receiptID+"/resolve", FactsRequest{
		Intent: &struct {
			Recipient string `json:"recipient"`
			ChainID   string `json:"chain_id"`
			Nonce     string `json:"nonce"`
		}{
			Recipient: facts.Intent.Recipient.Hex(),
			ChainID:   facts.Intent.ChainID.String(),
			Nonce:     facts.Intent.Nonce.Hex(),
		},
		Constraints: &struct {
			TokensOut     []string `json:"tokens_out"`
			MinAmountsOut []string `json:"min_amounts_out"`
		}{
			TokensOut:     []string{testToken.Hex()},
			MinAmountsOut: []string{"100"},
		},
		Outcome: &struct {
			TokensOut  []string `json:"tokens_out"`
			AmountsOut []string `json:"amounts_out"`
			Recipient  string   `json:"recipient"`
			ChainID    string   `json:"chain_id"`
		}{
			TokensOut:  []string{testToken.Hex()},
			AmountsOut: []string{"40"},
			Recipient:  facts.Outcome.Recipient.Hex(),
			ChainID:    facts.Outcome.ChainID.String(),
		},
	})
	if status != http.StatusOK {
		t.Fatalf("resolve: %d %v", status, body)
	}

	status, body = f.do(t, http.MethodGet, "/v1/disputes/"+disputeID, nil)
	if status != http.StatusOK {
		t.Fatalf("get dispute: %d %v", status, body)
	}
	if body["status"] != "resolved_fault" {
		t.Errorf("dispute status = %v, want resolved_fault", body["status"])
	}

	status, body = f.do(t, http.MethodGet, "/v1/receipts/"+receiptID, nil)
	if status != http.StatusOK || body["status"] != "slashed" {
		t.Fatalf("receipt after slash: %d %v", status, body)
	}

	// The beneficiary's share is claimable, then drained by the claim.
	status, body = f.do(t, http.MethodGet, "/v1/claims/"+testUser.Hex(), nil)
	if status != http.StatusOK {
		t.Fatalf("claimable: %d %v", status, body)
	}
	claimable, ok := new(big.Int).SetString(body["claimable"].(string), 10)
	if !ok || claimable.Sign() <= 0 {
		t.Fatalf("claimable = %v, want positive", body["claimable"])
	}

	status, body = f.do(t, http.MethodPost, "/v1/claims/"+testUser.Hex(), nil)
	if status != http.StatusOK || body["amount"] != claimable.String() {
		t.Fatalf("claim: %d %v, want %s", status, body, claimable)
	}
	status, body = f.do(t, http.MethodGet, "/v1/claims/"+testUser.Hex(), nil)
	if status != http.StatusOK || body["claimable"] != "0" {
		t.Fatalf("after claim: %d %v", status, body)
	}
}

func TestEscrowOverHTTP(t *testing.T) {
	f := newTestServer(t)
	req, _ := f.signedReceiptRequest(t, testFacts(100), time.Hour)

	status, body := f.do(t, http.MethodPost, "/v1/receipts", req)
	if status != http.StatusCreated {
		t.Fatalf("post receipt: %d %v", status, body)
	}
	receiptID := body["receipt_id"].(string)

	status, body = f.do(t, http.MethodPost, "/v1/escrows", map[string]string{
		"receipt_id": receiptID,
		"depositor":  testUser.Hex(),
		"token":      testToken.Hex(),
		"amount":     "500000000000000000",
	})
	if status != http.StatusCreated {
		t.Fatalf("escrow deposit: %d %v", status, body)
	}
	escrowID := body["escrow_id"].(string)

	// Settling before the receipt is terminal is a conflict.
	status, _ = f.do(t, http.MethodPost, "/v1/escrows/"+escrowID+"/settle", nil)
	if status != http.StatusConflict {
		t.Fatalf("early settle: %d, want 409", status)
	}

	f.clock.Advance(61 * time.Minute)
	if status, body = f.do(t, http.MethodPost, "/v1/receipts/"+receiptID+"/finalize", nil); status != http.StatusOK {
		t.Fatalf("finalize: %d %v", status, body)
	}

	status, body = f.do(t, http.MethodPost, "/v1/escrows/"+escrowID+"/settle", nil)
	if status != http.StatusOK {
		t.Fatalf("settle: %d %v", status, body)
	}

	status, body = f.do(t, http.MethodGet, "/v1/escrows/"+escrowID, nil)
	if status != http.StatusOK {
		t.Fatalf("get escrow: %d %v", status, body)
	}
	if body["status"] != "released" {
		t.Errorf("escrow status = %v, want released", body["status"])
	}
	if body["recipient"] != f.operator.Hex() {
		t.Errorf("recipient = %v, want operator %s", body["recipient"], f.operator.Hex())
	}
}

func TestErrorMapping(t *testing.T) {
	f := newTestServer(t)
	missing := crypto.Keccak256Hash([]byte("missing")).Hex()

	status, _ := f.do(t, http.MethodGet, "/v1/receipts/"+missing, nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown receipt: %d, want 404", status)
	}
	status, _ = f.do(t, http.MethodGet, "/v1/receipts/0xnothex", nil)
	if status != http.StatusBadRequest {
		t.Errorf("bad hash: %d, want 400", status)
	}
	status, _ = f.do(t, http.MethodDelete, "/v1/solvers", nil)
	if status != http.StatusMethodNotAllowed {
		t.Errorf("bad method: %d, want 405", status)
	}
	status, _ = f.do(t, http.MethodGet, "/v1/disputes/"+missing, nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown dispute: %d, want 404", status)
	}
}

func TestWebSocketEventFeed(t *testing.T) {
	f := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	if err := conn.WriteJSON(WebSocketMessage{Type: "subscribe", Channel: string(types.EvReceiptPosted)}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Give the hub a moment to register the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for f.srv.wsHub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	req, wantID := f.signedReceiptRequest(t, testFacts(100), time.Hour)
	if status, body := f.do(t, http.MethodPost, "/v1/receipts", req); status != http.StatusCreated {
		t.Fatalf("post receipt: %d %v", status, body)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg WebSocketMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if msg.Type != "event" || msg.Channel != string(types.EvReceiptPosted) {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.ReceiptID != wantID {
			t.Errorf("event receipt = %s, want %s", ev.ReceiptID.Hex(), wantID.Hex())
		}
		return
	}
}

func TestRateLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Protocol.TreasuryAddress = testTreasury.Hex()
	cfg.Protocol.ArbitratorAddress = testArbitrator.Hex()
	cfg.API.RateLimitRequests = 3
	cfg.API.RateLimitWindowSecs = 60
	if err := cfg.Finalize(); err != nil {
		t.Fatalf("finalize config: %v", err)
	}

	clock := engine.NewFakeClock(time.Unix(1_700_000_000, 0))
	c, err := core.New(cfg, nil, clock, nil)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	srv := NewServer(cfg.API, c, nil, nil)
	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	limited := false
	for i := 0; i < 10; i++ {
		resp, err := ts.Client().Get(fmt.Sprintf("%s/v1/status", ts.URL))
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			if resp.Header.Get("Retry-After") == "" {
				t.Error("429 without Retry-After")
			}
			break
		}
	}
	if !limited {
		t.Fatal("burst of 10 requests never rate limited")
	}
}
