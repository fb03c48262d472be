package identity

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/solverbond/solverbond/pkg/types"
)

func TestLoad_EmptyDir(t *testing.T) {
	dir := t.TempDir()

	w, err := Load(dir)
	if err != nil {
		t.Fatalf("Load on empty dir: %v", err)
	}
	if w != nil {
		t.Fatal("expected nil wallet for empty keystore dir")
	}
	if w.IsLoaded() {
		t.Error("nil wallet must report not loaded")
	}
}

func TestLoad_CreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nonexistent", "keystore")

	w, err := Load(dir)
	if err != nil {
		t.Fatalf("Load on non-existent dir: %v", err)
	}
	if w != nil {
		t.Fatal("expected nil wallet for non-existent dir")
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected directory to be created: %v", err)
	}
}

func TestCreate(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir, "test-password-123")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !w.IsLoaded() {
		t.Error("expected IsLoaded")
	}
	if w.Address() == (common.Address{}) {
		t.Error("expected non-zero address")
	}
	if w.KeystoreDir() != dir {
		t.Errorf("keystore dir = %s, want %s", w.KeystoreDir(), dir)
	}

	if _, err := Create(dir, "other-password"); err == nil {
		t.Error("second Create in same dir must fail")
	}
}

func TestImport_RoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))
	wantAddr := crypto.PubkeyToAddress(key.PublicKey)

	dir := t.TempDir()
	w, err := Import(dir, hexKey, "pw")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if w.Address() != wantAddr {
		t.Errorf("address = %s, want %s", w.Address().Hex(), wantAddr.Hex())
	}

	loaded, err := Load(dir)
	if err != nil || !loaded.IsLoaded() {
		t.Fatalf("Load after import: %v", err)
	}
	if loaded.Address() != wantAddr {
		t.Errorf("loaded address = %s, want %s", loaded.Address().Hex(), wantAddr.Hex())
	}
}

func TestImport_BadHex(t *testing.T) {
	if _, err := Import(t.TempDir(), "not-hex", "pw"); err == nil {
		t.Error("expected error for invalid key hex")
	}
}

func TestSignReceipt(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "pw")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	domain := types.SignatureDomain{
		ChainID:  big.NewInt(8453),
		Contract: common.HexToAddress("0x00000000000000000000000000000000000000AA"),
	}
	now := time.Unix(1_700_000_000, 0)
	r := &types.IntentReceipt{
		IntentHash:      crypto.Keccak256Hash([]byte("intent")),
		ConstraintsHash: crypto.Keccak256Hash([]byte("constraints")),
		RouteHash:       crypto.Keccak256Hash([]byte("route")),
		OutcomeHash:     crypto.Keccak256Hash([]byte("outcome")),
		EvidenceHash:    crypto.Keccak256Hash([]byte("evidence")),
		CreatedAt:       now,
		Expiry:          now.Add(time.Hour),
		SolverID:        types.SolverID(crypto.Keccak256Hash([]byte("solver"))),
	}

	if err := w.SignReceipt(r, domain, "pw"); err != nil {
		t.Fatalf("SignReceipt: %v", err)
	}
	signer, err := r.RecoverSigner(domain)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if signer != w.Address() {
		t.Errorf("recovered %s, want wallet address %s", signer.Hex(), w.Address().Hex())
	}
}

func TestPrivateKey_WrongPassword(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "correct")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := w.PrivateKey("wrong"); err == nil {
		t.Error("expected decrypt failure with wrong password")
	}

	key, err := w.PrivateKey("correct")
	if err != nil || key == nil {
		t.Fatalf("PrivateKey: %v", err)
	}

	w.ClearCachedKey()
	if w.privateKey != nil {
		t.Error("cached key not cleared")
	}
}
