package identity

import (
	"crypto/ecdsa"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/solverbond/solverbond/pkg/types"
)

// OperatorWallet holds the solver operator's signing key in an encrypted
// geth keystore. Receipts posted to the hub carry signatures produced here.
type OperatorWallet struct {
	keystore   *keystore.KeyStore
	keyPath    string
	address    common.Address
	privateKey *ecdsa.PrivateKey
	loaded     bool
}

// Load opens an existing wallet from the keystore directory. Returns
// (nil, nil) if no wallet file is found, signalling read-only mode.
func Load(keystoreDir string) (*OperatorWallet, error) {
	if err := os.MkdirAll(keystoreDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}

	ks := keystore.NewKeyStore(keystoreDir, keystore.StandardScryptN, keystore.StandardScryptP)
	accounts := ks.Accounts()
	if len(accounts) == 0 {
		return nil, nil
	}

	return &OperatorWallet{
		keystore: ks,
		keyPath:  keystoreDir,
		address:  accounts[0].Address,
		loaded:   true,
	}, nil
}

// Create makes a new wallet in the keystore directory. Fails if one already
// exists; use Load for that.
func Create(keystoreDir, password string) (*OperatorWallet, error) {
	if err := os.MkdirAll(keystoreDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}

	ks := keystore.NewKeyStore(keystoreDir, keystore.StandardScryptN, keystore.StandardScryptP)
	if len(ks.Accounts()) > 0 {
		return nil, fmt.Errorf("wallet already exists in %s", keystoreDir)
	}

	account, err := ks.NewAccount(password)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	return &OperatorWallet{
		keystore: ks,
		keyPath:  keystoreDir,
		address:  account.Address,
		loaded:   true,
	}, nil
}

// Import brings a hex-encoded private key into a fresh keystore directory.
func Import(keystoreDir, privKeyHex, password string) (*OperatorWallet, error) {
	if err := os.MkdirAll(keystoreDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}

	ks := keystore.NewKeyStore(keystoreDir, keystore.StandardScryptN, keystore.StandardScryptP)
	if len(ks.Accounts()) > 0 {
		return nil, fmt.Errorf("wallet already exists in %s", keystoreDir)
	}

	privateKey, err := crypto.HexToECDSA(privKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}

	account, err := ks.ImportECDSA(privateKey, password)
	if err != nil {
		return nil, fmt.Errorf("failed to import key: %w", err)
	}

	return &OperatorWallet{
		keystore: ks,
		keyPath:  keystoreDir,
		address:  account.Address,
		loaded:   true,
	}, nil
}

// IsLoaded reports whether a wallet is available for signing.
func (w *OperatorWallet) IsLoaded() bool {
	return w != nil && w.loaded
}

// Address returns the operator address.
func (w *OperatorWallet) Address() common.Address {
	return w.address
}

// KeystoreDir returns the keystore directory path.
func (w *OperatorWallet) KeystoreDir() string {
	return w.keyPath
}

// PrivateKey decrypts and caches the signing key.
func (w *OperatorWallet) PrivateKey(password string) (*ecdsa.PrivateKey, error) {
	if w.privateKey != nil {
		return w.privateKey, nil
	}

	accounts := w.keystore.Accounts()
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts found")
	}

	keyJSON, err := os.ReadFile(accounts[0].URL.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key, err := keystore.DecryptKey(keyJSON, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}

	w.privateKey = key.PrivateKey
	return key.PrivateKey, nil
}

// ClearCachedKey zeros and drops the cached private key. It is re-derived
// from the keystore on next use.
func (w *OperatorWallet) ClearCachedKey() {
	if w.privateKey != nil {
		w.privateKey.D.SetUint64(0)
		w.privateKey = nil
	}
}

// SignHash signs a 32-byte hash with the operator key.
func (w *OperatorWallet) SignHash(hash []byte, password string) ([]byte, error) {
	privateKey, err := w.PrivateKey(password)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(hash, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign hash: %w", err)
	}
	return signature, nil
}

// SignReceipt computes the receipt's domain-bound digest and attaches the
// operator's signature to it.
func (w *OperatorWallet) SignReceipt(r *types.IntentReceipt, domain types.SignatureDomain, password string) error {
	if r == nil {
		return fmt.Errorf("%w: nil receipt", types.ErrInvalidInput)
	}
	sig, err := w.SignHash(r.SigningDigest(domain).Bytes(), password)
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}
