package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration
type Config struct {
	Daemon   DaemonConfig   `yaml:"daemon"`
	API      APIConfig      `yaml:"api"`
	Chain    ChainConfig    `yaml:"chain"`
	Protocol ProtocolConfig `yaml:"protocol"`
}

// DaemonConfig contains daemon settings
type DaemonConfig struct {
	DataDir     string `yaml:"data_dir"`
	KeystoreDir string `yaml:"keystore_dir"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // "json" or "text"
}

// APIConfig contains API server settings
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// Rate limiting
	RateLimitRequests   int `yaml:"rate_limit_requests"`    // Max requests per window (default: 100)
	RateLimitWindowSecs int `yaml:"rate_limit_window_secs"` // Window duration in seconds (default: 60)

	// Timeouts
	ReadTimeoutSecs  int `yaml:"read_timeout_secs"`  // Read timeout (default: 30)
	WriteTimeoutSecs int `yaml:"write_timeout_secs"` // Write timeout (default: 30)
	IdleTimeoutSecs  int `yaml:"idle_timeout_secs"`  // Idle connection timeout (default: 120)

	MaxRequestSize int `yaml:"max_request_size"` // Max request body size in bytes (default: 1MB)
}

// ChainConfig binds signatures to one chain and one deployment.
type ChainConfig struct {
	ChainID         int64  `yaml:"chain_id"`
	ContractAddress string `yaml:"contract_address"`
}

// ProtocolConfig contains the economic and timing parameters of the
// accountability protocol. Durations are parsed from Go duration strings.
type ProtocolConfig struct {
	// Timing windows.
	ChallengeWindow    time.Duration `yaml:"challenge_window"`    // default 1h
	EvidenceWindow     time.Duration `yaml:"evidence_window"`     // default 24h
	ArbitrationTimeout time.Duration `yaml:"arbitration_timeout"` // default 168h
	CounterBondWindow  time.Duration `yaml:"counter_bond_window"` // default 24h
	WithdrawalCooldown time.Duration `yaml:"withdrawal_cooldown"` // default 168h

	// Bond amounts, wei-denominated decimal strings.
	MinActivationBondString string   `yaml:"min_activation_bond"`
	ReceiptBondString       string   `yaml:"receipt_bond"`
	ArbitrationFeeString    string   `yaml:"arbitration_fee"`
	MinActivationBond       *big.Int `yaml:"-"`
	ReceiptBond             *big.Int `yaml:"-"`
	ArbitrationFee          *big.Int `yaml:"-"`

	// Challenger bond for the optimistic path, in basis points of the
	// solver's locked bond.
	ChallengerBondBps int `yaml:"challenger_bond_bps"` // default 1000 (10%)

	// Cut of a forfeited optimistic-path bond retained by the treasury
	// before the remainder reaches the winner.
	ProtocolFeeBps int `yaml:"protocol_fee_bps"` // default 500 (5%)

	// Slash distributions in basis points; each triple must sum to 10000.
	DeterministicSplit SplitConfig `yaml:"deterministic_split"`
	ArbitratedSplit    SplitConfig `yaml:"arbitrated_split"`

	// Jail threshold: a solver is jailed after this many faults.
	JailAfterFaults int `yaml:"jail_after_faults"`

	// Arbitrator authorized to rule on subjective disputes.
	ArbitratorAddress string `yaml:"arbitrator_address"`
	// Treasury receiving the protocol's slash share.
	TreasuryAddress string `yaml:"treasury_address"`
}

// SplitConfig is a slash distribution in basis points.
type SplitConfig struct {
	UserBps       int `yaml:"user_bps"`
	ChallengerBps int `yaml:"challenger_bps"` // treasury share on the arbitrated path
	TreasuryBps   int `yaml:"treasury_bps"`   // arbitrator share on the arbitrated path
}

// Sum returns the total basis points of the split.
func (s SplitConfig) Sum() int {
	return s.UserBps + s.ChallengerBps + s.TreasuryBps
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".solverbond")

	return &Config{
		Daemon: DaemonConfig{
			DataDir:     filepath.Join(base, "data"),
			KeystoreDir: filepath.Join(base, "keystore"),
			LogLevel:    "info",
			LogFormat:   "json",
		},
		API: APIConfig{
			ListenAddr:          "127.0.0.1:8640",
			RateLimitRequests:   100,
			RateLimitWindowSecs: 60,
			ReadTimeoutSecs:     30,
			WriteTimeoutSecs:    30,
			IdleTimeoutSecs:     120,
			MaxRequestSize:      1 << 20,
		},
		Chain: ChainConfig{
			ChainID:         8453,
			ContractAddress: "0x0000000000000000000000000000000000000000",
		},
		Protocol: ProtocolConfig{
			ChallengeWindow:         time.Hour,
			EvidenceWindow:          24 * time.Hour,
			ArbitrationTimeout:      7 * 24 * time.Hour,
			CounterBondWindow:       24 * time.Hour,
			WithdrawalCooldown:      7 * 24 * time.Hour,
			MinActivationBondString: "1000000000000000000", // 1 unit, 18 decimals
			ReceiptBondString:       "1000000000000000000",
			ArbitrationFeeString:    "10000000000000000", // 0.01 unit
			ChallengerBondBps:       1000,
			ProtocolFeeBps:          500,
			DeterministicSplit:      SplitConfig{UserBps: 8000, ChallengerBps: 1500, TreasuryBps: 500},
			ArbitratedSplit:         SplitConfig{UserBps: 7000, ChallengerBps: 2000, TreasuryBps: 1000},
			JailAfterFaults:         3,
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for any
// fields not present.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file is fine; run on defaults.
			if err := cfg.Finalize(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Finalize parses the string-encoded big.Int fields and validates the result.
func (c *Config) Finalize() error {
	var err error
	if c.Protocol.MinActivationBond, err = parseWei(c.Protocol.MinActivationBondString, "min_activation_bond"); err != nil {
		return err
	}
	if c.Protocol.ReceiptBond, err = parseWei(c.Protocol.ReceiptBondString, "receipt_bond"); err != nil {
		return err
	}
	if c.Protocol.ArbitrationFee, err = parseWei(c.Protocol.ArbitrationFeeString, "arbitration_fee"); err != nil {
		return err
	}
	return c.Validate()
}

func parseWei(s, field string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v := new(big.Int)
	if _, ok := v.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid %s value: %s", field, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative %s value: %s", field, s)
	}
	return v, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	p := &c.Protocol

	if p.ChallengeWindow <= 0 {
		return fmt.Errorf("challenge_window must be positive")
	}
	if p.EvidenceWindow <= 0 {
		return fmt.Errorf("evidence_window must be positive")
	}
	if p.ArbitrationTimeout <= 0 {
		return fmt.Errorf("arbitration_timeout must be positive")
	}
	if p.CounterBondWindow <= 0 {
		return fmt.Errorf("counter_bond_window must be positive")
	}
	if p.ChallengerBondBps <= 0 || p.ChallengerBondBps > 10000 {
		return fmt.Errorf("challenger_bond_bps must be in (0, 10000], got %d", p.ChallengerBondBps)
	}
	if p.ProtocolFeeBps < 0 || p.ProtocolFeeBps >= 10000 {
		return fmt.Errorf("protocol_fee_bps must be in [0, 10000), got %d", p.ProtocolFeeBps)
	}
	if got := p.DeterministicSplit.Sum(); got != 10000 {
		return fmt.Errorf("deterministic_split must sum to 10000 bps, got %d", got)
	}
	if got := p.ArbitratedSplit.Sum(); got != 10000 {
		return fmt.Errorf("arbitrated_split must sum to 10000 bps, got %d", got)
	}
	if p.MinActivationBond != nil && p.MinActivationBond.Sign() <= 0 {
		return fmt.Errorf("min_activation_bond must be positive")
	}
	if p.ReceiptBond != nil && p.ReceiptBond.Sign() <= 0 {
		return fmt.Errorf("receipt_bond must be positive")
	}
	if p.JailAfterFaults <= 0 {
		return fmt.Errorf("jail_after_faults must be positive")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain_id must be positive")
	}
	if c.Chain.ContractAddress != "" && !common.IsHexAddress(c.Chain.ContractAddress) {
		return fmt.Errorf("invalid contract_address: %s", c.Chain.ContractAddress)
	}
	if p.ArbitratorAddress != "" && !common.IsHexAddress(p.ArbitratorAddress) {
		return fmt.Errorf("invalid arbitrator_address: %s", p.ArbitratorAddress)
	}
	if p.TreasuryAddress != "" && !common.IsHexAddress(p.TreasuryAddress) {
		return fmt.Errorf("invalid treasury_address: %s", p.TreasuryAddress)
	}

	switch strings.ToLower(c.Daemon.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %s", c.Daemon.LogFormat)
	}

	return nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".solverbond", "config.yaml")
}
