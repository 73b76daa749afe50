package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"workledger/crypto"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress             string   `toml:"RPCAddress"`
	DataDir                string   `toml:"DataDir"`
	NetworkName            string   `toml:"NetworkName"`
	Environment            string   `toml:"Environment"`
	OperatorKeystorePath   string   `toml:"OperatorKeystorePath"`
	ChallengePeriodSeconds int64    `toml:"ChallengePeriodSeconds"`
	ValidatorPoolFile      string   `toml:"ValidatorPoolFile"`
	LogFile                string   `toml:"LogFile"`
	LogMaxSizeMB           int      `toml:"LogMaxSizeMB"`
	LogMaxBackups          int      `toml:"LogMaxBackups"`
	RPCRateLimitPerSecond  int      `toml:"RPCRateLimitPerSecond"`
	RPCRequestBodyLimit    int64    `toml:"RPCRequestBodyLimit"`
	RPCTrustedProxies      []string `toml:"RPCTrustedProxies"`
}

// Load loads the configuration from the given path, creating a default file
// and operator keystore on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./workledger-data"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "workledger-local"
	}
	if cfg.ChallengePeriodSeconds <= 0 {
		cfg.ChallengePeriodSeconds = 86_400
	}
	if cfg.RPCRateLimitPerSecond <= 0 {
		cfg.RPCRateLimitPerSecond = 50
	}
	if cfg.RPCRequestBodyLimit <= 0 {
		cfg.RPCRequestBodyLimit = 1 << 20
	}
	if cfg.RPCTrustedProxies == nil {
		cfg.RPCTrustedProxies = []string{}
	}
	if cfg.LogMaxSizeMB <= 0 {
		cfg.LogMaxSizeMB = 100
	}
	if cfg.LogMaxBackups < 0 {
		cfg.LogMaxBackups = 0
	}
}

func validate(cfg *Config) error {
	if cfg.ChallengePeriodSeconds <= 0 {
		return fmt.Errorf("config: ChallengePeriodSeconds must be positive")
	}
	return nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:  ":8080",
		DataDir:     "./workledger-data",
		NetworkName: "workledger-local",
	}
	cfg.OperatorKeystorePath = keystorePath
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}
