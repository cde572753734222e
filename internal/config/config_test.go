package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeTempConfig(t, `
stratum_listen: ":3333"
node_rpc_url: "http://localhost:8332"
pool_address: "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Extranonce2Size != 4 {
		t.Fatalf("Extranonce2Size = %d, want default 4", cfg.Extranonce2Size)
	}
	if cfg.JobRetentionCount != 8 {
		t.Fatalf("JobRetentionCount = %d, want default 8", cfg.JobRetentionCount)
	}
	if cfg.VardiffMaxStepUp != 4 || cfg.VardiffMaxStepDown != 0.25 {
		t.Fatalf("vardiff step defaults = %v/%v, want 4/0.25", cfg.VardiffMaxStepUp, cfg.VardiffMaxStepDown)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsMismatchedTLSPaths(t *testing.T) {
	cfg := Config{
		StratumListen: ":3333",
		NodeRPCURL:    "http://localhost:8332",
		PoolAddress:   "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		TLSCertPath:   "cert.pem",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for TLS cert set without key")
	}
}

func TestValidateRequiresPoolAddress(t *testing.T) {
	cfg := Config{
		StratumListen: ":3333",
		NodeRPCURL:    "http://localhost:8332",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing pool_address")
	}
}

func TestValidateRejectsOversizedCoinbaseMessage(t *testing.T) {
	cfg := Config{
		StratumListen:     ":3333",
		NodeRPCURL:        "http://localhost:8332",
		PoolAddress:       "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		Extranonce2Size:   4,
		VardiffMinDifficulty: 0.001,
		VardiffMaxDifficulty: 1,
		CoinbaseMessage:   string(make([]byte, 101)),
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for coinbase_message over 100 bytes")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
