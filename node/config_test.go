package node

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := ValidateConfig(DefaultConfig()); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}

func TestValidateConfigRejectsBadBindAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BindAddr = "not-an-addr"
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected invalid bind_addr to be rejected")
	}
}

func TestValidateConfigRejectsZeroDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PhaseTimeout = 0
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected zero phase_timeout to be rejected")
	}
}

func TestValidateConfigRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "verbose"
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected invalid log_level to be rejected")
	}
}

func TestValidateConfigRejectsNonPositiveCounts(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.TargetLeaderCount = 0 },
		func(c *Config) { c.VotingRounds = 0 },
		func(c *Config) { c.MinValidationTimestamps = 0 },
		func(c *Config) { c.FamilySize = 0 },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := ValidateConfig(cfg); err == nil {
			t.Fatalf("expected mutated config to be rejected: %+v", cfg)
		}
	}
}

func TestLoadConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := DefaultConfig()
	if cfg.Network != want.Network || cfg.BindAddr != want.BindAddr || cfg.TargetLeaderCount != want.TargetLeaderCount {
		t.Fatalf("expected default config for empty path, got %+v", cfg)
	}
}

func TestLoadConfigOverridesFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "network: testnet\ndata_dir: " + dir + "\nbind_addr: 127.0.0.1:9000\ntarget_leader_count: 7\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Network != "testnet" || cfg.BindAddr != "127.0.0.1:9000" || cfg.TargetLeaderCount != 7 {
		t.Fatalf("expected overrides applied, got %+v", cfg)
	}
	if cfg.PhaseTimeout != DefaultConfig().PhaseTimeout {
		t.Fatalf("expected unset fields to retain defaults")
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("expected loaded config to validate: %v", err)
	}
}

func TestNormalizePeersDedupesAndSplits(t *testing.T) {
	got := NormalizePeers("a:1, b:2", "b:2", "c:3")
	want := []string{"a:1", "b:2", "c:3"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
