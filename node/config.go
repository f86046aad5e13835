// Package node wires crypto, wire, store, uptime, election, workflow,
// invalidation, identity, and p2p into one running process: config
// loading, the orchestration loops, and the status/poll surface.
package node

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every runtime tunable plus the ambient fields a running
// node needs regardless of domain
// (network/data_dir/bind_addr/log_level/peers/max_peers).
type Config struct {
	Network  string   `mapstructure:"network"`
	DataDir  string   `mapstructure:"data_dir"`
	BindAddr string   `mapstructure:"bind_addr"`
	LogLevel string   `mapstructure:"log_level"`
	Peers    []string `mapstructure:"peers"`
	MaxPeers int      `mapstructure:"max_peers"`

	// SelfID pins this node's identity uuid, matching it to the transport
	// identity peers address it by (e.g. a p2p.Loopback constructed with
	// the same id). Generated fresh when empty.
	SelfID string `mapstructure:"-"`

	// SystemLoad overrides the system-load sampler gating the validator
	// role. Nil selects the host loadavg reader; tests inject a constant.
	SystemLoad func() float64 `mapstructure:"-"`

	PulseInterval            time.Duration `mapstructure:"pulse_interval"`
	InactivityThreshold      time.Duration `mapstructure:"inactivity_threshold"`
	UptimeBroadcastInterval  time.Duration `mapstructure:"uptime_broadcast_interval"`
	TargetLeaderCount        int           `mapstructure:"target_leader_count"`
	VotingRounds             int           `mapstructure:"voting_rounds"`
	PhaseTimeout             time.Duration `mapstructure:"phase_timeout"`
	DisqualificationDuration time.Duration `mapstructure:"disqualification_duration"`
	MinValidationTimestamps  int           `mapstructure:"min_validation_timestamps"`
	StaleRawTxDeadline       time.Duration `mapstructure:"stale_raw_tx_deadline"`
	FamilySize               int           `mapstructure:"family_size"`
	RetentionForFinalized    time.Duration `mapstructure:"retention_for_finalized"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".consensuscore"
	}
	return filepath.Join(home, ".consensuscore")
}

func DefaultConfig() Config {
	return Config{
		Network:  "devnet",
		DataDir:  DefaultDataDir(),
		BindAddr: "0.0.0.0:19611",
		Peers:    nil,
		LogLevel: "info",
		MaxPeers: 64,

		PulseInterval:            20 * time.Second,
		InactivityThreshold:      60 * time.Second,
		UptimeBroadcastInterval:  300 * time.Second,
		TargetLeaderCount:        5,
		VotingRounds:             3,
		PhaseTimeout:             60 * time.Second,
		DisqualificationDuration: 24 * time.Hour,
		MinValidationTimestamps:  1,
		StaleRawTxDeadline:       10 * time.Minute,
		FamilySize:               4,
		RetentionForFinalized:    30 * 24 * time.Hour,
	}
}

// LoadConfig reads a YAML config file via viper, falling back to
// DefaultConfig for any field the file omits. An empty path returns
// DefaultConfig unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("node: read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("node: decode config %s: %w", path, err)
	}
	return cfg, nil
}

// NormalizePeers dedupes and flattens comma-joined peer tokens.
func NormalizePeers(raw ...string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		for _, p := range strings.Split(token, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// ValidateConfig checks the full parameter set: every duration must be
// positive and every count must be within a sane bound.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Network) == "" {
		return errors.New("network is required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if err := validateAddr(cfg.BindAddr); err != nil {
		return fmt.Errorf("invalid bind_addr: %w", err)
	}
	for _, peer := range cfg.Peers {
		if err := validatePeerAddr(peer); err != nil {
			return fmt.Errorf("invalid peer %q: %w", peer, err)
		}
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.MaxPeers <= 0 || cfg.MaxPeers > 4096 {
		return errors.New("max_peers must be in (0, 4096]")
	}

	durations := map[string]time.Duration{
		"pulse_interval":            cfg.PulseInterval,
		"inactivity_threshold":      cfg.InactivityThreshold,
		"uptime_broadcast_interval": cfg.UptimeBroadcastInterval,
		"phase_timeout":             cfg.PhaseTimeout,
		"disqualification_duration": cfg.DisqualificationDuration,
		"stale_raw_tx_deadline":     cfg.StaleRawTxDeadline,
		"retention_for_finalized":   cfg.RetentionForFinalized,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if cfg.TargetLeaderCount <= 0 {
		return errors.New("target_leader_count must be > 0")
	}
	if cfg.VotingRounds <= 0 {
		return errors.New("voting_rounds must be > 0")
	}
	if cfg.MinValidationTimestamps <= 0 {
		return errors.New("min_validation_timestamps must be > 0")
	}
	if cfg.FamilySize <= 0 {
		return errors.New("family_size must be > 0")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}

func validatePeerAddr(addr string) error {
	if err := validateAddr(addr); err != nil {
		return err
	}
	host, _, _ := net.SplitHostPort(addr)
	if strings.TrimSpace(host) == "" {
		return errors.New("missing host")
	}
	return nil
}
