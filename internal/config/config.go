package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type PeerConfig struct {
	ID      string `yaml:"id" validate:"required"`
	Address string `yaml:"address" validate:"required"`
	Port    int    `yaml:"port" validate:"required,min=1,max=65535"`
}

type GossipConfig struct {
	Fanout              int `yaml:"fanout" validate:"min=1"`
	IntervalSeconds     int `yaml:"interval_seconds" validate:"min=1"`
	DefaultTTL          int `yaml:"default_ttl" validate:"min=1"`
	SeenCacheSize       int `yaml:"seen_cache_size" validate:"min=16"`
	BufferMaxAgeSeconds int `yaml:"buffer_max_age_seconds" validate:"min=1"`
}

type ConsensusConfig struct {
	ProposalTimeoutSeconds int  `yaml:"proposal_timeout_seconds" validate:"min=1"`
	RequiredVotes          int  `yaml:"required_votes" validate:"min=1"`
	AutoVote               bool `yaml:"auto_vote"`
	HistorySize            int  `yaml:"history_size" validate:"min=1"`
}

type SafetyConfig struct {
	MetricMin                int      `yaml:"metric_min"`
	MetricMax                int      `yaml:"metric_max" validate:"gtfield=MetricMin"`
	CriticalInterfaces       []string `yaml:"critical_interfaces"`
	MaxRouteInjections       int      `yaml:"max_route_injections" validate:"min=1"`
	MinChangeIntervalSeconds int      `yaml:"min_change_interval_seconds" validate:"min=1"`
	RequireApprovalFor       []string `yaml:"require_approval_for"`
	AutonomousMode           bool     `yaml:"autonomous_mode"`
}

type ExecutorConfig struct {
	ApprovalTimeoutSeconds   int `yaml:"approval_timeout_seconds" validate:"min=1"`
	DiagnosticTimeoutSeconds int `yaml:"diagnostic_timeout_seconds" validate:"min=1"`
	HistorySize              int `yaml:"history_size" validate:"min=1"`
}

type MainConfig struct {
	NodeID       string          `yaml:"node_id"`
	Port         string          `yaml:"port" validate:"required"`
	WebPath      string          `yaml:"web_path" validate:"required"`
	LogPath      string          `yaml:"log_path"`
	GlobalSecret string          `yaml:"global_secret" validate:"omitempty,min=16"`
	Peers        []PeerConfig    `yaml:"peers" validate:"dive"`
	Gossip       GossipConfig    `yaml:"gossip"`
	Consensus    ConsensusConfig `yaml:"consensus"`
	Safety       SafetyConfig    `yaml:"safety"`
	Executor     ExecutorConfig  `yaml:"executor"`
}

func defaultConfig() MainConfig {
	return MainConfig{
		Port:    "25600",
		WebPath: "/agent",
		LogPath: "/var/log/neighbourd/",
		Gossip: GossipConfig{
			Fanout:              3,
			IntervalSeconds:     30,
			DefaultTTL:          3,
			SeenCacheSize:       4096,
			BufferMaxAgeSeconds: 600,
		},
		Consensus: ConsensusConfig{
			ProposalTimeoutSeconds: 300,
			RequiredVotes:          2,
			AutoVote:               true,
			HistorySize:            100,
		},
		Safety: SafetyConfig{
			MetricMin:                1,
			MetricMax:                65535,
			MaxRouteInjections:       10,
			MinChangeIntervalSeconds: 300,
			RequireApprovalFor:       []string{"route_injection", "graceful_shutdown"},
			AutonomousMode:           false,
		},
		Executor: ExecutorConfig{
			ApprovalTimeoutSeconds:   600,
			DiagnosticTimeoutSeconds: 10,
			HistorySize:              1000,
		},
	}
}

// LoadMainConfig reads config/agent.yml under basePath and returns the
// merged configuration. A missing file yields the defaults; a present but
// malformed or invalid file is an error.
func LoadMainConfig(basePath string) (*MainConfig, error) {
	cfg := defaultConfig()

	if basePath == "" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Dir(exePath)
	}
	configPath := filepath.Join(basePath, "config", "agent.yml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	if cfg.NodeID == "" {
		cfg.NodeID = "agent-" + uuid.New().String()
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks structural constraints that yaml parsing cannot express.
func Validate(cfg *MainConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(cfg.Peers) > 0 && cfg.GlobalSecret == "" {
		return fmt.Errorf("invalid config: global_secret is required when peers are configured")
	}
	return nil
}
