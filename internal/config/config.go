// Package config loads relay configuration from a YAML file with
// environment-variable overrides, following the nested-struct-per-concern
// layout the rest of this codebase's config loaders use. Secrets are never
// read from YAML — only from the environment — so a checked-in config file
// can never leak the relay token or spawn secret.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config is the root of the relay's configuration tree.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Apex          ApexConfig          `yaml:"apex"`
	Gate          GateConfig          `yaml:"gate"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Registry      RegistryConfig      `yaml:"registry"`
	Session       SessionConfig       `yaml:"session"`
	Vessel        VesselConfig        `yaml:"vessel"`
	Runner        RunnerConfig        `yaml:"runner"`
	CapitalFlow   CapitalFlowConfig   `yaml:"capital_flow"`
	Watchdog      WatchdogConfig      `yaml:"watchdog"`
	Audit         AuditConfig         `yaml:"audit"`
	PositionState PositionStateConfig `yaml:"position_state"`

	// Secrets — environment only, never persisted to YAML.
	RelayToken  string `yaml:"-"`
	SpawnSecret string `yaml:"-"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type ApexConfig struct {
	BaseURL         string        `yaml:"base_url"`
	StatusTimeout   time.Duration `yaml:"status_timeout"`
	TradeTimeout    time.Duration `yaml:"trade_timeout"`
	SellTimeout     time.Duration `yaml:"sell_timeout"`
	TransferTimeout time.Duration `yaml:"transfer_timeout"`
	NotifyTimeout   time.Duration `yaml:"notify_timeout"`
}

type GateConfig struct {
	ArtifactDir string        `yaml:"artifact_dir"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	ApexName    string        `yaml:"apex_name"`
}

type RateLimitConfig struct {
	TradeLimit  int           `yaml:"trade_limit"`
	TradeWindow time.Duration `yaml:"trade_window"`
	ReadLimit   int           `yaml:"read_limit"`
	ReadWindow  time.Duration `yaml:"read_window"`
}

type RegistryConfig struct {
	Whitelist             []string      `yaml:"whitelist"`
	SnapshotPath          string        `yaml:"snapshot_path"`
	ManagerHeartbeatLimit time.Duration `yaml:"manager_heartbeat_limit"`
}

type SessionConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type VesselConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxConnections   int           `yaml:"max_connections"`
}

type RunnerConfig struct {
	ExecutorPath string `yaml:"executor_path"`
	RunscPath    string `yaml:"runsc_path"`
	ConfigDir    string `yaml:"config_dir"`
	SelfAddr     string `yaml:"self_addr"`
}

type CapitalFlowConfig struct {
	GasReserveSOL     float64 `yaml:"gas_reserve_sol"`
	SelfReserveSOL    float64 `yaml:"self_reserve_sol"`
	TxFeeBufferSOL    float64 `yaml:"tx_fee_buffer_sol"`
	MinReturnableSOL  float64 `yaml:"min_returnable_sol"`
	DustUSDThreshold  float64 `yaml:"dust_usd_threshold"`
	GasSellThreshold  float64 `yaml:"gas_sell_threshold_sol"`
}

type WatchdogConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type AuditConfig struct {
	LogPath string `yaml:"log_path"`
}

// PositionStateConfig names the file a side process writes worker
// position state to. The relay only ever reads it.
type PositionStateConfig struct {
	Path string `yaml:"path"`
}

// Defaults mirrors the reference configuration in spec.md.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Apex: ApexConfig{
			BaseURL:         "http://localhost:5001",
			StatusTimeout:   15 * time.Second,
			TradeTimeout:    90 * time.Second,
			SellTimeout:     30 * time.Second,
			TransferTimeout: 90 * time.Second,
			NotifyTimeout:   15 * time.Second,
		},
		Gate: GateConfig{
			ArtifactDir: "/var/lib/relay/gates",
			CacheTTL:    60 * time.Second,
			ApexName:    "Apex",
		},
		RateLimit: RateLimitConfig{
			TradeLimit:  5,
			TradeWindow: 60 * time.Second,
			ReadLimit:   30,
			ReadWindow:  60 * time.Second,
		},
		Registry: RegistryConfig{
			SnapshotPath:          "/var/lib/relay/availability.json",
			ManagerHeartbeatLimit: 5 * time.Hour,
		},
		Session: SessionConfig{Timeout: 5 * time.Hour},
		Vessel: VesselConfig{
			HandshakeTimeout: 10 * time.Second,
			MaxConnections:   3,
		},
		Runner: RunnerConfig{
			ExecutorPath: "/usr/local/bin/vessel-executor",
			RunscPath:    "/usr/local/bin/runsc",
			ConfigDir:    "/var/lib/relay/runner-configs",
		},
		CapitalFlow: CapitalFlowConfig{
			GasReserveSOL:    0.01,
			SelfReserveSOL:   0.01,
			TxFeeBufferSOL:   0.005,
			MinReturnableSOL: 0.002,
			DustUSDThreshold: 0.50,
			GasSellThreshold: 0.003,
		},
		Watchdog:      WatchdogConfig{Interval: 300 * time.Second},
		Audit:         AuditConfig{LogPath: "/var/log/relay/audit.jsonl"},
		PositionState: PositionStateConfig{Path: "/var/lib/relay/position-state.json"},
	}
}

// Load reads a YAML file (if present), applies environment overrides, and
// loads the required secrets. It fails closed: a missing RELAY_TOKEN or
// SPAWN_SECRET is a fatal error, never a silently-disabled feature.
func Load(path string) (Config, error) {
	_ = godotenv.Load() // best-effort local .env, mirrors the teacher's dev convenience

	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	cfg.RelayToken = os.Getenv("RELAY_TOKEN")
	cfg.SpawnSecret = os.Getenv("SPAWN_SECRET")

	if cfg.RelayToken == "" {
		return cfg, fmt.Errorf("config: RELAY_TOKEN is not set — refusing to start with no auth")
	}
	if cfg.SpawnSecret == "" {
		return cfg, fmt.Errorf("config: SPAWN_SECRET is not set — gate verification would fail closed for every worker")
	}

	if len(cfg.Registry.Whitelist) == 0 {
		if w := os.Getenv("RELAY_WHITELIST"); w != "" {
			cfg.Registry.Whitelist = strings.Split(w, ",")
		}
	}

	return cfg, nil
}

// applyEnvOverrides lets deployment-specific values win over the YAML file
// without requiring a templating layer in front of the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAY_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("APEX_BASE_URL"); v != "" {
		cfg.Apex.BaseURL = v
	}
	if v := os.Getenv("GATE_ARTIFACT_DIR"); v != "" {
		cfg.Gate.ArtifactDir = v
	}
	if v := os.Getenv("REGISTRY_SNAPSHOT_PATH"); v != "" {
		cfg.Registry.SnapshotPath = v
	}
	if v := os.Getenv("AUDIT_LOG_PATH"); v != "" {
		cfg.Audit.LogPath = v
	}
	if v := os.Getenv("POSITION_STATE_PATH"); v != "" {
		cfg.PositionState.Path = v
	}
	if v := os.Getenv("RUNNER_EXECUTOR_PATH"); v != "" {
		cfg.Runner.ExecutorPath = v
	}
	if v := os.Getenv("RUNNER_CONFIG_DIR"); v != "" {
		cfg.Runner.ConfigDir = v
	}
	if v := os.Getenv("RUNNER_SELF_ADDR"); v != "" {
		cfg.Runner.SelfAddr = v
	}
	if v := os.Getenv("SESSION_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Session.Timeout = time.Duration(n) * time.Second
		}
	}
}
