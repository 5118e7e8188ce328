package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when FILLSIM_CONFIG is not set.
const DefaultPath = "config/fillsim.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for fillsim.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
	Engine   Engine   `yaml:"engine"`
	Contract Contract `yaml:"contract"`
}

// Storage holds paths for run inputs and outputs.
type Storage struct {
	DataDir       string `yaml:"data_dir"`
	SQLitePath    string `yaml:"sqlite_path"`
	ArtifactsRoot string `yaml:"artifacts_root"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Engine controls simulation.
type Engine struct {
	Timeframe     string `yaml:"timeframe"`
	MaxWorkers    int    `yaml:"max_workers"`
	RecordExpired bool   `yaml:"record_expired"`
}

// Contract controls the intent contract enforcer.
type Contract struct {
	Strict       bool     `yaml:"strict"`
	ExtraAllowed []string `yaml:"extra_allowed"`
}

// Addr returns the gRPC listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the configuration used for any key a file leaves unset.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:       "data",
			ArtifactsRoot: "artifacts",
		},
		Server: Server{
			Host:     "127.0.0.1",
			GRPCPort: 50551,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Engine: Engine{
			Timeframe:     "1d",
			MaxWorkers:    4,
			RecordExpired: true,
		},
		Contract: Contract{
			Strict: true,
		},
	}
}

// Path returns the config file path from FILLSIM_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("FILLSIM_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path over the defaults,
// then applies environment variable overrides and validates the result. A
// missing file at DefaultPath is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	default:
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ARTIFACTS_ROOT"); v != "" {
		cfg.Storage.ArtifactsRoot = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("FILLSIM_GRPC_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FILLSIM_GRPC_PORT: %w", err)
		}
		cfg.Server.GRPCPort = port
	}
	return nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	var problems []string
	if c.Storage.ArtifactsRoot == "" {
		problems = append(problems, "storage.artifacts_root is empty")
	}
	if c.Engine.Timeframe == "" {
		problems = append(problems, "engine.timeframe is empty")
	}
	if c.Engine.MaxWorkers < 1 {
		problems = append(problems, fmt.Sprintf("engine.max_workers = %d, want >= 1", c.Engine.MaxWorkers))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		problems = append(problems, fmt.Sprintf("server.grpc_port = %d out of range", c.Server.GRPCPort))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q unknown", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q unknown", c.Logging.Format))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
