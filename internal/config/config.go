package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the process-wide application configuration, set once by
// LoadConfig the way the teacher's AppConfig is set once at boot.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Queue    QueueConfig    `yaml:"queue"`
	CORS     CORSConfig     `yaml:"cors"`
	Chains   ChainsConfig   `yaml:"chains"`
	LogLevel string         `yaml:"logLevel"`
}

// ServerConfig is the HTTP bind address.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig is the relational store DSN.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// QueueConfig names the durable-queue backend DSN. The env var is named
// REDIS_URL per spec.md's external-interfaces contract even though the
// concrete broker wired in is NATS JetStream - see DESIGN.md's Open
// Question resolution.
type QueueConfig struct {
	URL string `yaml:"url"`
}

// CORSConfig controls the allow-list applied by the router's corsMiddleware.
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

// ChainsConfig points at the two on-disk chain documents.
type ChainsConfig struct {
	RegistryPath      string `yaml:"registryPath"`
	PollingConfigPath string `yaml:"pollingConfigPath"`
	EVMRpcURLs        string `yaml:"evmRpcUrls"`
	TendermintRpcURLs string `yaml:"tendermintRpcUrls"`
	// NobleChainID names the registry entry acting as the Noble CCTP+IBC
	// hub, since neither flow direction carries it as initialChain or
	// destinationChain - Noble is always the middle hop.
	NobleChainID string `yaml:"nobleChainId"`
}

// AppConfig is the global, process-wide loaded configuration.
var AppConfig *Config

// LoadConfig reads configPath (if present) then overlays environment
// variables, mirroring the teacher's LoadConfig/overrideFromEnv split in
// internal/config/config.go: YAML gives defaults, env vars always win when
// set and non-empty.
func LoadConfig(configPath string) error {
	config := &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		CORS:   CORSConfig{AllowedOrigins: []string{"*"}, AllowCredentials: true, MaxAge: 3600},
		Chains: ChainsConfig{NobleChainID: "noble-1"},
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
			log.Printf("⚠️ Config file %s not found, using defaults + environment overrides", configPath)
		} else if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
	}

	overrideFromEnv(config)

	AppConfig = config
	return nil
}

// overrideFromEnv reads each environment variable named in spec.md §6 and
// applies it only when present and non-empty, exactly the teacher's pattern.
func overrideFromEnv(config *Config) {
	if v := os.Getenv("HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		} else {
			log.Printf("⚠️ Invalid PORT value %q, keeping %d", v, config.Server.Port)
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		allowed := make([]string, 0, len(origins))
		for _, o := range origins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				allowed = append(allowed, trimmed)
			}
		}
		if len(allowed) > 0 {
			config.CORS.AllowedOrigins = allowed
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Database.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		config.Queue.URL = v
	}
	if v := os.Getenv("EVM_RPC_URLS"); v != "" {
		config.Chains.EVMRpcURLs = v
	}
	if v := os.Getenv("TENDERMINT_RPC_URLS"); v != "" {
		config.Chains.TendermintRpcURLs = v
	}
	if v := os.Getenv("CHAIN_REGISTRY_PATH"); v != "" {
		config.Chains.RegistryPath = v
	}
	if v := os.Getenv("CHAIN_POLLING_CONFIGS"); v != "" {
		// JSON override handled by config.LoadChainPollingConfig; stash the raw
		// value so the caller can decide to parse it as inline JSON instead of
		// a path.
		config.Chains.PollingConfigPath = v
	}
	if v := os.Getenv("NOBLE_CHAIN_ID"); v != "" {
		config.Chains.NobleChainID = v
	}
}
