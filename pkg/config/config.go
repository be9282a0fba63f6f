// Package config loads the engine configuration from YAML with
// environment overrides. Defaults match the reference deployment; a
// config that fails Validate is fatal at startup.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Storage
	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	// API server
	APIHost string `yaml:"api_host"`
	APIPort int    `yaml:"api_port"`

	// Ops server (metrics + health probes)
	OpsPort int `yaml:"ops_port"`

	// Assignment timing
	MaxAssignmentTimeMs int `yaml:"max_assignment_time_ms"`

	// Call duration parameters (in seconds)
	CallDurationMean float64 `yaml:"call_duration_mean"`
	CallDurationStd  float64 `yaml:"call_duration_std"`

	// Conversion probability matrix: agent type -> call type -> P(OK)
	ConversionMatrix map[string]map[string]float64 `yaml:"conversion_matrix"`

	// Agent and call types
	AgentTypes []string `yaml:"agent_types"`
	CallTypes  []string `yaml:"call_types"`

	// Webhook configuration
	WebhookURL            string `yaml:"webhook_url"`
	WebhookTimeoutSeconds int    `yaml:"webhook_timeout"`

	// Test configuration
	TestNumCalls  int `yaml:"test_num_calls"`
	TestNumAgents int `yaml:"test_num_agents"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		RedisURL:            "redis://localhost:6379/0",
		DatabaseURL:         "",
		APIHost:             "0.0.0.0",
		APIPort:             8000,
		OpsPort:             9090,
		MaxAssignmentTimeMs: 100,
		CallDurationMean:    180.0,
		CallDurationStd:     180.0,
		ConversionMatrix: map[string]map[string]float64{
			"agente_tipo_1": {
				"llamada_tipo_1": 0.30,
				"llamada_tipo_2": 0.20,
				"llamada_tipo_3": 0.10,
				"llamada_tipo_4": 0.05,
			},
			"agente_tipo_2": {
				"llamada_tipo_1": 0.20,
				"llamada_tipo_2": 0.15,
				"llamada_tipo_3": 0.07,
				"llamada_tipo_4": 0.04,
			},
			"agente_tipo_3": {
				"llamada_tipo_1": 0.15,
				"llamada_tipo_2": 0.12,
				"llamada_tipo_3": 0.06,
				"llamada_tipo_4": 0.03,
			},
			"agente_tipo_4": {
				"llamada_tipo_1": 0.12,
				"llamada_tipo_2": 0.10,
				"llamada_tipo_3": 0.04,
				"llamada_tipo_4": 0.02,
			},
		},
		AgentTypes:            []string{"agente_tipo_1", "agente_tipo_2", "agente_tipo_3", "agente_tipo_4"},
		CallTypes:             []string{"llamada_tipo_1", "llamada_tipo_2", "llamada_tipo_3", "llamada_tipo_4"},
		WebhookURL:            "http://localhost:8001/webhook",
		WebhookTimeoutSeconds: 5,
		TestNumCalls:          100,
		TestNumAgents:         20,
	}
}

// Load builds the configuration: defaults, then the YAML file (if any),
// then environment overrides. A .env file in the working directory is
// honored.
func Load(path string) (*Config, error) {
	// Missing .env is the normal case.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Environment overrides
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("API_HOST"); v != "" {
		cfg.APIHost = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid API_PORT %q: %w", v, err)
		}
		cfg.APIPort = p
	}
	if v := os.Getenv("OPS_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid OPS_PORT %q: %w", v, err)
		}
		cfg.OpsPort = p
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is required")
	}
	if len(c.AgentTypes) == 0 {
		return fmt.Errorf("agent_types must not be empty")
	}
	if len(c.CallTypes) == 0 {
		return fmt.Errorf("call_types must not be empty")
	}
	if c.CallDurationMean <= 0 {
		return fmt.Errorf("call_duration_mean must be positive")
	}
	if c.CallDurationStd < 0 {
		return fmt.Errorf("call_duration_std must not be negative")
	}
	if c.MaxAssignmentTimeMs <= 0 {
		return fmt.Errorf("max_assignment_time_ms must be positive")
	}
	for agentType, row := range c.ConversionMatrix {
		for callType, p := range row {
			if p < 0 || p > 1 {
				return fmt.Errorf("conversion_matrix[%s][%s] = %v is out of [0,1]", agentType, callType, p)
			}
		}
	}
	return nil
}
