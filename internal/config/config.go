// Package config loads the framework options document. Options ship as JSON;
// a YAML sibling is accepted for hand-edited installs. Missing keys keep
// their defaults and a malformed file falls back to defaults entirely.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Timeouts struct {
	PriorityRegistrationMS int `json:"priority_registration_ms" yaml:"priority_registration_ms"`
	RegistrationMS         int `json:"registration_ms" yaml:"registration_ms"`
	ConnectionMS           int `json:"connection_ms" yaml:"connection_ms"`
	IPCMessageMS           int `json:"ipc_message_ms" yaml:"ipc_message_ms"`
	ActionExecutionMS      int `json:"action_execution_ms" yaml:"action_execution_ms"`
}

type Retry struct {
	MaxRetries        int     `json:"max_retries" yaml:"max_retries"`
	InitialDelayMS    int     `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxDelayMS        int     `json:"max_delay_ms" yaml:"max_delay_ms"`
}

type Threading struct {
	PollingIntervalMS int `json:"polling_interval_ms" yaml:"polling_interval_ms"`
	IPCPollIntervalMS int `json:"ipc_poll_interval_ms" yaml:"ipc_poll_interval_ms"`
	QueueMaxSize      int `json:"queue_max_size" yaml:"queue_max_size"`
	ShutdownTimeoutMS int `json:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms"`
}

type APServer struct {
	Server        string `json:"server" yaml:"server"`
	Port          int    `json:"port" yaml:"port"`
	SlotName      string `json:"slot_name" yaml:"slot_name"`
	Password      string `json:"password" yaml:"password"`
	AutoReconnect bool   `json:"auto_reconnect" yaml:"auto_reconnect"`
}

type Config struct {
	GameName     string    `json:"game_name" yaml:"game_name"`
	IDBase       int64     `json:"id_base" yaml:"id_base"`
	LogLevel     string    `json:"log_level" yaml:"log_level"`
	LogFile      string    `json:"log_file" yaml:"log_file"`
	LogToConsole bool      `json:"log_to_console" yaml:"log_to_console"`
	Timeouts     Timeouts  `json:"timeouts" yaml:"timeouts"`
	Retry        Retry     `json:"retry" yaml:"retry"`
	Threading    Threading `json:"threading" yaml:"threading"`
	APServer     APServer  `json:"ap_server" yaml:"ap_server"`
}

func Defaults() Config {
	return Config{
		IDBase:       6_942_067,
		LogLevel:     "info",
		LogFile:      "ap_framework.log",
		LogToConsole: true,
		Timeouts: Timeouts{
			PriorityRegistrationMS: 30000,
			RegistrationMS:         60000,
			ConnectionMS:           30000,
			IPCMessageMS:           5000,
			ActionExecutionMS:      5000,
		},
		Retry: Retry{
			MaxRetries:        3,
			InitialDelayMS:    1000,
			BackoffMultiplier: 2.0,
			MaxDelayMS:        10000,
		},
		Threading: Threading{
			PollingIntervalMS: 16,
			IPCPollIntervalMS: 10,
			QueueMaxSize:      1000,
			ShutdownTimeoutMS: 5000,
		},
		APServer: APServer{
			Server:        "localhost",
			Port:          38281,
			AutoReconnect: true,
		},
	}
}

// Load resolves the options document under baseDir: options.json first, then
// options.yaml. A missing file is not an error. A malformed file returns
// Defaults() together with the parse error so the caller can report
// CONFIG_INVALID and continue.
func Load(baseDir string) (Config, error) {
	for _, name := range []string{"options.json", "options.yaml", "options.yml"} {
		path := filepath.Join(baseDir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return LoadFile(path)
	}
	return Defaults(), nil
}

// LoadFile parses one options document, choosing the decoder by extension.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Defaults(), err
	}

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Defaults(), fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Defaults(), fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return cfg, nil
}
