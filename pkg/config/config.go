// Package config loads the cabinet controller's on-disk YAML configuration
// and applies environment-variable overrides on top of it, the same
// caarlos0/env + yaml.v3 combination the rest of the fleet tooling uses for
// container/systemd deployments.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DeviceConfig is one statically-configured relay node.
type DeviceConfig struct {
	Node int    `yaml:"node"`
	Name string `yaml:"name"`
}

// GroupChannelConfig binds one channel of one node into a group's explicit
// channel set.
type GroupChannelConfig struct {
	Node    int   `yaml:"node"`
	Channel uint8 `yaml:"channel"`
}

// GroupConfig is one statically-configured device group. An empty Channels
// set means "all four channels of every member node" (device.Group's
// fan-out fallback).
type GroupConfig struct {
	ID       int                  `yaml:"id"`
	Name     string               `yaml:"name"`
	Nodes    []int                `yaml:"nodes"`
	Channels []GroupChannelConfig `yaml:"channels"`
}

// AuditConfig selects and configures the audit trail backend.
type AuditConfig struct {
	Backend    string `yaml:"backend" env:"CABINET_AUDIT_BACKEND"`     // "file" | "sqlite" | "" (disabled)
	DataDir    string `yaml:"data_dir" env:"CABINET_AUDIT_DATA_DIR"`
	SQLitePath string `yaml:"sqlite_path" env:"CABINET_AUDIT_SQLITE_PATH"`
	User       string `yaml:"user" env:"CABINET_AUDIT_USER"`
}

// MQTTTopicConfig binds one subscribed MQTT topic to the channel id sensor
// configs are registered against, mirroring sensors.TopicBinding.
type MQTTTopicConfig struct {
	Topic     string `yaml:"topic"`
	ChannelID string `yaml:"channel_id"`
}

// MQTTConfig configures the sensor table's MQTT ingestion source.
type MQTTConfig struct {
	Enabled  bool              `yaml:"enabled" env:"CABINET_MQTT_ENABLED"`
	Broker   string            `yaml:"broker" env:"CABINET_MQTT_BROKER"`
	ClientID string            `yaml:"client_id" env:"CABINET_MQTT_CLIENT_ID"`
	Username string            `yaml:"username" env:"CABINET_MQTT_USERNAME"`
	Password string            `yaml:"password" env:"CABINET_MQTT_PASSWORD"`
	Topics   []MQTTTopicConfig `yaml:"topics"`
}

// HealthConfig configures the liveness/readiness HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" env:"CABINET_HEALTH_ENABLED"`
	Host    string `yaml:"host" env:"CABINET_HEALTH_HOST"`
	Port    int    `yaml:"port" env:"CABINET_HEALTH_PORT"`
}

// Config is the root on-disk/environment configuration document. It is
// loaded by cmd/cabinetcore and translated into pkg/core.Config; pkg/core
// itself never reads a file or an environment variable.
type Config struct {
	Interface string `yaml:"interface" env:"CABINET_CAN_INTERFACE"`
	CANFD     bool   `yaml:"can_fd" env:"CABINET_CAN_FD"`

	LogLevel  string `yaml:"log_level" env:"CABINET_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"CABINET_LOG_FORMAT"` // "text" | "json"

	Devices []DeviceConfig `yaml:"devices"`
	Groups  []GroupConfig  `yaml:"groups"`

	Audit  AuditConfig  `yaml:"audit"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Health HealthConfig `yaml:"health"`
}

// Default returns a Config with every field set to the value the core ships
// with when no file is present — a dead-but-startable interface, text
// logging at info level, audit and MQTT disabled, health server on.
func Default() Config {
	return Config{
		Interface: "can0",
		LogLevel:  "info",
		LogFormat: "text",
		Health: HealthConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9090,
		},
	}
}

// LoadFile reads a YAML config file at path, falling back to Default() if
// the file does not exist, then applies environment-variable overrides via
// caarlos0/env.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if unmarshalErr := yaml.Unmarshal(data, &cfg); unmarshalErr != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, unmarshalErr)
		}
	case os.IsNotExist(err):
		// no file on disk yet: keep defaults, env can still override them.
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: apply env overrides: %w", err)
	}
	return cfg, nil
}
