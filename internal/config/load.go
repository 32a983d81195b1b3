package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the file.
const (
	EnvProxmoxToken     = "AUTOSPAWN_PROXMOX_TOKEN"
	EnvRegistryPassword = "AUTOSPAWN_REGISTRY_PASSWORD"
	EnvLoginPassword    = "AUTOSPAWN_CI_PASSWORD"
)

// Defaults mirror the values the service was originally deployed with.
const (
	DefaultPrefix            = "auto"
	DefaultIDFloor           = 5000
	DefaultTag               = "autospawn"
	DefaultDeleteGrace       = 3 * time.Second
	DefaultConnectAttempts   = 3
	DefaultConnectDelay      = 5 * time.Second
	DefaultRequestTimeout    = 60 * time.Second
	DefaultProxmoxPort       = 8006
	DefaultTaskPollInterval  = time.Second
	DefaultTaskTimeout       = 5 * time.Minute
	DefaultLibvirtSocket     = "/var/run/libvirt/libvirt-sock"
	DefaultPrefixLength      = 24
	DefaultNameserver        = "8.8.8.8"
	DefaultLoginUser         = "user"
	DefaultRegistryDatabase  = "guacamole_db"
	DefaultQueryTimeout      = 15 * time.Second
	DefaultSpawnTime         = "00:56"
	DefaultDeleteTime        = "10:00"
	DefaultSyncInterval      = time.Minute
	DefaultTick              = 10 * time.Second
	DefaultHeartbeatInterval = time.Hour
	DefaultLogLevel          = "info"
	DefaultLogEncoding       = "console"
	DefaultSubjectPrefix     = "autospawn"
)

// Load reads, defaults, overrides from the environment and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes into a validated Config.
// Unknown keys are rejected so typos do not silently fall back to defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	cfg.ApplyDefaults()
	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	h := &c.Hypervisor
	if h.Driver == "" {
		h.Driver = DriverProxmox
	}
	if h.RequestTimeout == 0 {
		h.RequestTimeout = DefaultRequestTimeout
	}
	if h.Connect.Attempts == 0 {
		h.Connect.Attempts = DefaultConnectAttempts
	}
	if h.Connect.Delay == 0 {
		h.Connect.Delay = DefaultConnectDelay
	}
	if h.Proxmox.Port == 0 {
		h.Proxmox.Port = DefaultProxmoxPort
	}
	if h.Proxmox.TaskPollInterval == 0 {
		h.Proxmox.TaskPollInterval = DefaultTaskPollInterval
	}
	if h.Proxmox.TaskTimeout == 0 {
		h.Proxmox.TaskTimeout = DefaultTaskTimeout
	}
	if h.Libvirt.Socket == "" {
		h.Libvirt.Socket = DefaultLibvirtSocket
	}

	m := &c.Managed
	if m.Prefix == "" {
		m.Prefix = DefaultPrefix
	}
	if m.IDFloor == 0 {
		m.IDFloor = DefaultIDFloor
	}
	if m.Tag == "" {
		m.Tag = DefaultTag
	}
	if m.DeleteGrace == 0 {
		m.DeleteGrace = DefaultDeleteGrace
	}

	n := &c.Network
	if n.PrefixLength == 0 {
		n.PrefixLength = DefaultPrefixLength
	}
	if n.Nameserver == "" {
		n.Nameserver = DefaultNameserver
	}
	if n.User == "" {
		n.User = DefaultLoginUser
	}

	r := &c.Registry
	if r.Driver == "" {
		r.Driver = RegistryMySQL
	}
	if r.Port == 0 {
		switch r.Driver {
		case RegistryPostgres:
			r.Port = 5432
		default:
			r.Port = 3306
		}
	}
	if r.Database == "" {
		r.Database = DefaultRegistryDatabase
	}
	if r.QueryTimeout == 0 {
		r.QueryTimeout = DefaultQueryTimeout
	}

	s := &c.Schedule
	if s.SpawnTime == "" {
		s.SpawnTime = DefaultSpawnTime
	}
	if s.DeleteTime == "" {
		s.DeleteTime = DefaultDeleteTime
	}
	if s.SyncInterval == 0 {
		s.SyncInterval = DefaultSyncInterval
	}
	if s.Tick == 0 {
		s.Tick = DefaultTick
	}
	if s.HeartbeatInterval == 0 {
		s.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = DefaultLogEncoding
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = DefaultSubjectPrefix
	}
}

// ApplyEnv overrides secrets from the environment. lookup is os.LookupEnv
// in production and a map lookup in tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvProxmoxToken); ok && v != "" {
		c.Hypervisor.Proxmox.TokenValue = v
	}
	if v, ok := lookup(EnvRegistryPassword); ok && v != "" {
		c.Registry.Password = v
	}
	if v, ok := lookup(EnvLoginPassword); ok && v != "" {
		c.Network.Password = v
	}
}
