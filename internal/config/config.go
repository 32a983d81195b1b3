// Package config defines the autospawn configuration file format.
//
// Configuration is a single YAML document loaded at startup. Secrets may be
// overridden from the environment so they do not need to live in the file.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Hypervisor driver names.
const (
	DriverProxmox = "proxmox"
	DriverLibvirt = "libvirt"
)

// Registry driver names.
const (
	RegistryMySQL    = "mysql"
	RegistryPostgres = "postgres"
)

// Config is the complete autospawn configuration.
type Config struct {
	Hypervisor HypervisorConfig `yaml:"hypervisor"`

	// TemplateID is the hypervisor id of the template VM every resource is cloned from.
	TemplateID int `yaml:"template_id"`

	// Storage is the storage backend full clones are written to
	// (Proxmox storage id, or libvirt pool name).
	Storage string `yaml:"storage"`

	Managed  ManagedConfig  `yaml:"managed"`
	Network  NetworkConfig  `yaml:"network"`
	Registry RegistryConfig `yaml:"registry"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Events   EventsConfig   `yaml:"events"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// HypervisorConfig selects and configures the hypervisor backend.
type HypervisorConfig struct {
	Driver string `yaml:"driver"` // proxmox (default) or libvirt

	// RequestTimeout bounds each hypervisor request. Waiting on a Proxmox
	// task is bounded by Proxmox.TaskTimeout instead.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Connect RetryConfig   `yaml:"connect"`
	Proxmox ProxmoxConfig `yaml:"proxmox"`
	Libvirt LibvirtConfig `yaml:"libvirt"`
}

// RetryConfig is the connection retry policy.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// ProxmoxConfig holds the Proxmox VE API settings.
type ProxmoxConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	User       string `yaml:"user"`       // e.g. "autospawn@pve"
	TokenName  string `yaml:"token_name"` // e.g. "autospawn"
	TokenValue string `yaml:"token_value"`
	Node       string `yaml:"node"`

	// InsecureSkipVerify disables TLS certificate verification. Off by default.
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`

	TaskPollInterval time.Duration `yaml:"task_poll_interval"`
	TaskTimeout      time.Duration `yaml:"task_timeout"`
}

// LibvirtConfig holds the local libvirt settings.
type LibvirtConfig struct {
	Socket string `yaml:"socket"`
}

// ManagedConfig describes how autospawn recognizes and names its resources.
type ManagedConfig struct {
	Prefix string `yaml:"prefix"`

	// IDFloor is the lowest id autospawn allocates.
	IDFloor int `yaml:"id_floor"`

	// Tag is written to every created VM as an ownership marker.
	Tag string `yaml:"tag"`

	// RequireTag restricts listing and teardown to VMs carrying Tag.
	RequireTag bool `yaml:"require_tag,omitempty"`

	// RollbackOnFailure deletes a clone whose configure or start step failed.
	RollbackOnFailure *bool `yaml:"rollback_on_failure,omitempty"`

	// DeleteGrace is the pause between stop and delete.
	DeleteGrace time.Duration `yaml:"delete_grace"`
}

// Rollback reports whether failed creations are compensated.
func (m ManagedConfig) Rollback() bool {
	return m.RollbackOnFailure == nil || *m.RollbackOnFailure
}

// NetworkConfig is the per-instance network and login configuration.
type NetworkConfig struct {
	PrefixLength int    `yaml:"prefix_length"`
	Gateway      string `yaml:"gateway"`
	Nameserver   string `yaml:"nameserver"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`

	// SSHAuthorizedKeys are installed for User alongside the password.
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`

	// Bridge is only used by the libvirt backend when the template has no interface.
	Bridge string `yaml:"bridge,omitempty"`
}

// RegistryConfig locates the Guacamole database and the address filter.
type RegistryConfig struct {
	Driver   string `yaml:"driver"` // mysql (default) or postgres
	DSN      string `yaml:"dsn,omitempty"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	QueryTimeout time.Duration `yaml:"query_timeout"`

	AddressPrefix string `yaml:"address_prefix"` // e.g. "192.168.220."
	RangeStart    int    `yaml:"range_start"`
	RangeEnd      int    `yaml:"range_end"`
}

// ScheduleConfig drives the loop.
type ScheduleConfig struct {
	SpawnTime         string        `yaml:"spawn_time"`  // HH:MM
	DeleteTime        string        `yaml:"delete_time"` // HH:MM
	Timezone          string        `yaml:"timezone,omitempty"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	Tick              time.Duration `yaml:"tick"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Location resolves Timezone, defaulting to the local zone.
func (s ScheduleConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(s.Timezone)
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	File     string `yaml:"file,omitempty"`
	Console  *bool  `yaml:"console,omitempty"`
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` // console or json
}

// ConsoleEnabled reports whether logs go to stderr.
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address,omitempty"`
}

// EventsConfig configures NATS event publishing.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	File    string `yaml:"file,omitempty"` // empty means stdout
}

// Validate checks the configuration for errors.
// Does not contact the hypervisor or the registry.
func (c *Config) Validate() error {
	if err := c.Hypervisor.Validate(); err != nil {
		return fmt.Errorf("hypervisor: %w", err)
	}
	if c.TemplateID <= 0 {
		return fmt.Errorf("template_id must be > 0, got %d", c.TemplateID)
	}
	if c.Storage == "" {
		return fmt.Errorf("storage is required")
	}
	if err := c.Managed.Validate(); err != nil {
		return fmt.Errorf("managed: %w", err)
	}
	if c.TemplateID >= c.Managed.IDFloor {
		return fmt.Errorf("template_id %d must be below managed.id_floor %d", c.TemplateID, c.Managed.IDFloor)
	}
	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if err := c.Schedule.Validate(); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Events.NATSURL != "" && c.Events.SubjectPrefix == "" {
		return fmt.Errorf("events: subject_prefix is required when nats_url is set")
	}
	return nil
}

// Validate checks the hypervisor section.
func (h *HypervisorConfig) Validate() error {
	if h.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be > 0")
	}
	if h.Connect.Attempts < 1 {
		return fmt.Errorf("connect.attempts must be >= 1, got %d", h.Connect.Attempts)
	}
	if h.Connect.Delay < 0 {
		return fmt.Errorf("connect.delay must not be negative")
	}

	switch h.Driver {
	case DriverProxmox:
		p := h.Proxmox
		if p.Host == "" {
			return fmt.Errorf("proxmox.host is required")
		}
		if p.User == "" || p.TokenName == "" || p.TokenValue == "" {
			return fmt.Errorf("proxmox.user, proxmox.token_name and proxmox.token_value are required")
		}
		if p.Node == "" {
			return fmt.Errorf("proxmox.node is required")
		}
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("proxmox.port out of range: %d", p.Port)
		}
	case DriverLibvirt:
		if h.Libvirt.Socket == "" {
			return fmt.Errorf("libvirt.socket is required")
		}
	default:
		return fmt.Errorf("unsupported driver %q (supported: %s, %s)", h.Driver, DriverProxmox, DriverLibvirt)
	}
	return nil
}

// Validate checks the managed section.
func (m *ManagedConfig) Validate() error {
	if m.Prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	if strings.ContainsAny(m.Prefix, " \t") {
		return fmt.Errorf("prefix must not contain whitespace, got %q", m.Prefix)
	}
	if m.IDFloor <= 0 {
		return fmt.Errorf("id_floor must be > 0, got %d", m.IDFloor)
	}
	if m.RequireTag && m.Tag == "" {
		return fmt.Errorf("require_tag needs a tag")
	}
	if m.DeleteGrace < 0 {
		return fmt.Errorf("delete_grace must not be negative")
	}
	return nil
}

// Validate checks the network section.
func (n *NetworkConfig) Validate() error {
	if n.PrefixLength < 1 || n.PrefixLength > 32 {
		return fmt.Errorf("prefix_length must be between 1 and 32, got %d", n.PrefixLength)
	}
	if _, err := netip.ParseAddr(n.Gateway); err != nil {
		return fmt.Errorf("invalid gateway %q: %w", n.Gateway, err)
	}
	if _, err := netip.ParseAddr(n.Nameserver); err != nil {
		return fmt.Errorf("invalid nameserver %q: %w", n.Nameserver, err)
	}
	if n.User == "" {
		return fmt.Errorf("user is required")
	}
	for i, key := range n.SSHAuthorizedKeys {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			return fmt.Errorf("ssh_authorized_keys[%d]: invalid key: %w", i, err)
		}
	}
	return nil
}

// Validate checks the registry section.
func (r *RegistryConfig) Validate() error {
	switch r.Driver {
	case RegistryMySQL, RegistryPostgres:
	default:
		return fmt.Errorf("unsupported driver %q (supported: %s, %s)", r.Driver, RegistryMySQL, RegistryPostgres)
	}
	if r.DSN == "" && (r.Host == "" || r.Database == "") {
		return fmt.Errorf("either dsn or host and database are required")
	}
	if r.AddressPrefix == "" {
		return fmt.Errorf("address_prefix is required")
	}
	if r.RangeStart < 0 || r.RangeEnd > 255 || r.RangeStart > r.RangeEnd {
		return fmt.Errorf("invalid octet range %d-%d", r.RangeStart, r.RangeEnd)
	}
	if r.QueryTimeout <= 0 {
		return fmt.Errorf("query_timeout must be > 0")
	}
	return nil
}

// Validate checks the schedule section.
func (s *ScheduleConfig) Validate() error {
	if s.SpawnTime == "" {
		return fmt.Errorf("spawn_time is required")
	}
	if err := validateClock(s.SpawnTime); err != nil {
		return fmt.Errorf("spawn_time: %w", err)
	}
	if s.DeleteTime == "" {
		return fmt.Errorf("delete_time is required")
	}
	if err := validateClock(s.DeleteTime); err != nil {
		return fmt.Errorf("delete_time: %w", err)
	}
	if _, err := s.Location(); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if s.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be > 0")
	}
	if s.Tick <= 0 {
		return fmt.Errorf("tick must be > 0")
	}
	if s.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be > 0")
	}
	return nil
}

// Validate checks the logging section.
func (l *LoggingConfig) Validate() error {
	switch l.Encoding {
	case "console", "json":
	default:
		return fmt.Errorf("unsupported encoding %q (supported: console, json)", l.Encoding)
	}
	if !l.ConsoleEnabled() && l.File == "" {
		return fmt.Errorf("console is disabled and no file is set")
	}
	return nil
}

// validateClock checks an "HH:MM" time of day.
func validateClock(s string) error {
	if _, err := time.Parse("15:04", s); err != nil {
		return fmt.Errorf("expected HH:MM, got %q", s)
	}
	return nil
}
