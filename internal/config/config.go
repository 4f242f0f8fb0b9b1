package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineDefaults holds the runtime-tunable parameters applied at session creation and command time.
type EngineDefaults struct {
	ExportInterval       string `yaml:"export_interval"`
	IdleTimeout          string `yaml:"idle_timeout"`
	MaxDuration          string `yaml:"max_duration"`
	InitialMaxDuration   string `yaml:"initial_max_duration"`
	ApproveRetryInterval string `yaml:"approve_retry_interval"`
	PermitAction         string `yaml:"permit_action"`
	DenyAction           string `yaml:"deny_action"`
	PassOutgoing         bool   `yaml:"pass_outgoing"`
}

// EngineConfig holds the configuration for the session engine.
type EngineConfig struct {
	Namespaces          []string       `yaml:"namespaces"`
	HashBuckets         uint32         `yaml:"hash_buckets"`
	PortBitmapSize      uint32         `yaml:"port_bitmap_size"`
	NehashMaxEntries    int            `yaml:"nehash_max_entries"`
	NumWorkers          int            `yaml:"num_workers"`
	SizeOfPacketChannel int            `yaml:"size_of_packet_channel"`
	LivenessInterval    string         `yaml:"liveness_interval"`
	Defaults            EngineDefaults `yaml:"defaults"`
}

// TransportConfig holds the NATS subjects used for the controller channel and the packet stream.
type TransportConfig struct {
	NATSURL        string `yaml:"nats_url"`
	CommandSubject string `yaml:"command_subject"`
	EventSubject   string `yaml:"event_subject"`
	PacketSubject  string `yaml:"packet_subject"`
	EventTimeout   string `yaml:"event_timeout"`
}

// ClickHouseConfig holds the connection details for ClickHouse.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// GobConfig holds the settings for the gob file writer.
type GobConfig struct {
	RootPath string `yaml:"root_path"`
}

// WriterDef defines a single accounting writer.
type WriterDef struct {
	Type             string           `yaml:"type"`
	Enabled          bool             `yaml:"enabled"`
	SnapshotInterval string           `yaml:"snapshot_interval"`
	Gob              GobConfig        `yaml:"gob"`
	ClickHouse       ClickHouseConfig `yaml:"clickhouse"`
}

// ExportConfig lists the writers that receive periodic session accounting snapshots.
type ExportConfig struct {
	Writers []WriterDef `yaml:"writers"`
}

// APIConfig holds the configuration for the HTTP admin API.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// History enables the accounting history endpoints when Host is set.
	History ClickHouseConfig `yaml:"history"`
}

// TunablesConfig holds the configuration for the Redis-backed tunables store.
type TunablesConfig struct {
	Enabled         bool   `yaml:"enabled"`
	RedisAddr       string `yaml:"redis_addr"`
	Password        string `yaml:"password"`
	DB              int    `yaml:"db"`
	KeyPrefix       string `yaml:"key_prefix"`
	RefreshInterval string `yaml:"refresh_interval"`
}

// ProbeConfig holds the settings of the capture probe.
type ProbeConfig struct {
	Interface   string   `yaml:"interface"`
	SnapLen     int      `yaml:"snaplen"`
	Subscribers []string `yaml:"subscribers"`
	Namespace   string   `yaml:"namespace"`
	InitSession bool     `yaml:"init_session"`
	RecordDir   string   `yaml:"record_dir"`
}

// LogConfig holds the logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Transport TransportConfig `yaml:"transport"`
	Export    ExportConfig    `yaml:"export"`
	API       APIConfig       `yaml:"api"`
	Tunables  TunablesConfig  `yaml:"tunables"`
	Probe     ProbeConfig     `yaml:"probe"`
	Log       LogConfig       `yaml:"log"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config struct
// with defaults applied and validated.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document into a Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	e := &c.Engine
	if len(e.Namespaces) == 0 {
		e.Namespaces = []string{"default"}
	}
	if e.HashBuckets == 0 {
		e.HashBuckets = 1024
	}
	if e.PortBitmapSize == 0 {
		e.PortBitmapSize = 65536
	}
	if e.NumWorkers <= 0 {
		e.NumWorkers = 4
	}
	if e.SizeOfPacketChannel <= 0 {
		e.SizeOfPacketChannel = 10000
	}
	if e.LivenessInterval == "" {
		e.LivenessInterval = "5s"
	}

	d := &e.Defaults
	if d.ExportInterval == "" {
		d.ExportInterval = "0s"
	}
	if d.IdleTimeout == "" {
		d.IdleTimeout = "0s"
	}
	if d.MaxDuration == "" {
		d.MaxDuration = "0s"
	}
	if d.InitialMaxDuration == "" {
		d.InitialMaxDuration = "60s"
	}
	if d.ApproveRetryInterval == "" {
		d.ApproveRetryInterval = "10s"
	}
	if d.PermitAction == "" {
		d.PermitAction = "accept"
	}
	if d.DenyAction == "" {
		d.DenyAction = "drop"
	}

	t := &c.Transport
	if t.NATSURL == "" {
		t.NATSURL = "nats://127.0.0.1:4222"
	}
	if t.CommandSubject == "" {
		t.CommandSubject = "isg.cmd"
	}
	if t.EventSubject == "" {
		t.EventSubject = "isg.events"
	}
	if t.PacketSubject == "" {
		t.PacketSubject = "isg.packets"
	}
	if t.EventTimeout == "" {
		t.EventTimeout = "2s"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}

	if c.Tunables.KeyPrefix == "" {
		c.Tunables.KeyPrefix = "isg:tunables"
	}
	if c.Tunables.RefreshInterval == "" {
		c.Tunables.RefreshInterval = "30s"
	}

	if c.Probe.SnapLen <= 0 {
		c.Probe.SnapLen = 1600
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate checks that every duration and action parses.
func (c *Config) Validate() error {
	durations := map[string]string{
		"engine.liveness_interval":               c.Engine.LivenessInterval,
		"engine.defaults.export_interval":        c.Engine.Defaults.ExportInterval,
		"engine.defaults.idle_timeout":           c.Engine.Defaults.IdleTimeout,
		"engine.defaults.max_duration":           c.Engine.Defaults.MaxDuration,
		"engine.defaults.initial_max_duration":   c.Engine.Defaults.InitialMaxDuration,
		"engine.defaults.approve_retry_interval": c.Engine.Defaults.ApproveRetryInterval,
		"tunables.refresh_interval":              c.Tunables.RefreshInterval,
		"transport.event_timeout":                c.Transport.EventTimeout,
	}
	for field, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", field, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid %s: must not be negative", field)
		}
	}

	for field, action := range map[string]string{
		"engine.defaults.permit_action": c.Engine.Defaults.PermitAction,
		"engine.defaults.deny_action":   c.Engine.Defaults.DenyAction,
	} {
		if action != "accept" && action != "drop" {
			return fmt.Errorf("invalid %s %q: expected accept or drop", field, action)
		}
	}

	seen := make(map[string]struct{}, len(c.Engine.Namespaces))
	for _, ns := range c.Engine.Namespaces {
		if ns == "" {
			return fmt.Errorf("namespace name must not be empty")
		}
		if strings.ContainsAny(ns, ".*> \t") {
			return fmt.Errorf("namespace name %q must be a single subject token", ns)
		}
		if _, dup := seen[ns]; dup {
			return fmt.Errorf("duplicate namespace %q", ns)
		}
		seen[ns] = struct{}{}
	}

	for _, cidr := range c.Probe.Subscribers {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid probe subscriber network: %w", err)
		}
	}

	for i, w := range c.Export.Writers {
		if !w.Enabled {
			continue
		}
		if _, err := time.ParseDuration(w.SnapshotInterval); err != nil {
			return fmt.Errorf("invalid snapshot_interval for writer %d (%s): %w", i, w.Type, err)
		}
	}
	return nil
}

// Duration parses a duration string that Validate has already accepted.
// Unparseable input yields zero.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
