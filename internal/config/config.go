// Package config handles global configuration loading using viper.
package config

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/ntpctl/internal/core"
)

// GlobalConfig represents the top-level daemon configuration.
// Maps to the `ntpctl:` root key in YAML.
type GlobalConfig struct {
	Control  ControlConfig    `mapstructure:"control"`
	Server   ServerConfig     `mapstructure:"server"`
	Keys     []KeyConfig      `mapstructure:"keys"`
	Restrict []RestrictConfig `mapstructure:"restrict"`
	Monitor  MonitorConfig    `mapstructure:"monitor"`
	Peers    []PeerConfig     `mapstructure:"peers"`
	SetVar   []SetVarConfig   `mapstructure:"setvar"`
	Traps    []TrapConfig     `mapstructure:"traps"`
	Events   EventsConfig     `mapstructure:"events"`
	Poll     PollConfig       `mapstructure:"poll"`
	Metrics  MetricsConfig    `mapstructure:"metrics"`
	Log      LogConfig        `mapstructure:"log"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string             `mapstructure:"socket"`
	PIDFile string             `mapstructure:"pid_file"`
	Kafka   CommandKafkaConfig `mapstructure:"kafka"`
}

// CommandKafkaConfig configures the remote command channel.
type CommandKafkaConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Brokers         []string `mapstructure:"brokers"`
	Topic           string   `mapstructure:"topic"`
	GroupID         string   `mapstructure:"group_id"`
	AutoOffsetReset string   `mapstructure:"auto_offset_reset"` // earliest | latest
	CommandTTL      string   `mapstructure:"command_ttl"`       // stale commands are skipped
}

// ─── Mode-6 Server ───

// ServerConfig configures the UDP listeners and the control engine.
type ServerConfig struct {
	Listen            []string `mapstructure:"listen"`
	Authenticate      bool     `mapstructure:"authenticate"`
	ControlKey        uint32   `mapstructure:"control_key"`
	SaveConfigDir     string   `mapstructure:"save_config_dir"`
	TTL               []int    `mapstructure:"ttl"`
	LeapSmearInterval int      `mapstructure:"leap_smear_interval"` // seconds, 0 = disabled
	WanderThreshold   float64  `mapstructure:"wander_threshold"`    // ppm
}

// ─── Authentication Keys ───

// KeyConfig describes one symmetric key.
type KeyConfig struct {
	ID      uint32 `mapstructure:"id"`
	Type    string `mapstructure:"type"` // MD5 | SHA1 | SHA256 | SHA3-256 | AES128CMAC
	Secret  string `mapstructure:"secret"`
	Trusted bool   `mapstructure:"trusted"`
}

// ─── Access Restrictions ───

// RestrictConfig is one restriction list entry.
type RestrictConfig struct {
	Address string   `mapstructure:"address"`
	Mask    string   `mapstructure:"mask"`
	Flags   []string `mapstructure:"flags"`
}

// ─── MRU Monitor ───

// MonitorConfig configures the MRU list.
type MonitorConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	MaxDepth int  `mapstructure:"max_depth"`
	MinDepth int  `mapstructure:"min_depth"`
	MaxAge   int  `mapstructure:"max_age"` // seconds
}

// ─── Associations ───

// PeerConfig describes a configured association.
type PeerConfig struct {
	Address string `mapstructure:"address"`
	Mode    string `mapstructure:"mode"` // server | peer
	Key     uint32 `mapstructure:"key"`
	MinPoll int    `mapstructure:"minpoll"`
	MaxPoll int    `mapstructure:"maxpoll"`
	Prefer  bool   `mapstructure:"prefer"`
	NTS     bool   `mapstructure:"nts"`     // key exchange and authenticate with NTS
	Stratum int    `mapstructure:"stratum"` // reference clocks only
}

// SetVarConfig declares a user-defined system variable.
type SetVarConfig struct {
	Name    string `mapstructure:"name"`
	Value   string `mapstructure:"value"`
	Default bool   `mapstructure:"default"`
}

// TrapConfig declares an administrator-configured trap receiver.
type TrapConfig struct {
	Address   string `mapstructure:"address"`
	Port      int    `mapstructure:"port"`
	Interface string `mapstructure:"interface"`
}

// ─── Event Sinks ───

// EventsConfig configures where protostats lines are delivered.
type EventsConfig struct {
	Partitions int              `mapstructure:"partitions"`
	QueueSize  int              `mapstructure:"queue_size"`
	File       FileOutputConfig `mapstructure:"file"`
	Kafka      EventKafkaConfig `mapstructure:"kafka"`
}

// EventKafkaConfig configures the kafka protostats sink.
type EventKafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	Compression string   `mapstructure:"compression"` // none | gzip | snappy | lz4 | zstd
	BatchSize   int      `mapstructure:"batch_size"`
}

// ─── Poller ───

// PollConfig configures the association poller.
type PollConfig struct {
	Interval string `mapstructure:"interval"`
	Timeout  string `mapstructure:"timeout"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // trace / debug / info / warn / error
	Format  string           `mapstructure:"format"` // pattern / json / text
	Pattern string           `mapstructure:"pattern"`
	Time    string           `mapstructure:"time"`
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures a rotated output file.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `ntpctl: ...`.
type configRoot struct {
	Ntpctl GlobalConfig `mapstructure:"ntpctl"`
}

// Load loads configuration from file.
// The YAML file uses `ntpctl:` as root key; env vars use the NTPCTL_ prefix (e.g., NTPCTL_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The `ntpctl.` key prefix maps to `NTPCTL_` through the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Ntpctl

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "ntpctl." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("ntpctl.control.pid_file", "/var/run/ntpctl.pid")
	v.SetDefault("ntpctl.control.socket", "/var/run/ntpctl.sock")
	v.SetDefault("ntpctl.control.kafka.enabled", false)
	v.SetDefault("ntpctl.control.kafka.topic", "ntpctl-commands")
	v.SetDefault("ntpctl.control.kafka.auto_offset_reset", "latest")
	v.SetDefault("ntpctl.control.kafka.command_ttl", "5m")

	v.SetDefault("ntpctl.server.listen", []string{"0.0.0.0:123"})
	v.SetDefault("ntpctl.server.authenticate", true)
	v.SetDefault("ntpctl.server.ttl", []int{0, 32, 64, 96, 128, 160, 192, 224})
	v.SetDefault("ntpctl.server.wander_threshold", 0.5)

	v.SetDefault("ntpctl.monitor.enabled", true)
	v.SetDefault("ntpctl.monitor.max_depth", 1024)
	v.SetDefault("ntpctl.monitor.min_depth", 600)
	v.SetDefault("ntpctl.monitor.max_age", 3600)

	v.SetDefault("ntpctl.events.partitions", 4)
	v.SetDefault("ntpctl.events.queue_size", 256)
	v.SetDefault("ntpctl.events.file.enabled", false)
	v.SetDefault("ntpctl.events.file.path", "/var/log/ntpctl/protostats")
	v.SetDefault("ntpctl.events.file.rotation.max_size_mb", 20)
	v.SetDefault("ntpctl.events.file.rotation.max_age_days", 7)
	v.SetDefault("ntpctl.events.file.rotation.max_backups", 5)
	v.SetDefault("ntpctl.events.kafka.enabled", false)
	v.SetDefault("ntpctl.events.kafka.topic", "ntpctl-protostats")
	v.SetDefault("ntpctl.events.kafka.compression", "snappy")
	v.SetDefault("ntpctl.events.kafka.batch_size", 100)

	v.SetDefault("ntpctl.poll.interval", "64s")
	v.SetDefault("ntpctl.poll.timeout", "5s")

	v.SetDefault("ntpctl.log.level", "info")
	v.SetDefault("ntpctl.log.format", "pattern")
	v.SetDefault("ntpctl.log.pattern", "%time [%level] %field %msg%n")
	v.SetDefault("ntpctl.log.time", "2006-01-02 15:04:05.000")
	v.SetDefault("ntpctl.log.outputs.file.enabled", false)
	v.SetDefault("ntpctl.log.outputs.file.path", "/var/log/ntpctl/ntpctl.log")
	v.SetDefault("ntpctl.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("ntpctl.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("ntpctl.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("ntpctl.log.outputs.file.rotation.compress", true)

	v.SetDefault("ntpctl.metrics.enabled", true)
	v.SetDefault("ntpctl.metrics.listen", ":9123")
	v.SetDefault("ntpctl.metrics.path", "/metrics")
}

var validKeyTypes = map[string]bool{
	"MD5": true, "SHA1": true, "SHA256": true, "SHA3-256": true, "AES128CMAC": true,
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "pattern", "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be pattern/json/text)", cfg.Log.Format)
	}

	// ── Command channel ──
	if ck := &cfg.Control.Kafka; ck.Enabled {
		if len(ck.Brokers) == 0 {
			return fmt.Errorf("control.kafka.brokers is required when control.kafka.enabled=true")
		}
		if ck.Topic == "" || ck.GroupID == "" {
			return fmt.Errorf("control.kafka.topic and control.kafka.group_id are required when control.kafka.enabled=true")
		}
		if ck.CommandTTL != "" {
			if _, err := time.ParseDuration(ck.CommandTTL); err != nil {
				return fmt.Errorf("invalid control.kafka.command_ttl %q: %w", ck.CommandTTL, err)
			}
		}
	}

	// ── Listeners ──
	if len(cfg.Server.Listen) == 0 {
		return fmt.Errorf("server.listen requires at least one address")
	}
	for _, l := range cfg.Server.Listen {
		if _, err := netip.ParseAddrPort(l); err != nil {
			return fmt.Errorf("invalid server.listen address %q: %w", l, err)
		}
	}
	if len(cfg.Server.TTL) > 8 {
		return fmt.Errorf("server.ttl accepts at most 8 entries, got %d", len(cfg.Server.TTL))
	}

	// ── Keys ──
	seen := make(map[uint32]bool, len(cfg.Keys))
	for i := range cfg.Keys {
		k := &cfg.Keys[i]
		if k.ID == 0 {
			return fmt.Errorf("keys[%d]: id must be nonzero", i)
		}
		if seen[k.ID] {
			return fmt.Errorf("keys[%d]: duplicate key id %d", i, k.ID)
		}
		seen[k.ID] = true
		k.Type = strings.ToUpper(k.Type)
		if k.Type == "" {
			k.Type = "MD5"
		}
		if !validKeyTypes[k.Type] {
			return fmt.Errorf("keys[%d]: unsupported key type %s", i, k.Type)
		}
		if err := validateSecret(k.Secret); err != nil {
			return fmt.Errorf("keys[%d]: %w", i, err)
		}
	}
	if cfg.Server.ControlKey != 0 && !seen[cfg.Server.ControlKey] {
		return fmt.Errorf("server.control_key %d is not declared in keys", cfg.Server.ControlKey)
	}

	// ── Restrictions ──
	for i, r := range cfg.Restrict {
		if r.Address != "default" {
			if _, err := netip.ParseAddr(r.Address); err != nil {
				return fmt.Errorf("restrict[%d]: invalid address %q: %w", i, r.Address, err)
			}
		}
		if r.Mask != "" {
			if _, err := netip.ParseAddr(r.Mask); err != nil {
				return fmt.Errorf("restrict[%d]: invalid mask %q: %w", i, r.Mask, err)
			}
		}
		if _, _, err := core.ParseRestrictFlags(r.Flags); err != nil {
			return fmt.Errorf("restrict[%d]: %w", i, err)
		}
	}

	// ── Monitor ──
	if cfg.Monitor.MaxDepth <= 0 {
		cfg.Monitor.MaxDepth = 1024
	}
	if cfg.Monitor.MinDepth > cfg.Monitor.MaxDepth {
		cfg.Monitor.MinDepth = cfg.Monitor.MaxDepth
	}

	// ── Associations ──
	for i := range cfg.Peers {
		p := &cfg.Peers[i]
		if p.Address == "" {
			return fmt.Errorf("peers[%d]: address is required", i)
		}
		if p.Mode == "" {
			p.Mode = "server"
		}
		if p.Mode != "server" && p.Mode != "peer" {
			return fmt.Errorf("peers[%d]: mode must be server or peer, got %s", i, p.Mode)
		}
		if p.MinPoll == 0 {
			p.MinPoll = 6
		}
		if p.MaxPoll == 0 {
			p.MaxPoll = 10
		}
		if p.MinPoll > p.MaxPoll {
			return fmt.Errorf("peers[%d]: minpoll %d exceeds maxpoll %d", i, p.MinPoll, p.MaxPoll)
		}
		if p.Key != 0 && !seen[p.Key] {
			return fmt.Errorf("peers[%d]: key %d is not declared in keys", i, p.Key)
		}
	}

	// ── User variables ──
	for i, sv := range cfg.SetVar {
		if sv.Name == "" || strings.ContainsAny(sv.Name, "=, \t") {
			return fmt.Errorf("setvar[%d]: invalid name %q", i, sv.Name)
		}
	}

	// ── Traps ──
	for i := range cfg.Traps {
		t := &cfg.Traps[i]
		if _, err := netip.ParseAddr(t.Address); err != nil {
			return fmt.Errorf("traps[%d]: invalid address %q: %w", i, t.Address, err)
		}
		if t.Interface != "" {
			if _, err := netip.ParseAddr(t.Interface); err != nil {
				return fmt.Errorf("traps[%d]: invalid interface %q: %w", i, t.Interface, err)
			}
		}
		if t.Port == 0 {
			t.Port = 18447
		}
	}

	// ── Event sinks ──
	if cfg.Events.Partitions <= 0 {
		cfg.Events.Partitions = 1
	}
	if cfg.Events.QueueSize <= 0 {
		cfg.Events.QueueSize = 256
	}
	if cfg.Events.File.Enabled && cfg.Events.File.Path == "" {
		return fmt.Errorf("events.file.path is required when events.file.enabled=true")
	}
	if cfg.Events.Kafka.Enabled {
		if len(cfg.Events.Kafka.Brokers) == 0 {
			return fmt.Errorf("events.kafka.brokers is required when events.kafka.enabled=true")
		}
		if cfg.Events.Kafka.Topic == "" {
			return fmt.Errorf("events.kafka.topic is required when events.kafka.enabled=true")
		}
	}

	return nil
}

// validateSecret accepts ASCII secrets up to 20 characters or longer hex strings.
func validateSecret(s string) error {
	if s == "" {
		return fmt.Errorf("secret is required")
	}
	if len(s) <= 20 {
		return nil
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("secrets longer than 20 characters must be hex: %w", err)
	}
	return nil
}
