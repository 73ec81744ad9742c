// Package config holds the runtime configuration. A Config is loaded
// once (Load), completed with defaults (ApplyDefaults), checked
// (Validate), and passed by value into the kernel. There is no package
// state: two runtimes in one process get two configs.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "250ms" / "5s" / "1m".
type Duration time.Duration

// UnmarshalYAML parses a duration string scalar.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"250ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML renders the duration in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Config is the full runtime configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Bus        BusConfig        `yaml:"bus"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Audit      AuditConfig      `yaml:"audit"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Storage    StorageConfig    `yaml:"storage"`
	Journal    JournalConfig    `yaml:"journal"`
	HTTP       HTTPConfig       `yaml:"http"`
	Agents     AgentDefaults    `yaml:"agents"`
}

// LogConfig controls logx.
type LogConfig struct {
	Level string `yaml:"level"`
}

// BusConfig tunes the message bus.
type BusConfig struct {
	// InboxCapacity is the default per-agent inbox bound; agent config
	// overrides it.
	InboxCapacity int `yaml:"inbox_capacity"`
	// EnqueueTimeout bounds how long a producer blocks on a full inbox.
	EnqueueTimeout Duration `yaml:"enqueue_timeout"`
	// MaxAttempts caps delivery attempts before dead-lettering.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryBase seeds exponential retry backoff (base × 2^(attempts−1)).
	RetryBase Duration `yaml:"retry_base"`
	// RetryMax caps a single retry backoff before jitter.
	RetryMax Duration `yaml:"retry_max"`
	// DefaultTTL is applied as deadline_at when a message has none.
	// Zero means no deadline.
	DefaultTTL Duration `yaml:"default_ttl"`
	// ResolvePolicy is the default capability resolution policy:
	// any, least_loaded, round_robin.
	ResolvePolicy string `yaml:"resolve_policy"`
}

// SupervisorConfig tunes health polling and the restart policy.
type SupervisorConfig struct {
	HealthInterval     Duration `yaml:"health_interval"`
	HeartbeatStaleness Duration `yaml:"heartbeat_staleness"`
	InboxSoftLimit     int      `yaml:"inbox_soft_limit"`
	// ErrorRateCeiling is the tolerated fraction of failed handler
	// invocations over the sample window, 0..1.
	ErrorRateCeiling float64 `yaml:"error_rate_ceiling"`
	// IdleAfter flips Running to Idle when the agent has been inactive
	// this long with an empty inbox.
	IdleAfter Duration `yaml:"idle_after"`
	// HealthySamples is the count of consecutive healthy samples needed
	// to leave Degraded.
	HealthySamples int `yaml:"healthy_samples"`
	// MaxFailures moves Degraded to Failing once consecutive_failures
	// reaches it.
	MaxFailures int `yaml:"max_failures"`
	// RestartBase seeds restart backoff (restart_base × 2^attempt).
	RestartBase Duration `yaml:"restart_base"`
	// RestartMax caps a single restart backoff.
	RestartMax Duration `yaml:"restart_max"`
	// MaxRestarts is the attempt ceiling; reaching it leaves the agent
	// Dead.
	MaxRestarts int `yaml:"max_restarts"`
	// DrainDeadline bounds the Stopping drain.
	DrainDeadline Duration `yaml:"drain_deadline"`
	// InitTimeout bounds agent Init during Starting.
	InitTimeout Duration `yaml:"init_timeout"`
}

// AuditConfig tunes the action log.
type AuditConfig struct {
	// MaxRecords and MaxAge bound the in-memory ring; whichever prunes
	// first wins.
	MaxRecords int      `yaml:"max_records"`
	MaxAge     Duration `yaml:"max_age"`
	// QueueSize bounds the writer channel; full means callers block.
	QueueSize int `yaml:"queue_size"`
	// RedactFields lists input/output field names replaced by a keyed
	// hash before the record is stored.
	RedactFields []string `yaml:"redact_fields"`
	// RedactKey keys the redaction hash so values stay comparable
	// across restarts without being recoverable.
	RedactKey string `yaml:"redact_key"`
}

// AlertsConfig tunes the alert sink.
type AlertsConfig struct {
	// RatePerMinute bounds alert emission; bursts beyond it are
	// suppressed and counted.
	RatePerMinute int `yaml:"rate_per_minute"`
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

// StorageConfig selects the KV backend.
type StorageConfig struct {
	// Backend is one of: memory, sqlite, redis.
	Backend string `yaml:"backend"`
	// Path is the sqlite database file (sqlite backend).
	Path string `yaml:"path"`
	// Addr is the redis address (redis backend).
	Addr string `yaml:"addr"`
	// Password is the redis password, usually injected via env.
	Password string `yaml:"password"`
	// DB is the redis database number.
	DB int `yaml:"db"`
	// DurableInbox enables write-through inbox persistence (sqlite
	// backend only).
	DurableInbox bool `yaml:"durable_inbox"`
}

// JournalConfig tunes the JSONL message journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	// KeepDays bounds retention; older journal files are deleted on
	// rotation.
	KeepDays int `yaml:"keep_days"`
}

// HTTPConfig tunes the control surface.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Password protects the API via basic auth (user "mas"). Usually
	// injected via MAS_API_PASSWORD.
	Password string `yaml:"password"`
}

// AgentDefaults apply to agents that do not override them at
// registration.
type AgentDefaults struct {
	HandlerTimeout Duration `yaml:"handler_timeout"`
	InboxCapacity  int      `yaml:"inbox_capacity"`
	// UniqueNames rejects registration of a duplicate agent name.
	UniqueNames bool `yaml:"unique_names"`
}

// AgentConfig is the per-agent record carried on the descriptor.
// Zero values fall back to AgentDefaults at registration.
type AgentConfig struct {
	HandlerTimeout Duration `yaml:"handler_timeout" json:"handler_timeout"`
	InboxCapacity  int      `yaml:"inbox_capacity" json:"inbox_capacity"`
	// Reentrant permits concurrent handler invocations for this agent.
	Reentrant bool `yaml:"reentrant" json:"reentrant"`
	// MaxConcurrent bounds concurrency when Reentrant; ignored
	// otherwise.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
}

// Default returns the baseline configuration. Callers overlay YAML on
// top of it via Load.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Bus: BusConfig{
			InboxCapacity:  64,
			EnqueueTimeout: Duration(2 * time.Second),
			MaxAttempts:    3,
			RetryBase:      Duration(100 * time.Millisecond),
			RetryMax:       Duration(5 * time.Second),
			ResolvePolicy:  "least_loaded",
		},
		Supervisor: SupervisorConfig{
			HealthInterval:     Duration(time.Second),
			HeartbeatStaleness: Duration(30 * time.Second),
			InboxSoftLimit:     48,
			ErrorRateCeiling:   0.5,
			IdleAfter:          Duration(time.Minute),
			HealthySamples:     2,
			MaxFailures:        3,
			RestartBase:        Duration(100 * time.Millisecond),
			RestartMax:         Duration(30 * time.Second),
			MaxRestarts:        3,
			DrainDeadline:      Duration(5 * time.Second),
			InitTimeout:        Duration(10 * time.Second),
		},
		Audit: AuditConfig{
			MaxRecords: 4096,
			MaxAge:     Duration(24 * time.Hour),
			QueueSize:  256,
		},
		Alerts: AlertsConfig{RatePerMinute: 60},
		Storage: StorageConfig{
			Backend: StorageMemory,
		},
		Journal: JournalConfig{KeepDays: 7},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8600",
		},
		Agents: AgentDefaults{
			HandlerTimeout: Duration(30 * time.Second),
			InboxCapacity:  64,
			UniqueNames:    true,
		},
	}
}

// ApplyDefaults fills zero fields from Default. Load calls it; tests
// building configs by hand call it directly.
func (c *Config) ApplyDefaults() {
	def := Default()
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Bus.InboxCapacity == 0 {
		c.Bus.InboxCapacity = def.Bus.InboxCapacity
	}
	if c.Bus.EnqueueTimeout == 0 {
		c.Bus.EnqueueTimeout = def.Bus.EnqueueTimeout
	}
	if c.Bus.MaxAttempts == 0 {
		c.Bus.MaxAttempts = def.Bus.MaxAttempts
	}
	if c.Bus.RetryBase == 0 {
		c.Bus.RetryBase = def.Bus.RetryBase
	}
	if c.Bus.RetryMax == 0 {
		c.Bus.RetryMax = def.Bus.RetryMax
	}
	if c.Bus.ResolvePolicy == "" {
		c.Bus.ResolvePolicy = def.Bus.ResolvePolicy
	}
	if c.Supervisor.HealthInterval == 0 {
		c.Supervisor.HealthInterval = def.Supervisor.HealthInterval
	}
	if c.Supervisor.HeartbeatStaleness == 0 {
		c.Supervisor.HeartbeatStaleness = def.Supervisor.HeartbeatStaleness
	}
	if c.Supervisor.InboxSoftLimit == 0 {
		c.Supervisor.InboxSoftLimit = def.Supervisor.InboxSoftLimit
	}
	if c.Supervisor.ErrorRateCeiling == 0 {
		c.Supervisor.ErrorRateCeiling = def.Supervisor.ErrorRateCeiling
	}
	if c.Supervisor.IdleAfter == 0 {
		c.Supervisor.IdleAfter = def.Supervisor.IdleAfter
	}
	if c.Supervisor.HealthySamples == 0 {
		c.Supervisor.HealthySamples = def.Supervisor.HealthySamples
	}
	if c.Supervisor.MaxFailures == 0 {
		c.Supervisor.MaxFailures = def.Supervisor.MaxFailures
	}
	if c.Supervisor.RestartBase == 0 {
		c.Supervisor.RestartBase = def.Supervisor.RestartBase
	}
	if c.Supervisor.RestartMax == 0 {
		c.Supervisor.RestartMax = def.Supervisor.RestartMax
	}
	if c.Supervisor.MaxRestarts == 0 {
		c.Supervisor.MaxRestarts = def.Supervisor.MaxRestarts
	}
	if c.Supervisor.DrainDeadline == 0 {
		c.Supervisor.DrainDeadline = def.Supervisor.DrainDeadline
	}
	if c.Supervisor.InitTimeout == 0 {
		c.Supervisor.InitTimeout = def.Supervisor.InitTimeout
	}
	if c.Audit.MaxRecords == 0 {
		c.Audit.MaxRecords = def.Audit.MaxRecords
	}
	if c.Audit.MaxAge == 0 {
		c.Audit.MaxAge = def.Audit.MaxAge
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = def.Audit.QueueSize
	}
	if c.Alerts.RatePerMinute == 0 {
		c.Alerts.RatePerMinute = def.Alerts.RatePerMinute
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = def.Storage.Backend
	}
	if c.Journal.KeepDays == 0 {
		c.Journal.KeepDays = def.Journal.KeepDays
	}
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = def.HTTP.Listen
	}
	if c.Agents.HandlerTimeout == 0 {
		c.Agents.HandlerTimeout = def.Agents.HandlerTimeout
	}
	if c.Agents.InboxCapacity == 0 {
		c.Agents.InboxCapacity = def.Agents.InboxCapacity
	}
}

// Validate checks structural requirements. Called after ApplyDefaults.
func (c *Config) Validate() error {
	if c.Bus.InboxCapacity < 1 {
		return fmt.Errorf("bus inbox_capacity must be at least 1 (got %d)", c.Bus.InboxCapacity)
	}
	if c.Bus.MaxAttempts < 1 {
		return fmt.Errorf("bus max_attempts must be at least 1 (got %d)", c.Bus.MaxAttempts)
	}
	if c.Bus.RetryBase.D() <= 0 {
		return fmt.Errorf("bus retry_base must be positive (got %s)", c.Bus.RetryBase.D())
	}
	if c.Bus.RetryMax.D() < c.Bus.RetryBase.D() {
		return fmt.Errorf("bus retry_max %s is below retry_base %s", c.Bus.RetryMax.D(), c.Bus.RetryBase.D())
	}
	switch c.Bus.ResolvePolicy {
	case "any", "least_loaded", "round_robin":
	default:
		return fmt.Errorf("bus resolve_policy must be any, least_loaded or round_robin (got %q)", c.Bus.ResolvePolicy)
	}
	if c.Supervisor.ErrorRateCeiling < 0 || c.Supervisor.ErrorRateCeiling > 1 {
		return fmt.Errorf("supervisor error_rate_ceiling must be in 0..1 (got %g)", c.Supervisor.ErrorRateCeiling)
	}
	if c.Supervisor.HealthySamples < 1 {
		return fmt.Errorf("supervisor healthy_samples must be at least 1 (got %d)", c.Supervisor.HealthySamples)
	}
	if c.Supervisor.MaxRestarts < 0 {
		return fmt.Errorf("supervisor max_restarts must not be negative (got %d)", c.Supervisor.MaxRestarts)
	}
	switch c.Storage.Backend {
	case StorageMemory, StorageSQLite, StorageRedis:
	default:
		return fmt.Errorf("storage backend must be memory, sqlite or redis (got %q)", c.Storage.Backend)
	}
	if c.Storage.Backend == StorageSQLite && c.Storage.Path == "" {
		return fmt.Errorf("storage backend sqlite requires a path")
	}
	if c.Storage.Backend == StorageRedis && c.Storage.Addr == "" {
		return fmt.Errorf("storage backend redis requires an addr")
	}
	if c.Storage.DurableInbox && c.Storage.Backend != StorageSQLite {
		return fmt.Errorf("durable_inbox requires the sqlite backend (got %q)", c.Storage.Backend)
	}
	if c.Journal.Enabled && c.Journal.Dir == "" {
		return fmt.Errorf("journal enabled but dir is empty")
	}
	if c.HTTP.Enabled && c.HTTP.Listen == "" {
		return fmt.Errorf("http enabled but listen address is empty")
	}
	return nil
}

// ResolveAgentConfig overlays defaults onto an agent's own config.
func (c *Config) ResolveAgentConfig(ac AgentConfig) AgentConfig {
	if ac.HandlerTimeout == 0 {
		ac.HandlerTimeout = c.Agents.HandlerTimeout
	}
	if ac.InboxCapacity == 0 {
		ac.InboxCapacity = c.Agents.InboxCapacity
	}
	if ac.Reentrant && ac.MaxConcurrent < 1 {
		ac.MaxConcurrent = 4
	}
	return ac
}
