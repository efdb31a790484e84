package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nodecore/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the name of the run configuration inside the data directory
	ConfigFileName = "config.yaml"
	// StateFileName is the name of the persisted state snapshot inside the data directory
	StateFileName = "state.yaml"

	DefaultClientAPIPort    = 3413
	DefaultPeerGossipPort   = 3414
	DefaultAdminControlPort = 3415
	DefaultTelemetryPort    = 3416
)

// Config application configuration structure
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Console   ConsoleConfig   `yaml:"console"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Peer      PeerConfig      `yaml:"peer"`
	Session   SessionConfig   `yaml:"session"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	NAT       NATConfig       `yaml:"nat"`
	Log       LogConfig       `yaml:"log"`
}

// NodeConfig node identity and storage
type NodeConfig struct {
	NodeID        string `yaml:"node_id"`        // Stable node id (optional, generated and persisted on first run)
	DataDir       string `yaml:"data_dir"`       // Data directory (defaults to ~/.nodecore)
	AdvertiseAddr string `yaml:"advertise_addr"` // Address announced to peers (optional, defaults to gossip bind address or STUN result)
}

// EndpointsConfig the four network surfaces
type EndpointsConfig struct {
	ClientAPI    EndpointConfig `yaml:"client_api"`
	PeerGossip   EndpointConfig `yaml:"peer_gossip"`
	AdminControl EndpointConfig `yaml:"admin_control"`
	Telemetry    EndpointConfig `yaml:"telemetry"`
}

// EndpointConfig one network surface
type EndpointConfig struct {
	Enabled     *bool  `yaml:"enabled"`
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`
}

// ConsoleConfig interactive terminal dashboard
type ConsoleConfig struct {
	Enabled         bool `yaml:"enabled"`
	RefreshInterval int  `yaml:"refresh_interval_ms"` // Minimum time between two renders (milliseconds)
	LogLines        int  `yaml:"log_lines"`           // Log lines kept for the console
}

// LifecycleConfig startup/shutdown policy
type LifecycleConfig struct {
	DrainDeadline      int   `yaml:"drain_deadline"`       // Seconds to wait for open sessions on shutdown (0 uses the default of 10)
	SnapshotOnShutdown *bool `yaml:"snapshot_on_shutdown"` // Persist state snapshot on clean shutdown
}

// PeerConfig gossip peers
type PeerConfig struct {
	StalenessThreshold int      `yaml:"staleness_threshold"` // Seconds without contact before a peer is evicted
	SweepInterval      int      `yaml:"sweep_interval"`      // Seconds between eviction sweeps
	HeartbeatInterval  int      `yaml:"heartbeat_interval"`  // Seconds between heartbeats on outbound links
	ReconnectInterval  int      `yaml:"reconnect_interval"`  // Reconnect interval in seconds
	MaxReconnect       int      `yaml:"max_reconnect"`       // Max reconnect attempts (0 means infinite)
	Seeds              []string `yaml:"seeds"`               // Peers to dial on startup (host:port of their gossip endpoint)
}

// SessionConfig per-connection limits
type SessionConfig struct {
	ReadTimeout     int  `yaml:"read_timeout"`     // Idle seconds before a session is closed (negative disables)
	WriteTimeout    int  `yaml:"write_timeout"`    // Seconds allowed for one response write
	DispatchTimeout int  `yaml:"dispatch_timeout"` // Seconds allowed for one dispatcher call (negative disables)
	MaxFrameBytes   int  `yaml:"max_frame_bytes"`  // Largest accepted frame
	ProxyProtocol   bool `yaml:"proxy_protocol"`   // Accept a PROXY v1 line as first frame
}

// TelemetryConfig telemetry HTTP surface
type TelemetryConfig struct {
	Path           string `yaml:"path"`             // Metrics path
	StreamInterval int    `yaml:"stream_interval_ms"` // Minimum time between two websocket pushes (milliseconds)
}

// NATConfig public address discovery
type NATConfig struct {
	STUNServers  []string `yaml:"stun_servers"`
	ProbeTimeout int      `yaml:"probe_timeout"` // Seconds
}

// LogConfig log configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// DefaultDataDir returns the per-user data directory
func DefaultDataDir() string {
	if v := os.Getenv("NODE_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".nodecore"
	}
	return filepath.Join(home, ".nodecore")
}

// Default returns a config with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = filepath.Join(DefaultDataDir(), ConfigFileName)
	}

	// Check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Node.DataDir == "" {
		config.Node.DataDir = filepath.Dir(configPath)
	}

	// Set default values
	config.SetDefaults()

	// Apply environment variable overrides
	config.ApplyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return &config, nil
}

// WriteDefault writes a default configuration into dataDir and returns its path.
// An existing config file is left untouched unless overwrite is set.
func WriteDefault(dataDir string, overwrite bool) (string, error) {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	path := filepath.Join(dataDir, ConfigFileName)
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return path, fmt.Errorf("config file already exists: %s", path)
		}
	}

	cfg := Default()
	cfg.Node.DataDir = dataDir
	if err := Save(path, cfg); err != nil {
		return "", err
	}
	return path, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Node.DataDir == "" {
		c.Node.DataDir = DefaultDataDir()
	}

	c.Endpoints.ClientAPI.setDefaults("0.0.0.0", DefaultClientAPIPort)
	c.Endpoints.PeerGossip.setDefaults("0.0.0.0", DefaultPeerGossipPort)
	c.Endpoints.AdminControl.setDefaults("127.0.0.1", DefaultAdminControlPort)
	c.Endpoints.Telemetry.setDefaults("0.0.0.0", DefaultTelemetryPort)

	if c.Console.RefreshInterval == 0 {
		c.Console.RefreshInterval = 250
	}
	if c.Console.LogLines == 0 {
		c.Console.LogLines = 500
	}

	if c.Lifecycle.DrainDeadline == 0 {
		c.Lifecycle.DrainDeadline = 10
	}
	if c.Lifecycle.SnapshotOnShutdown == nil {
		c.Lifecycle.SnapshotOnShutdown = boolPtr(true)
	}

	if c.Peer.StalenessThreshold == 0 {
		c.Peer.StalenessThreshold = 60
	}
	if c.Peer.SweepInterval == 0 {
		c.Peer.SweepInterval = 10
	}
	if c.Peer.HeartbeatInterval == 0 {
		c.Peer.HeartbeatInterval = 5
	}
	if c.Peer.ReconnectInterval == 0 {
		c.Peer.ReconnectInterval = 5
	}

	if c.Session.ReadTimeout == 0 {
		c.Session.ReadTimeout = 300
	}
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = 10
	}
	if c.Session.DispatchTimeout == 0 {
		c.Session.DispatchTimeout = 5
	}
	if c.Session.MaxFrameBytes == 0 {
		c.Session.MaxFrameBytes = 64 * 1024
	}

	if c.Telemetry.Path == "" {
		c.Telemetry.Path = "/metrics"
	}
	if c.Telemetry.StreamInterval == 0 {
		c.Telemetry.StreamInterval = 500
	}

	if c.NAT.ProbeTimeout == 0 {
		c.NAT.ProbeTimeout = 3
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (e *EndpointConfig) setDefaults(bind string, port int) {
	if e.Enabled == nil {
		e.Enabled = boolPtr(true)
	}
	if e.BindAddress == "" {
		e.BindAddress = bind
	}
	if e.Port == 0 {
		e.Port = port
	}
}

// Validate checks ranges and required fields
func (c *Config) Validate() error {
	for _, d := range c.Endpoints.descriptors() {
		if !d.Enabled {
			continue
		}
		if d.Port < 0 || d.Port > 65535 {
			return fmt.Errorf("endpoints.%s.port must be between 0 and 65535, got %d", d.Role, d.Port)
		}
		if strings.TrimSpace(d.BindAddress) == "" {
			return fmt.Errorf("endpoints.%s.bind_address cannot be empty", d.Role)
		}
	}
	if c.Lifecycle.DrainDeadline < 0 {
		return fmt.Errorf("lifecycle.drain_deadline cannot be negative, got %d", c.Lifecycle.DrainDeadline)
	}
	if c.Peer.StalenessThreshold <= 0 {
		return fmt.Errorf("peer.staleness_threshold must be positive, got %d", c.Peer.StalenessThreshold)
	}
	if c.Peer.SweepInterval <= 0 {
		return fmt.Errorf("peer.sweep_interval must be positive, got %d", c.Peer.SweepInterval)
	}
	if c.Session.MaxFrameBytes < 64 {
		return fmt.Errorf("session.max_frame_bytes must be at least 64, got %d", c.Session.MaxFrameBytes)
	}
	for _, seed := range c.Peer.Seeds {
		if NormalizeAddr(seed, "") == "" {
			return fmt.Errorf("peer.seeds: invalid address %q", seed)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of [debug, info, warn, error], got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of [text, json], got %q", c.Log.Format)
	}
	return nil
}

// Descriptors returns the endpoint descriptors in role order
func (c *Config) Descriptors() []types.EndpointDescriptor {
	return c.Endpoints.descriptors()
}

func (e EndpointsConfig) descriptors() []types.EndpointDescriptor {
	mk := func(role types.Role, ec EndpointConfig) types.EndpointDescriptor {
		return types.EndpointDescriptor{
			Role:        role,
			BindAddress: ec.BindAddress,
			Port:        ec.Port,
			Enabled:     ec.IsEnabled(),
		}
	}
	return []types.EndpointDescriptor{
		mk(types.RoleClientAPI, e.ClientAPI),
		mk(types.RolePeerGossip, e.PeerGossip),
		mk(types.RoleAdminControl, e.AdminControl),
		mk(types.RoleTelemetry, e.Telemetry),
	}
}

// IsEnabled reports whether the endpoint is bound (default true)
func (e EndpointConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Endpoint returns the config of one role
func (e *EndpointsConfig) Endpoint(role types.Role) *EndpointConfig {
	switch role {
	case types.RoleClientAPI:
		return &e.ClientAPI
	case types.RolePeerGossip:
		return &e.PeerGossip
	case types.RoleAdminControl:
		return &e.AdminControl
	case types.RoleTelemetry:
		return &e.Telemetry
	}
	return nil
}

// StatePath returns the path of the persisted state snapshot
func (c *Config) StatePath() string {
	return filepath.Join(c.Node.DataDir, StateFileName)
}

// SnapshotOnShutdown reports whether state is persisted on clean shutdown
func (c *Config) SnapshotOnShutdown() bool {
	return c.Lifecycle.SnapshotOnShutdown == nil || *c.Lifecycle.SnapshotOnShutdown
}

// GetDrainDeadline gets the drain deadline
func (c *Config) GetDrainDeadline() time.Duration {
	return time.Duration(c.Lifecycle.DrainDeadline) * time.Second
}

// GetStalenessThreshold gets the peer staleness threshold
func (c *Config) GetStalenessThreshold() time.Duration {
	return time.Duration(c.Peer.StalenessThreshold) * time.Second
}

// GetSweepInterval gets the eviction sweep interval
func (c *Config) GetSweepInterval() time.Duration {
	return time.Duration(c.Peer.SweepInterval) * time.Second
}

// GetHeartbeatInterval gets peer heartbeat interval
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Peer.HeartbeatInterval) * time.Second
}

// GetReconnectInterval gets reconnect interval
func (c *Config) GetReconnectInterval() time.Duration {
	return time.Duration(c.Peer.ReconnectInterval) * time.Second
}

// GetReadTimeout gets the session idle read timeout
func (c *Config) GetReadTimeout() time.Duration {
	if c.Session.ReadTimeout < 0 {
		return 0
	}
	return time.Duration(c.Session.ReadTimeout) * time.Second
}

// GetWriteTimeout gets the response write timeout
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Session.WriteTimeout) * time.Second
}

// GetDispatchTimeout gets the per-dispatch timeout
func (c *Config) GetDispatchTimeout() time.Duration {
	if c.Session.DispatchTimeout < 0 {
		return 0
	}
	return time.Duration(c.Session.DispatchTimeout) * time.Second
}

// GetConsoleRefreshInterval gets the console render throttle
func (c *Config) GetConsoleRefreshInterval() time.Duration {
	return time.Duration(c.Console.RefreshInterval) * time.Millisecond
}

// GetStreamInterval gets the websocket push throttle
func (c *Config) GetStreamInterval() time.Duration {
	return time.Duration(c.Telemetry.StreamInterval) * time.Millisecond
}

// GetProbeTimeout gets the STUN probe timeout
func (c *Config) GetProbeTimeout() time.Duration {
	return time.Duration(c.NAT.ProbeTimeout) * time.Second
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("NODE_ID"); val != "" {
		c.Node.NodeID = val
	}
	if val := os.Getenv("NODE_ADVERTISE_ADDR"); val != "" {
		c.Node.AdvertiseAddr = val
	}

	for _, role := range types.Roles {
		ep := c.Endpoints.Endpoint(role)
		prefix := "NODE_" + strings.ToUpper(string(role))
		if val := os.Getenv(prefix + "_ENABLED"); val != "" {
			if b, err := strconv.ParseBool(val); err == nil {
				ep.Enabled = boolPtr(b)
			}
		}
		if val := os.Getenv(prefix + "_BIND_ADDRESS"); val != "" {
			ep.BindAddress = val
		}
		if val := os.Getenv(prefix + "_PORT"); val != "" {
			if i, err := strconv.Atoi(val); err == nil {
				ep.Port = i
			}
		}
	}

	if val := os.Getenv("NODE_CONSOLE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Console.Enabled = b
		}
	}
	if val := os.Getenv("NODE_DRAIN_DEADLINE_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Lifecycle.DrainDeadline = i
		}
	}
	if val := os.Getenv("PEER_STALENESS_THRESHOLD_SECONDS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			c.Peer.StalenessThreshold = i
		}
	}
	if val := os.Getenv("PEER_SEEDS"); val != "" {
		c.Peer.Seeds = splitList(val)
	}
	if val := os.Getenv("NAT_STUN_SERVERS"); val != "" {
		c.NAT.STUNServers = splitList(val)
	}

	// Log config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func boolPtr(b bool) *bool { return &b }
