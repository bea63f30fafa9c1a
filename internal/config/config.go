package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that round-trips through TOML as a string
// ("25s", "500ms").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents ~/.reclaim/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	ServerURL  string `toml:"server_url"` // REST base, e.g. https://api.reclaim.example
	PushURL    string `toml:"push_url"`   // websocket endpoint, e.g. wss://push.reclaim.example/v1/events
	Credential string `toml:"credential"` // bearer token
	UserID     string `toml:"user_id"`    // the local user's id

	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Send      SendConfig      `toml:"send"`
	Typing    TypingConfig    `toml:"typing"`
	Cache     CacheConfig     `toml:"cache"`
	Sync      SyncConfig      `toml:"sync"`
}

// HeartbeatConfig tunes the transport liveness ping.
type HeartbeatConfig struct {
	Interval Duration `toml:"interval"` // time between pings
	Timeout  Duration `toml:"timeout"`  // pong deadline before forcing a reconnect
}

// ReconnectConfig tunes the transport reconnect backoff.
type ReconnectConfig struct {
	Base Duration `toml:"base"`
	Cap  Duration `toml:"cap"`
}

// SendConfig tunes outbox delivery.
type SendConfig struct {
	Base        Duration `toml:"base"`
	Cap         Duration `toml:"cap"`
	MaxAttempts uint64   `toml:"max_attempts"`
	ConfirmWait Duration `toml:"confirm_wait"` // how long to wait for a push confirmation before the REST fallback
}

// TypingConfig tunes the ephemeral signal tracker.
type TypingConfig struct {
	Expiry      Duration `toml:"expiry"`       // inbound indicator lifetime without refresh
	MinInterval Duration `toml:"min_interval"` // outbound rate limit per conversation
}

// CacheConfig tunes the offline snapshot.
type CacheConfig struct {
	MaxAge           Duration `toml:"max_age"`           // snapshots older than this are discarded on restore
	SnapshotInterval Duration `toml:"snapshot_interval"` // periodic snapshot cadence
	MaxMessages      int      `toml:"max_messages"`      // messages kept per conversation in a snapshot
}

// SyncConfig tunes reconciliation.
type SyncConfig struct {
	// HeuristicWindow bounds the last-resort (sender, body, time) correlation
	// for confirmations arriving without a temp-id echo. Zero disables it.
	HeuristicWindow Duration `toml:"heuristic_window"`
	PageSize        int      `toml:"page_size"` // messages fetched per conversation on initial sync
}

// Default returns a config with every tunable at its documented default.
func Default() *Config {
	return &Config{
		DefaultProfile: "default",
		Heartbeat: HeartbeatConfig{
			Interval: Duration(25 * time.Second),
			Timeout:  Duration(10 * time.Second),
		},
		Reconnect: ReconnectConfig{
			Base: Duration(time.Second),
			Cap:  Duration(30 * time.Second),
		},
		Send: SendConfig{
			Base:        Duration(500 * time.Millisecond),
			Cap:         Duration(15 * time.Second),
			MaxAttempts: 5,
			ConfirmWait: Duration(10 * time.Second),
		},
		Typing: TypingConfig{
			Expiry:      Duration(3 * time.Second),
			MinInterval: Duration(2 * time.Second),
		},
		Cache: CacheConfig{
			MaxAge:           Duration(24 * time.Hour),
			SnapshotInterval: Duration(30 * time.Second),
			MaxMessages:      50,
		},
		Sync: SyncConfig{
			HeuristicWindow: Duration(5 * time.Second),
			PageSize:        50,
		},
	}
}

// Load reads config from the given path on top of defaults. Returns an error
// if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from the given path, falling back to defaults
// when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
