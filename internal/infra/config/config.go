// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Discord  DiscordConfig           `yaml:"discord"`
	Server   ServerConfig            `yaml:"server"`
	Admin    AdminConfig             `yaml:"admin"`
	Queue    QueueConfig             `yaml:"queue"`
	Playback PlaybackConfig          `yaml:"playback"`
	Resolver ResolverConfig          `yaml:"resolver"`
	Cache    CacheConfig             `yaml:"cache"`
	Autoplay AutoplayConfig          `yaml:"autoplay"`
	Filters  map[string]FilterConfig `yaml:"filters"`
	Spotify  SpotifyConfig           `yaml:"spotify"`
	LastFM   LastFMConfig            `yaml:"lastfm"`
	Messages MessagesConfig          `yaml:"messages"`
}

// DiscordConfig represents the bot connection settings.
type DiscordConfig struct {
	Token string `yaml:"token" validate:"required"`
	// Guilds to register commands in; empty registers them globally.
	GuildIDs []string `yaml:"guild_ids"`
}

// ServerConfig represents the admin HTTP server configuration.
type ServerConfig struct {
	Addr  string      `yaml:"addr" default:":8080"`
	Hooks HooksConfig `yaml:"hooks"`
}

// HooksConfig represents shell commands run around the server lifetime.
type HooksConfig struct {
	OnStarted []string `yaml:"on_started"`
	OnStopped []string `yaml:"on_stopped"`
}

// AdminConfig represents admin API access.
type AdminConfig struct {
	Token           string `yaml:"token"`
	RequestsPerMin  int    `yaml:"requests_per_min" default:"60" validate:"gte=1"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec" default:"10" validate:"gte=1"`
}

// QueueConfig represents per-channel queue limits.
type QueueConfig struct {
	MaxSize     int `yaml:"max_size" default:"100" validate:"gte=1"`
	MaxBatch    int `yaml:"max_batch" default:"50" validate:"gte=1"`
	HistorySize int `yaml:"history_size" default:"20" validate:"gte=1"`
}

// PlaybackConfig represents playback control configuration.
type PlaybackConfig struct {
	ConnectAttempts  int `yaml:"connect_attempts" default:"3" validate:"gte=1,lte=10"`
	ConnectBackoffMs int `yaml:"connect_backoff_ms" default:"500" validate:"gte=0"`
	AloneGraceSec    int `yaml:"alone_grace_sec" default:"60" validate:"gte=1"`
}

// ResolverConfig represents the resolution pipeline configuration.
type ResolverConfig struct {
	Workers       int     `yaml:"workers" default:"4" validate:"gte=1,lte=16"`
	QueueDepth    int     `yaml:"queue_depth" default:"64" validate:"gte=1"`
	TimeoutSec    int     `yaml:"timeout_sec" default:"30" validate:"gte=1"`
	RatePerSecond float64 `yaml:"rate_per_second" default:"2" validate:"gte=0"`
	Burst         int     `yaml:"burst" default:"4" validate:"gte=1"`
	YtdlpPath     string  `yaml:"ytdlp_path"`
	ExpandLimit   int     `yaml:"expand_limit" default:"50" validate:"gte=1"`
}

// CacheConfig represents the resolution cache configuration.
type CacheConfig struct {
	Backend          string `yaml:"backend" default:"sqlite" validate:"oneof=memory sqlite redis"`
	SQLitePath       string `yaml:"sqlite_path" default:"voicebox-cache.db"`
	RedisAddr        string `yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword    string `yaml:"redis_password"`
	RedisDB          int    `yaml:"redis_db"`
	SweepIntervalMin int    `yaml:"sweep_interval_min" default:"30" validate:"gte=1"`
}

// AutoplayConfig represents queue refill configuration.
type AutoplayConfig struct {
	Enabled        bool             `yaml:"enabled"`
	CandidateCount int              `yaml:"candidate_count" default:"3" validate:"gte=1,lte=20"`
	Providers      []ProviderConfig `yaml:"providers" validate:"required_if=Enabled true,dive"`
}

// ProviderConfig represents a single autoplay provider configuration.
type ProviderConfig struct {
	Type        string         `yaml:"type" validate:"required,oneof=lastfm playlist"`
	DisplayName string         `yaml:"display_name" validate:"required"`
	Settings    map[string]any `yaml:"settings"`
}

// FilterConfig represents a filter's configuration.
type FilterConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// MessagesConfig represents user-facing messages.
type MessagesConfig struct {
	DefaultError          string `yaml:"default_error" default:"something went wrong"`
	NotInVoice            string `yaml:"not_in_voice" default:"join a voice channel first"`
	QueueFull             string `yaml:"queue_full" default:"queue is full"`
	NothingPlaying        string `yaml:"nothing_playing" default:"nothing is playing"`
	NotConnected          string `yaml:"not_connected" default:"not connected"`
	NoResults             string `yaml:"no_results" default:"no results found"`
	ConnectFailed         string `yaml:"connect_failed" default:"could not join the voice channel"`
	ExtractionFailed      string `yaml:"extraction_failed" default:"could not load that track"`
	NotEnoughTracks       string `yaml:"not_enough_tracks" default:"need at least two queued tracks to shuffle"`
	UserPending           string `yaml:"user_pending" default:"you already have too many tracks waiting"`
	DuplicateTrack        string `yaml:"duplicate_track" default:"that track is already queued"`
	DurationLimitExceeded string `yaml:"duration_limit_exceeded" default:"that track is too long or too short"`
	BlockedUser           string `yaml:"blocked_user" default:"you cannot request tracks"`
}

// SpotifyConfig represents Spotify API configuration. Link expansion is
// disabled when the credentials are empty.
type SpotifyConfig struct {
	ClientID     string `yaml:"client_id" validate:"required_with=ClientSecret"`
	ClientSecret string `yaml:"client_secret" validate:"required_with=ClientID"`
	Market       string `yaml:"market" validate:"omitempty,len=2" default:"JP"`
}

// LastFMConfig represents Last.fm API configuration.
type LastFMConfig struct {
	APIKey string `yaml:"api_key"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Override with environment variables
	cfg.overrideFromEnv()

	// Set defaults using creasty/defaults
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	if v := os.Getenv("DISCORD_TOKEN"); v != "" {
		c.Discord.Token = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_ID"); v != "" {
		c.Spotify.ClientID = v
	}
	if v := os.Getenv("SPOTIFY_CLIENT_SECRET"); v != "" {
		c.Spotify.ClientSecret = v
	}
	if v := os.Getenv("LASTFM_API_KEY"); v != "" {
		c.LastFM.APIKey = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Cache.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Cache.RedisDB = db
		}
	}
}

// GetMessage returns the message for the given code.
func (c *Config) GetMessage(code string) string {
	switch code {
	case "not_in_voice":
		return c.Messages.NotInVoice
	case "queue_full":
		return c.Messages.QueueFull
	case "nothing_playing":
		return c.Messages.NothingPlaying
	case "not_connected":
		return c.Messages.NotConnected
	case "no_results":
		return c.Messages.NoResults
	case "connect_failed":
		return c.Messages.ConnectFailed
	case "extraction_failed":
		return c.Messages.ExtractionFailed
	case "not_enough_tracks":
		return c.Messages.NotEnoughTracks
	case "user_pending":
		return c.Messages.UserPending
	case "duplicate_track":
		return c.Messages.DuplicateTrack
	case "duration_limit_exceeded":
		return c.Messages.DurationLimitExceeded
	case "blocked_user":
		return c.Messages.BlockedUser
	default:
		return c.Messages.DefaultError
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	if c.Queue.MaxBatch > c.Queue.MaxSize {
		return errors.Newf("queue.max_batch (%d) must not exceed queue.max_size (%d)", c.Queue.MaxBatch, c.Queue.MaxSize)
	}
	for _, p := range c.Autoplay.Providers {
		if p.Type == "lastfm" && c.LastFM.APIKey == "" {
			return errors.New("lastfm autoplay provider requires lastfm.api_key")
		}
	}
	return nil
}

// IsFilterEnabled checks if a filter is enabled.
func (c *Config) IsFilterEnabled(filterName string) bool {
	if f, ok := c.Filters[filterName]; ok {
		return f.Enabled
	}
	return false
}

// EnabledFilters returns the settings of every enabled filter keyed by name.
func (c *Config) EnabledFilters() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for name, f := range c.Filters {
		if f.Enabled {
			out[name] = f.Settings
		}
	}
	return out
}

// SpotifyEnabled reports whether Spotify credentials are configured.
func (c *Config) SpotifyEnabled() bool {
	return c.Spotify.ClientID != "" && c.Spotify.ClientSecret != ""
}

// ResolveTimeout returns the per-entry resolution timeout.
func (c *Config) ResolveTimeout() time.Duration {
	return time.Duration(c.Resolver.TimeoutSec) * time.Second
}

// AloneGrace returns how long the bot stays alone before leaving.
func (c *Config) AloneGrace() time.Duration {
	return time.Duration(c.Playback.AloneGraceSec) * time.Second
}

// ConnectBackoff returns the first connect retry delay.
func (c *Config) ConnectBackoff() time.Duration {
	return time.Duration(c.Playback.ConnectBackoffMs) * time.Millisecond
}

// SweepInterval returns the cache sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Cache.SweepIntervalMin) * time.Minute
}
