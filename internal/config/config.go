// Package config loads the engine configuration from a YAML file and
// environment variables via viper. Every value has a default so a bare
// process starts with only the broker, Supabase and identity settings
// supplied.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker"`
	Recording  RecordingConfig  `mapstructure:"recording"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
	Supabase   SupabaseConfig   `mapstructure:"supabase"`
	Session    SessionConfig    `mapstructure:"session"`
	LogLevel   string           `mapstructure:"log_level"`
}

// BrokerConfig configures the peer-connection broker transport.
type BrokerConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	STUNServers      []string      `mapstructure:"stun_servers"`
}

// RecordingConfig carries the fixed recording constants.
type RecordingConfig struct {
	Width              int      `mapstructure:"width"`
	Height             int      `mapstructure:"height"`
	FrameRate          int      `mapstructure:"frame_rate"`
	VideoBitsPerSecond int      `mapstructure:"video_bps"`
	AudioBitsPerSecond int      `mapstructure:"audio_bps"`
	VideoCodecs        []string `mapstructure:"video_codecs"`
}

// SummarizerConfig configures the transcription/summarization boundary.
// An empty endpoint leaves the boundary unconfigured; calls then keep
// their local transcript with no summary.
type SummarizerConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SupabaseConfig configures the persistence boundary.
type SupabaseConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

// SessionConfig carries session policy settings.
type SessionConfig struct {
	// PersistRole selects which party persists the transcript,
	// "counselor" by default.
	PersistRole string `mapstructure:"persist_role"`

	// AudioWaitTimeout bounds finalization's wait for the per-party
	// audio artifacts.
	AudioWaitTimeout time.Duration `mapstructure:"audio_wait_timeout"`

	// ChatMessagesPerSecond and ChatBurst cap outbound chat.
	ChatMessagesPerSecond float64 `mapstructure:"chat_messages_per_second"`
	ChatBurst             int     `mapstructure:"chat_burst"`
}

// Load reads configuration from the given file (optional) and from
// TESTCHAT_* environment variables, applying defaults for everything
// else.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TESTCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("broker.handshake_timeout", 10*time.Second)
	v.SetDefault("broker.stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("recording.width", 1280)
	v.SetDefault("recording.height", 720)
	v.SetDefault("recording.frame_rate", 15)
	v.SetDefault("recording.video_bps", 2_500_000)
	v.SetDefault("recording.audio_bps", 32_000)
	v.SetDefault("recording.video_codecs", []string{"video/VP9", "video/VP8", ""})
	v.SetDefault("summarizer.timeout", 60*time.Second)
	v.SetDefault("session.persist_role", "counselor")
	v.SetDefault("session.audio_wait_timeout", 3*time.Second)
	v.SetDefault("session.chat_messages_per_second", 5.0)
	v.SetDefault("session.chat_burst", 10)
}

func (c *Config) validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	switch c.Session.PersistRole {
	case "counselor", "client":
	default:
		return fmt.Errorf("session.persist_role must be counselor or client, got %q", c.Session.PersistRole)
	}
	if c.Recording.FrameRate <= 0 {
		return fmt.Errorf("recording.frame_rate must be positive")
	}
	return nil
}
