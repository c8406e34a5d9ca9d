package stentor

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stentorlabs/stentor/pkg/bus"
	"github.com/stentorlabs/stentor/pkg/engines"
	"github.com/stentorlabs/stentor/pkg/media"
)

type Config struct {
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	LogFormat   string         `mapstructure:"log_format"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	STT         STTConfig      `mapstructure:"stt"`
	Media       MediaConfig    `mapstructure:"media"`
	Events      EventsConfig   `mapstructure:"events"`
	Bus         bus.AMQPConfig `mapstructure:"bus"`
	Privacy     PrivacyConfig  `mapstructure:"privacy"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// STTConfig fixes the deployment-wide engine selection and session limits.
// Settings carries the per-engine connection parameters as a free-form map
// decoded by the engine factory.
type STTConfig struct {
	Engine           string         `mapstructure:"engine"`
	Language         string         `mapstructure:"language"`
	UseAI            bool           `mapstructure:"use_ai"`
	Workers          int            `mapstructure:"workers"`
	QueueDepth       int            `mapstructure:"queue_depth"`
	ConnectTimeoutMS int            `mapstructure:"connect_timeout_ms"`
	DrainTimeoutMS   int            `mapstructure:"drain_timeout_ms"`
	Stasis           bool           `mapstructure:"stasis"`
	Settings         map[string]any `mapstructure:"settings"`
}

type MediaConfig struct {
	StreamURL   string `mapstructure:"stream_url"`
	Subprotocol string `mapstructure:"subprotocol"`
	ChunkSize   int    `mapstructure:"chunk_size"`
	SampleRate  int    `mapstructure:"sample_rate"`
	DumpDir     string `mapstructure:"dump_dir"`
}

type EventsConfig struct {
	URL              string `mapstructure:"url"`
	ReconnectDelayMS int    `mapstructure:"reconnect_delay_ms"`
}

func (c Config) feedConfig() media.FeedConfig {
	return media.FeedConfig{
		StreamURL:   c.Media.StreamURL,
		Subprotocol: c.Media.Subprotocol,
		ChunkSize:   c.Media.ChunkSize,
		SampleRate:  c.Media.SampleRate,
		DumpDir:     c.Media.DumpDir,
	}
}

func (c Config) listenerConfig() media.ListenerConfig {
	return media.ListenerConfig{
		URL:            c.Events.URL,
		ReconnectDelay: time.Duration(c.Events.ReconnectDelayMS) * time.Millisecond,
	}
}

// Validate catches composition mistakes before anything dials out.
func (c Config) Validate() error {
	if _, ok := engines.ParseKind(c.STT.Engine); !ok {
		return fmt.Errorf("stt.engine: unknown engine %q (want %s or %s)",
			c.STT.Engine, engines.KindCloudASR, engines.KindVoiceAI)
	}
	if strings.TrimSpace(c.Media.StreamURL) == "" {
		return fmt.Errorf("media.stream_url is required")
	}
	if c.STT.Stasis && strings.TrimSpace(c.Events.URL) == "" {
		return fmt.Errorf("events.url is required when stt.stasis is enabled")
	}
	return nil
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("http.addr", ":8021")
	v.SetDefault("stt.engine", string(engines.KindVoiceAI))
	v.SetDefault("stt.language", "en-US")
	v.SetDefault("stt.use_ai", false)
	v.SetDefault("stt.workers", 10)
	v.SetDefault("stt.queue_depth", 64)
	v.SetDefault("stt.connect_timeout_ms", 10000)
	v.SetDefault("stt.drain_timeout_ms", 5000)
	v.SetDefault("stt.stasis", false)
	v.SetDefault("media.subprotocol", "stream-channel")
	v.SetDefault("media.chunk_size", 64*1024)
	v.SetDefault("media.sample_rate", 16000)
	v.SetDefault("events.reconnect_delay_ms", 2000)
	v.SetDefault("bus.exchange", "stentor.events")
	v.SetDefault("privacy.redact_pii", true)

	v.SetEnvPrefix("STENTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	return cfg, nil
}
