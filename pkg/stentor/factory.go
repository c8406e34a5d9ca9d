package stentor

import (
	"fmt"
	"time"

	"github.com/stentorlabs/stentor/pkg/configutil"
	"github.com/stentorlabs/stentor/pkg/engines"
	"github.com/stentorlabs/stentor/pkg/engines/deepgram"
	"github.com/stentorlabs/stentor/pkg/engines/voiceai"
)

type cloudASRSettings struct {
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
	Encoding string `mapstructure:"encoding"`
}

type voiceAISettings struct {
	URI                string `mapstructure:"uri"`
	HandshakeTimeoutMS *int   `mapstructure:"handshake_timeout_ms"`
}

// buildEngineFactory turns the deployment's engine selection plus its
// free-form settings map into a per-session engine constructor.
func buildEngineFactory(cfg STTConfig) (engines.Factory, error) {
	kind, ok := engines.ParseKind(cfg.Engine)
	if !ok {
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
	switch kind {
	case engines.KindCloudASR:
		var settings cloudASRSettings
		if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
			return nil, fmt.Errorf("cloud_asr settings: %w", err)
		}
		if err := configutil.RequireString(settings.APIKey, "stt.settings.api_key"); err != nil {
			return nil, err
		}
		return func(p engines.Params) engines.StreamingEngine {
			return deepgram.New(deepgram.Config{
				APIKey:   settings.APIKey,
				Model:    settings.Model,
				Encoding: settings.Encoding,
			}, p)
		}, nil
	case engines.KindVoiceAI:
		var settings voiceAISettings
		if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
			return nil, fmt.Errorf("voice_ai settings: %w", err)
		}
		if err := configutil.RequireString(settings.URI, "stt.settings.uri"); err != nil {
			return nil, err
		}
		handshake := time.Duration(configutil.IntValue(settings.HandshakeTimeoutMS, 10000)) * time.Millisecond
		return func(p engines.Params) engines.StreamingEngine {
			return voiceai.New(voiceai.Config{
				URI:              settings.URI,
				HandshakeTimeout: handshake,
			}, p)
		}, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
}
