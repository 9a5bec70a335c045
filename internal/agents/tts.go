package agents

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"showrunner/internal/config"
	"showrunner/internal/failover"
	"showrunner/internal/ledger"
	"showrunner/internal/logging"
	"showrunner/internal/services"
	"showrunner/internal/stage"
)

// StageTTSSynthesis is the audio synthesis stage name.
const StageTTSSynthesis = "tts_synthesis"

const (
	// minAudioBytes rejects truncated or error-page audio responses.
	minAudioBytes = 1024

	ttsVoiceEnv = "ELEVENLABS_VOICE_ID"
)

// TTS synthesizes the final script into an audio file under the configured
// audio directory. The voice id is a secret: it is sent to the provider and
// never written to logs or error messages.
type TTS struct {
	manager *failover.Manager
	cfg     *config.Config
	voiceID string
	logger  *slog.Logger
}

// TTSOption customizes TTS construction.
type TTSOption func(*TTS)

// WithVoiceID overrides the voice id read from the environment.
func WithVoiceID(voiceID string) TTSOption {
	return func(t *TTS) {
		if strings.TrimSpace(voiceID) != "" {
			t.voiceID = strings.TrimSpace(voiceID)
		}
	}
}

// NewTTS builds the synthesis handler.
func NewTTS(cfg *config.Config, manager *failover.Manager, logger *slog.Logger, opts ...TTSOption) *TTS {
	if logger == nil {
		logger = logging.NewNop()
	}
	t := &TTS{
		manager: manager,
		cfg:     cfg,
		voiceID: strings.TrimSpace(os.Getenv(ttsVoiceEnv)),
		logger:  logging.NewComponentLogger(logger, StageTTSSynthesis),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TTS) Name() string { return StageTTSSynthesis }

func (t *TTS) Prepare(_ context.Context, req *stage.Request) error {
	if req.Ledger == nil {
		return fmt.Errorf("%s: ledger required", StageTTSSynthesis)
	}
	if strings.TrimSpace(req.Document.Persistent.ScriptText) == "" {
		return services.Wrap(services.ErrStateValidation, StageTTSSynthesis, StageTTSSynthesis, "no script text to synthesize", nil)
	}
	if strings.TrimSpace(t.cfg.Paths.AudioDir) == "" {
		return fmt.Errorf("%s: audio directory not configured", StageTTSSynthesis)
	}
	return os.MkdirAll(t.cfg.Paths.AudioDir, 0o755)
}

func (t *TTS) Execute(ctx context.Context, req *stage.Request) (*stage.Result, error) {
	text := req.Document.Persistent.ScriptText
	resp, err := t.manager.Execute(ctx, failover.Request{
		Operation:     StageTTSSynthesis,
		Model:         req.Model,
		EstimatedCost: req.EstimatedCost,
		Payload: map[string]any{
			"text":     text,
			"model_id": req.Model,
			"voice_settings": map[string]any{
				"voice_id":         t.voiceID,
				"stability":        0.5,
				"similarity_boost": 0.75,
			},
		},
	}, nil)
	if err != nil {
		return nil, err
	}

	audio, ok := resp.Output.([]byte)
	if !ok {
		return nil, services.Wrap(services.ErrTransient, StageTTSSynthesis, StageTTSSynthesis,
			"provider returned non-audio response", nil)
	}
	if len(audio) < minAudioBytes {
		return nil, services.Wrap(services.ErrTransient, StageTTSSynthesis, StageTTSSynthesis,
			fmt.Sprintf("audio response below minimum size: %d bytes", len(audio)), nil)
	}

	path := filepath.Join(t.cfg.Paths.AudioDir, req.Episode.EpisodeID+".mp3")
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return nil, fmt.Errorf("%s: write audio file: %w", StageTTSSynthesis, err)
	}

	characters := resp.Characters
	if characters == 0 {
		characters = len(text)
	}
	cost, err := req.Ledger.Track("tts", resp.Provider, resp.Model, ledger.Usage{Characters: characters}, StageTTSSynthesis)
	if err != nil {
		return nil, err
	}

	t.logger.Info("audio synthesis complete",
		logging.String(logging.FieldEpisodeID, req.Episode.EpisodeID),
		logging.String(logging.FieldProvider, resp.Provider),
		logging.String("audio_path", path),
		logging.Int("audio_bytes", len(audio)),
		logging.Float64(logging.FieldCostUSD, cost),
	)
	return &stage.Result{
		OutputRef: path,
		Output:    map[string]any{"audio_path": path},
		CostUSD:   cost,
	}, nil
}

func (t *TTS) HealthCheck(context.Context) stage.Health {
	if t.manager == nil {
		return stage.Unhealthy(StageTTSSynthesis, "no failover manager configured")
	}
	if t.voiceID == "" {
		return stage.Unhealthy(StageTTSSynthesis, "voice id not configured")
	}
	return stage.Healthy(StageTTSSynthesis)
}
