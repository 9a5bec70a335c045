package logging

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	stageKey contextKey = iota
	episodeKey
	requestKey
)

// WithStage records the active stage name on the context.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey, stage)
}

// WithEpisodeID records the episode identifier on the context.
func WithEpisodeID(ctx context.Context, episodeID string) context.Context {
	return context.WithValue(ctx, episodeKey, episodeID)
}

// WithRequestID records a per-invocation request ID on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestKey, requestID)
}

// WithContext returns a logger enriched with any stage, episode, and request
// identifiers carried by the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	if ctx == nil {
		return logger
	}
	if stage, ok := ctx.Value(stageKey).(string); ok && stage != "" {
		logger = logger.With(String(FieldStage, stage))
	}
	if episodeID, ok := ctx.Value(episodeKey).(string); ok && episodeID != "" {
		logger = logger.With(String(FieldEpisodeID, episodeID))
	}
	if requestID, ok := ctx.Value(requestKey).(string); ok && requestID != "" {
		logger = logger.With(String(FieldRequestID, requestID))
	}
	return logger
}

// StageFromContext returns the stage name stored on the context, if any.
func StageFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	stage, _ := ctx.Value(stageKey).(string)
	return stage
}
