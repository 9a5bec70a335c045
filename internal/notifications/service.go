package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"showrunner/internal/config"
)

const userAgent = "Showrunner-Go/0.1.0"

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	NotifyEpisodeStarted(ctx context.Context, episodeID, topic string) error
	NotifyStageCompleted(ctx context.Context, episodeID, stage string) error
	NotifyEpisodeCompleted(ctx context.Context, episodeID string, totalCost float64, duration time.Duration) error
	NotifyEpisodeFailed(ctx context.Context, episodeID, reason string) error
	NotifyNeedsReview(ctx context.Context, episodeID, reason string) error
	NotifyBudgetAlert(ctx context.Context, episodeID string, spent, limit float64) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	return &ntfyService{
		endpoint:      topic,
		client:        client,
		episodeEvents: cfg.Notifications.EpisodeEvents,
		budgetAlerts:  cfg.Notifications.BudgetAlerts,
		errors:        cfg.Notifications.Errors,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint      string
	client        *http.Client
	episodeEvents bool
	budgetAlerts  bool
	errors        bool
}

func (n *ntfyService) NotifyEpisodeStarted(ctx context.Context, episodeID, topic string) error {
	if !n.episodeEvents {
		return nil
	}
	episodeID = strings.TrimSpace(episodeID)
	topic = strings.TrimSpace(topic)
	data := payload{
		title:   "Showrunner - Episode Started",
		message: fmt.Sprintf("Started producing %s: %s", episodeID, topic),
		tags:    []string{"showrunner", "episode", "started"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyStageCompleted(ctx context.Context, episodeID, stage string) error {
	if !n.episodeEvents {
		return nil
	}
	episodeID = strings.TrimSpace(episodeID)
	stage = strings.TrimSpace(stage)
	data := payload{
		title:    "Showrunner - Stage Complete",
		message:  fmt.Sprintf("%s finished stage %s", episodeID, stage),
		tags:     []string{"showrunner", "stage", "completed"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyEpisodeCompleted(ctx context.Context, episodeID string, totalCost float64, duration time.Duration) error {
	if !n.episodeEvents {
		return nil
	}
	episodeID = strings.TrimSpace(episodeID)
	duration = duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}
	durationText := duration.String()
	if duration == 0 {
		durationText = "0s"
	}
	data := payload{
		title:    "Showrunner - Episode Complete",
		message:  fmt.Sprintf("Episode %s ready: $%.4f spent in %s", episodeID, totalCost, durationText),
		tags:     []string{"showrunner", "episode", "completed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyEpisodeFailed(ctx context.Context, episodeID, reason string) error {
	if !n.episodeEvents {
		return nil
	}
	episodeID = strings.TrimSpace(episodeID)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown"
	}
	data := payload{
		title:    "Showrunner - Episode Failed",
		message:  fmt.Sprintf("Episode %s failed: %s", episodeID, reason),
		tags:     []string{"showrunner", "episode", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyNeedsReview(ctx context.Context, episodeID, reason string) error {
	if !n.episodeEvents {
		return nil
	}
	episodeID = strings.TrimSpace(episodeID)
	reason = strings.TrimSpace(reason)
	data := payload{
		title:   "Showrunner - Review Needed",
		message: fmt.Sprintf("Episode %s needs review: %s\nManual approval required", episodeID, reason),
		tags:    []string{"showrunner", "review", "escalated"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyBudgetAlert(ctx context.Context, episodeID string, spent, limit float64) error {
	if !n.budgetAlerts {
		return nil
	}
	episodeID = strings.TrimSpace(episodeID)
	percent := 0.0
	if limit > 0 {
		percent = spent / limit * 100
	}
	data := payload{
		title:    "Showrunner - Budget Alert",
		message:  fmt.Sprintf("Episode %s at %.0f%% of budget ($%.4f of $%.2f)", episodeID, percent, spent, limit),
		tags:     []string{"showrunner", "budget", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	if !n.errors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" with ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	data := payload{
		title:    "Showrunner - Error",
		message:  builder.String(),
		tags:     []string{"showrunner", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Showrunner - Test",
		message:  "Notification system test",
		tags:     []string{"showrunner", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyEpisodeStarted(context.Context, string, string) error { return nil }
func (noopService) NotifyStageCompleted(context.Context, string, string) error { return nil }
func (noopService) NotifyEpisodeCompleted(context.Context, string, float64, time.Duration) error {
	return nil
}
func (noopService) NotifyEpisodeFailed(context.Context, string, string) error          { return nil }
func (noopService) NotifyNeedsReview(context.Context, string, string) error            { return nil }
func (noopService) NotifyBudgetAlert(context.Context, string, float64, float64) error  { return nil }
func (noopService) NotifyError(context.Context, error, string) error                   { return nil }
func (noopService) TestNotification(context.Context) error                             { return nil }
