package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"showrunner/internal/config"
	"showrunner/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	if err := svc.NotifyEpisodeStarted(context.Background(), "ep-001", "quantum computing"); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		notify         func(ctx context.Context, svc notifications.Service) error
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name: "episode started",
			notify: func(ctx context.Context, svc notifications.Service) error {
				return svc.NotifyEpisodeStarted(ctx, "ep-001", "dark matter")
			},
			expectTitle:   "Showrunner - Episode Started",
			expectMessage: "Started producing ep-001: dark matter",
			expectTags:    "showrunner,episode,started",
		},
		{
			name: "stage completed",
			notify: func(ctx context.Context, svc notifications.Service) error {
				return svc.NotifyStageCompleted(ctx, "ep-001", "script_polish")
			},
			expectTitle:    "Showrunner - Stage Complete",
			expectMessage:  "ep-001 finished stage script_polish",
			expectTags:     "showrunner,stage,completed",
			expectPriority: "low",
		},
		{
			name: "episode completed",
			notify: func(ctx context.Context, svc notifications.Service) error {
				return svc.NotifyEpisodeCompleted(ctx, "ep-001", 3.2145, 17*time.Minute)
			},
			expectTitle:    "Showrunner - Episode Complete",
			expectMessage:  "Episode ep-001 ready: $3.2145 spent in 17m0s",
			expectTags:     "showrunner,episode,completed",
			expectPriority: "high",
		},
		{
			name: "episode failed",
			notify: func(ctx context.Context, svc notifications.Service) error {
				return svc.NotifyEpisodeFailed(ctx, "ep-002", "all providers exhausted")
			},
			expectTitle:    "Showrunner - Episode Failed",
			expectMessage:  "Episode ep-002 failed: all providers exhausted",
			expectTags:     "showrunner,episode,failed",
			expectPriority: "high",
		},
		{
			name: "needs review",
			notify: func(ctx context.Context, svc notifications.Service) error {
				return svc.NotifyNeedsReview(ctx, "ep-003", "quality gate below threshold after revision")
			},
			expectTitle:   "Showrunner - Review Needed",
			expectMessage: "Episode ep-003 needs review: quality gate below threshold after revision\nManual approval required",
			expectTags:    "showrunner,review,escalated",
		},
		{
			name: "budget alert",
			notify: func(ctx context.Context, svc notifications.Service) error {
				return svc.NotifyBudgetAlert(ctx, "ep-001", 4.0, 5.0)
			},
			expectTitle:    "Showrunner - Budget Alert",
			expectMessage:  "Episode ep-001 at 80% of budget ($4.0000 of $5.00)",
			expectTags:     "showrunner,budget,alert",
			expectPriority: "high",
		},
		{
			name: "error",
			notify: func(ctx context.Context, svc notifications.Service) error {
				return svc.NotifyError(ctx, errors.New("checkpoint write failed"), "state store")
			},
			expectTitle:    "Showrunner - Error",
			expectMessage:  "Error with state store: checkpoint write failed",
			expectTags:     "showrunner,error,alert",
			expectPriority: "high",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Fatalf("unexpected method: %s", r.Method)
				}
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Fatalf("read body: %v", err)
				}
				captured.body = string(body)
				_ = r.Body.Close()
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeoutSeconds = 5

			svc := notifications.NewService(&cfg)
			if err := tc.notify(context.Background(), svc); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceHonorsCategoryToggles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected call for suppressed category: %s", r.Header.Get("Title"))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.EpisodeEvents = false
	cfg.Notifications.BudgetAlerts = false
	cfg.Notifications.Errors = false

	svc := notifications.NewService(&cfg)
	ctx := context.Background()

	if err := svc.NotifyEpisodeStarted(ctx, "ep-001", "dark matter"); err != nil {
		t.Fatalf("expected no error for suppressed episode event, got %v", err)
	}
	if err := svc.NotifyBudgetAlert(ctx, "ep-001", 4.0, 5.0); err != nil {
		t.Fatalf("expected no error for suppressed budget alert, got %v", err)
	}
	if err := svc.NotifyError(ctx, errors.New("boom"), "test"); err != nil {
		t.Fatalf("expected no error for suppressed error event, got %v", err)
	}
}

func TestNtfyServiceReportsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("topic disallowed"))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL

	svc := notifications.NewService(&cfg)
	err := svc.TestNotification(context.Background())
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
