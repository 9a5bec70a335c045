package pipeline_test

import (
	"context"
	"testing"
	"time"

	"showrunner/internal/episode"
	"showrunner/internal/pipeline"
)

func TestDaemonProducesPendingEpisode(t *testing.T) {
	h := newHarness(t)
	h.cfg.Workflow.PollIntervalSeconds = 1

	daemon := pipeline.NewDaemon(h.cfg, h.store, h.orch, nil)
	if err := daemon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer daemon.Stop()

	h.episode(t, "ep-0201", 5.0)

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if h.reload(t, "ep-0201").Status == episode.StatusCompleted {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("episode never completed, status %s", h.reload(t, "ep-0201").Status)
}

func TestDaemonStartTwiceFails(t *testing.T) {
	h := newHarness(t)
	daemon := pipeline.NewDaemon(h.cfg, h.store, h.orch, nil)
	if err := daemon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer daemon.Stop()

	if err := daemon.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}
}
