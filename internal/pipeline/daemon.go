package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"showrunner/internal/config"
	"showrunner/internal/episode"
	"showrunner/internal/logging"
)

// Daemon polls the episode store and feeds pending episodes through the
// orchestrator one at a time, heartbeating the active episode so another
// process can reclaim it after a crash.
type Daemon struct {
	cfg    *config.Config
	store  *episode.Store
	orch   *Orchestrator
	logger *slog.Logger

	pollInterval      time.Duration
	errorRetry        time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	maintenance *Maintenance

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon wires the poll loop around an orchestrator.
func NewDaemon(cfg *config.Config, store *episode.Store, orch *Orchestrator, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Daemon{
		cfg:               cfg,
		store:             store,
		orch:              orch,
		logger:            logging.NewComponentLogger(logger, "daemon"),
		pollInterval:      secondsOr(cfg.Workflow.PollIntervalSeconds, 5*time.Second),
		errorRetry:        secondsOr(cfg.Workflow.ErrorRetryIntervalSecond, 10*time.Second),
		heartbeatInterval: secondsOr(cfg.Workflow.HeartbeatIntervalSeconds, 15*time.Second),
		heartbeatTimeout:  secondsOr(cfg.Workflow.HeartbeatTimeoutSeconds, 2*time.Minute),
		maintenance:       NewMaintenance(cfg, logger),
	}
}

// Maintenance exposes the scheduled jobs for wiring extra tasks before Start.
func (d *Daemon) Maintenance() *Maintenance { return d.maintenance }

// Start launches the poll loop and the maintenance scheduler.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("daemon already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	if err := d.maintenance.Start(); err != nil {
		d.running = false
		cancel()
		return err
	}
	go d.run(runCtx)
	return nil
}

// Stop cancels the loop, waits for it, and returns in-flight episodes to the
// pending state so the next start resumes them from their checkpoints.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	done := d.done
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	cancel()
	<-done
	d.maintenance.Stop()

	ctx, cancelRelease := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelRelease()
	if reclaimed, err := d.store.ReclaimStale(ctx, 0, time.Now()); err != nil {
		d.logger.Warn("failed to release in-flight episodes on shutdown", logging.Error(err))
	} else if reclaimed > 0 {
		d.logger.Info("released in-flight episodes for resume", logging.Int64("count", reclaimed))
	}
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)
	d.logger.Info("daemon started",
		logging.Duration("poll_interval", d.pollInterval),
		logging.Duration("heartbeat_timeout", d.heartbeatTimeout),
	)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if reclaimed, err := d.store.ReclaimStale(ctx, d.heartbeatTimeout, time.Now()); err != nil {
			d.logger.Warn("reclaim stale episodes failed; stuck episodes may remain",
				logging.Error(err),
				logging.String(logging.FieldEventType, "heartbeat_reclaim_failed"),
			)
		} else if reclaimed > 0 {
			d.logger.Info("reclaimed stale episodes", logging.Int64("count", reclaimed))
		}

		ep, err := d.store.NextForStatuses(ctx, episode.StatusPending)
		if err != nil {
			d.logger.Error("failed to fetch next episode",
				logging.Error(err),
				logging.String(logging.FieldEventType, "episode_fetch_failed"),
				logging.String(logging.FieldErrorHint, "check episode database access"),
			)
			if !d.wait(ctx, d.errorRetry) {
				return
			}
			continue
		}
		if ep == nil {
			if !d.wait(ctx, d.pollInterval) {
				return
			}
			continue
		}

		if err := d.produce(ctx, ep); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			d.logger.Error("episode production failed",
				logging.String(logging.FieldEpisodeID, ep.EpisodeID),
				logging.Error(err),
			)
		}
	}
}

// produce runs one episode with a heartbeat loop alongside it.
func (d *Daemon) produce(ctx context.Context, ep *episode.Episode) error {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := d.store.Heartbeat(hbCtx, ep.EpisodeID, time.Now()); err != nil && !errors.Is(err, context.Canceled) {
					d.logger.Warn("heartbeat update failed", logging.Error(err))
				}
			}
		}
	}()

	err := d.orch.Run(ctx, ep.EpisodeID)
	stopHeartbeat()
	wg.Wait()
	return err
}

func (d *Daemon) wait(ctx context.Context, delay time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func secondsOr(value int, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return time.Duration(value) * time.Second
}
