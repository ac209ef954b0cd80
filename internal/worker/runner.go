// Package worker is the shared lifecycle harness: database registration,
// heartbeats, operator commands, and the claim/poll loop every pipeline stage
// runs inside.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/mediasearch/internal/flightlog"
	"github.com/ManuGH/mediasearch/internal/store"
)

// Task is one pipeline stage. Process claims and handles a single unit of
// work, returning false when the queue had nothing for it.
type Task interface {
	Process(ctx context.Context) (bool, error)
}

// StatsFunc supplies the JSON heartbeat stats document. May return nil.
type StatsFunc func() map[string]any

// NewID derives a unique worker id from the stage kind and host.
func NewID(kind string) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s-%s", kind, hostname, uuid.NewString()[:8])
}

// Runner drives one worker process. The run loop and the heartbeat loop are
// separate goroutines so a long task never makes the worker look dead.
type Runner struct {
	ID       string
	Hostname string
	Store    *store.Store
	Task     Task
	Log      zerolog.Logger

	// Stats feeds heartbeat observability; nil is fine.
	Stats StatsFunc

	// Flight and ForensicsDir service the forensic_dump command.
	Flight       *flightlog.Buffer
	ForensicsDir string

	HeartbeatInterval time.Duration
	PollInterval      time.Duration

	// Once exits after the queue first runs dry, for batch invocations.
	Once bool

	stopping atomic.Bool
	paused   atomic.Bool
}

// ShouldStop is handed to long-running tasks so they can bail out at safe
// points (scene closes, directory boundaries) instead of mid-write.
func (r *Runner) ShouldStop() bool {
	return r.stopping.Load() || r.paused.Load()
}

// Run blocks until the context is cancelled, a shutdown command arrives, or
// (in Once mode) the queue runs dry.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Store.CheckSchemaVersion(ctx); err != nil {
		return err
	}
	if r.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			r.Hostname = h
		}
	}
	if err := r.Store.Workers.Register(ctx, r.ID, r.Hostname, store.WorkerIdle); err != nil {
		return err
	}
	r.Log.Info().Str("worker_id", r.ID).Msg("worker registered")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.heartbeatLoop(gctx) })
	g.Go(func() error {
		defer cancel()
		return r.runLoop(gctx)
	})
	err := g.Wait()

	r.deregister()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// deregister runs on a fresh context: the run context is usually already
// cancelled at this point.
func (r *Runner) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Store.Workers.SetState(ctx, r.ID, store.WorkerOffline); err != nil {
		r.Log.Warn().Err(err).Msg("could not mark worker offline")
	}
	if err := r.Store.Workers.Unregister(ctx, r.ID); err != nil {
		r.Log.Warn().Err(err).Msg("could not unregister worker")
	}
	r.Log.Info().Str("worker_id", r.ID).Msg("worker stopped")
}

func (r *Runner) heartbeatLoop(ctx context.Context) error {
	interval := r.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var stats []byte
			if r.Stats != nil {
				if m := r.Stats(); m != nil {
					if b, err := json.Marshal(m); err == nil {
						stats = b
					}
				}
			}
			if err := r.Store.Workers.Heartbeat(ctx, r.ID, stats); err != nil {
				r.Log.Warn().Err(err).Msg("heartbeat failed")
				continue
			}
			heartbeatsTotal.Inc()
		}
	}
}

func (r *Runner) runLoop(ctx context.Context) error {
	poll := r.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		stop, err := r.handleCommand(ctx)
		if err != nil {
			r.Log.Warn().Err(err).Msg("command check failed")
		}
		if stop {
			return nil
		}

		if r.paused.Load() {
			if !sleepCtx(ctx, poll) {
				return ctx.Err()
			}
			continue
		}

		worked, err := r.Task.Process(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			tasksTotal.WithLabelValues("error").Inc()
			r.Log.Error().Err(err).Msg("task failed")
			if !sleepCtx(ctx, poll) {
				return ctx.Err()
			}
		case worked:
			tasksTotal.WithLabelValues("ok").Inc()
		default:
			if r.Once {
				r.Log.Info().Msg("queue drained")
				return nil
			}
			if !sleepCtx(ctx, poll) {
				return ctx.Err()
			}
		}
	}
}

// handleCommand obeys one pending operator command. Returns true on shutdown.
func (r *Runner) handleCommand(ctx context.Context) (bool, error) {
	cmd, err := r.Store.Workers.Command(ctx, r.ID)
	if err != nil || cmd == store.CommandNone {
		return false, err
	}
	r.Log.Info().Str("command", string(cmd)).Msg("operator command received")
	commandsTotal.WithLabelValues(string(cmd)).Inc()

	switch cmd {
	case store.CommandPause:
		r.paused.Store(true)
		if err := r.Store.Workers.SetState(ctx, r.ID, store.WorkerPaused); err != nil {
			return false, err
		}
	case store.CommandResume:
		r.paused.Store(false)
		if err := r.Store.Workers.SetState(ctx, r.ID, store.WorkerIdle); err != nil {
			return false, err
		}
	case store.CommandShutdown:
		r.stopping.Store(true)
		return true, r.Store.Workers.ClearCommand(ctx, r.ID)
	case store.CommandForensicDump:
		r.dumpFlightLog()
	}
	return false, r.Store.Workers.ClearCommand(ctx, r.ID)
}

func (r *Runner) dumpFlightLog() {
	if r.Flight == nil || r.ForensicsDir == "" {
		r.Log.Warn().Msg("forensic dump requested but no flight recorder attached")
		return
	}
	path, err := r.Flight.Dump(r.ForensicsDir)
	if err != nil {
		r.Log.Error().Err(err).Msg("forensic dump failed")
		return
	}
	r.Log.Info().Str("path", path).Msg("forensic dump written")
}

// sleepCtx waits d or until cancellation; false means the context died.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
