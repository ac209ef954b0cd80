package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/mediasearch/internal/ai"
	"github.com/ManuGH/mediasearch/internal/flightlog"
	"github.com/ManuGH/mediasearch/internal/health"
	"github.com/ManuGH/mediasearch/internal/log"
	"github.com/ManuGH/mediasearch/internal/ops"
	"github.com/ManuGH/mediasearch/internal/proxy"
	"github.com/ManuGH/mediasearch/internal/scanner"
	"github.com/ManuGH/mediasearch/internal/videoproxy"
	"github.com/ManuGH/mediasearch/internal/version"
	"github.com/ManuGH/mediasearch/internal/vision"
	"github.com/ManuGH/mediasearch/internal/worker"
)

// workerFlags are shared by every pipeline worker subcommand.
type workerFlags struct {
	library      string
	all          bool
	once         bool
	repair       bool
	heartbeatSec int
	workerName   string
}

func (f *workerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.library, "library", "", "restrict claims to one library slug")
	cmd.Flags().BoolVar(&f.all, "all", false, "claim work from every library")
	cmd.Flags().BoolVar(&f.once, "once", false, "exit when the queue runs dry")
	cmd.Flags().BoolVar(&f.repair, "repair", false, "reset inconsistent assets before working")
	cmd.Flags().IntVar(&f.heartbeatSec, "heartbeat", 0, "heartbeat interval in seconds")
	cmd.Flags().StringVar(&f.workerName, "worker-name", "", "explicit worker id")
	cmd.MarkFlagsMutuallyExclusive("library", "all")
}

// scope resolves the claim scope: a validated slug, or "" for all libraries.
func (f *workerFlags) scope(ctx context.Context, a *app) (string, error) {
	switch {
	case f.all:
		return "", nil
	case f.library != "":
		lib, err := a.requireLibrary(ctx, f.library)
		if err != nil {
			return "", err
		}
		return lib.Slug, nil
	default:
		return "", fmt.Errorf("pass --library <slug> or --all")
	}
}

// runWorker wires one task into the shared lifecycle harness: flight recorder,
// optional metrics listener, heartbeats, and the poll loop.
func runWorker(ctx context.Context, a *app, id string, task worker.Task, stats worker.StatsFunc, f *workerFlags) error {
	flight := flightlog.New(id)
	log.AttachHook(flightlog.Hook{Buffer: flight})
	logger := a.log.With().Str("worker_id", id).Logger()

	heartbeat := a.cfg.HeartbeatInterval
	if f.heartbeatSec > 0 {
		heartbeat = time.Duration(f.heartbeatSec) * time.Second
	}
	runner := &worker.Runner{
		ID:                id,
		Store:             a.st,
		Task:              task,
		Log:               logger,
		Stats:             stats,
		Flight:            flight,
		ForensicsDir:      a.cfg.ForensicsDir,
		HeartbeatInterval: heartbeat,
		PollInterval:      a.cfg.PollInterval,
		Once:              f.once,
	}
	if s, ok := task.(interface{ SetShouldStop(func() bool) }); ok {
		s.SetShouldStop(runner.ShouldStop)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	if a.cfg.MetricsAddr != "" {
		hm := health.NewManager(id, version.Version)
		hm.Register(&health.DatabaseChecker{DB: a.st.DB})
		srv := &ops.Server{Addr: a.cfg.MetricsAddr, WorkerID: id, Log: logger, Health: hm}
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		return runner.Run(gctx)
	})
	return g.Wait()
}

func workerID(f *workerFlags, kind string) string {
	if f.workerName != "" {
		return f.workerName
	}
	return worker.NewID(kind)
}

func newScanCmd() *cobra.Command {
	var watch bool
	var f workerFlags
	cmd := &cobra.Command{
		Use:   "scan <slug>",
		Short: "run a one-shot scan of a library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			lib, err := a.requireLibrary(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.st.Libraries.RequestScan(ctx, lib.Slug); err != nil {
				return err
			}

			id := workerID(&f, "scanner")
			task := &scanner.Task{Store: a.st, WorkerID: id, Log: a.log, Library: lib.Slug}
			f.once = true
			if err := runWorker(ctx, a, id, task, task.Stats, &f); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			w := &scanner.Watcher{Store: a.st, Log: a.log, Library: lib}
			return w.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep reconciling via filesystem events after the scan")
	cmd.Flags().StringVar(&f.workerName, "worker-name", "", "explicit worker id")
	return cmd
}

func newProxyCmd() *cobra.Command {
	var f workerFlags
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "run the image proxy worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			scope, err := f.scope(ctx, a)
			if err != nil {
				return err
			}
			if f.repair {
				n, err := proxy.Repair(ctx, a.st, a.layout, scope, a.log)
				if err != nil {
					return err
				}
				a.log.Info().Int64("reset", n).Msg("image derivative repair finished")
			}

			id := workerID(&f, "image_proxy")
			task := &proxy.Task{
				Store: a.st, WorkerID: id, Log: a.log, Layout: a.layout,
				Library: scope, LeaseTTL: a.cfg.LeaseTTL,
			}
			return runWorker(ctx, a, id, task, task.Stats, &f)
		},
	}
	f.register(cmd)
	return cmd
}

func newVideoProxyCmd() *cobra.Command {
	var f workerFlags
	cmd := &cobra.Command{
		Use:   "video-proxy",
		Short: "run the video proxy and scene indexing worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			scope, err := f.scope(ctx, a)
			if err != nil {
				return err
			}
			if f.repair {
				n, err := videoproxy.Repair(ctx, a.st, a.layout, scope, a.log)
				if err != nil {
					return err
				}
				a.log.Info().Int64("reset", n).Msg("video derivative repair finished")
			}

			id := workerID(&f, "video_proxy")
			task := &videoproxy.Task{
				Store: a.st, WorkerID: id, Log: a.log, Layout: a.layout,
				Library: scope, LeaseTTL: a.cfg.LeaseTTL,
				UseRawPreviews: a.cfg.UseRawPreviews,
			}
			return runWorker(ctx, a, id, task, task.Stats, &f)
		},
	}
	f.register(cmd)
	return cmd
}

func newAICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ai",
		Short: "run the vision analysis workers",
	}
	cmd.AddCommand(newAIStartCmd(), newAIVideoCmd())
	return cmd
}

// resolveModel registers the analyzer in the model registry and resolves the
// system default, seeding it with this model when none is set yet.
func resolveModel(ctx context.Context, a *app, analyzer vision.Analyzer) (modelID, systemDefault int64, err error) {
	card := analyzer.ModelCard()
	modelID, err = a.st.Meta.GetOrCreateModel(ctx, card.Name, card.Version)
	if err != nil {
		return 0, 0, err
	}
	systemDefault, err = a.st.Meta.DefaultModelID(ctx)
	if err != nil {
		return 0, 0, err
	}
	if systemDefault == 0 {
		if _, isMock := analyzer.(*vision.MockAnalyzer); isMock && !a.cfg.AllowMockDefault {
			return 0, 0, fmt.Errorf("refusing to make the mock analyzer the system default (set MEDIASEARCH_ALLOW_MOCK_DEFAULT=1 for tests)")
		}
		if err := a.st.Meta.SetDefaultModelID(ctx, modelID); err != nil {
			return 0, 0, err
		}
		a.log.Info().Int64("model_id", modelID).Str("model", card.Name).Msg("registered as system default model")
		systemDefault = modelID
	}
	return modelID, systemDefault, nil
}

func newAIStartCmd() *cobra.Command {
	var f workerFlags
	var analyzerName, modeName string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "run the image vision worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			mode, err := ai.ParseMode(modeName)
			if err != nil {
				return err
			}
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			scope, err := f.scope(ctx, a)
			if err != nil {
				return err
			}
			analyzer, err := vision.New(analyzerName, a.cfg.AllowMockDefault)
			if err != nil {
				return err
			}
			modelID, systemDefault, err := resolveModel(ctx, a, analyzer)
			if err != nil {
				return err
			}
			if f.repair {
				n, err := ai.Repair(ctx, a.st, scope, systemDefault, a.log)
				if err != nil {
					return err
				}
				a.log.Info().Int64("reset", n).Msg("wrong-model repair finished")
			}

			id := workerID(&f, "ai_image")
			task := &ai.ImageTask{
				Store: a.st, WorkerID: id, Log: a.log, Layout: a.layout,
				Analyzer: analyzer, Mode: mode,
				ModelID: modelID, SystemDefaultModelID: systemDefault,
				Library: scope, LeaseTTL: a.cfg.LeaseTTL,
			}
			return runWorker(ctx, a, id, task, task.Stats, &f)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&analyzerName, "analyzer", "", "vision backend (station, mock)")
	cmd.Flags().StringVar(&modeName, "mode", "light", "analysis pass: light or full")
	return cmd
}

func newAIVideoCmd() *cobra.Command {
	var f workerFlags
	var analyzerName string
	cmd := &cobra.Command{
		Use:   "video",
		Short: "run the video scene vision worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			scope, err := f.scope(ctx, a)
			if err != nil {
				return err
			}
			analyzer, err := vision.New(analyzerName, a.cfg.AllowMockDefault)
			if err != nil {
				return err
			}
			modelID, systemDefault, err := resolveModel(ctx, a, analyzer)
			if err != nil {
				return err
			}
			if f.repair {
				n, err := ai.Repair(ctx, a.st, scope, systemDefault, a.log)
				if err != nil {
					return err
				}
				a.log.Info().Int64("reset", n).Msg("wrong-model repair finished")
			}

			id := workerID(&f, "ai_video")
			task := &ai.VideoTask{
				Store: a.st, WorkerID: id, Log: a.log, Layout: a.layout,
				Analyzer: analyzer,
				ModelID:  modelID, SystemDefaultModelID: systemDefault,
				Library: scope, LeaseTTL: a.cfg.LeaseTTL,
			}
			return runWorker(ctx, a, id, task, task.Stats, &f)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&analyzerName, "analyzer", "", "vision backend (station, mock)")
	return cmd
}
