// mediasearch is the administrative CLI and worker launcher for the media
// indexing pipeline. Every subcommand talks straight to the coordination
// database; there is no API server in between.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ManuGH/mediasearch/internal/config"
	"github.com/ManuGH/mediasearch/internal/log"
	"github.com/ManuGH/mediasearch/internal/media"
	"github.com/ManuGH/mediasearch/internal/store"
	"github.com/ManuGH/mediasearch/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "mediasearch",
		Short:         "media library indexing pipeline",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version.Version, version.Commit, version.Date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			level := ""
			if verbose {
				level = "debug"
			}
			log.Configure(log.Config{Level: level, Version: version.Version})
		},
	}
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "debug logging")

	root.AddCommand(
		newLibraryCmd(),
		newTrashCmd(),
		newScanCmd(),
		newProxyCmd(),
		newVideoProxyCmd(),
		newAICmd(),
		newAssetCmd(),
		newWorkerCmd(),
		newMaintenanceCmd(),
		newMigrateCmd(),
	)
	return root
}

// app bundles what every database-touching subcommand needs.
type app struct {
	cfg    *config.Config
	st     *store.Store
	layout media.Layout
	log    zerolog.Logger
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		st:     st,
		layout: media.Layout{DataDir: cfg.DataDir},
		log:    log.Base(),
	}, nil
}

func (a *app) close() {
	if err := a.st.Close(); err != nil {
		a.log.Warn().Err(err).Msg("closing store")
	}
}

// requireLibrary resolves a slug or fails with the standard hint.
func (a *app) requireLibrary(ctx context.Context, slug string) (*store.Library, error) {
	lib, err := a.st.Libraries.GetBySlug(ctx, slug, false)
	if errors.Is(err, store.ErrLibraryNotFound) {
		return nil, fmt.Errorf("library %q not found (see 'mediasearch library list')", slug)
	}
	return lib, err
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.st.Migrate(ctx); err != nil {
				return err
			}
			a.log.Info().Msg("migrations applied")
			return nil
		},
	}
}
