package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ManuGH/mediasearch/internal/store"
	"github.com/ManuGH/mediasearch/internal/videoproxy"
)

func newAssetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "asset",
		Short: "inspect assets",
	}
	cmd.AddCommand(newAssetListCmd(), newAssetClipCmd())
	return cmd
}

func newAssetListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list <slug>",
		Short: "list assets of a library",
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

			assets, err := a.st.Assets.ListByLibrary(ctx, lib.Slug, store.AssetStatus(status), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tRETRIES\tPATH")
			for _, asset := range assets {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
					asset.ID, asset.Type, asset.Status, asset.RetryCount, asset.RelPath)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			counts, err := a.st.Assets.StatusCounts(ctx, lib.Slug)
			if err != nil {
				return err
			}
			fmt.Printf("\ntotals:")
			for _, s := range []store.AssetStatus{
				store.StatusPending, store.StatusProcessing, store.StatusProxied,
				store.StatusAnalyzedLight, store.StatusCompleted,
				store.StatusFailed, store.StatusPoisoned,
			} {
				if n := counts[s]; n > 0 {
					fmt.Printf(" %s=%d", s, n)
				}
			}
			fmt.Println()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows to print")
	return cmd
}

func newAssetClipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clip <asset-id> <timestamp>",
		Short: "extract the on-demand clip around a search hit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			assetID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("asset id %q: %w", args[0], err)
			}
			ts, err := strconv.ParseFloat(args[1], 64)
			if err != nil || ts < 0 {
				return fmt.Errorf("timestamp %q must be a non-negative number of seconds", args[1])
			}

			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			rel, err := videoproxy.SearchClip(ctx, a.st, a.layout, assetID, ts)
			if err != nil {
				return err
			}
			fmt.Println(rel)
			return nil
		},
	}
}
