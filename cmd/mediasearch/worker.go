package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuGH/mediasearch/internal/store"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "observe and steer running workers",
	}
	cmd.AddCommand(newWorkerListCmd(), newWorkerCommandCmd())
	return cmd
}

func newWorkerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			workers, err := a.st.Workers.List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WORKER\tHOST\tSTATE\tCOMMAND\tLAST SEEN")
			for _, row := range workers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					row.WorkerID, row.Hostname, row.State, row.Command,
					row.LastSeenAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

// parseWorkerCommand admits only the commands the run loop obeys.
func parseWorkerCommand(s string) (store.WorkerCommand, error) {
	switch cmd := store.WorkerCommand(s); cmd {
	case store.CommandPause, store.CommandResume, store.CommandShutdown, store.CommandForensicDump:
		return cmd, nil
	default:
		return "", fmt.Errorf("unknown worker command %q (pause, resume, shutdown, forensic_dump)", s)
	}
}

func newWorkerCommandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "command <worker-id> <pause|resume|shutdown|forensic_dump>",
		Short: "send a command to a running worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wc, err := parseWorkerCommand(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.st.Workers.SendCommand(ctx, args[0], wc); err != nil {
				return err
			}
			fmt.Printf("%s sent to %s; it takes effect on the next heartbeat\n", wc, args[0])
			return nil
		},
	}
}
