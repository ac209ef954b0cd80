package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newLibraryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "manage the library catalogue",
	}
	cmd.AddCommand(newLibraryAddCmd(), newLibraryRemoveCmd(), newLibraryRestoreCmd(), newLibraryListCmd())
	return cmd
}

func newLibraryAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <path>",
		Short: "register a library root",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name, path := args[0], args[1]
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			if info, err := os.Stat(abs); err != nil {
				return fmt.Errorf("library root %s: %w", abs, err)
			} else if !info.IsDir() {
				return fmt.Errorf("library root %s is not a directory", abs)
			}

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			slug, err := a.st.Libraries.Add(ctx, name, abs)
			if err != nil {
				return err
			}
			fmt.Printf("library %q registered as %s\n", name, slug)
			return nil
		},
	}
}

func newLibraryRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <slug>",
		Short: "move a library to the trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if _, err := a.requireLibrary(ctx, args[0]); err != nil {
				return err
			}
			if err := a.st.Libraries.SoftDelete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("library %s moved to trash; 'trash empty %s' deletes it for good\n", args[0], args[0])
			return nil
		},
	}
}

func newLibraryRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <slug>",
		Short: "undelete a trashed library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.st.Libraries.Restore(ctx, args[0]); err != nil {
				return fmt.Errorf("library %q is not in the trash (see 'mediasearch library list --include-deleted')", args[0])
			}
			fmt.Printf("library %s restored\n", args[0])
			return nil
		},
	}
}

func newLibraryListCmd() *cobra.Command {
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list libraries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			libs, err := a.st.Libraries.List(ctx, includeDeleted)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SLUG\tNAME\tPATH\tSCAN\tDELETED")
			for _, lib := range libs {
				deleted := ""
				if lib.DeletedAt.Valid {
					deleted = lib.DeletedAt.Time.Format("2006-01-02")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					lib.Slug, lib.Name, lib.AbsolutePath, lib.ScanStatus, deleted)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "include trashed libraries")
	return cmd
}

// confirm prompts unless force is set. Anything but y/yes aborts.
func confirm(force bool, prompt string) bool {
	if force {
		return true
	}
	fmt.Printf("%s [y/N]: ", prompt)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func newTrashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trash",
		Short: "permanently delete trashed libraries",
	}
	cmd.AddCommand(newTrashEmptyCmd(), newTrashEmptyAllCmd())
	return cmd
}

func newTrashEmptyCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "empty <slug>",
		Short: "hard-delete one trashed library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if !confirm(force, fmt.Sprintf("permanently delete library %q and all its assets?", args[0])) {
				return fmt.Errorf("aborted")
			}
			if err := a.st.Libraries.HardDelete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("library %s permanently deleted\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation")
	return cmd
}

func newTrashEmptyAllCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "empty-all",
		Short: "hard-delete every trashed library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			trashed, err := a.st.Libraries.ListTrashed(ctx)
			if err != nil {
				return err
			}
			if len(trashed) == 0 {
				fmt.Println("trash is empty")
				return nil
			}
			if !confirm(force, fmt.Sprintf("permanently delete %d trashed libraries?", len(trashed))) {
				return fmt.Errorf("aborted")
			}
			for _, lib := range trashed {
				if err := a.st.Libraries.HardDelete(ctx, lib.Slug); err != nil {
					return err
				}
				a.log.Info().Str("library", lib.Slug).Msg("library permanently deleted")
			}
			fmt.Printf("%d libraries permanently deleted\n", len(trashed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation")
	return cmd
}
