package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Last-Order/Minyami-sub000/internal/checkpoint"
)

func newListCmd(gf *globalFlags) *cobra.Command {
	sf := &storeFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resumable downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadWithStore(cmd, gf, sf)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.store.List(cmd.Context())
			if err != nil {
				return err
			}
			return printTasks(cmd.OutOrStdout(), tasks)
		},
	}
	sf.register(cmd)
	return cmd
}

func printTasks(w io.Writer, tasks []*checkpoint.Task) error {
	if len(tasks) == 0 {
		_, err := fmt.Fprintln(w, "no resumable downloads")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROGRESS\tUPDATED\tOUTPUT\tURL")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%d/%d\t%s\t%s\t%s\n",
			t.ID, len(t.Finished), t.TotalSegments,
			t.UpdatedAt.Local().Format(time.DateTime), t.OutputPath, t.URL)
	}
	return tw.Flush()
}

func newCleanCmd(gf *globalFlags) *cobra.Command {
	sf := &storeFlags{}
	cmd := &cobra.Command{
		Use:   "clean <task-id>",
		Short: "Discard a resumable download and its staged segments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadWithStore(cmd, gf, sf)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.store.Load(cmd.Context(), args[0])
			if errors.Is(err, checkpoint.ErrNotFound) {
				return fmt.Errorf("no resumable download %q", args[0])
			}
			if err != nil {
				return err
			}
			if t.TempDir != "" {
				if err := os.RemoveAll(t.TempDir); err != nil {
					return fmt.Errorf("remove %s: %w", t.TempDir, err)
				}
			}
			if err := a.store.Delete(cmd.Context(), t.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", t.ID)
			return nil
		},
	}
	sf.register(cmd)
	return cmd
}
