package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskpilot/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show persisted tasks, or one task's transition history",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("no audit store configured; set store.path in config")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	st, err := store.NewSQLiteStore(ctx, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	defer st.Close()

	if len(args) == 1 {
		return printHistory(ctx, st, args[0])
	}
	return printTasks(ctx, st)
}

func printTasks(ctx context.Context, st *store.SQLiteStore) error {
	tasks, err := st.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tSTATUS\tSESSION\tUPDATED\tREASON")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.ProjectID, t.Status, t.SessionID,
			t.UpdatedAt.Format(time.RFC3339), t.Reason)
	}
	return w.Flush()
}

func printHistory(ctx context.Context, st *store.SQLiteStore, taskID string) error {
	task, err := st.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}

	fmt.Printf("task %s (%s) in %s\n", task.ID, task.Status, task.WorkDir)
	if task.Reason != "" {
		fmt.Printf("reason: %s\n", task.Reason)
	}

	if progress, err := st.LatestProgress(ctx, taskID); err == nil && progress != nil {
		fmt.Printf("progress: %d/%d tracked items complete\n",
			progress.CompletedTasks, progress.TotalTasks)
	}

	history, err := st.GetHistory(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	if len(history) == 0 {
		return nil
	}

	fmt.Println("\ntransitions:")
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, tr := range history {
		fmt.Fprintf(w, "  %s\t%s -> %s\t%s\n",
			tr.OccurredAt.Format(time.RFC3339), tr.FromStatus, tr.ToStatus, tr.Reason)
	}
	return w.Flush()
}
