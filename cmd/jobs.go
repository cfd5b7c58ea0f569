package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ef-pipeline/internal/importjob"
)

var (
	jobsStatus string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect import jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent import jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		pool, err := initPool(ctx, "jobs")
		if err != nil {
			return err
		}
		defer pool.Close()

		jobs, err := importjob.NewStore(pool, 0).List(ctx, importjob.ListFilter{
			Status: importjob.Status(jobsStatus),
			Limit:  jobsLimit,
		})
		if err != nil {
			return err
		}
		return writeJobTable(cmd.OutOrStdout(), jobs)
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one import job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pool, err := initPool(ctx, "jobs")
		if err != nil {
			return err
		}
		defer pool.Close()

		job, err := importjob.NewStore(pool, 0).Get(ctx, args[0])
		if err != nil {
			return err
		}
		if job == nil {
			return eris.Errorf("job %s not found", args[0])
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

func writeJobTable(out io.Writer, jobs []importjob.Job) error {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMODE\tPROGRESS\tINSERTED\tFAILED\tFILE\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%d\t%d\t%s\t%s\n",
			j.ID, j.Status, j.Mode, j.ProgressPercent, j.Inserted, j.Failed,
			truncate(j.FilePath, 48), j.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status (queued, processing, completed, failed)")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum jobs to list")
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd)
	rootCmd.AddCommand(jobsCmd)
}
