package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwygoda/clipmill/internal/domain"
)

func jobsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage jobs in the database",
	}
	cmd.AddCommand(jobsAddCmd(g), jobsListCmd(g))
	return cmd
}

func jobsAddCmd(g *globalFlags) *cobra.Command {
	var (
		prompt   string
		duration int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a draft job",
		Long:  "Create a draft job. Start it through the HTTP API of a running server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, repo, err := g.open()
			if err != nil {
				return err
			}
			defer repo.Close()

			if prompt == "" || duration <= 0 {
				return fmt.Errorf("--prompt and a positive --duration are required")
			}
			job := domain.NewJob(prompt, duration)
			job.MaxRetries = cfg.Pipeline.MaxRetries
			if err := repo.Create(cmd.Context(), job); err != nil {
				return fmt.Errorf("create job: %w", err)
			}
			log.WithField("job", job.ID).Debug("job created")
			fmt.Println(job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "generation prompt")
	cmd.Flags().IntVar(&duration, "duration", 5, "clip duration in seconds")
	cmd.MarkFlagRequired("prompt")
	return cmd
}

func jobsListCmd(g *globalFlags) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, repo, err := g.open()
			if err != nil {
				return err
			}
			defer repo.Close()

			var jobs []domain.Job
			if status != "" {
				st := domain.JobStatus(status)
				if !st.IsKnown() {
					return fmt.Errorf("unknown status %q", status)
				}
				jobs, err = repo.ListByStatus(cmd.Context(), st)
			} else {
				jobs, err = repo.List(cmd.Context(), limit)
			}
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Println("no jobs")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tSTAGE\tRETRIES\tUPDATED\tPROMPT")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d/%d\t%s\t%s\n",
					j.ID, j.Status, j.Pipeline.CurrentStage, j.RetryCount, j.MaxRetries,
					j.UpdatedAt.Local().Format("2006-01-02 15:04"), truncate(j.Prompt, 48))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (draft, pending, processing, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs (0 for all)")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
