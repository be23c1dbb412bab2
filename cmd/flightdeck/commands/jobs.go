package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect, wait for and release jobs",
		Long: `Inspect, wait for and release jobs. Every subcommand acts as the
caller given by --as (default: $USER); jobs of other callers are not
visible.`,
	}

	cmd.AddCommand(
		newJobsListCommand(),
		newJobsGetCommand(),
		newJobsResultCommand(),
		newJobsWaitCommand(),
		newJobsStepsCommand(),
		newJobsReleaseCommand(),
	)

	return cmd
}

func newJobsListCommand() *cobra.Command {
	var offset, limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your jobs in submission order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.Context(), func(ctx context.Context, a *app) error {
				reports, err := a.jobs.EnumerateJobs(ctx, offset, limit, callerID())
				if err != nil {
					return err
				}
				return printReports(reports)
			})
		},
	}

	cmd.Flags().IntVar(&offset, "offset", 0, "number of jobs to skip")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs")

	return cmd
}

func newJobsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.Context(), func(ctx context.Context, a *app) error {
				async, err := a.jobs.RetrieveAsyncJobResult(ctx, args[0], callerID())
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(async)
				}
				r := async.Report
				fmt.Fprintf(stdout, "Job:         %s\n", r.ID)
				fmt.Fprintf(stdout, "Description: %s\n", r.Description)
				fmt.Fprintf(stdout, "Status:      %s (%d)\n", r.Status, r.StatusCode)
				fmt.Fprintf(stdout, "Submitted:   %s\n", formatTime(&r.Submitted))
				fmt.Fprintf(stdout, "Completed:   %s\n", formatTime(r.Completed))
				fmt.Fprintf(stdout, "Result URL:  %s\n", r.ResultURL)
				if e := async.ErrorReport; e != nil {
					fmt.Fprintf(stdout, "Error:       %s\n", e.Message)
					for _, cause := range e.Causes {
						fmt.Fprintf(stdout, "  - %s\n", cause)
					}
				}
				return nil
			})
		},
	}
}

func newJobsResultCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "result <job-id>",
		Short: "Print the result of a finished job",
		Long: `Print the result of a finished job. A failed job exits non-zero with
its error; a running job is reported as not complete.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.Context(), func(ctx context.Context, a *app) error {
				result, err := a.jobs.RetrieveJobResult(ctx, args[0], callerID())
				if err != nil {
					return err
				}
				return printResult(result)
			})
		},
	}
}

func newJobsWaitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Resume a job left running and wait for its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), func(ctx context.Context, a *app) error {
				jobID := args[0]
				if err := a.jobs.WaitForJob(ctx, jobID, callerID()); err != nil {
					return err
				}
				result, err := a.jobs.RetrieveJobResult(ctx, jobID, callerID())
				if err != nil {
					return err
				}
				return printResult(result)
			})
		},
	}
}

func newJobsStepsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "steps <job-id>",
		Short: "Show the step log of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.Context(), func(ctx context.Context, a *app) error {
				jobID := args[0]
				if _, err := a.jobs.RetrieveJob(ctx, jobID, callerID()); err != nil {
					return err
				}
				logs, err := a.engine.StepLogs(ctx, jobID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(logs)
				}
				rows := make([][]any, 0, len(logs))
				for _, l := range logs {
					msg := ""
					if l.Error != nil {
						msg = *l.Error
					}
					started := l.StartedAt
					rows = append(rows, []any{l.StepIndex, l.StepName, l.Direction, l.Status, l.Attempts, formatTime(&started), msg})
				}
				return printTable("#\tSTEP\tDIRECTION\tSTATUS\tATTEMPTS\tSTARTED\tERROR", rows)
			})
		},
	}
}

func newJobsReleaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "release <job-id>",
		Short: "Delete a finished job so its id can be reused",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.jobs.ReleaseJob(ctx, args[0], callerID()); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "✓ Released job %s\n", args[0])
				return nil
			})
		},
	}
}
