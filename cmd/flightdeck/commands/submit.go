package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/flightdeck/pkg/jobs"
)

// jobFlags are shared by every command that launches a job.
type jobFlags struct {
	jobID       string
	description string
	async       bool
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.jobID, "job-id", "", "job id (default: generated)")
	cmd.Flags().StringVar(&f.description, "job-description", "", "description recorded on the job")
	cmd.Flags().BoolVar(&f.async, "async", false, "print the job id and return without waiting")
}

// submit launches req as the current caller. Without --async it waits for
// the job and prints its result.
func (f *jobFlags) submit(ctx context.Context, a *app, req jobs.SubmitRequest) error {
	req.JobID = f.jobID
	if req.JobID == "" {
		req.JobID = jobs.NewJobID()
	}
	if f.description != "" {
		req.Description = f.description
	}
	req.Caller = currentCaller()

	if f.async {
		jobID, err := a.jobs.Submit(ctx, req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]string{"id": jobID})
		}
		fmt.Fprintf(stdout, "Submitted job %s\n", jobID)
		return nil
	}

	_, result, err := a.jobs.SubmitAndWait(ctx, req)
	if err != nil {
		return err
	}
	return printResult(result)
}
