package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newActivityCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show workspace activity logs",
	}

	cmd.AddCommand(newActivityListCommand())

	return cmd
}

func newActivityListCommand() *cobra.Command {
	var offset, limit int

	cmd := &cobra.Command{
		Use:   "list <workspace-id>",
		Short: "List the activity log of a workspace, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.Context(), func(ctx context.Context, a *app) error {
				entries, err := a.store.ListActivity(ctx, args[0], offset, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(entries)
				}
				rows := make([][]any, 0, len(entries))
				for _, e := range entries {
					ts := e.Timestamp
					rows = append(rows, []any{formatTime(&ts), e.OperationType, e.ChangedTarget, e.ChangeSubjectID, e.ActorSubjectID})
				}
				return printTable("TIME\tOPERATION\tTARGET\tSUBJECT\tACTOR", rows)
			})
		},
	}

	cmd.Flags().IntVar(&offset, "offset", 0, "number of entries to skip")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")

	return cmd
}
