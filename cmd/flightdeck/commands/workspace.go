package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/jobs"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

func newWorkspaceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workspace",
		Aliases: []string{"ws"},
		Short:   "Create, delete and list workspaces",
	}

	cmd.AddCommand(
		newWorkspaceCreateCommand(),
		newWorkspaceDeleteCommand(),
		newWorkspaceListCommand(),
	)

	return cmd
}

func newWorkspaceCreateCommand() *cobra.Command {
	var (
		name        string
		description string
		flags       jobFlags
	)

	cmd := &cobra.Command{
		Use:   "create <workspace-id>",
		Short: "Create a workspace",
		Args:  cobra.ExactArgs(1),
		Example: `  flightdeck workspace create ws-research --name "Research"
  flightdeck workspace create ws-research --name "Research" --async`,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if name == "" {
				name = id
			}

			inputs := engine.NewFlightMap()
			if err := workspace.KeyWorkspace.Set(inputs, workspace.Workspace{
				ID:          id,
				DisplayName: name,
				Description: description,
			}); err != nil {
				return err
			}

			return run(cmd.Context(), func(ctx context.Context, a *app) error {
				return flags.submit(ctx, a, jobs.SubmitRequest{
					FlightType:    workspace.FlightCreateWorkspace,
					Description:   fmt.Sprintf("Create workspace %s", id),
					OperationType: jobs.OperationCreate,
					WorkspaceID:   id,
					Inputs:        inputs,
				})
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (default: the id)")
	cmd.Flags().StringVar(&description, "description", "", "workspace description")
	flags.register(cmd)

	return cmd
}

func newWorkspaceDeleteCommand() *cobra.Command {
	var flags jobFlags

	cmd := &cobra.Command{
		Use:   "delete <workspace-id>",
		Short: "Delete a workspace with its cloud contexts and resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return run(cmd.Context(), func(ctx context.Context, a *app) error {
				return flags.submit(ctx, a, jobs.SubmitRequest{
					FlightType:    workspace.FlightDeleteWorkspace,
					Description:   fmt.Sprintf("Delete workspace %s", id),
					OperationType: jobs.OperationDelete,
					WorkspaceID:   id,
				})
			})
		},
	}

	flags.register(cmd)

	return cmd
}

func newWorkspaceListCommand() *cobra.Command {
	var offset, limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.Context(), func(ctx context.Context, a *app) error {
				list, err := a.store.ListWorkspaces(ctx, offset, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(list)
				}
				rows := make([][]any, 0, len(list))
				for _, ws := range list {
					created := ws.CreatedAt
					rows = append(rows, []any{ws.ID, ws.DisplayName, ws.CreatedBy, formatTime(&created)})
				}
				return printTable("ID\tNAME\tCREATED BY\tCREATED", rows)
			})
		},
	}

	cmd.Flags().IntVar(&offset, "offset", 0, "number of workspaces to skip")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of workspaces")

	return cmd
}
