package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/jobs"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

func newContextCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Create and delete workspace cloud contexts",
	}

	cmd.AddCommand(
		newContextCreateCommand(),
		newContextDeleteCommand(),
	)

	return cmd
}

func parsePlatform(s string) (workspace.CloudPlatform, error) {
	p := workspace.CloudPlatform(strings.ToUpper(s))
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", jobs.ErrInvalidRequest, err)
	}
	return p, nil
}

func newContextCreateCommand() *cobra.Command {
	var (
		platform string
		account  string
		region   string
		flags    jobFlags
	)

	cmd := &cobra.Command{
		Use:     "create <workspace-id>",
		Short:   "Create a cloud context on a workspace",
		Args:    cobra.ExactArgs(1),
		Example: `  flightdeck context create ws-research --platform gcp --account research-prod --region us-central1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID := args[0]
			p, err := parsePlatform(platform)
			if err != nil {
				return err
			}

			inputs := engine.NewFlightMap()
			if err := workspace.KeyCloudContext.Set(inputs, workspace.CloudContext{
				WorkspaceID: wsID,
				Platform:    p,
				AccountID:   account,
				Region:      region,
			}); err != nil {
				return err
			}

			return run(cmd.Context(), func(ctx context.Context, a *app) error {
				return flags.submit(ctx, a, jobs.SubmitRequest{
					FlightType:    workspace.CreateContextFlight(p),
					Description:   fmt.Sprintf("Create %s context on workspace %s", p, wsID),
					OperationType: jobs.OperationCreate,
					WorkspaceID:   wsID,
					CloudPlatform: string(p),
					Inputs:        inputs,
				})
			})
		},
	}

	cmd.Flags().StringVar(&platform, "platform", string(workspace.PlatformGCP), "cloud platform (gcp, azure, aws)")
	cmd.Flags().StringVar(&account, "account", "", "GCP project, Azure subscription or AWS account")
	cmd.Flags().StringVar(&region, "region", "", "default region")
	_ = cmd.MarkFlagRequired("account")
	flags.register(cmd)

	return cmd
}

func newContextDeleteCommand() *cobra.Command {
	var (
		platform string
		flags    jobFlags
	)

	cmd := &cobra.Command{
		Use:   "delete <workspace-id>",
		Short: "Delete a workspace cloud context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID := args[0]
			p, err := parsePlatform(platform)
			if err != nil {
				return err
			}
			return run(cmd.Context(), func(ctx context.Context, a *app) error {
				return flags.submit(ctx, a, jobs.SubmitRequest{
					FlightType:    workspace.DeleteContextFlight(p),
					Description:   fmt.Sprintf("Delete %s context on workspace %s", p, wsID),
					OperationType: jobs.OperationDelete,
					WorkspaceID:   wsID,
					CloudPlatform: string(p),
				})
			})
		},
	}

	cmd.Flags().StringVar(&platform, "platform", string(workspace.PlatformGCP), "cloud platform (gcp, azure, aws)")
	flags.register(cmd)

	return cmd
}
