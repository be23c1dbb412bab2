package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/jobs"
	"github.com/openfroyo/flightdeck/pkg/resources"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

func newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resource",
		Aliases: []string{"res"},
		Short:   "Manage workspace resources",
	}

	cmd.AddCommand(
		newResourceCreateCommand(),
		newResourceUpdateCommand(),
		newResourceDeleteCommand(),
		newResourceListCommand(),
		newResourceTypesCommand(),
	)

	return cmd
}

// readAttributes accepts inline JSON or @file.
func readAttributes(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	data := []byte(s)
	if path, ok := strings.CutPrefix(s, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("failed to read attributes: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: attributes are not valid JSON", jobs.ErrInvalidRequest)
	}
	return json.RawMessage(data), nil
}

func resourceInputs(res *resources.Resource) (*engine.FlightMap, error) {
	inputs := engine.NewFlightMap()
	if err := resources.KeyResource.Set(inputs, *res); err != nil {
		return nil, err
	}
	return inputs, nil
}

func resourceRequest(flightType string, op jobs.OperationType, res *resources.Resource) (jobs.SubmitRequest, error) {
	inputs, err := resourceInputs(res)
	if err != nil {
		return jobs.SubmitRequest{}, err
	}
	return jobs.SubmitRequest{
		FlightType:    flightType,
		Description:   fmt.Sprintf("%s resource %s", strings.ToLower(string(op)), res.Name),
		OperationType: op,
		WorkspaceID:   res.WorkspaceID,
		ResourceID:    res.ResourceID,
		ResourceType:  string(res.Type),
		ResourceName:  res.Name,
		CloudPlatform: string(res.CloudPlatform),
		Inputs:        inputs,
	}, nil
}

func newResourceCreateCommand() *cobra.Command {
	var (
		resourceType string
		resourceID   string
		name         string
		description  string
		cloning      string
		platform     string
		attributes   string
		flags        jobFlags
	)

	cmd := &cobra.Command{
		Use:   "create <workspace-id>",
		Short: "Create a resource in a workspace",
		Args:  cobra.ExactArgs(1),
		Example: `  flightdeck resource create ws-research --type CONTROLLED_GCS_BUCKET --name scratch \
    --attributes '{"bucket_name":"research-scratch","location":"US"}'

  flightdeck resource create ws-research --type REFERENCED_GCS_BUCKET --name shared \
    --attributes @shared-bucket.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := resources.ResourceType(strings.ToUpper(resourceType))
			handler, ok := resources.DefaultRegistry().Lookup(t)
			if !ok {
				return fmt.Errorf("%w: unknown resource type %q", jobs.ErrInvalidRequest, resourceType)
			}
			attrs, err := readAttributes(attributes)
			if err != nil {
				return err
			}
			if resourceID == "" {
				resourceID = uuid.NewString()
			}

			res := &resources.Resource{
				WorkspaceID:         args[0],
				ResourceID:          resourceID,
				Name:                name,
				Description:         description,
				Stewardship:         handler.Stewardship(),
				Type:                t,
				CloningInstructions: resources.CloningInstructions(strings.ToUpper(cloning)),
				CloudPlatform:       workspace.CloudPlatform(strings.ToUpper(platform)),
				Attributes:          attrs,
			}
			req, err := resourceRequest(resources.FlightCreateResource, jobs.OperationCreate, res)
			if err != nil {
				return err
			}
			return run(cmd.Context(), func(ctx context.Context, a *app) error {
				return flags.submit(ctx, a, req)
			})
		},
	}

	cmd.Flags().StringVar(&resourceType, "type", string(resources.TypeControlledGcsBucket), "resource type")
	cmd.Flags().StringVar(&resourceID, "id", "", "resource id (default: generated)")
	cmd.Flags().StringVar(&name, "name", "", "resource name, unique within the workspace")
	cmd.Flags().StringVar(&description, "description", "", "resource description")
	cmd.Flags().StringVar(&cloning, "cloning", string(resources.CloneNothing), "cloning instructions")
	cmd.Flags().StringVar(&platform, "platform", string(workspace.PlatformGCP), "cloud platform")
	cmd.Flags().StringVar(&attributes, "attributes", "", "type-specific attributes as JSON or @file")
	_ = cmd.MarkFlagRequired("name")
	flags.register(cmd)

	return cmd
}

func newResourceUpdateCommand() *cobra.Command {
	var (
		name        string
		description string
		cloning     string
		attributes  string
		flags       jobFlags
	)

	cmd := &cobra.Command{
		Use:   "update <workspace-id> <resource-id>",
		Short: "Update a resource's metadata and attributes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			attrs, err := readAttributes(attributes)
			if err != nil {
				return err
			}
			return run(cmd.Context(), func(ctx context.Context, a *app) error {
				res, err := a.store.GetResource(ctx, args[0], args[1])
				if err != nil {
					return lookupError(err)
				}
				if cmd.Flags().Changed("name") {
					res.Name = name
				}
				if cmd.Flags().Changed("description") {
					res.Description = description
				}
				if cmd.Flags().Changed("cloning") {
					res.CloningInstructions = resources.CloningInstructions(strings.ToUpper(cloning))
				}
				if attrs != nil {
					res.Attributes = attrs
				}
				req, err := resourceRequest(resources.FlightUpdateResource, jobs.OperationUpdate, res)
				if err != nil {
					return err
				}
				return flags.submit(ctx, a, req)
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "new resource name")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&cloning, "cloning", "", "new cloning instructions")
	cmd.Flags().StringVar(&attributes, "attributes", "", "new attributes as JSON or @file")
	flags.register(cmd)

	return cmd
}

func newResourceDeleteCommand() *cobra.Command {
	var flags jobFlags

	cmd := &cobra.Command{
		Use:   "delete <workspace-id> <resource-id>",
		Short: "Delete a resource; controlled resources lose their cloud object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), func(ctx context.Context, a *app) error {
				res, err := a.store.GetResource(ctx, args[0], args[1])
				if err != nil {
					return lookupError(err)
				}
				req, err := resourceRequest(resources.FlightDeleteResource, jobs.OperationDelete, res)
				if err != nil {
					return err
				}
				return flags.submit(ctx, a, req)
			})
		},
	}

	flags.register(cmd)

	return cmd
}

func newResourceListCommand() *cobra.Command {
	var offset, limit int

	cmd := &cobra.Command{
		Use:   "list <workspace-id>",
		Short: "List the resources of a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.Context(), func(ctx context.Context, a *app) error {
				list, err := a.store.ListResources(ctx, args[0], offset, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(list)
				}
				rows := make([][]any, 0, len(list))
				for _, r := range list {
					rows = append(rows, []any{r.ResourceID, r.Name, r.Type, r.Stewardship, r.CloudPlatform})
				}
				return printTable("ID\tNAME\tTYPE\tSTEWARDSHIP\tPLATFORM", rows)
			})
		},
	}

	cmd.Flags().IntVar(&offset, "offset", 0, "number of resources to skip")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of resources")

	return cmd
}

func newResourceTypesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the supported resource types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := resources.DefaultRegistry()
			rows := make([][]any, 0)
			for _, t := range reg.Types() {
				h, _ := reg.Lookup(t)
				rows = append(rows, []any{t, h.Stewardship()})
			}
			return printTable("TYPE\tSTEWARDSHIP", rows)
		},
	}
}

// notFoundError carries a 404 so ExitCode reports a user error.
type notFoundError struct{ err error }

func (e *notFoundError) Error() string   { return e.err.Error() }
func (e *notFoundError) Unwrap() error   { return e.err }
func (e *notFoundError) StatusCode() int { return http.StatusNotFound }

func lookupError(err error) error {
	if errors.Is(err, resources.ErrResourceNotFound) || errors.Is(err, workspace.ErrWorkspaceNotFound) {
		return &notFoundError{err: err}
	}
	return err
}
