package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/flightdeck/pkg/activity"
	"github.com/openfroyo/flightdeck/pkg/jobs"
	"github.com/openfroyo/flightdeck/pkg/resources"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

var (
	_ workspace.Store             = (*SQLStore)(nil)
	_ workspace.CloudContextStore = (*SQLStore)(nil)
	_ resources.Store             = (*SQLStore)(nil)
	_ activity.Store              = (*SQLStore)(nil)
)

// CreateWorkspace creates a workspace record
func (s *SQLStore) CreateWorkspace(ctx context.Context, ws *workspace.Workspace) error {
	query := `
		INSERT INTO workspaces (id, display_name, description, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := s.exec(ctx, query, ws.ID, ws.DisplayName, ws.Description, ws.CreatedBy, ws.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return expectInserted(result, workspace.ErrWorkspaceExists, ws.ID)
}

// GetWorkspace retrieves a workspace by ID
func (s *SQLStore) GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error) {
	query := `SELECT id, display_name, description, created_by, created_at FROM workspaces WHERE id = ?`

	ws := &workspace.Workspace{}
	err := s.queryRow(ctx, query, id).Scan(&ws.ID, &ws.DisplayName, &ws.Description, &ws.CreatedBy, &ws.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", workspace.ErrWorkspaceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}

	return ws, nil
}

// ListWorkspaces lists workspaces by creation time
func (s *SQLStore) ListWorkspaces(ctx context.Context, offset, limit int) ([]*workspace.Workspace, error) {
	offset, limit = page(offset, limit)
	query := `
		SELECT id, display_name, description, created_by, created_at
		FROM workspaces
		ORDER BY created_at ASC, id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	out := []*workspace.Workspace{}
	for rows.Next() {
		ws := &workspace.Workspace{}
		if err := rows.Scan(&ws.ID, &ws.DisplayName, &ws.Description, &ws.CreatedBy, &ws.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		out = append(out, ws)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workspaces: %w", err)
	}

	return out, nil
}

// DeleteWorkspace deletes a workspace with its cloud contexts and resources.
func (s *SQLStore) DeleteWorkspace(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.txExec(ctx, tx, `DELETE FROM resources WHERE workspace_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete workspace resources: %w", err)
		}
		if _, err := s.txExec(ctx, tx, `DELETE FROM cloud_contexts WHERE workspace_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete workspace cloud contexts: %w", err)
		}
		result, err := s.txExec(ctx, tx, `DELETE FROM workspaces WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete workspace: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		deleted = rows > 0
		return nil
	})
	return deleted, err
}

// CreateCloudContext creates a cloud context record
func (s *SQLStore) CreateCloudContext(ctx context.Context, cc *workspace.CloudContext) error {
	query := `
		INSERT INTO cloud_contexts (workspace_id, platform, account_id, region, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, platform) DO NOTHING
	`

	result, err := s.exec(ctx, query, cc.WorkspaceID, string(cc.Platform), cc.AccountID, cc.Region, cc.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create cloud context: %w", err)
	}
	return expectInserted(result, workspace.ErrCloudContextExists, cc.WorkspaceID+"/"+string(cc.Platform))
}

// GetCloudContext retrieves the cloud context of a workspace on a platform
func (s *SQLStore) GetCloudContext(ctx context.Context, workspaceID string, platform workspace.CloudPlatform) (*workspace.CloudContext, bool, error) {
	query := `
		SELECT workspace_id, platform, account_id, region, created_at
		FROM cloud_contexts
		WHERE workspace_id = ? AND platform = ?
	`

	cc := &workspace.CloudContext{}
	var p string
	err := s.queryRow(ctx, query, workspaceID, string(platform)).Scan(&cc.WorkspaceID, &p, &cc.AccountID, &cc.Region, &cc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cloud context: %w", err)
	}
	cc.Platform = workspace.CloudPlatform(p)

	return cc, true, nil
}

// DeleteCloudContext deletes the cloud context of a workspace on a platform
func (s *SQLStore) DeleteCloudContext(ctx context.Context, workspaceID string, platform workspace.CloudPlatform) (bool, error) {
	result, err := s.exec(ctx, `DELETE FROM cloud_contexts WHERE workspace_id = ? AND platform = ?`, workspaceID, string(platform))
	if err != nil {
		return false, fmt.Errorf("failed to delete cloud context: %w", err)
	}
	return rowsAffected(result)
}

const resourceColumns = `workspace_id, resource_id, name, description, stewardship, resource_type, cloning_instructions, cloud_platform, attributes, created_by, created_at`

// CreateResource creates a resource record. Both the id and the name must be
// unique within the workspace.
func (s *SQLStore) CreateResource(ctx context.Context, r *resources.Resource) error {
	query := `
		INSERT INTO resources (` + resourceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	result, err := s.exec(ctx, query,
		r.WorkspaceID,
		r.ResourceID,
		r.Name,
		r.Description,
		string(r.Stewardship),
		string(r.Type),
		string(r.CloningInstructions),
		string(r.CloudPlatform),
		attributesValue(r.Attributes),
		r.CreatedBy,
		r.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}
	return expectInserted(result, resources.ErrResourceExists, r.ResourceID)
}

// GetResource retrieves a resource by workspace and resource ID
func (s *SQLStore) GetResource(ctx context.Context, workspaceID, resourceID string) (*resources.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources WHERE workspace_id = ? AND resource_id = ?`

	r, err := scanResource(s.queryRow(ctx, query, workspaceID, resourceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", resources.ErrResourceNotFound, resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}

	return r, nil
}

// UpdateResource rewrites the mutable fields of a resource.
func (s *SQLStore) UpdateResource(ctx context.Context, r *resources.Resource) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var taken int
		err := s.txQueryRow(ctx, tx,
			`SELECT COUNT(*) FROM resources WHERE workspace_id = ? AND name = ? AND resource_id <> ?`,
			r.WorkspaceID, r.Name, r.ResourceID).Scan(&taken)
		if err != nil {
			return fmt.Errorf("failed to check resource name: %w", err)
		}
		if taken > 0 {
			return fmt.Errorf("%w: name %q", resources.ErrResourceExists, r.Name)
		}

		query := `
			UPDATE resources
			SET name = ?, description = ?, cloning_instructions = ?, attributes = ?
			WHERE workspace_id = ? AND resource_id = ?
		`
		result, err := s.txExec(ctx, tx, query,
			r.Name,
			r.Description,
			string(r.CloningInstructions),
			attributesValue(r.Attributes),
			r.WorkspaceID,
			r.ResourceID,
		)
		if err != nil {
			return fmt.Errorf("failed to update resource: %w", err)
		}
		updated, err := rowsAffected(result)
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("%w: %s", resources.ErrResourceNotFound, r.ResourceID)
		}
		return nil
	})
}

// DeleteResource deletes a resource by workspace and resource ID
func (s *SQLStore) DeleteResource(ctx context.Context, workspaceID, resourceID string) (bool, error) {
	result, err := s.exec(ctx, `DELETE FROM resources WHERE workspace_id = ? AND resource_id = ?`, workspaceID, resourceID)
	if err != nil {
		return false, fmt.Errorf("failed to delete resource: %w", err)
	}
	return rowsAffected(result)
}

// ListResources lists the resources of a workspace by name
func (s *SQLStore) ListResources(ctx context.Context, workspaceID string, offset, limit int) ([]*resources.Resource, error) {
	offset, limit = page(offset, limit)
	query := `
		SELECT ` + resourceColumns + `
		FROM resources
		WHERE workspace_id = ?
		ORDER BY name ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.query(ctx, query, workspaceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	out := []*resources.Resource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return out, nil
}

func scanResource(row rowScanner) (*resources.Resource, error) {
	r := &resources.Resource{}
	var stewardship, resourceType, cloning, platform string
	var attrs sql.NullString
	err := row.Scan(
		&r.WorkspaceID,
		&r.ResourceID,
		&r.Name,
		&r.Description,
		&stewardship,
		&resourceType,
		&cloning,
		&platform,
		&attrs,
		&r.CreatedBy,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Stewardship = resources.StewardshipType(stewardship)
	r.Type = resources.ResourceType(resourceType)
	r.CloningInstructions = resources.CloningInstructions(cloning)
	r.CloudPlatform = workspace.CloudPlatform(platform)
	if attrs.Valid && attrs.String != "" {
		r.Attributes = json.RawMessage(attrs.String)
	}
	return r, nil
}

func attributesValue(attrs json.RawMessage) sql.NullString {
	if len(attrs) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(attrs), Valid: true}
}

// WriteActivity appends an activity log entry
func (s *SQLStore) WriteActivity(ctx context.Context, e *activity.Entry) error {
	query := `
		INSERT INTO workspace_activity (id, workspace_id, operation_type, changed_target, change_subject_id, actor_email, actor_subject_id, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.exec(ctx, query,
		e.ID,
		e.WorkspaceID,
		string(e.OperationType),
		string(e.ChangedTarget),
		e.ChangeSubjectID,
		e.ActorEmail,
		e.ActorSubjectID,
		e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write activity: %w", err)
	}

	return nil
}

// ListActivity lists the activity of a workspace, newest first
func (s *SQLStore) ListActivity(ctx context.Context, workspaceID string, offset, limit int) ([]*activity.Entry, error) {
	offset, limit = page(offset, limit)
	query := `
		SELECT id, workspace_id, operation_type, changed_target, change_subject_id, actor_email, actor_subject_id, changed_at
		FROM workspace_activity
		WHERE workspace_id = ?
		ORDER BY changed_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.query(ctx, query, workspaceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	out := []*activity.Entry{}
	for rows.Next() {
		e := &activity.Entry{}
		var op, target string
		err := rows.Scan(&e.ID, &e.WorkspaceID, &op, &target, &e.ChangeSubjectID, &e.ActorEmail, &e.ActorSubjectID, &e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		e.OperationType = jobs.OperationType(op)
		e.ChangedTarget = activity.ChangedTarget(target)
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity: %w", err)
	}

	return out, nil
}

// expectInserted maps an insert that hit ON CONFLICT DO NOTHING to exists.
func expectInserted(result sql.Result, exists error, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", exists, id)
	}
	return nil
}

func rowsAffected(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}
