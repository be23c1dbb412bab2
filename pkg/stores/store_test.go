package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/flightdeck/pkg/activity"
	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/jobs"
	"github.com/openfroyo/flightdeck/pkg/resources"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

type store interface {
	engine.FlightStore
	workspace.Store
	workspace.CloudContextStore
	resources.Store
	activity.Store
}

// setupTestStore creates a migrated in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	return setupSQLStore(t, DriverSQLite, ":memory:")
}

func setupSQLStore(t *testing.T, driver, dsn string) *SQLStore {
	t.Helper()

	s, err := NewSQLStore(Config{Driver: driver, DSN: dsn})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return s
}

// forEachStore runs fn against every store implementation. Postgres runs
// only when FLIGHTDECK_TEST_POSTGRES_URL is set.
func forEachStore(t *testing.T, fn func(t *testing.T, s store)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, setupTestStore(t))
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("postgres", func(t *testing.T) {
		url := os.Getenv("FLIGHTDECK_TEST_POSTGRES_URL")
		if url == "" {
			t.Skip("FLIGHTDECK_TEST_POSTGRES_URL not set")
		}
		fn(t, setupSQLStore(t, DriverPostgres, url))
	})
}

// unique prefixes ids so postgres runs do not collide across test runs.
func unique(id string) string {
	return id + "-" + uuid.NewString()[:8]
}

func newFlightRecord(id, owner string, submitted time.Time) *engine.FlightRecord {
	inputs := engine.NewFlightMap()
	_ = jobs.KeyDescription.Set(inputs, "test flight")
	return &engine.FlightRecord{
		ID:          id,
		Type:        "TEST_FLIGHT",
		Owner:       owner,
		Status:      engine.FlightStatusRunning,
		Direction:   engine.DirectionDo,
		Inputs:      inputs,
		Working:     engine.NewWorkingMap(),
		SubmittedAt: submitted,
		UpdatedAt:   submitted,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	s, err := NewSQLStore(Config{DSN: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := s.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLStoreValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing dsn", Config{Driver: DriverSQLite}},
		{"unknown driver", Config{Driver: "mysql", DSN: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSQLStore(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	// Running twice is a no-op.
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	tables := []string{"flights", "flight_steps", "workspaces", "cloud_contexts", "resources", "workspace_activity"}
	for _, table := range tables {
		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	if got := pg.rebind("SELECT a FROM t WHERE b = ? AND c = ?"); got != "SELECT a FROM t WHERE b = $1 AND c = $2" {
		t.Errorf("unexpected postgres query: %s", got)
	}

	lite := &SQLStore{driver: DriverSQLite}
	if got := lite.rebind("SELECT ?"); got != "SELECT ?" {
		t.Errorf("sqlite query rewritten: %s", got)
	}
}

func TestSQLiteDSN(t *testing.T) {
	if got := sqliteDSN(":memory:"); got != ":memory:?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate" {
		t.Errorf("unexpected memory dsn: %s", got)
	}
	got := sqliteDSN("/tmp/fd.db")
	if want := "_pragma=journal_mode(WAL)"; !strings.Contains(got, want) {
		t.Errorf("file dsn %s missing %s", got, want)
	}
}

func TestFlightCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		id := unique("flight")

		rec := newFlightRecord(id, "alice", now)
		if err := s.CreateFlight(ctx, rec); err != nil {
			t.Fatalf("failed to create flight: %v", err)
		}

		if err := s.CreateFlight(ctx, rec); !errors.Is(err, engine.ErrDuplicateFlight) {
			t.Fatalf("expected ErrDuplicateFlight, got %v", err)
		}

		got, err := s.GetFlight(ctx, id)
		if err != nil {
			t.Fatalf("failed to get flight: %v", err)
		}
		if got.Owner != "alice" || got.Status != engine.FlightStatusRunning {
			t.Errorf("unexpected flight: %+v", got)
		}
		if d := jobs.KeyDescription.Value(got.Inputs); d != "test flight" {
			t.Errorf("expected inputs to round trip, got description %q", d)
		}

		// Checkpoint a terminal state with a result and an error report.
		if err := jobs.SetResponse(rec.Working, map[string]string{"ok": "yes"}, 201); err != nil {
			t.Fatalf("failed to set response: %v", err)
		}
		completed := now.Add(time.Second)
		rec.Status = engine.FlightStatusError
		rec.Direction = engine.DirectionUndo
		rec.StepIndex = 0
		rec.CompletedAt = &completed
		rec.UpdatedAt = completed
		rec.Error = engine.NewErrorReport(engine.NewConflictError("boom", nil).WithStatus(409))
		if err := s.UpdateFlight(ctx, rec); err != nil {
			t.Fatalf("failed to update flight: %v", err)
		}

		got, err = s.GetFlight(ctx, id)
		if err != nil {
			t.Fatalf("failed to get updated flight: %v", err)
		}
		if got.Status != engine.FlightStatusError || got.Direction != engine.DirectionUndo {
			t.Errorf("expected ERROR/UNDO, got %s/%s", got.Status, got.Direction)
		}
		if got.CompletedAt == nil {
			t.Error("expected CompletedAt to be set")
		}
		if got.Error == nil || got.Error.StatusCode != 409 || !got.Error.API {
			t.Errorf("unexpected error report: %+v", got.Error)
		}
		if code := jobs.KeyStatusCode.Value(got.Working); code != 201 {
			t.Errorf("expected status_code 201, got %d", code)
		}

		missing := newFlightRecord(unique("missing"), "alice", now)
		if err := s.UpdateFlight(ctx, missing); !errors.Is(err, engine.ErrFlightNotFound) {
			t.Errorf("expected ErrFlightNotFound, got %v", err)
		}

		if err := s.DeleteFlight(ctx, id); err != nil {
			t.Fatalf("failed to delete flight: %v", err)
		}
		if _, err := s.GetFlight(ctx, id); !errors.Is(err, engine.ErrFlightNotFound) {
			t.Errorf("expected ErrFlightNotFound after delete, got %v", err)
		}
		if err := s.DeleteFlight(ctx, id); !errors.Is(err, engine.ErrFlightNotFound) {
			t.Errorf("expected ErrFlightNotFound on second delete, got %v", err)
		}
	})
}

func TestListFlights(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)
		owner := unique("owner")

		var ids []string
		for i := 0; i < 5; i++ {
			id := unique(fmt.Sprintf("f%d", i))
			ids = append(ids, id)
			rec := newFlightRecord(id, owner, base.Add(time.Duration(i)*time.Second))
			if i%2 == 1 {
				rec.Status = engine.FlightStatusSuccess
			}
			if err := s.CreateFlight(ctx, rec); err != nil {
				t.Fatalf("failed to create flight: %v", err)
			}
		}
		if err := s.CreateFlight(ctx, newFlightRecord(unique("other"), unique("bob"), base)); err != nil {
			t.Fatalf("failed to create flight: %v", err)
		}

		got, err := s.ListFlights(ctx, engine.FlightFilter{Owner: owner})
		if err != nil {
			t.Fatalf("failed to list flights: %v", err)
		}
		if len(got) != 5 {
			t.Fatalf("expected 5 flights, got %d", len(got))
		}
		for i, rec := range got {
			if rec.ID != ids[i] {
				t.Errorf("position %d: expected %s, got %s", i, ids[i], rec.ID)
			}
		}

		paged, err := s.ListFlights(ctx, engine.FlightFilter{Owner: owner, Offset: 1, Limit: 2})
		if err != nil {
			t.Fatalf("failed to list page: %v", err)
		}
		if len(paged) != 2 || paged[0].ID != ids[1] || paged[1].ID != ids[2] {
			t.Errorf("unexpected page: %v", flightIDs(paged))
		}

		unresolved, err := s.ListUnresolvedFlights(ctx)
		if err != nil {
			t.Fatalf("failed to list unresolved flights: %v", err)
		}
		for _, rec := range unresolved {
			if rec.Status != engine.FlightStatusRunning {
				t.Errorf("unresolved flight %s has status %s", rec.ID, rec.Status)
			}
		}
	})
}

func flightIDs(recs []*engine.FlightRecord) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}

func TestStepLogs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		now := time.Now().UTC()
		id := unique("flight")
		if err := s.CreateFlight(ctx, newFlightRecord(id, "alice", now)); err != nil {
			t.Fatalf("failed to create flight: %v", err)
		}

		msg := "retry exhausted"
		logs := []*engine.StepLog{
			{FlightID: id, StepIndex: 0, StepName: "a", Direction: engine.DirectionDo, Status: engine.StepStatusSuccess, Attempts: 1, StartedAt: now, CompletedAt: now},
			{FlightID: id, StepIndex: 1, StepName: "b", Direction: engine.DirectionDo, Status: engine.StepStatusFatal, Attempts: 3, Error: &msg, StartedAt: now, CompletedAt: now},
			{FlightID: id, StepIndex: 0, StepName: "a", Direction: engine.DirectionUndo, Status: engine.StepStatusSkipped, Attempts: 0, StartedAt: now, CompletedAt: now},
		}
		for _, l := range logs {
			if err := s.AppendStepLog(ctx, l); err != nil {
				t.Fatalf("failed to append step log: %v", err)
			}
		}

		got, err := s.ListStepLogs(ctx, id)
		if err != nil {
			t.Fatalf("failed to list step logs: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 step logs, got %d", len(got))
		}
		if got[1].Error == nil || *got[1].Error != msg || got[1].Attempts != 3 {
			t.Errorf("unexpected second log: %+v", got[1])
		}
		if got[2].Direction != engine.DirectionUndo || got[2].Status != engine.StepStatusSkipped {
			t.Errorf("unexpected third log: %+v", got[2])
		}

		if err := s.DeleteFlight(ctx, id); err != nil {
			t.Fatalf("failed to delete flight: %v", err)
		}
		got, err = s.ListStepLogs(ctx, id)
		if err != nil {
			t.Fatalf("failed to list step logs: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expected step logs to be deleted, got %d", len(got))
		}
	})
}

func TestWorkspaceAndContextCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		wsID := unique("ws")
		ws := &workspace.Workspace{ID: wsID, DisplayName: "Demo", CreatedBy: "alice", CreatedAt: time.Now().UTC()}

		if err := s.CreateWorkspace(ctx, ws); err != nil {
			t.Fatalf("failed to create workspace: %v", err)
		}
		if err := s.CreateWorkspace(ctx, ws); !errors.Is(err, workspace.ErrWorkspaceExists) {
			t.Errorf("expected ErrWorkspaceExists, got %v", err)
		}

		got, err := s.GetWorkspace(ctx, wsID)
		if err != nil {
			t.Fatalf("failed to get workspace: %v", err)
		}
		if got.DisplayName != "Demo" || got.CreatedBy != "alice" {
			t.Errorf("unexpected workspace: %+v", got)
		}

		cc := &workspace.CloudContext{WorkspaceID: wsID, Platform: workspace.PlatformGCP, AccountID: "proj-1", CreatedAt: time.Now().UTC()}
		if err := s.CreateCloudContext(ctx, cc); err != nil {
			t.Fatalf("failed to create cloud context: %v", err)
		}
		if err := s.CreateCloudContext(ctx, cc); !errors.Is(err, workspace.ErrCloudContextExists) {
			t.Errorf("expected ErrCloudContextExists, got %v", err)
		}

		gotCC, ok, err := s.GetCloudContext(ctx, wsID, workspace.PlatformGCP)
		if err != nil || !ok {
			t.Fatalf("expected cloud context, got ok=%v err=%v", ok, err)
		}
		if gotCC.AccountID != "proj-1" {
			t.Errorf("unexpected account id %s", gotCC.AccountID)
		}
		if _, ok, err := s.GetCloudContext(ctx, wsID, workspace.PlatformAWS); err != nil || ok {
			t.Errorf("expected no AWS context, got ok=%v err=%v", ok, err)
		}

		res := &resources.Resource{
			WorkspaceID: wsID, ResourceID: "r1", Name: "bucket",
			Stewardship: resources.StewardshipReferenced, Type: resources.TypeReferencedGcsBucket,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.CreateResource(ctx, res); err != nil {
			t.Fatalf("failed to create resource: %v", err)
		}

		deleted, err := s.DeleteWorkspace(ctx, wsID)
		if err != nil || !deleted {
			t.Fatalf("expected workspace deleted, got %v %v", deleted, err)
		}
		if _, err := s.GetWorkspace(ctx, wsID); !errors.Is(err, workspace.ErrWorkspaceNotFound) {
			t.Errorf("expected ErrWorkspaceNotFound, got %v", err)
		}
		if _, ok, _ := s.GetCloudContext(ctx, wsID, workspace.PlatformGCP); ok {
			t.Error("expected cloud context to be deleted with the workspace")
		}
		if _, err := s.GetResource(ctx, wsID, "r1"); !errors.Is(err, resources.ErrResourceNotFound) {
			t.Errorf("expected resource to be deleted with the workspace, got %v", err)
		}

		deleted, err = s.DeleteWorkspace(ctx, wsID)
		if err != nil || deleted {
			t.Errorf("expected nothing deleted, got %v %v", deleted, err)
		}
	})
}

func TestResourceCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		wsID := unique("ws")
		newResource := func(id, name string) *resources.Resource {
			return &resources.Resource{
				WorkspaceID:   wsID,
				ResourceID:    id,
				Name:          name,
				Stewardship:   resources.StewardshipControlled,
				Type:          resources.TypeControlledGcsBucket,
				CloudPlatform: workspace.PlatformGCP,
				Attributes:    json.RawMessage(`{"bucket_name":"fd-` + id + `"}`),
				CreatedBy:     "alice",
				CreatedAt:     time.Now().UTC(),
			}
		}

		if err := s.CreateResource(ctx, newResource("r1", "one")); err != nil {
			t.Fatalf("failed to create resource: %v", err)
		}
		if err := s.CreateResource(ctx, newResource("r2", "two")); err != nil {
			t.Fatalf("failed to create resource: %v", err)
		}

		tests := []struct {
			name string
			res  *resources.Resource
		}{
			{"same id", newResource("r1", "other")},
			{"same name", newResource("r3", "one")},
		}
		for _, tt := range tests {
			if err := s.CreateResource(ctx, tt.res); !errors.Is(err, resources.ErrResourceExists) {
				t.Errorf("%s: expected ErrResourceExists, got %v", tt.name, err)
			}
		}

		got, err := s.GetResource(ctx, wsID, "r1")
		if err != nil {
			t.Fatalf("failed to get resource: %v", err)
		}
		if got.Type != resources.TypeControlledGcsBucket || got.CloudPlatform != workspace.PlatformGCP {
			t.Errorf("unexpected resource: %+v", got)
		}
		var attrs map[string]string
		if err := got.DecodeAttributes(&attrs); err != nil || attrs["bucket_name"] != "fd-r1" {
			t.Errorf("unexpected attributes %s (%v)", got.Attributes, err)
		}

		update := newResource("r1", "uno")
		update.Description = "renamed"
		if err := s.UpdateResource(ctx, update); err != nil {
			t.Fatalf("failed to update resource: %v", err)
		}
		got, _ = s.GetResource(ctx, wsID, "r1")
		if got.Name != "uno" || got.Description != "renamed" {
			t.Errorf("update not applied: %+v", got)
		}

		if err := s.UpdateResource(ctx, newResource("r1", "two")); !errors.Is(err, resources.ErrResourceExists) {
			t.Errorf("expected ErrResourceExists on rename collision, got %v", err)
		}
		if err := s.UpdateResource(ctx, newResource("missing", "x")); !errors.Is(err, resources.ErrResourceNotFound) {
			t.Errorf("expected ErrResourceNotFound, got %v", err)
		}

		list, err := s.ListResources(ctx, wsID, 0, 10)
		if err != nil {
			t.Fatalf("failed to list resources: %v", err)
		}
		if len(list) != 2 {
			t.Errorf("expected 2 resources, got %d", len(list))
		}

		deleted, err := s.DeleteResource(ctx, wsID, "r1")
		if err != nil || !deleted {
			t.Fatalf("expected resource deleted, got %v %v", deleted, err)
		}
		deleted, err = s.DeleteResource(ctx, wsID, "r1")
		if err != nil || deleted {
			t.Errorf("expected nothing deleted, got %v %v", deleted, err)
		}
	})
}

func TestActivity(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		wsID := unique("ws")
		base := time.Now().UTC().Truncate(time.Millisecond)

		for i, op := range []jobs.OperationType{jobs.OperationCreate, jobs.OperationUpdate, jobs.OperationDelete} {
			e := activity.NewEntry(wsID, op, activity.TargetResource, "r1")
			e.Timestamp = base.Add(time.Duration(i) * time.Second)
			e.ActorEmail = "alice@example.com"
			if err := s.WriteActivity(ctx, e); err != nil {
				t.Fatalf("failed to write activity: %v", err)
			}
		}
		if err := s.WriteActivity(ctx, activity.NewEntry(unique("other"), jobs.OperationCreate, activity.TargetWorkspace, "x")); err != nil {
			t.Fatalf("failed to write activity: %v", err)
		}

		got, err := s.ListActivity(ctx, wsID, 0, 0)
		if err != nil {
			t.Fatalf("failed to list activity: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(got))
		}
		if got[0].OperationType != jobs.OperationDelete || got[2].OperationType != jobs.OperationCreate {
			t.Errorf("expected newest first, got %s..%s", got[0].OperationType, got[2].OperationType)
		}
		if got[0].ActorEmail != "alice@example.com" || got[0].ChangedTarget != activity.TargetResource {
			t.Errorf("unexpected entry: %+v", got[0])
		}

		second, err := s.ListActivity(ctx, wsID, 1, 1)
		if err != nil {
			t.Fatalf("failed to list activity page: %v", err)
		}
		if len(second) != 1 || second[0].OperationType != jobs.OperationUpdate {
			t.Errorf("unexpected page: %+v", second)
		}
	})
}
