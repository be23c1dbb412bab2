package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/openfroyo/flightdeck/pkg/activity"
	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/resources"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

var (
	_ engine.FlightStore          = (*MemoryStore)(nil)
	_ workspace.Store             = (*MemoryStore)(nil)
	_ workspace.CloudContextStore = (*MemoryStore)(nil)
	_ resources.Store             = (*MemoryStore)(nil)
	_ activity.Store              = (*MemoryStore)(nil)
)

// MemoryStore keeps every record in ordered in-process maps. Records are
// copied on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	flights      map[string]*engine.FlightRecord
	flightOrder  *btree.Map[string, string] // submission key -> flight id
	steps        map[string][]*engine.StepLog
	workspaces   *btree.Map[string, *workspace.Workspace]
	contexts     *btree.Map[string, *workspace.CloudContext]
	resourceRows *btree.Map[string, *resources.Resource]
	activity     *btree.Map[string, *activity.Entry]
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flights:      make(map[string]*engine.FlightRecord),
		flightOrder:  btree.NewMap[string, string](32),
		steps:        make(map[string][]*engine.StepLog),
		workspaces:   btree.NewMap[string, *workspace.Workspace](32),
		contexts:     btree.NewMap[string, *workspace.CloudContext](32),
		resourceRows: btree.NewMap[string, *resources.Resource](32),
		activity:     btree.NewMap[string, *activity.Entry](32),
	}
}

func orderKey(t time.Time, id string) string {
	return fmt.Sprintf("%020d/%s", t.UnixNano(), id)
}

func contextKey(workspaceID string, p workspace.CloudPlatform) string {
	return workspaceID + "/" + string(p)
}

func resourceKey(workspaceID, resourceID string) string {
	return workspaceID + "/" + resourceID
}

// copyFlight deep-copies a record through its JSON form.
func copyFlight(rec *engine.FlightRecord) (*engine.FlightRecord, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flight: %w", err)
	}
	out := &engine.FlightRecord{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to decode flight: %w", err)
	}
	return out, nil
}

// CreateFlight implements engine.FlightStore.
func (m *MemoryStore) CreateFlight(_ context.Context, rec *engine.FlightRecord) error {
	cp, err := copyFlight(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.flights[rec.ID]; ok {
		return fmt.Errorf("%w: %s", engine.ErrDuplicateFlight, rec.ID)
	}
	m.flights[rec.ID] = cp
	m.flightOrder.Set(orderKey(rec.SubmittedAt, rec.ID), rec.ID)
	return nil
}

// GetFlight implements engine.FlightStore.
func (m *MemoryStore) GetFlight(_ context.Context, id string) (*engine.FlightRecord, error) {
	m.mu.RLock()
	rec, ok := m.flights[id]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrFlightNotFound, id)
	}
	return copyFlight(rec)
}

// UpdateFlight implements engine.FlightStore.
func (m *MemoryStore) UpdateFlight(_ context.Context, rec *engine.FlightRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.flights[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrFlightNotFound, rec.ID)
	}
	cp, err := copyFlight(rec)
	if err != nil {
		return err
	}
	// Identity and inputs are fixed at creation.
	cp.Type = existing.Type
	cp.Owner = existing.Owner
	cp.Inputs = existing.Inputs
	cp.SubmittedAt = existing.SubmittedAt
	m.flights[rec.ID] = cp
	return nil
}

// ListFlights implements engine.FlightStore.
func (m *MemoryStore) ListFlights(_ context.Context, filter engine.FlightFilter) ([]*engine.FlightRecord, error) {
	offset, limit := page(filter.Offset, filter.Limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*engine.FlightRecord{}
	skipped := 0
	var err error
	m.flightOrder.Scan(func(_ string, id string) bool {
		rec := m.flights[id]
		if filter.Owner != "" && rec.Owner != filter.Owner {
			return true
		}
		if skipped < offset {
			skipped++
			return true
		}
		var cp *engine.FlightRecord
		if cp, err = copyFlight(rec); err != nil {
			return false
		}
		out = append(out, cp)
		return len(out) < limit
	})
	return out, err
}

// ListUnresolvedFlights implements engine.FlightStore.
func (m *MemoryStore) ListUnresolvedFlights(_ context.Context) ([]*engine.FlightRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*engine.FlightRecord{}
	var err error
	m.flightOrder.Scan(func(_ string, id string) bool {
		rec := m.flights[id]
		if rec.Status != engine.FlightStatusRunning {
			return true
		}
		var cp *engine.FlightRecord
		if cp, err = copyFlight(rec); err != nil {
			return false
		}
		out = append(out, cp)
		return true
	})
	return out, err
}

// DeleteFlight implements engine.FlightStore.
func (m *MemoryStore) DeleteFlight(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.flights[id]
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrFlightNotFound, id)
	}
	m.flightOrder.Delete(orderKey(rec.SubmittedAt, id))
	delete(m.flights, id)
	delete(m.steps, id)
	return nil
}

// AppendStepLog implements engine.FlightStore.
func (m *MemoryStore) AppendStepLog(_ context.Context, log *engine.StepLog) error {
	cp := *log
	m.mu.Lock()
	m.steps[log.FlightID] = append(m.steps[log.FlightID], &cp)
	m.mu.Unlock()
	return nil
}

// ListStepLogs implements engine.FlightStore.
func (m *MemoryStore) ListStepLogs(_ context.Context, flightID string) ([]*engine.StepLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*engine.StepLog, 0, len(m.steps[flightID]))
	for _, l := range m.steps[flightID] {
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

// CreateWorkspace implements workspace.Store.
func (m *MemoryStore) CreateWorkspace(_ context.Context, ws *workspace.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workspaces.Get(ws.ID); ok {
		return fmt.Errorf("%w: %s", workspace.ErrWorkspaceExists, ws.ID)
	}
	cp := *ws
	m.workspaces.Set(ws.ID, &cp)
	return nil
}

// GetWorkspace implements workspace.Store.
func (m *MemoryStore) GetWorkspace(_ context.Context, id string) (*workspace.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.workspaces.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", workspace.ErrWorkspaceNotFound, id)
	}
	cp := *ws
	return &cp, nil
}

// ListWorkspaces implements workspace.Store. Workspaces are ordered by id.
func (m *MemoryStore) ListWorkspaces(_ context.Context, offset, limit int) ([]*workspace.Workspace, error) {
	offset, limit = page(offset, limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*workspace.Workspace{}
	i := 0
	m.workspaces.Scan(func(_ string, ws *workspace.Workspace) bool {
		if i++; i <= offset {
			return true
		}
		cp := *ws
		out = append(out, &cp)
		return len(out) < limit
	})
	return out, nil
}

// DeleteWorkspace implements workspace.Store.
func (m *MemoryStore) DeleteWorkspace(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deletePrefix(m.contexts, id+"/")
	deletePrefix(m.resourceRows, id+"/")
	_, deleted := m.workspaces.Delete(id)
	return deleted, nil
}

func deletePrefix[V any](tree *btree.Map[string, V], prefix string) {
	var keys []string
	tree.Ascend(prefix, func(k string, _ V) bool {
		if !strings.HasPrefix(k, prefix) {
			return false
		}
		keys = append(keys, k)
		return true
	})
	for _, k := range keys {
		tree.Delete(k)
	}
}

// CreateCloudContext implements workspace.CloudContextStore.
func (m *MemoryStore) CreateCloudContext(_ context.Context, cc *workspace.CloudContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := contextKey(cc.WorkspaceID, cc.Platform)
	if _, ok := m.contexts.Get(key); ok {
		return fmt.Errorf("%w: %s", workspace.ErrCloudContextExists, key)
	}
	cp := *cc
	m.contexts.Set(key, &cp)
	return nil
}

// GetCloudContext implements workspace.CloudContextStore.
func (m *MemoryStore) GetCloudContext(_ context.Context, workspaceID string, platform workspace.CloudPlatform) (*workspace.CloudContext, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cc, ok := m.contexts.Get(contextKey(workspaceID, platform))
	if !ok {
		return nil, false, nil
	}
	cp := *cc
	return &cp, true, nil
}

// DeleteCloudContext implements workspace.CloudContextStore.
func (m *MemoryStore) DeleteCloudContext(_ context.Context, workspaceID string, platform workspace.CloudPlatform) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, deleted := m.contexts.Delete(contextKey(workspaceID, platform))
	return deleted, nil
}

// nameTaken reports whether another resource in the workspace has the name.
// The caller holds the lock.
func (m *MemoryStore) nameTaken(r *resources.Resource) bool {
	taken := false
	prefix := r.WorkspaceID + "/"
	m.resourceRows.Ascend(prefix, func(k string, other *resources.Resource) bool {
		if other.WorkspaceID != r.WorkspaceID {
			return false
		}
		if other.ResourceID != r.ResourceID && other.Name == r.Name {
			taken = true
			return false
		}
		return true
	})
	return taken
}

// CreateResource implements resources.Store.
func (m *MemoryStore) CreateResource(_ context.Context, r *resources.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := resourceKey(r.WorkspaceID, r.ResourceID)
	if _, ok := m.resourceRows.Get(key); ok {
		return fmt.Errorf("%w: %s", resources.ErrResourceExists, r.ResourceID)
	}
	if m.nameTaken(r) {
		return fmt.Errorf("%w: name %q", resources.ErrResourceExists, r.Name)
	}
	m.resourceRows.Set(key, r.Clone())
	return nil
}

// GetResource implements resources.Store.
func (m *MemoryStore) GetResource(_ context.Context, workspaceID, resourceID string) (*resources.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.resourceRows.Get(resourceKey(workspaceID, resourceID))
	if !ok {
		return nil, fmt.Errorf("%w: %s", resources.ErrResourceNotFound, resourceID)
	}
	return r.Clone(), nil
}

// UpdateResource implements resources.Store.
func (m *MemoryStore) UpdateResource(_ context.Context, r *resources.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := resourceKey(r.WorkspaceID, r.ResourceID)
	existing, ok := m.resourceRows.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", resources.ErrResourceNotFound, r.ResourceID)
	}
	if m.nameTaken(r) {
		return fmt.Errorf("%w: name %q", resources.ErrResourceExists, r.Name)
	}
	updated := existing.Clone()
	updated.Name = r.Name
	updated.Description = r.Description
	updated.CloningInstructions = r.CloningInstructions
	updated.Attributes = append(json.RawMessage(nil), r.Attributes...)
	m.resourceRows.Set(key, updated)
	return nil
}

// DeleteResource implements resources.Store.
func (m *MemoryStore) DeleteResource(_ context.Context, workspaceID, resourceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, deleted := m.resourceRows.Delete(resourceKey(workspaceID, resourceID))
	return deleted, nil
}

// ListResources implements resources.Store. Resources are ordered by id.
func (m *MemoryStore) ListResources(_ context.Context, workspaceID string, offset, limit int) ([]*resources.Resource, error) {
	offset, limit = page(offset, limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*resources.Resource{}
	i := 0
	m.resourceRows.Ascend(workspaceID+"/", func(_ string, r *resources.Resource) bool {
		if r.WorkspaceID != workspaceID {
			return false
		}
		if i++; i <= offset {
			return true
		}
		out = append(out, r.Clone())
		return len(out) < limit
	})
	return out, nil
}

// WriteActivity implements activity.Store.
func (m *MemoryStore) WriteActivity(_ context.Context, e *activity.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.activity.Set(e.WorkspaceID+"/"+orderKey(e.Timestamp, e.ID), &cp)
	return nil
}

// ListActivity implements activity.Store.
func (m *MemoryStore) ListActivity(_ context.Context, workspaceID string, offset, limit int) ([]*activity.Entry, error) {
	offset, limit = page(offset, limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*activity.Entry
	m.activity.Ascend(workspaceID+"/", func(_ string, e *activity.Entry) bool {
		if e.WorkspaceID != workspaceID {
			return false
		}
		cp := *e
		all = append(all, &cp)
		return true
	})

	// Newest first.
	out := []*activity.Entry{}
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
