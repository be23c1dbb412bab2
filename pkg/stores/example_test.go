package stores_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/stores"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

// ExampleNewSQLStore demonstrates creating and migrating a SQLite store.
func ExampleNewSQLStore() {
	store, err := stores.NewSQLStore(stores.Config{
		Driver: stores.DriverSQLite,
		DSN:    ":memory:", // Use in-memory database for example
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLStore_CreateFlight demonstrates the duplicate flight signal.
func ExampleSQLStore_CreateFlight() {
	store, _ := stores.NewSQLStore(stores.Config{DSN: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now()
	rec := &engine.FlightRecord{
		ID:          "job-001",
		Type:        workspace.FlightCreateWorkspace,
		Owner:       "alice",
		Status:      engine.FlightStatusRunning,
		Direction:   engine.DirectionDo,
		Inputs:      engine.NewFlightMap(),
		Working:     engine.NewWorkingMap(),
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	if err := store.CreateFlight(ctx, rec); err != nil {
		log.Fatal(err)
	}
	err := store.CreateFlight(ctx, rec)
	fmt.Println(errors.Is(err, engine.ErrDuplicateFlight))
	// Output: true
}

// ExampleMemoryStore demonstrates the in-process store.
func ExampleMemoryStore() {
	store := stores.NewMemoryStore()
	ctx := context.Background()

	_ = store.CreateWorkspace(ctx, &workspace.Workspace{ID: "ws-1", DisplayName: "Demo"})
	_, err := store.GetWorkspace(ctx, "ws-2")
	fmt.Println(errors.Is(err, workspace.ErrWorkspaceNotFound))
	// Output: true
}
