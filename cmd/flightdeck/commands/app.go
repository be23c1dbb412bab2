package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/openfroyo/flightdeck/pkg/activity"
	"github.com/openfroyo/flightdeck/pkg/cloud"
	"github.com/openfroyo/flightdeck/pkg/config"
	"github.com/openfroyo/flightdeck/pkg/engine"
	"github.com/openfroyo/flightdeck/pkg/jobs"
	"github.com/openfroyo/flightdeck/pkg/policy"
	"github.com/openfroyo/flightdeck/pkg/resources"
	"github.com/openfroyo/flightdeck/pkg/stores"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
	"github.com/openfroyo/flightdeck/pkg/workspace"
)

// backend is everything the service persists.
type backend interface {
	engine.FlightStore
	workspace.Store
	workspace.CloudContextStore
	resources.Store
	activity.Store
}

// app is the wired service: store, cloud, engine with every flight and the
// activity hook registered, policies and the job service.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	store    backend
	cloud    cloud.Provider
	engine   *engine.Engine
	policies *policy.Engine
	jobs     *jobs.Service

	closeStore func() error
}

func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %s not found; run 'flightdeck init' first", configPath)
	}
	return config.Load(configPath)
}

// openApp loads the config file and wires the service. The engine is not
// started.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg)
}

func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	tel, err := telemetry.New(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	a = &app{cfg: cfg, tel: tel}
	defer func() {
		if err != nil {
			_ = a.close(context.WithoutCancel(ctx))
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if a.cloud, err = openCloud(cfg.Cloud); err != nil {
		return nil, err
	}

	a.engine = engine.NewEngine(a.store, cfg.Engine.EngineSettings(), tel)
	if err := a.registerFlights(); err != nil {
		return nil, err
	}
	a.engine.AddHook(activity.NewHook(activity.HookDeps{
		Activity:   a.store,
		Workspaces: a.store,
		Contexts:   a.store,
		Resources:  a.store,
	}, tel))

	if a.policies, err = policy.NewEngine(tel.Logger.Zerolog()); err != nil {
		return nil, err
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := a.policies.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}

	a.jobs, err = jobs.NewService(a.engine, a.policies, cfg.Jobs.ServiceSettings(cfg.Service.Domain), tel)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.Database.Driver == config.DriverMemory {
		a.store = stores.NewMemoryStore()
		return nil
	}

	store, err := stores.NewSQLStore(a.cfg.Database.StoreConfig())
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.closeStore = store.Close
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	a.store = store
	return nil
}

func openCloud(cfg config.CloudConfig) (cloud.Provider, error) {
	switch cfg.Provider {
	case config.CloudMinio:
		return cloud.NewMinioProvider(cfg.Minio)
	case config.CloudMemory:
		return cloud.NewMemoryProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported cloud provider: %s", cfg.Provider)
	}
}

func (a *app) registerFlights() error {
	dbRetry := a.cfg.Engine.DatabaseRetry.Policy()

	flights := resources.NewFlights(resources.DefaultRegistry(), resources.Deps{
		Resources:  a.store,
		Workspaces: a.store,
		Contexts:   a.store,
		Cloud:      a.cloud,
		DBRetry:    dbRetry,
		CloudRetry: a.cfg.Engine.CloudRetry.Policy(),
	})
	if err := flights.Register(a.engine); err != nil {
		return fmt.Errorf("failed to register resource flights: %w", err)
	}

	if err := workspace.Register(a.engine, workspace.Deps{
		Workspaces: a.store,
		Contexts:   a.store,
		Resources:  flights,
		Retry:      dbRetry,
	}); err != nil {
		return fmt.Errorf("failed to register workspace flights: %w", err)
	}
	return nil
}

// close shuts down the engine, then the store and telemetry.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Shutdown(ctx))
	}
	if a.closeStore != nil {
		errs = append(errs, a.closeStore())
	}
	errs = append(errs, a.tel.Shutdown(ctx))
	return errors.Join(errs...)
}

// run opens the app, starts the engine, runs fn and shuts everything down.
// Unfinished flights of earlier processes resume when the engine starts.
func run(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(context.WithoutCancel(ctx)) }()

	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}

// callerID returns the --as subject or the current user.
func callerID() string {
	if c := strings.TrimSpace(caller); c != "" {
		return c
	}
	return os.Getenv("USER")
}

func currentCaller() jobs.Caller {
	return jobs.Caller{SubjectID: callerID()}
}

// inspect opens the app without starting the engine, for commands that only
// read state.
func inspect(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.close(context.WithoutCancel(ctx)) }()
	return fn(ctx, a)
}
