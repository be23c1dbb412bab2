package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

// Config configures the engine.
type Config struct {
	// Workers is the number of flights executed concurrently.
	Workers int

	// QueueSize bounds the worker queue. Flights accepted while it is full
	// wait in a backlog that workers drain as they free slots.
	QueueSize int

	// CheckpointTimeout bounds each write to the flight store.
	CheckpointTimeout time.Duration
}

// Engine executes flights durably. A flight record is written before its
// first step runs and checkpointed after every step transition, so any
// engine started against the same store resumes unresolved flights.
type Engine struct {
	cfg       Config
	store     FlightStore
	factories *xsync.MapOf[string, Factory]
	running   *xsync.MapOf[string, struct{}]

	hooksMu sync.RWMutex
	hooks   []Hook

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher

	mu      sync.Mutex
	queue   chan string
	backlog []string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	now func() time.Time
}

// NewEngine creates an engine over the given store.
func NewEngine(store FlightStore, cfg Config, tel *telemetry.Telemetry) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.CheckpointTimeout <= 0 {
		cfg.CheckpointTimeout = 30 * time.Second
	}
	if tel == nil {
		tel = telemetry.Nop()
	}

	return &Engine{
		cfg:       cfg,
		store:     store,
		factories: xsync.NewMapOf[string, Factory](),
		running:   xsync.NewMapOf[string, struct{}](),
		logger:    tel.Logger.NewComponentLogger("engine"),
		metrics:   tel.Metrics,
		tracer:    tel.Tracer,
		events:    tel.Events,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RegisterFlight registers the factory for a flight type.
func (e *Engine) RegisterFlight(flightType string, factory Factory) error {
	if _, loaded := e.factories.LoadOrStore(flightType, factory); loaded {
		return fmt.Errorf("flight type %s already registered", flightType)
	}
	return nil
}

// HasFlightType reports whether a factory is registered for the type.
func (e *Engine) HasFlightType(flightType string) bool {
	_, ok := e.factories.Load(flightType)
	return ok
}

// AddHook adds a hook invoked after every flight completion.
func (e *Engine) AddHook(h Hook) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.hooks = append(e.hooks, h)
}

// Start launches the worker pool and resumes every unresolved flight found
// in the store.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.queue = make(chan string, e.cfg.QueueSize)
	e.backlog = nil
	e.started = true
	e.mu.Unlock()

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}

	unresolved, err := e.store.ListUnresolvedFlights(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unresolved flights: %w", err)
	}
	for _, rec := range unresolved {
		e.logger.Info().
			Str("flight_id", rec.ID).
			Str("flight_type", rec.Type).
			Str("direction", string(rec.Direction)).
			Int("step_index", rec.StepIndex).
			Msg("Resuming unresolved flight")
		_ = e.events.PublishFlight(telemetry.EventTypeFlightResumed, telemetry.EventLevelInfo,
			rec.ID, rec.Type, "flight resumed after restart", nil)
		e.enqueue(rec.ID)
	}

	e.logger.Info().
		Int("workers", e.cfg.Workers).
		Int("resumed", len(unresolved)).
		Msg("Engine started")
	return nil
}

// Shutdown stops accepting work and waits for workers to exit. Steps see a
// cancelled context; flights interrupted mid-way stay RUNNING and resume on
// the next Start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.cancel()
	close(e.queue)
	if len(e.backlog) > 0 {
		e.logger.Info().Int("backlog", len(e.backlog)).Msg("Backlogged flights left for resume")
	}
	e.backlog = nil
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info().Msg("Engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// Submit durably records a new flight and queues it for execution. Once the
// record is written the flight is accepted: a full queue delays it but never
// fails the call.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) error {
	if strings.TrimSpace(req.FlightID) == "" {
		return NewPermanentError("flight id is required", nil).WithCode(ErrCodeValidation)
	}
	factory, ok := e.factories.Load(req.FlightType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFlightType, req.FlightType)
	}

	inputs := req.Inputs.Clone()

	// Build once up front so malformed inputs fail the submit call instead
	// of producing a flight that can never run.
	if _, err := factory(inputs); err != nil {
		return NewPermanentError("invalid flight inputs", err).
			WithCode(ErrCodeValidation).
			WithStatus(400)
	}

	now := e.now()
	rec := &FlightRecord{
		ID:          req.FlightID,
		Type:        req.FlightType,
		Owner:       req.Owner,
		Status:      FlightStatusRunning,
		Direction:   DirectionDo,
		Inputs:      inputs,
		Working:     NewWorkingMap(),
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateFlight(ctx, rec); err != nil {
		return err
	}

	e.logger.Info().
		Str("flight_id", rec.ID).
		Str("flight_type", rec.Type).
		Msg("Flight submitted")
	_ = e.events.PublishFlight(telemetry.EventTypeFlightSubmitted, telemetry.EventLevelInfo,
		rec.ID, rec.Type, "flight submitted", nil)

	e.enqueue(rec.ID)
	return nil
}

// GetFlightState returns the current state of a flight.
func (e *Engine) GetFlightState(ctx context.Context, flightID string) (*FlightState, error) {
	rec, err := e.store.GetFlight(ctx, flightID)
	if err != nil {
		return nil, err
	}
	return StateFromRecord(rec), nil
}

// ListFlights enumerates flights.
func (e *Engine) ListFlights(ctx context.Context, filter FlightFilter) ([]*FlightState, error) {
	recs, err := e.store.ListFlights(ctx, filter)
	if err != nil {
		return nil, err
	}
	states := make([]*FlightState, 0, len(recs))
	for _, rec := range recs {
		states = append(states, StateFromRecord(rec))
	}
	return states, nil
}

// StepLogs returns the step completion markers of a flight.
func (e *Engine) StepLogs(ctx context.Context, flightID string) ([]*StepLog, error) {
	return e.store.ListStepLogs(ctx, flightID)
}

// DeleteFlight removes a terminal flight.
func (e *Engine) DeleteFlight(ctx context.Context, flightID string) error {
	rec, err := e.store.GetFlight(ctx, flightID)
	if err != nil {
		return err
	}
	if !rec.Status.IsTerminal() {
		return ErrFlightNotTerminal
	}
	return e.store.DeleteFlight(ctx, flightID)
}

// enqueue hands a durable flight to the workers. When the queue is full the
// id goes to the backlog.
func (e *Engine) enqueue(flightID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		// The record is durable; the next engine start picks it up.
		e.logger.Warn().Str("flight_id", flightID).Msg("Engine not running, flight left for resume")
		return
	}
	if len(e.backlog) == 0 {
		select {
		case e.queue <- flightID:
			return
		default:
		}
	}
	e.backlog = append(e.backlog, flightID)
	e.logger.Debug().
		Str("flight_id", flightID).
		Int("backlog", len(e.backlog)).
		Msg("Flight queue full, flight backlogged")
}

// refill moves backlogged flights into the queue while it has room.
func (e *Engine) refill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	for len(e.backlog) > 0 {
		select {
		case e.queue <- e.backlog[0]:
			e.backlog = e.backlog[1:]
		default:
			return
		}
	}
}

// Backlog returns the number of accepted flights waiting for queue space.
func (e *Engine) Backlog() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.backlog)
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for id := range e.queue {
		e.refill()
		if _, busy := e.running.LoadOrStore(id, struct{}{}); busy {
			continue
		}
		e.runFlight(e.ctx, id)
		e.running.Delete(id)
	}
}

// runFlight executes a flight from its last checkpoint to a terminal state.
func (e *Engine) runFlight(ctx context.Context, flightID string) {
	logger := e.logger.WithField("flight_id", flightID)

	rec, err := e.store.GetFlight(ctx, flightID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load flight")
		return
	}
	if rec.Status.IsTerminal() {
		return
	}
	logger = e.logger.WithFlightID(rec.ID, rec.Type)

	ctx, span := e.tracer.StartFlightSpan(ctx, rec.ID, rec.Type)
	defer span.End()

	e.metrics.RecordFlightStarted(rec.Type)
	started := time.Now()

	flight, err := e.buildFlight(rec)
	if err != nil {
		// Nothing has run yet, or the flight definition changed underneath
		// a resumed record. Either way no step can be trusted to undo.
		logger.Error().Err(err).Msg("Failed to build flight")
		rec.Error = NewErrorReport(err)
		e.finish(ctx, logger, rec, FlightStatusFatal, started)
		return
	}

	fc := &FlightContext{
		FlightID:   rec.ID,
		FlightType: rec.Type,
		inputs:     rec.Inputs,
		working:    rec.Working,
	}

	if rec.Direction == DirectionDo {
		failure := e.runDo(ctx, logger, rec, flight, fc)
		if ctx.Err() != nil {
			e.interrupted(logger, rec)
			return
		}
		if failure == nil {
			e.finish(ctx, logger, rec, FlightStatusSuccess, started)
			return
		}
		rec.Error = NewErrorReport(failure)
		rec.Direction = DirectionUndo
		if err := e.checkpoint(rec); err != nil {
			logger.Error().Err(err).Msg("Failed to checkpoint undo transition")
			return
		}
		_ = e.events.PublishFlight(telemetry.EventTypeUndoStarted, telemetry.EventLevelWarning,
			rec.ID, rec.Type, failure.Error(), nil)
	}

	undoErr := e.runUndo(ctx, logger, rec, flight, fc)
	if ctx.Err() != nil {
		e.interrupted(logger, rec)
		return
	}
	if undoErr != nil {
		logger.Error().Err(undoErr).Msg("Undo failed, flight is FATAL")
		if rec.Error == nil {
			rec.Error = NewErrorReport(undoErr)
		} else {
			rec.Error.Causes = append(rec.Error.Causes, "undo: "+undoErr.Error())
		}
		e.finish(ctx, logger, rec, FlightStatusFatal, started)
		return
	}
	e.finish(ctx, logger, rec, FlightStatusError, started)
}

func (e *Engine) buildFlight(rec *FlightRecord) (*Flight, error) {
	factory, ok := e.factories.Load(rec.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlightType, rec.Type)
	}
	flight, err := factory(rec.Inputs)
	if err != nil {
		return nil, err
	}
	if rec.StepIndex > len(flight.Steps) {
		return nil, fmt.Errorf("checkpoint step %d beyond flight length %d", rec.StepIndex, len(flight.Steps))
	}
	return flight, nil
}

// runDo runs steps forward from the checkpoint. It returns the error that
// ended the do phase, or nil if every step succeeded.
func (e *Engine) runDo(ctx context.Context, logger *telemetry.Logger, rec *FlightRecord, flight *Flight, fc *FlightContext) error {
	fc.Direction = DirectionDo
	for rec.StepIndex < len(flight.Steps) {
		idx := rec.StepIndex
		entry := flight.Steps[idx]

		result := e.invoke(ctx, logger, rec, entry, idx, DirectionDo, fc)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !result.IsSuccess() {
			err := result.Err
			if err == nil {
				err = fmt.Errorf("step %s failed", entry.Name)
			}
			return err
		}

		rec.StepIndex = idx + 1
		if err := e.checkpoint(rec); err != nil {
			return NewTransientError("failed to checkpoint flight", err)
		}
	}
	return nil
}

// runUndo compensates completed steps in strict reverse order. rec.StepIndex
// is the number of steps still to undo. The phase stops at the first failure.
func (e *Engine) runUndo(ctx context.Context, logger *telemetry.Logger, rec *FlightRecord, flight *Flight, fc *FlightContext) error {
	fc.Direction = DirectionUndo
	for rec.StepIndex > 0 {
		idx := rec.StepIndex - 1
		entry := flight.Steps[idx]

		if !IsReversible(entry.Step) {
			now := e.now()
			e.appendStepLog(rec.ID, idx, entry.Name, DirectionUndo, StepStatusSkipped, 0, nil, now, now)
			logger.Debug().Int("step_index", idx).Str("step", entry.Name).Msg("Skipping undo of non-reversible step")
		} else {
			result := e.invoke(ctx, logger, rec, entry, idx, DirectionUndo, fc)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !result.IsSuccess() {
				err := result.Err
				if err == nil {
					err = fmt.Errorf("undo of step %s failed", entry.Name)
				}
				return err
			}
		}

		rec.StepIndex = idx
		if err := e.checkpoint(rec); err != nil {
			return fmt.Errorf("failed to checkpoint undo: %w", err)
		}
	}
	return nil
}

// invoke runs one step in one direction, retrying per the step's policy.
func (e *Engine) invoke(ctx context.Context, logger *telemetry.Logger, rec *FlightRecord, entry StepEntry, idx int, dir Direction, fc *FlightContext) StepResult {
	stepLogger := logger.WithStep(idx, entry.Name)
	fc.StepIndex = idx
	fc.StepName = entry.Name
	started := e.now()

	var result StepResult
	attempt := 0
	for {
		attempt++
		fc.Attempt = attempt
		result = e.invokeOnce(ctx, entry, idx, dir, fc)

		e.metrics.RecordStep(string(dir), string(result.Status))
		if result.IsSuccess() || ctx.Err() != nil {
			break
		}

		var ee *EngineError
		if errors.As(result.Err, &ee) {
			e.metrics.RecordError(string(ee.Class))
		} else {
			e.metrics.RecordError("")
		}

		if result.Status != StepStatusRetry {
			stepLogger.Warn().Err(result.Err).Int("attempt", attempt).Msg("Step failed fatally")
			break
		}

		delay, retry := entry.Retry.Next(attempt)
		if !retry {
			stepLogger.Warn().Err(result.Err).Int("attempt", attempt).Msg("Step retries exhausted")
			break
		}

		stepLogger.Info().Err(result.Err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Retrying step")
		e.metrics.RecordStepRetry(rec.Type, entry.Name)
		_ = e.events.PublishFlight(telemetry.EventTypeStepRetrying, telemetry.EventLevelWarning,
			rec.ID, rec.Type, fmt.Sprintf("retrying %s after failure (attempt %d)", entry.Name, attempt),
			map[string]interface{}{"step": entry.Name, "direction": string(dir)})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() == nil {
		var errMsg *string
		if result.Err != nil {
			msg := result.Err.Error()
			errMsg = &msg
		}
		e.appendStepLog(rec.ID, idx, entry.Name, dir, result.Status, attempt, errMsg, started, e.now())
	}
	return result
}

func (e *Engine) invokeOnce(ctx context.Context, entry StepEntry, idx int, dir Direction, fc *FlightContext) (result StepResult) {
	ctx, span := e.tracer.StartStepSpan(ctx, entry.Name, idx, string(dir))
	defer span.End()

	if kd, ok := entry.Step.(KeyDeclarer); ok && kd.Writes() != nil {
		fc.working.restrict(kd.Writes())
	}

	defer func() {
		if r := recover(); r != nil {
			result = FatalFailure(fmt.Errorf("step %s panicked: %v", entry.Name, r))
		}
		if denied := fc.working.release(); len(denied) > 0 && result.IsSuccess() {
			result = FatalFailure(NewPermanentError(
				fmt.Sprintf("step %s wrote undeclared keys %v", entry.Name, denied), ErrUndeclaredKey).
				WithCode(ErrCodeUndeclaredKey))
		}
		span.SetAttributes(telemetry.AttrStepStatus.String(string(result.Status)))
		if result.Err != nil {
			telemetry.RecordError(span, result.Err)
		}
	}()

	if dir == DirectionUndo {
		return entry.Step.Undo(ctx, fc)
	}
	return entry.Step.Do(ctx, fc)
}

func (e *Engine) checkpoint(rec *FlightRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CheckpointTimeout)
	defer cancel()
	rec.UpdatedAt = e.now()
	return e.store.UpdateFlight(ctx, rec)
}

func (e *Engine) appendStepLog(flightID string, idx int, name string, dir Direction, status StepStatus, attempts int, errMsg *string, started, completed time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CheckpointTimeout)
	defer cancel()
	err := e.store.AppendStepLog(ctx, &StepLog{
		FlightID:    flightID,
		StepIndex:   idx,
		StepName:    name,
		Direction:   dir,
		Status:      status,
		Attempts:    attempts,
		Error:       errMsg,
		StartedAt:   started,
		CompletedAt: completed,
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("flight_id", flightID).Msg("Failed to append step log")
	}
}

func (e *Engine) interrupted(logger *telemetry.Logger, rec *FlightRecord) {
	logger.Warn().
		Str("direction", string(rec.Direction)).
		Int("step_index", rec.StepIndex).
		Msg("Flight interrupted, left for resume")
	e.metrics.RecordFlightInterrupted()
}

// finish persists the terminal status and runs hooks.
func (e *Engine) finish(ctx context.Context, logger *telemetry.Logger, rec *FlightRecord, status FlightStatus, started time.Time) {
	now := e.now()
	rec.Status = status
	rec.CompletedAt = &now
	if err := e.checkpoint(rec); err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("Failed to persist terminal status")
		return
	}

	e.metrics.RecordFlightCompleted(rec.Type, string(status), time.Since(started))

	level := telemetry.EventLevelInfo
	event := logger.Info()
	if status != FlightStatusSuccess {
		level = telemetry.EventLevelError
		event = logger.Warn()
	}
	event.Str("status", string(status)).Dur("duration", time.Since(started)).Msg("Flight completed")
	_ = e.events.PublishFlight(telemetry.EventTypeFlightCompleted, level, rec.ID, rec.Type,
		"flight "+string(status), map[string]interface{}{"status": string(status)})

	state := StateFromRecord(rec)
	e.hooksMu.RLock()
	hooks := append([]Hook(nil), e.hooks...)
	e.hooksMu.RUnlock()

	hookCtx := context.WithoutCancel(ctx)
	for _, h := range hooks {
		if err := h.EndFlight(hookCtx, state); err != nil {
			logger.Error().Err(err).Msg("Flight hook failed")
		}
	}
}
