// Package engine provides the saga engine that flightdeck flights run on.
//
// # Overview
//
// A flight is an ordered list of steps. Each step has a Do action and a
// compensating Undo action, and both must be idempotent because the engine
// may invoke them more than once after retries or a crash.
//
// The engine executes a flight in two phases:
//
//  1. Do - run steps in declared order, retrying per each step's RetryPolicy
//  2. Undo - if a step fails fatally or exhausts its retries, run Undo on
//     every completed step in reverse order
//
// A flight ends SUCCESS when every Do succeeds, ERROR when the undo phase
// completes, and FATAL when an Undo itself fails. FATAL means the persisted
// and real state may have diverged.
//
// # Durability
//
// Flight records are written through a FlightStore before the first step
// runs and checkpointed after every step transition: status, direction,
// step index and the working map. Engine.Start re-enqueues every RUNNING
// flight so work interrupted by a crash resumes where it stopped.
//
// # Working Map
//
// Steps share data through a typed working map:
//
//	var bucketName = engine.NewKey[string]("bucket_name")
//
//	func (s deriveName) Do(ctx context.Context, fc *engine.FlightContext) engine.StepResult {
//	    if err := bucketName.Put(fc.WorkingMap(), "wb-"+fc.FlightID); err != nil {
//	        return engine.FatalFailure(err)
//	    }
//	    return engine.Success()
//	}
//
// Steps implementing KeyDeclarer may only write the keys they declare.
//
// # Non-reversible Steps
//
// Steps embedding NoUndo are never undone. Use it for effects that cannot be
// compensated, such as a completed cloud delete.
//
// # Error Classification
//
// EngineError classifies failures as transient, throttled, conflict or
// permanent. ResultFromError maps the first three to FAILURE_RETRY and the
// last to FAILURE_FATAL.
package engine
