// Package telemetry provides the observability stack for flightdeck.
//
// It bundles structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process event publisher
// behind a single Telemetry value that the engine, the job service and the
// activity hook share.
//
// # Usage
//
// Build telemetry once at startup from the config file section:
//
//	tel, err := telemetry.New(&cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests and library callers that do not care use Nop.
//
// # Logging
//
// Components derive child loggers that carry their identity:
//
//	logger := tel.Logger.NewComponentLogger("jobs").WithJobID(jobID)
//	logger.Info().Str("flight_type", flightType).Msg("Job submitted")
//
// Packages that take a zerolog.Logger directly, such as the policy engine,
// get one from Logger.Zerolog.
//
// # Tracing
//
// Flights, steps and job service calls each open a span:
//
//	ctx, span := tel.Tracer.StartFlightSpan(ctx, flightID, flightType)
//	defer span.End()
//
// RecordError and RecordSuccess set the span status. Exporters are "otlp"
// (gRPC), "stdout" and "none".
//
// # Metrics
//
// Metrics live in a private Prometheus registry under the configured
// namespace:
//
//   - flights_started_total{flight_type}
//   - flights_completed_total{flight_type,status}
//   - flight_duration_seconds{flight_type,status}
//   - active_flights
//   - steps_executed_total{direction,status}
//   - step_retries_total{flight_type,step}
//   - jobs_submitted_total{flight_type}
//   - job_errors_total{kind}
//   - activity_entries_total{operation,target}
//   - errors_by_class_total{class}
//
// Metrics.NewServer returns the HTTP server exposing them; the caller runs
// and stops it.
//
// # Events
//
// The engine publishes flight lifecycle events (submitted, resumed,
// completed, step retrying, undo started). Subscribers are invoked from a
// single goroutine in publish order:
//
//	tel.Events.Subscribe(func(ev telemetry.Event) {
//	    logger.Info().Str("flight_id", ev.FlightID).Msg(ev.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeFlightCompleted))
package telemetry
