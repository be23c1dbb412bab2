package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/flightdeck/pkg/engine"
)

var _ engine.FlightStore = (*SQLStore)(nil)

const flightColumns = `id, flight_type, owner, status, direction, step_index, inputs, working, error, submitted_at, completed_at, updated_at`

// CreateFlight inserts a flight record. A duplicate id returns
// engine.ErrDuplicateFlight.
func (s *SQLStore) CreateFlight(ctx context.Context, rec *engine.FlightRecord) error {
	inputs, working, errReport, err := encodeFlight(rec)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO flights (` + flightColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := s.exec(ctx, query,
		rec.ID,
		rec.Type,
		rec.Owner,
		string(rec.Status),
		string(rec.Direction),
		rec.StepIndex,
		inputs,
		working,
		errReport,
		rec.SubmittedAt.UTC(),
		completedAt(rec.CompletedAt),
		rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create flight: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", engine.ErrDuplicateFlight, rec.ID)
	}

	return nil
}

// GetFlight retrieves a flight by ID
func (s *SQLStore) GetFlight(ctx context.Context, id string) (*engine.FlightRecord, error) {
	query := `SELECT ` + flightColumns + ` FROM flights WHERE id = ?`

	rec, err := scanFlight(s.queryRow(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrFlightNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flight: %w", err)
	}

	return rec, nil
}

// UpdateFlight checkpoints the mutable part of a flight record.
func (s *SQLStore) UpdateFlight(ctx context.Context, rec *engine.FlightRecord) error {
	_, working, errReport, err := encodeFlight(rec)
	if err != nil {
		return err
	}

	query := `
		UPDATE flights
		SET status = ?, direction = ?, step_index = ?, working = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.exec(ctx, query,
		string(rec.Status),
		string(rec.Direction),
		rec.StepIndex,
		working,
		errReport,
		completedAt(rec.CompletedAt),
		rec.UpdatedAt.UTC(),
		rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update flight: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", engine.ErrFlightNotFound, rec.ID)
	}

	return nil
}

// ListFlights lists flights in submission order, optionally for one owner.
func (s *SQLStore) ListFlights(ctx context.Context, filter engine.FlightFilter) ([]*engine.FlightRecord, error) {
	offset, limit := page(filter.Offset, filter.Limit)

	query := `
		SELECT ` + flightColumns + `
		FROM flights
		WHERE (? = '' OR owner = ?)
		ORDER BY submitted_at ASC, id ASC
		LIMIT ? OFFSET ?
	`

	return s.listFlights(ctx, query, filter.Owner, filter.Owner, limit, offset)
}

// ListUnresolvedFlights lists every RUNNING flight.
func (s *SQLStore) ListUnresolvedFlights(ctx context.Context) ([]*engine.FlightRecord, error) {
	query := `
		SELECT ` + flightColumns + `
		FROM flights
		WHERE status = ?
		ORDER BY submitted_at ASC, id ASC
	`

	return s.listFlights(ctx, query, string(engine.FlightStatusRunning))
}

func (s *SQLStore) listFlights(ctx context.Context, query string, args ...any) ([]*engine.FlightRecord, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flights: %w", err)
	}
	defer rows.Close()

	flights := []*engine.FlightRecord{}
	for rows.Next() {
		rec, err := scanFlight(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flight: %w", err)
		}
		flights = append(flights, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flights: %w", err)
	}

	return flights, nil
}

// DeleteFlight deletes a flight and its step logs.
func (s *SQLStore) DeleteFlight(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.txExec(ctx, tx, `DELETE FROM flight_steps WHERE flight_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete flight steps: %w", err)
		}

		result, err := s.txExec(ctx, tx, `DELETE FROM flights WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete flight: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("%w: %s", engine.ErrFlightNotFound, id)
		}
		return nil
	})
}

// AppendStepLog appends a step completion marker.
func (s *SQLStore) AppendStepLog(ctx context.Context, log *engine.StepLog) error {
	query := `
		INSERT INTO flight_steps (flight_id, step_index, step_name, direction, status, attempts, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.exec(ctx, query,
		log.FlightID,
		log.StepIndex,
		log.StepName,
		string(log.Direction),
		string(log.Status),
		log.Attempts,
		nullString(log.Error),
		log.StartedAt.UTC(),
		log.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append step log: %w", err)
	}

	return nil
}

// ListStepLogs lists the step markers of a flight in insertion order.
func (s *SQLStore) ListStepLogs(ctx context.Context, flightID string) ([]*engine.StepLog, error) {
	query := `
		SELECT flight_id, step_index, step_name, direction, status, attempts, error, started_at, completed_at
		FROM flight_steps
		WHERE flight_id = ?
		ORDER BY id ASC
	`

	rows, err := s.query(ctx, query, flightID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step logs: %w", err)
	}
	defer rows.Close()

	logs := []*engine.StepLog{}
	for rows.Next() {
		log := &engine.StepLog{}
		var direction, status string
		var errMsg sql.NullString
		err := rows.Scan(
			&log.FlightID,
			&log.StepIndex,
			&log.StepName,
			&direction,
			&status,
			&log.Attempts,
			&errMsg,
			&log.StartedAt,
			&log.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step log: %w", err)
		}
		log.Direction = engine.Direction(direction)
		log.Status = engine.StepStatus(status)
		if errMsg.Valid {
			log.Error = &errMsg.String
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step logs: %w", err)
	}

	return logs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlight(row rowScanner) (*engine.FlightRecord, error) {
	rec := &engine.FlightRecord{}
	var status, direction, inputs, working string
	var errReport sql.NullString
	var completed sql.NullTime

	err := row.Scan(
		&rec.ID,
		&rec.Type,
		&rec.Owner,
		&status,
		&direction,
		&rec.StepIndex,
		&inputs,
		&working,
		&errReport,
		&rec.SubmittedAt,
		&completed,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = engine.FlightStatus(status)
	rec.Direction = engine.Direction(direction)
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}

	rec.Inputs = engine.NewFlightMap()
	if err := json.Unmarshal([]byte(inputs), rec.Inputs); err != nil {
		return nil, fmt.Errorf("failed to decode inputs of flight %s: %w", rec.ID, err)
	}
	rec.Working = engine.NewWorkingMap()
	if err := json.Unmarshal([]byte(working), rec.Working); err != nil {
		return nil, fmt.Errorf("failed to decode working map of flight %s: %w", rec.ID, err)
	}
	if errReport.Valid && errReport.String != "" {
		rec.Error = &engine.ErrorReport{}
		if err := json.Unmarshal([]byte(errReport.String), rec.Error); err != nil {
			return nil, fmt.Errorf("failed to decode error of flight %s: %w", rec.ID, err)
		}
	}

	return rec, nil
}

func encodeFlight(rec *engine.FlightRecord) (inputs, working string, errReport sql.NullString, err error) {
	in := rec.Inputs
	if in == nil {
		in = engine.NewFlightMap()
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "", "", errReport, fmt.Errorf("failed to encode inputs: %w", err)
	}
	inputs = string(data)

	wm := rec.Working
	if wm == nil {
		wm = engine.NewWorkingMap()
	}
	if data, err = json.Marshal(wm); err != nil {
		return "", "", errReport, fmt.Errorf("failed to encode working map: %w", err)
	}
	working = string(data)

	if rec.Error != nil {
		if data, err = json.Marshal(rec.Error); err != nil {
			return "", "", errReport, fmt.Errorf("failed to encode error report: %w", err)
		}
		errReport = sql.NullString{String: string(data), Valid: true}
	}
	return inputs, working, errReport, nil
}

func completedAt(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
