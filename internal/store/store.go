// Package store is the SQLite-backed local appointment book. It owns the
// external_event_id column that correlates appointments to remote calendar
// events.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/imobcrm/agendasync/internal/errs"
	"github.com/imobcrm/agendasync/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Open opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an ephemeral database in tests.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}

// AppointmentStore persists appointments.
type AppointmentStore struct {
	db *sql.DB
}

// New creates an AppointmentStore over an opened database.
func New(db *sql.DB) *AppointmentStore {
	return &AppointmentStore{db: db}
}

// Create inserts the appointment, assigning an id when absent.
func (s *AppointmentStore) Create(ctx context.Context, appt *model.Appointment) error {
	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}
	if appt.UpdatedAt.IsZero() {
		appt.UpdatedAt = time.Now().UTC()
	}
	attendees, err := json.Marshal(appt.Attendees)
	if err != nil {
		return fmt.Errorf("marshal attendees: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO appointments (id, title, description, start_time, end_time, location, attendees, owner_id, external_event_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		appt.ID, appt.Title, appt.Description, appt.Start.UTC(), appt.End.UTC(),
		appt.Location, string(attendees), appt.OwnerID, appt.ExternalEventID, appt.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

// Update rewrites all mutable fields and bumps updated_at.
func (s *AppointmentStore) Update(ctx context.Context, appt *model.Appointment) error {
	appt.UpdatedAt = time.Now().UTC()
	attendees, err := json.Marshal(appt.Attendees)
	if err != nil {
		return fmt.Errorf("marshal attendees: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE appointments
		SET title = ?, description = ?, start_time = ?, end_time = ?, location = ?, attendees = ?, external_event_id = ?, updated_at = ?
		WHERE id = ?`,
		appt.Title, appt.Description, appt.Start.UTC(), appt.End.UTC(),
		appt.Location, string(attendees), appt.ExternalEventID, appt.UpdatedAt.UTC(), appt.ID)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Get returns one appointment by id.
func (s *AppointmentStore) Get(ctx context.Context, id string) (*model.Appointment, error) {
	row := s.db.QueryRowContext(ctx, selectClause+` WHERE id = ?`, id)
	return scanAppointment(row)
}

// ListBetween returns appointments overlapping [min, max), ordered by
// start time. This is the set a sync pass pushes.
func (s *AppointmentStore) ListBetween(ctx context.Context, min, max time.Time) ([]model.Appointment, error) {
	rows, err := s.db.QueryContext(ctx, selectClause+`
		WHERE start_time < ? AND end_time > ?
		ORDER BY start_time`, max.UTC(), min.UTC())
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, *appt)
	}
	return appts, rows.Err()
}

// SetExternalID persists a correlation established during a sync pass.
// The engine reports mappings; this is where the caller writes them back.
func (s *AppointmentStore) SetExternalID(ctx context.Context, apptID, externalEventID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE appointments SET external_event_id = ? WHERE id = ?`,
		externalEventID, apptID)
	if err != nil {
		return fmt.Errorf("set external id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpsertFromRemote backs the engine's import seam: it overwrites the
// appointment correlated to the remote event, or inserts a new one when no
// correlation exists. Returns false only on storage failure, which the
// engine treats as "caller declined".
func (s *AppointmentStore) UpsertFromRemote(ctx context.Context, appt model.Appointment) bool {
	if appt.ExternalEventID != "" {
		existing, err := s.getByExternalID(ctx, appt.ExternalEventID)
		if err == nil {
			appt.ID = existing.ID
			if appt.OwnerID == "" {
				appt.OwnerID = existing.OwnerID
			}
			return s.Update(ctx, &appt) == nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return false
		}
	}
	return s.Create(ctx, &appt) == nil
}

// Delete removes one appointment.
func (s *AppointmentStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM appointments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (s *AppointmentStore) getByExternalID(ctx context.Context, externalEventID string) (*model.Appointment, error) {
	row := s.db.QueryRowContext(ctx, selectClause+` WHERE external_event_id = ?`, externalEventID)
	return scanAppointment(row)
}

const selectClause = `
	SELECT id, title, description, start_time, end_time, location, attendees, owner_id, external_event_id, updated_at
	FROM appointments`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (*model.Appointment, error) {
	var appt model.Appointment
	var attendees string
	err := row.Scan(&appt.ID, &appt.Title, &appt.Description, &appt.Start, &appt.End,
		&appt.Location, &attendees, &appt.OwnerID, &appt.ExternalEventID, &appt.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan appointment: %w", err)
	}
	if err := json.Unmarshal([]byte(attendees), &appt.Attendees); err != nil {
		return nil, fmt.Errorf("unmarshal attendees: %w", err)
	}
	return &appt, nil
}
