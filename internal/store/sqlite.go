// Package store persists processed messages. Two backends implement
// domain.MessageStore: SQLite for single-node deployments and PostgreSQL for
// shared ones. The schema is created idempotently at open; each Save is one
// transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oru-fhir-bridge/internal/domain"
)

// SQLiteStore implements domain.MessageStore on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (creating if needed) the database file and schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps the API and MLLP listeners from serializing on each other.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if err := createSQLiteSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

func createSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS hl7_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		received_at DATETIME NOT NULL,
		raw_hl7 TEXT NOT NULL,
		patient_id TEXT,
		patient_given_name TEXT,
		patient_family_name TEXT,
		patient_dob TEXT,
		patient_sex TEXT,
		clinical_summary TEXT,
		fhir_bundle_json TEXT
	);

	CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL,
		code TEXT,
		display TEXT,
		value_num REAL,
		value_raw TEXT,
		unit TEXT,
		reference_low TEXT,
		reference_high TEXT,
		flag TEXT,
		observation_datetime TEXT,
		status TEXT,
		FOREIGN KEY(message_id) REFERENCES hl7_messages(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_patient_id ON hl7_messages(patient_id);
	CREATE INDEX IF NOT EXISTS idx_observations_message_id ON observations(message_id);
	`
	_, err := db.Exec(schema)
	return err
}

// Save writes the message and its observations in one transaction and returns
// the new message id.
func (s *SQLiteStore) Save(ctx context.Context, rec *domain.MessageRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO hl7_messages (
			received_at, raw_hl7, patient_id, patient_given_name,
			patient_family_name, patient_dob, patient_sex,
			clinical_summary, fhir_bundle_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		receivedAt.Format(time.RFC3339Nano),
		rec.RawText,
		rec.Patient.ID,
		rec.Patient.GivenName,
		rec.Patient.FamilyName,
		rec.Patient.BirthDate,
		rec.Patient.Sex,
		rec.Summary,
		string(rec.BundleJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}

	messageID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading message id: %w", err)
	}

	for _, obs := range rec.Observations {
		valueNum, valueRaw := splitValue(obs.Value)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO observations (
				message_id, code, display, value_num, value_raw, unit,
				reference_low, reference_high, flag, observation_datetime, status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			messageID,
			obs.Code,
			obs.Display,
			valueNum,
			valueRaw,
			obs.Unit,
			obs.ReferenceLow,
			obs.ReferenceHigh,
			string(obs.Flag),
			obs.EffectiveTime,
			obs.Status,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting observation %s: %w", obs.Code, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}

	rec.ID = messageID
	rec.ReceivedAt = receivedAt
	return messageID, nil
}

// List returns records newest-first without payloads, plus the total count.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*domain.MessageRecord, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM hl7_messages").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, received_at, patient_id, patient_given_name,
		       patient_family_name, patient_dob, patient_sex, clinical_summary
		FROM hl7_messages
		ORDER BY id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var records []*domain.MessageRecord
	for rows.Next() {
		rec, err := scanMessageRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning message row: %w", err)
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// Get returns one record including raw text and bundle JSON.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*domain.MessageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, received_at, patient_id, patient_given_name,
		       patient_family_name, patient_dob, patient_sex, clinical_summary,
		       raw_hl7, fhir_bundle_json
		FROM hl7_messages
		WHERE id = ?`, id)

	rec, err := scanMessageDetail(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading message %d: %w", id, err)
	}
	return rec, nil
}

// Observations returns stored observations for a message in insert order.
func (s *SQLiteStore) Observations(ctx context.Context, id int64) ([]domain.Observation, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM hl7_messages WHERE id = ?", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checking message %d: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT code, display, value_num, value_raw, unit,
		       reference_low, reference_high, flag, observation_datetime, status
		FROM observations
		WHERE message_id = ?
		ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("listing observations: %w", err)
	}
	defer rows.Close()

	return scanObservations(rows)
}

// DeleteAll clears all messages and observations.
func (s *SQLiteStore) DeleteAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM observations"); err != nil {
		return fmt.Errorf("deleting observations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM hl7_messages"); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	return tx.Commit()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
