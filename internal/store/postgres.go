package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/oru-fhir-bridge/internal/domain"
)

// PostgresStore implements domain.MessageStore on PostgreSQL via the pgx
// stdlib driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool with the given DSN and ensures the
// schema exists.
func NewPostgresStore(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if connMaxLifetime > 0 {
		db.SetConnMaxLifetime(connMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an existing handle; used by tests.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hl7_messages (
		id BIGSERIAL PRIMARY KEY,
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
		id BIGSERIAL PRIMARY KEY,
		message_id BIGINT NOT NULL REFERENCES hl7_messages(id),
		code TEXT,
		display TEXT,
		value_num DOUBLE PRECISION,
		value_raw TEXT,
		unit TEXT,
		reference_low TEXT,
		reference_high TEXT,
		flag TEXT,
		observation_datetime TEXT,
		status TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_messages_patient_id ON hl7_messages(patient_id);
	CREATE INDEX IF NOT EXISTS idx_observations_message_id ON observations(message_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save writes the message and its observations in one transaction.
func (s *PostgresStore) Save(ctx context.Context, rec *domain.MessageRecord) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	receivedAt := rec.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	var messageID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO hl7_messages (
			received_at, raw_hl7, patient_id, patient_given_name,
			patient_family_name, patient_dob, patient_sex,
			clinical_summary, fhir_bundle_json
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		receivedAt,
		rec.RawText,
		rec.Patient.ID,
		rec.Patient.GivenName,
		rec.Patient.FamilyName,
		rec.Patient.BirthDate,
		rec.Patient.Sex,
		rec.Summary,
		string(rec.BundleJSON),
	).Scan(&messageID)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}

	for _, obs := range rec.Observations {
		valueNum, valueRaw := splitValue(obs.Value)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO observations (
				message_id, code, display, value_num, value_raw, unit,
				reference_low, reference_high, flag, observation_datetime, status
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
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
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*domain.MessageRecord, int64, error) {
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
		LIMIT $1 OFFSET $2`, limit, offset)
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
func (s *PostgresStore) Get(ctx context.Context, id int64) (*domain.MessageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, received_at, patient_id, patient_given_name,
		       patient_family_name, patient_dob, patient_sex, clinical_summary,
		       raw_hl7, fhir_bundle_json
		FROM hl7_messages
		WHERE id = $1`, id)

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
func (s *PostgresStore) Observations(ctx context.Context, id int64) ([]domain.Observation, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM hl7_messages WHERE id = $1", id).Scan(&exists)
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
		WHERE message_id = $1
		ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("listing observations: %w", err)
	}
	defer rows.Close()

	return scanObservations(rows)
}

// DeleteAll clears all messages and observations.
func (s *PostgresStore) DeleteAll(ctx context.Context) error {
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
