package store

import (
	"database/sql"
	"time"

	"github.com/oru-fhir-bridge/internal/domain"
)

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func splitValue(v domain.Value) (sql.NullFloat64, sql.NullString) {
	if v.Kind == domain.ValueNumeric {
		return sql.NullFloat64{Float64: v.Number, Valid: true}, sql.NullString{}
	}
	return sql.NullFloat64{}, sql.NullString{String: v.Text, Valid: true}
}

func joinValue(num sql.NullFloat64, raw sql.NullString) domain.Value {
	if num.Valid {
		return domain.NumericValue(num.Float64)
	}
	return domain.TextValue(raw.String)
}

// coerceTime normalizes received_at across backends: SQLite hands back the
// RFC 3339 text we wrote, PostgreSQL a time.Time.
func coerceTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		return parseStoredTime(t)
	case []byte:
		return parseStoredTime(string(t))
	}
	return time.Time{}
}

func parseStoredTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func scanMessageRow(s scanner) (*domain.MessageRecord, error) {
	rec := &domain.MessageRecord{}
	var receivedAt interface{}
	var patientID, given, family, dob, sex, summary sql.NullString

	err := s.Scan(&rec.ID, &receivedAt, &patientID, &given, &family, &dob, &sex, &summary)
	if err != nil {
		return nil, err
	}

	rec.ReceivedAt = coerceTime(receivedAt)
	rec.Patient = domain.PatientRecord{
		ID:         patientID.String,
		GivenName:  given.String,
		FamilyName: family.String,
		BirthDate:  dob.String,
		Sex:        sex.String,
	}
	rec.Summary = summary.String
	return rec, nil
}

func scanMessageDetail(s scanner) (*domain.MessageRecord, error) {
	rec := &domain.MessageRecord{}
	var receivedAt interface{}
	var patientID, given, family, dob, sex, summary, rawText, bundle sql.NullString

	err := s.Scan(&rec.ID, &receivedAt, &patientID, &given, &family, &dob, &sex, &summary, &rawText, &bundle)
	if err != nil {
		return nil, err
	}

	rec.ReceivedAt = coerceTime(receivedAt)
	rec.Patient = domain.PatientRecord{
		ID:         patientID.String,
		GivenName:  given.String,
		FamilyName: family.String,
		BirthDate:  dob.String,
		Sex:        sex.String,
	}
	rec.Summary = summary.String
	rec.RawText = rawText.String
	if bundle.Valid {
		rec.BundleJSON = []byte(bundle.String)
	}
	return rec, nil
}

func scanObservations(rows *sql.Rows) ([]domain.Observation, error) {
	var out []domain.Observation
	for rows.Next() {
		var (
			code, display, unit, flag, effective, status sql.NullString
			valueNum                                     sql.NullFloat64
			valueRaw, refLow, refHigh                    sql.NullString
		)
		err := rows.Scan(&code, &display, &valueNum, &valueRaw, &unit,
			&refLow, &refHigh, &flag, &effective, &status)
		if err != nil {
			return nil, err
		}

		obs := domain.Observation{
			Code:          code.String,
			Display:       display.String,
			Value:         joinValue(valueNum, valueRaw),
			Unit:          unit.String,
			Flag:          domain.AbnormalFlag(flag.String),
			EffectiveTime: effective.String,
			Status:        status.String,
		}
		if refLow.Valid {
			v := refLow.String
			obs.ReferenceLow = &v
		}
		if refHigh.Valid {
			v := refHigh.String
			obs.ReferenceHigh = &v
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}
