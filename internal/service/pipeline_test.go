package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oru-fhir-bridge/internal/domain"
	"github.com/oru-fhir-bridge/internal/ratelimit"
	"github.com/oru-fhir-bridge/pkg/fhir"
	"github.com/oru-fhir-bridge/pkg/hl7"
)

// memStore is an in-memory MessageStore for pipeline tests.
type memStore struct {
	records []*domain.MessageRecord
}

func (s *memStore) Save(_ context.Context, rec *domain.MessageRecord) (int64, error) {
	rec.ID = int64(len(s.records) + 1)
	rec.ReceivedAt = time.Now().UTC()
	s.records = append(s.records, rec)
	return rec.ID, nil
}

func (s *memStore) List(_ context.Context, _, _ int) ([]*domain.MessageRecord, int64, error) {
	return s.records, int64(len(s.records)), nil
}

func (s *memStore) Get(_ context.Context, id int64) (*domain.MessageRecord, error) {
	for _, rec := range s.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) Observations(_ context.Context, id int64) ([]domain.Observation, error) {
	rec, err := s.Get(context.Background(), id)
	if err != nil {
		return nil, err
	}
	return rec.Observations, nil
}

func (s *memStore) DeleteAll(context.Context) error {
	s.records = nil
	return nil
}

func (s *memStore) Close() error { return nil }

func newTestPipeline(gen domain.TextGenerator, cooldown time.Duration, store domain.MessageStore) *Pipeline {
	logger := quietLogger()
	summarizer := NewSummaryOrchestrator(gen, ratelimit.NewCooldownLimiter(cooldown), nil, time.Second, logger)
	return NewPipeline(NewMessageBuilder(logger), NewBundleMapper(), summarizer, store, logger)
}

func TestProcess_EndToEnd(t *testing.T) {
	store := &memStore{}
	pipeline := newTestPipeline(&stubGenerator{text: "AI summary text."}, time.Second, store)

	// Act
	result, err := pipeline.Process(context.Background(), sampleORU, Options{UseAI: true, Persist: true})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "MSG001", result.Header.ControlID)
	assert.Equal(t, "12345", result.Patient.ID)
	require.Len(t, result.Observations, 3)
	assert.Empty(t, result.Issues)

	require.NotNil(t, result.Summary)
	assert.Equal(t, domain.SummaryAI, result.Summary.Source)
	assert.Equal(t, "AI summary text.", result.Summary.Text)
	assert.Nil(t, result.RateLimit)

	// The bundle round-trips as FHIR JSON.
	var bundle fhir.Bundle
	require.NoError(t, json.Unmarshal(result.Bundle, &bundle))
	assert.Equal(t, "Bundle", bundle.ResourceType)
	assert.Len(t, bundle.Entry, 4)

	// Exactly one store write happened.
	require.Len(t, store.records, 1)
	assert.Equal(t, result.MessageID, store.records[0].ID)
	assert.Equal(t, sampleORU, store.records[0].RawText)
	assert.Equal(t, "AI summary text.", store.records[0].Summary)
	assert.Len(t, store.records[0].Observations, 3)
}

func TestProcess_MalformedMessage(t *testing.T) {
	pipeline := newTestPipeline(&stubGenerator{}, time.Second, nil)

	result, err := pipeline.Process(context.Background(), "not an hl7 message", Options{})

	assert.Nil(t, result)
	var formatErr *hl7.FormatError
	require.ErrorAs(t, err, &formatErr)
}

func TestProcess_MissingPID(t *testing.T) {
	pipeline := newTestPipeline(&stubGenerator{}, time.Second, nil)
	raw := "MSH|^~\\&|LAB|ACME|||20240101||ORU^R01|1|P|2.5.1\r"

	result, err := pipeline.Process(context.Background(), raw, Options{})

	assert.Nil(t, result)
	var missing *domain.MissingSegmentError
	require.ErrorAs(t, err, &missing)
}

func TestProcess_RateLimitedGetsFallbackAndHint(t *testing.T) {
	store := &memStore{}
	pipeline := newTestPipeline(&stubGenerator{text: "AI summary"}, time.Hour, store)

	_, err := pipeline.Process(context.Background(), sampleORU, Options{UseAI: true})
	require.NoError(t, err)

	// Act: second AI request inside the cooldown.
	result, err := pipeline.Process(context.Background(), sampleORU, Options{UseAI: true, Persist: true})

	// Assert: full result with the rule-based fallback plus the wait hint.
	require.NoError(t, err)
	require.NotNil(t, result.Summary)
	assert.Equal(t, domain.SummaryRuleBased, result.Summary.Source)
	assert.Equal(t, "Glucose is elevated at 105 mg/dL.", result.Summary.Text)
	require.NotNil(t, result.RateLimit)
	assert.Greater(t, result.RateLimit.RetryAfterSeconds, 0)

	// The rate-limited request still persisted its result.
	assert.NotZero(t, result.MessageID)
}

func TestProcess_NoPersistenceByDefault(t *testing.T) {
	store := &memStore{}
	pipeline := newTestPipeline(&stubGenerator{text: "x"}, time.Second, store)

	result, err := pipeline.Process(context.Background(), sampleORU, Options{})

	require.NoError(t, err)
	assert.Zero(t, result.MessageID)
	assert.Empty(t, store.records)
}

func TestProcess_IssuesSurfaceInResult(t *testing.T) {
	pipeline := newTestPipeline(&stubGenerator{text: "x"}, time.Second, nil)
	raw := "MSH|^~\\&|LAB|ACME|||20240101||ORU^R01|1|P|2.5.1\r" +
		"PID|1||12345||DOE^JOHN\r" +
		"OBX|1|NM|2345-7^Glucose||pending|mg/dL|||||F\r"

	result, err := pipeline.Process(context.Background(), raw, Options{})

	require.NoError(t, err)
	assert.Empty(t, result.Observations)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, "2345-7", result.Issues[0].Code)
}

func TestProcess_Idempotent(t *testing.T) {
	pipeline := newTestPipeline(&stubGenerator{text: "x"}, time.Second, nil)

	first, err := pipeline.Process(context.Background(), sampleORU, Options{})
	require.NoError(t, err)
	second, err := pipeline.Process(context.Background(), sampleORU, Options{})
	require.NoError(t, err)

	// Same extraction both times; only generated resource ids differ.
	assert.Equal(t, first.Header, second.Header)
	assert.Equal(t, first.Patient, second.Patient)
	assert.Equal(t, first.Observations, second.Observations)
	assert.Equal(t, first.Summary.Text, second.Summary.Text)
}
