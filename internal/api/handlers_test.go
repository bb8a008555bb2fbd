package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oru-fhir-bridge/internal/domain"
	"github.com/oru-fhir-bridge/internal/ratelimit"
	"github.com/oru-fhir-bridge/internal/service"
)

const sampleORU = "MSH|^~\\&|LAB|ACME|EHR|CITY|20240102120000||ORU^R01|MSG001|P|2.5.1\r" +
	"PID|1||12345^^^ACME||DOE^JOHN||19800101|M\r" +
	"OBR|1|||24323-8^Comprehensive metabolic panel\r" +
	"OBX|1|NM|2345-7^Glucose||105|mg/dL|70-99|H|||F|||20240102115500\r"

type fixedGenerator struct{ text string }

func (g fixedGenerator) Generate(context.Context, string) (string, error) {
	return g.text, nil
}

type fakeStore struct {
	records []*domain.MessageRecord
}

func (s *fakeStore) Save(_ context.Context, rec *domain.MessageRecord) (int64, error) {
	rec.ID = int64(len(s.records) + 1)
	rec.ReceivedAt = time.Now().UTC()
	s.records = append(s.records, rec)
	return rec.ID, nil
}

func (s *fakeStore) List(_ context.Context, _, _ int) ([]*domain.MessageRecord, int64, error) {
	return s.records, int64(len(s.records)), nil
}

func (s *fakeStore) Get(_ context.Context, id int64) (*domain.MessageRecord, error) {
	for _, rec := range s.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *fakeStore) Observations(_ context.Context, id int64) ([]domain.Observation, error) {
	rec, err := s.Get(context.Background(), id)
	if err != nil {
		return nil, err
	}
	return rec.Observations, nil
}

func (s *fakeStore) DeleteAll(context.Context) error {
	s.records = nil
	return nil
}

func (s *fakeStore) Close() error { return nil }

func newTestServer(t *testing.T, cooldown time.Duration) (*Server, *fakeStore) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := &fakeStore{}
	summarizer := service.NewSummaryOrchestrator(
		fixedGenerator{text: "AI summary."},
		ratelimit.NewCooldownLimiter(cooldown),
		nil,
		time.Second,
		logger,
	)
	pipeline := service.NewPipeline(
		service.NewMessageBuilder(logger),
		service.NewBundleMapper(),
		summarizer,
		store,
		logger,
	)

	cfg := &domain.Config{Logging: domain.LoggingConfig{Level: "error"}}
	return NewServer(cfg, pipeline, store, logger), store
}

func doJSON(t *testing.T, server *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHandleParse_JSONRequest(t *testing.T) {
	server, store := newTestServer(t, time.Second)

	body, _ := json.Marshal(map[string]any{
		"message": sampleORU,
		"use_ai":  true,
		"persist": true,
	})

	// Act
	rec := doJSON(t, server, http.MethodPost, "/api/v1/oru/parse", string(body))

	// Assert
	require.Equal(t, http.StatusOK, rec.Code)

	var result domain.ProcessResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "12345", result.Patient.ID)
	require.Len(t, result.Observations, 1)
	require.NotNil(t, result.Summary)
	assert.Equal(t, domain.SummaryAI, result.Summary.Source)
	assert.NotZero(t, result.MessageID)
	assert.NotEmpty(t, result.Bundle)

	require.Len(t, store.records, 1)
}

func TestHandleParse_RawBody(t *testing.T) {
	server, store := newTestServer(t, time.Second)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/oru/parse", strings.NewReader(sampleORU))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()

	server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result domain.ProcessResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, domain.SummaryRuleBased, result.Summary.Source)
	assert.Empty(t, store.records, "persist not requested")
}

func TestHandleParse_MalformedMessage(t *testing.T) {
	server, _ := newTestServer(t, time.Second)

	body, _ := json.Marshal(map[string]any{"message": "garbage"})

	rec := doJSON(t, server, http.MethodPost, "/api/v1/oru/parse", string(body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "malformed HL7 message")
}

func TestHandleParse_MissingPID(t *testing.T) {
	server, _ := newTestServer(t, time.Second)

	raw := "MSH|^~\\&|LAB|ACME|||20240101||ORU^R01|1|P|2.5.1\r"
	body, _ := json.Marshal(map[string]any{"message": raw})

	rec := doJSON(t, server, http.MethodPost, "/api/v1/oru/parse", string(body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "PID")
}

func TestHandleParse_RateLimited(t *testing.T) {
	server, _ := newTestServer(t, time.Hour)

	body, _ := json.Marshal(map[string]any{"message": sampleORU, "use_ai": true})

	first := doJSON(t, server, http.MethodPost, "/api/v1/oru/parse", string(body))
	require.Equal(t, http.StatusOK, first.Code)

	// Act: second AI request inside the cooldown.
	second := doJSON(t, server, http.MethodPost, "/api/v1/oru/parse", string(body))

	// Assert
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	var result domain.ProcessResult
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &result))
	assert.Equal(t, domain.SummaryRuleBased, result.Summary.Source)
	require.NotNil(t, result.RateLimit)
	assert.Greater(t, result.RateLimit.RetryAfterSeconds, 0)
}

func TestMessageEndpoints(t *testing.T) {
	server, _ := newTestServer(t, time.Second)

	body, _ := json.Marshal(map[string]any{"message": sampleORU, "persist": true})
	require.Equal(t, http.StatusOK, doJSON(t, server, http.MethodPost, "/api/v1/oru/parse", string(body)).Code)

	// List
	rec := doJSON(t, server, http.MethodGet, "/api/v1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp struct {
		Messages []json.RawMessage `json:"messages"`
		Total    int64             `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Equal(t, int64(1), listResp.Total)
	assert.Len(t, listResp.Messages, 1)

	// Get
	rec = doJSON(t, server, http.MethodGet, "/api/v1/messages/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "12345")

	// Observations
	rec = doJSON(t, server, http.MethodGet, "/api/v1/messages/1/observations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "2345-7")

	// Not found
	rec = doJSON(t, server, http.MethodGet, "/api/v1/messages/99", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Invalid id
	rec = doJSON(t, server, http.MethodGet, "/api/v1/messages/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Delete all
	rec = doJSON(t, server, http.MethodDelete, "/api/v1/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/messages", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Equal(t, int64(0), listResp.Total)
}

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer(t, time.Second)

	rec := doJSON(t, server, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
