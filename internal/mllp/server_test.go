package mllp

import (
	"bufio"
	"bytes"
	"context"
	"net"
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
	"OBX|1|NM|2345-7^Glucose||105|mg/dL|70-99|H|||F\r"

type memStore struct {
	records []*domain.MessageRecord
}

func (s *memStore) Save(_ context.Context, rec *domain.MessageRecord) (int64, error) {
	rec.ID = int64(len(s.records) + 1)
	s.records = append(s.records, rec)
	return rec.ID, nil
}

func (s *memStore) List(context.Context, int, int) ([]*domain.MessageRecord, int64, error) {
	return s.records, int64(len(s.records)), nil
}

func (s *memStore) Get(context.Context, int64) (*domain.MessageRecord, error) {
	return nil, domain.ErrNotFound
}

func (s *memStore) Observations(context.Context, int64) ([]domain.Observation, error) {
	return nil, domain.ErrNotFound
}

func (s *memStore) DeleteAll(context.Context) error { return nil }
func (s *memStore) Close() error                    { return nil }

func startTestServer(t *testing.T) (*Server, *memStore, context.CancelFunc) {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := &memStore{}
	summarizer := service.NewSummaryOrchestrator(nil, ratelimit.NewCooldownLimiter(time.Second), nil, time.Second, logger)
	pipeline := service.NewPipeline(
		service.NewMessageBuilder(logger),
		service.NewBundleMapper(),
		summarizer,
		store,
		logger,
	)

	server := NewServer("127.0.0.1", 0, pipeline, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go server.Start(ctx)

	// Wait for the listener to bind.
	require.Eventually(t, func() bool { return server.Addr() != nil }, time.Second, 5*time.Millisecond)

	return server, store, cancel
}

func sendFrame(t *testing.T, addr net.Addr, payload string) string {
	t.Helper()

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(wrapFrame(payload))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ack, err := readFrame(bufio.NewReader(conn))
	require.NoError(t, err)
	return string(ack)
}

func TestMLLP_AcceptsValidMessage(t *testing.T) {
	server, store, cancel := startTestServer(t)
	defer cancel()

	// Act
	ack := sendFrame(t, server.Addr(), sampleORU)

	// Assert
	assert.Contains(t, ack, "MSA|AA|MSG001")
	require.Len(t, store.records, 1)
	assert.Equal(t, "12345", store.records[0].Patient.ID)
}

func TestMLLP_RejectsMessageWithoutPID(t *testing.T) {
	server, store, cancel := startTestServer(t)
	defer cancel()

	raw := "MSH|^~\\&|LAB|ACME|EHR|CITY|20240101||ORU^R01|C77|P|2.5.1\r"

	ack := sendFrame(t, server.Addr(), raw)

	assert.Contains(t, ack, "MSA|AE|C77")
	assert.Contains(t, ack, "PID")
	assert.Empty(t, store.records)
}

func TestMLLP_RejectsGarbage(t *testing.T) {
	server, store, cancel := startTestServer(t)
	defer cancel()

	ack := sendFrame(t, server.Addr(), "this is not hl7")

	assert.Contains(t, ack, "MSA|AE|")
	assert.Empty(t, store.records)
}

func TestMLLP_MultipleMessagesOneConnection(t *testing.T) {
	server, store, cancel := startTestServer(t)
	defer cancel()

	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for i := 0; i < 3; i++ {
		_, err = conn.Write(wrapFrame(sampleORU))
		require.NoError(t, err)

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		ack, err := readFrame(reader)
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(ack), "MSA|AA"))
	}

	assert.Len(t, store.records, 3)
}

func TestFrameCodec(t *testing.T) {
	framed := wrapFrame("MSH|^~\\&|test")

	assert.Equal(t, byte(startBlock), framed[0])
	assert.Equal(t, byte(carriage), framed[len(framed)-1])
	assert.Equal(t, byte(endBlock), framed[len(framed)-2])

	payload, err := readFrame(bufio.NewReader(bytes.NewReader(framed)))
	require.NoError(t, err)
	assert.Equal(t, "MSH|^~\\&|test", string(payload))
}

func TestReadFrame_DiscardsLeadingNoise(t *testing.T) {
	data := append([]byte("noise"), wrapFrame("payload")...)

	payload, err := readFrame(bufio.NewReader(bytes.NewReader(data)))

	require.NoError(t, err)
	assert.Equal(t, "payload", string(payload))
}
