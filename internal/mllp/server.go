// Package mllp implements the Minimal Lower Layer Protocol listener: the TCP
// framing labs use to push HL7 v2 messages. Each framed message runs through
// the pipeline with persistence on, and the sender gets an AA or AE
// acknowledgment back on the same connection.
package mllp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oru-fhir-bridge/internal/service"
	"github.com/oru-fhir-bridge/pkg/hl7"
)

// MLLP framing bytes.
const (
	startBlock = 0x0b // VT
	endBlock   = 0x1c // FS
	carriage   = 0x0d // CR
)

const readTimeout = 5 * time.Minute

// Server accepts MLLP connections and feeds messages into the pipeline.
type Server struct {
	addr     string
	pipeline *service.Pipeline
	log      *logrus.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates an MLLP server bound to host:port once started.
func NewServer(host string, port int, pipeline *service.Pipeline, logger *logrus.Logger) *Server {
	return &Server{
		addr:     fmt.Sprintf("%s:%d", host, port),
		pipeline: pipeline,
		log:      logger,
	}
}

// Addr returns the bound listener address, or nil before Start. Useful when
// the server was started on port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens and serves until the context is cancelled. Each connection is
// handled on its own goroutine; in-flight handlers finish before Start
// returns.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.WithField("addr", s.addr).Info("MLLP listener started")

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.WithError(err).Warn("MLLP accept failed")
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	wg.Wait()
	return nil
}

// handleConn reads framed messages off one connection until EOF or shutdown.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	log := s.log.WithField("remote", remote)
	reader := bufio.NewReader(conn)

	for {
		if ctx.Err() != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		frame, err := readFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Debug("MLLP connection closed")
			}
			return
		}

		ack := s.process(ctx, string(frame), log)
		conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		if _, err := conn.Write(wrapFrame(ack)); err != nil {
			log.WithError(err).Warn("Writing MLLP ACK failed")
			return
		}
	}
}

// process runs one message through the pipeline and builds the ACK. The AI
// summary is skipped on this path: MLLP senders expect an acknowledgment
// promptly and never read the summary anyway.
func (s *Server) process(ctx context.Context, raw string, log *logrus.Entry) string {
	header := headerFor(raw)

	_, err := s.pipeline.Process(ctx, raw, service.Options{Persist: true})
	if err != nil {
		log.WithError(err).Warn("MLLP message rejected")
		return hl7.BuildAck(header, hl7.AckError, err.Error())
	}

	return hl7.BuildAck(header, hl7.AckAccept, "")
}

// headerFor extracts the MSH metadata for ACK construction, tolerating
// messages too broken to parse.
func headerFor(raw string) *hl7.MSH {
	if msg, err := hl7.Parse(raw); err == nil {
		if msh := msg.ParseMSH(); msh != nil {
			return msh
		}
	}
	return &hl7.MSH{}
}

// readFrame consumes one <VT>payload<FS><CR> frame. Bytes before the start
// block are discarded.
func readFrame(r *bufio.Reader) ([]byte, error) {
	if _, err := r.ReadBytes(startBlock); err != nil {
		return nil, err
	}

	payload, err := r.ReadBytes(endBlock)
	if err != nil {
		return nil, err
	}
	payload = bytes.TrimSuffix(payload, []byte{endBlock})

	// Trailing CR after the end block.
	if b, err := r.Peek(1); err == nil && b[0] == carriage {
		r.Discard(1)
	}

	return payload, nil
}

func wrapFrame(payload string) []byte {
	out := make([]byte, 0, len(payload)+3)
	out = append(out, startBlock)
	out = append(out, payload...)
	out = append(out, endBlock, carriage)
	return out
}
