package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/oru-fhir-bridge/internal/domain"
	"github.com/oru-fhir-bridge/internal/service"
	"github.com/oru-fhir-bridge/pkg/hl7"
)

// parseRequest is the JSON body of the transformation endpoint. Raw text/plain
// bodies are also accepted, with use_ai and persist as query parameters.
type parseRequest struct {
	Message string `json:"message" binding:"required"`
	UseAI   bool   `json:"use_ai"`
	Persist bool   `json:"persist"`
}

// handleParse runs the pipeline over one ORU message. Rate-limited AI requests
// still return the full result (with the rule-based summary) but under a 429
// and a Retry-After header, so callers know the fallback is what they got.
func (s *Server) handleParse(c *gin.Context) {
	var req parseRequest

	if strings.HasPrefix(c.ContentType(), "application/json") {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	} else {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil || len(body) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty request body"})
			return
		}
		req.Message = string(body)
		req.UseAI = c.Query("use_ai") == "true"
		req.Persist = c.Query("persist") == "true"
	}

	result, err := s.pipeline.Process(c.Request.Context(), req.Message, service.Options{
		UseAI:   req.UseAI,
		Persist: req.Persist,
	})
	if err != nil {
		s.respondPipelineError(c, err)
		return
	}

	if result.RateLimit != nil {
		c.Header("Retry-After", strconv.Itoa(result.RateLimit.RetryAfterSeconds))
		c.JSON(http.StatusTooManyRequests, result)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) respondPipelineError(c *gin.Context, err error) {
	var formatErr *hl7.FormatError
	var missingErr *domain.MissingSegmentError

	switch {
	case errors.As(err, &formatErr), errors.As(err, &missingErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case c.Request.Context().Err() != nil && errors.Is(err, context.Canceled):
		// Client went away; status is moot but 499-style close is not in
		// net/http, so log and drop.
		s.log.WithError(err).Debug("Request cancelled by client")
		c.Abort()
	default:
		s.log.WithError(err).Error("Pipeline processing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal processing error"})
	}
}

func (s *Server) handleListMessages(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	records, total, err := s.store.List(c.Request.Context(), limit, offset)
	if err != nil {
		s.log.WithError(err).Error("Listing messages failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}

	if records == nil {
		records = []*domain.MessageRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": records,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleGetMessage(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	rec, err := s.store.Get(c.Request.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("Reading message failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read message"})
		return
	}

	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleGetObservations(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}

	observations, err := s.store.Observations(c.Request.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("Listing observations failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list observations"})
		return
	}

	if observations == nil {
		observations = []domain.Observation{}
	}
	c.JSON(http.StatusOK, gin.H{"message_id": id, "observations": observations})
}

func (s *Server) handleDeleteMessages(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}

	if err := s.store.DeleteAll(c.Request.Context()); err != nil {
		s.log.WithError(err).Error("Deleting messages failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) requireStore(c *gin.Context) bool {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence is not configured"})
		return false
	}
	return true
}
