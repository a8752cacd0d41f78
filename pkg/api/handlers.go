package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"

	"github.com/snapmatch-ai/snapmatch/pkg/embedding"
	"github.com/snapmatch-ai/snapmatch/pkg/fingerprint"
)

const healthProbeTimeout = 2 * time.Second

// readImage pulls the raw image bytes out of the request body. It
// writes the error response itself and reports ok=false on failure.
func (s *Server) readImage(c *gin.Context) (image []byte, contentType string, ok bool) {
	reader := http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxImageBytes)
	image, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("image exceeds %d bytes", s.cfg.MaxImageBytes),
			})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		}
		return nil, "", false
	}
	if len(image) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must carry the image bytes"})
		return nil, "", false
	}
	return image, c.GetHeader("Content-Type"), true
}

// handleSearch resolves the posted image and returns its nearest
// neighbors. top_k narrows or widens the result set.
func (s *Server) handleSearch(c *gin.Context) {
	image, contentType, ok := s.readImage(c)
	if !ok {
		return
	}

	topK := 0
	if raw := c.Query("top_k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "top_k must be a positive integer"})
			return
		}
		topK = parsed
	}

	matches, err := s.deps.Service.Search(c.Request.Context(), image, contentType, topK)
	if err != nil {
		s.respondError(c, err, "search failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"matches": matches,
		"count":   len(matches),
	})
}

// handleIndex resolves the posted image and upserts it into the index.
// The vector stays out of the response; callers only need the key.
func (s *Server) handleIndex(c *gin.Context) {
	image, contentType, ok := s.readImage(c)
	if !ok {
		return
	}

	res, err := s.deps.Service.IndexImage(c.Request.Context(), image, contentType)
	if err != nil {
		s.respondError(c, err, "index failed")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"request_id":  res.RequestID,
		"fingerprint": res.Fingerprint.String(),
		"source":      res.Source,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Service.Stats())
}

// handleHealth reports per-component health. A degraded Tier 2 or an
// open breaker leaves the service serving (status 200, "degraded"); an
// unreachable vector index does not (503).
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	status := http.StatusOK
	overall := "ok"
	components := gin.H{}

	if s.deps.Cache != nil {
		switch {
		case s.deps.Cache.Degraded():
			components["tier2_cache"] = "degraded"
			overall = "degraded"
		case s.deps.Cache.Ping(ctx) != nil:
			components["tier2_cache"] = "unreachable"
			overall = "degraded"
		default:
			components["tier2_cache"] = "ok"
		}
	}

	if s.deps.Index != nil {
		if err := s.deps.Index.Ping(ctx); err != nil {
			components["vector_index"] = "unreachable"
			overall = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			components["vector_index"] = "ok"
		}
	}

	if s.deps.Breaker != nil {
		state := s.deps.Breaker.BreakerState()
		components["embedding_breaker"] = state.String()
		if state == gobreaker.StateOpen && overall == "ok" {
			overall = "degraded"
		}
	}

	c.JSON(status, gin.H{
		"status":     overall,
		"components": components,
	})
}

func (s *Server) respondError(c *gin.Context, err error, msg string) {
	status := statusFromError(err)
	fields := map[string]interface{}{
		"error":      err.Error(),
		"status":     status,
		"request_id": c.GetString("request_id"),
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, fields)
	} else {
		s.logger.Warn(msg, fields)
	}
	c.JSON(status, gin.H{
		"error":      err.Error(),
		"request_id": c.GetString("request_id"),
	})
}

// statusFromError maps pipeline errors onto HTTP statuses using the
// embedding client's error taxonomy.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, fingerprint.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, embedding.ErrPoolExhausted),
		errors.Is(err, embedding.ErrTransientUpstream):
		return http.StatusServiceUnavailable
	case errors.Is(err, embedding.ErrNonTransientUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
