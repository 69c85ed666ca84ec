package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lowkeylabs/crossyield/internal/config"
	"github.com/lowkeylabs/crossyield/internal/history"
)

var startTime = time.Now()

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "crossyield",
		"version": config.Version,
		"status":  "running",
		"uptime":  time.Since(startTime).Seconds(),
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.sources.Health == nil {
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC(),
		})
		return
	}

	healthy, components := s.sources.Health.Health()
	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":     status,
		"components": components,
		"time":       time.Now().UTC(),
	})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	if s.sources.Market == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "market data not available"})
		return
	}
	snap := s.sources.Market.CurrentSnapshot()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no market snapshot yet"})
		return
	}

	market, err := snap.CanonicalJSON()
	if err != nil {
		s.log.Error().Err(err).Msg("snapshot encoding failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot encoding failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"taken_at": snap.TakenAt,
		"market":   json.RawMessage(market),
	})
}

func (s *Server) handleLatestDecision(c *gin.Context) {
	if s.sources.Decisions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decisions not available"})
		return
	}
	d := s.sources.Decisions.Latest()
	if d == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no decision yet"})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.sources.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history not available"})
		return
	}
	limit, ok := parseLimit(c, 50)
	if !ok {
		return
	}

	records, err := s.sources.History.List(c.Request.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("history list failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"total":   len(records),
	})
}

func (s *Server) handleHistoryRecord(c *gin.Context) {
	if s.sources.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history not available"})
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}

	rec, err := s.sources.History.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		s.log.Error().Err(err).Str("id", id.String()).Msg("history get failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load record"})
		return
	}

	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleMessages(c *gin.Context) {
	if s.sources.Messages == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "orchestrator not available"})
		return
	}
	msgs := s.sources.Messages.InFlightMessages()
	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"total":    len(msgs),
	})
}

func (s *Server) handleFeed(c *gin.Context) {
	if s.sources.Market == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "market data not available"})
		return
	}
	entries := s.sources.Market.LiveFeed()
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   len(entries),
	})
}

func (s *Server) handleUpkeeps(c *gin.Context) {
	if s.sources.Upkeeps == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upkeep engine not available"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"upkeeps": s.sources.Upkeeps.Upkeeps(),
	})
}

func (s *Server) handlePauseUpkeep(c *gin.Context) {
	if s.sources.Upkeeps == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upkeep engine not available"})
		return
	}
	id := c.Param("id")
	if err := s.sources.Upkeeps.Pause(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.log.Info().Str("upkeep", id).Msg("upkeep paused via api")
	c.JSON(http.StatusOK, gin.H{"id": id, "paused": true})
}

func (s *Server) handleResumeUpkeep(c *gin.Context) {
	if s.sources.Upkeeps == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upkeep engine not available"})
		return
	}
	id := c.Param("id")
	if err := s.sources.Upkeeps.Resume(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.log.Info().Str("upkeep", id).Msg("upkeep resumed via api")
	c.JSON(http.StatusOK, gin.H{"id": id, "paused": false})
}
