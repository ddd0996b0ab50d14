package api

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"market-intel-bot/internal/analyzer"
	"market-intel-bot/internal/buffer"
	"market-intel-bot/internal/cache"
	"market-intel-bot/internal/signal"
)

// statsPayload is the aggregate dashboard snapshot.
type statsPayload struct {
	FeedConnected  bool                             `json:"feed_connected"`
	WSClients      int                              `json:"ws_clients"`
	TrackedSymbols []string                         `json:"tracked_symbols"`
	Buffers        buffer.Stats                     `json:"buffers"`
	Drops          map[string]int64                 `json:"drops"`
	Producers      map[string]signal.ProducerRecord `json:"producers"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"feed_connected": s.feed != nil && s.feed.Connected(),
		"ts":             time.Now().UTC(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	successResponse(c, s.statsPayload(c.Request.Context()))
}

func (s *Server) statsPayload(ctx context.Context) statsPayload {
	var payload statsPayload
	if s.cached(ctx, cache.KeyStats, &payload) {
		return payload
	}

	payload = statsPayload{
		FeedConnected:  s.feed != nil && s.feed.Connected(),
		WSClients:      s.hub.ClientCount(),
		TrackedSymbols: s.buffers.TrackedSymbols(),
		Buffers:        s.buffers.Stats(),
		Drops:          s.validator.Drops(),
		Producers:      s.scorer.Records(),
	}
	s.cacheSet(ctx, cache.KeyStats, payload)
	return payload
}

func (s *Server) handleOrderFlow(c *gin.Context) {
	successResponse(c, s.orderFlowPayload(c.Request.Context()))
}

func (s *Server) orderFlowPayload(ctx context.Context) map[string]analyzer.Summary {
	var payload map[string]analyzer.Summary
	if s.cached(ctx, fmt.Sprintf(cache.KeyOrderFlow, "all"), &payload) {
		return payload
	}

	now := time.Now()
	payload = make(map[string]analyzer.Summary)
	for _, sym := range s.buffers.TrackedSymbols() {
		payload[sym] = s.flow.Summarize(sym, now)
	}
	s.cacheSet(ctx, fmt.Sprintf(cache.KeyOrderFlow, "all"), payload)
	return payload
}

func (s *Server) handleSignals(c *gin.Context) {
	successResponse(c, s.pipe.Recent())
}

// handleExport streams persisted signals with outcomes as CSV. ?hours bounds
// the lookback, default 24.
func (s *Server) handleExport(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		errorResponse(c, http.StatusBadRequest, "invalid hours parameter")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.repo.ListSignals(c.Request.Context(), since, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "export query failed")
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition",
		fmt.Sprintf(`attachment; filename="signals_%s.csv"`, time.Now().Format("20060102_150405")))

	w := csv.NewWriter(c.Writer)
	w.Write([]string{"id", "ts", "symbol", "type", "direction", "entry", "stop",
		"target", "confidence", "tier", "priority", "context", "outcome", "pct_to_target"})
	for _, row := range rows {
		w.Write([]string{
			row.ID,
			row.TS.UTC().Format(time.RFC3339),
			row.Symbol,
			row.Type,
			row.Direction,
			row.Entry,
			row.Stop,
			row.Target,
			strconv.FormatFloat(row.Confidence, 'f', 2, 64),
			strconv.Itoa(row.Tier),
			row.Priority,
			row.Context,
			row.Outcome,
			strconv.FormatFloat(row.PctToTarget, 'f', 4, 64),
		})
	}
	w.Flush()
}

func (s *Server) handleListCoins(c *gin.Context) {
	successResponse(c, s.coins.List())
}

func (s *Server) handleAddCoin(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "symbol is required")
		return
	}
	if err := s.coins.Add(c.Request.Context(), req.Symbol); err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	successResponse(c, s.coins.List())
}

func (s *Server) handleRemoveCoin(c *gin.Context) {
	if err := s.coins.Remove(c.Request.Context(), c.Param("symbol")); err != nil {
		errorResponse(c, http.StatusNotFound, err.Error())
		return
	}
	successResponse(c, s.coins.List())
}

func (s *Server) handleToggleCoin(c *gin.Context) {
	enabled, err := s.coins.Toggle(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		errorResponse(c, http.StatusNotFound, err.Error())
		return
	}
	successResponse(c, gin.H{"symbol": normalizeSymbol(c.Param("symbol")), "enabled": enabled})
}

// cached loads a payload from the snapshot cache; any cache failure means
// recompute.
func (s *Server) cached(ctx context.Context, key string, dst any) bool {
	if s.snapCache == nil {
		return false
	}
	return s.snapCache.GetJSON(ctx, key, dst) == nil
}

func (s *Server) cacheSet(ctx context.Context, key string, value any) {
	if s.snapCache == nil {
		return
	}
	s.snapCache.SetJSON(ctx, key, value)
}
