package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"fanout/internal/presence"
	"fanout/pkg/types"
)

const (
	defaultOnlineLimit  = 100
	defaultHistoryLimit = 20
	maxListLimit        = 1000
)

type onlineResponse struct {
	UserIDs []string `json:"user_ids"`
	Count   int64    `json:"count"`
}

type statusesResponse struct {
	Statuses map[string]*presence.Status `json:"statuses"`
}

type connectionsResponse struct {
	UserID          string     `json:"user_id"`
	Online          bool       `json:"online"`
	ConnectionCount int        `json:"connection_count"`
	LastTransition  *time.Time `json:"last_transition,omitempty"`
}

type historyResponse struct {
	UserID   string                     `json:"user_id"`
	Sessions []*types.ConnectionSession `json:"sessions"`
}

func (s *Server) getStatus(c *gin.Context) {
	userID, ok := s.userParam(c)
	if !ok {
		return
	}
	status, err := s.deps.Presence.GetStatus(c.Request.Context(), userID)
	if err != nil {
		s.storeUnavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// getStatuses serves GET /presence?user_ids=a,b,c.
func (s *Server) getStatuses(c *gin.Context) {
	var ids []string
	for _, id := range strings.Split(c.Query("user_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		s.badRequest(c, "user_ids is required")
		return
	}
	if len(ids) > s.opts.MaxBatch {
		s.badRequest(c, "too many user_ids, max "+strconv.Itoa(s.opts.MaxBatch))
		return
	}
	for _, id := range ids {
		if !types.IsValidUserID(id) {
			s.badRequest(c, "invalid user id: "+id)
			return
		}
	}

	statuses, err := s.deps.Presence.GetStatuses(c.Request.Context(), ids)
	if err != nil {
		s.storeUnavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, statusesResponse{Statuses: statuses})
}

func (s *Server) getOnline(c *gin.Context) {
	limit, ok := s.limitParam(c, defaultOnlineLimit)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	ids, err := s.deps.Presence.OnlineUserIDs(ctx, limit)
	if err != nil {
		s.storeUnavailable(c, err)
		return
	}
	count, err := s.deps.Presence.OnlineCount(ctx)
	if err != nil {
		s.storeUnavailable(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, onlineResponse{UserIDs: ids, Count: count})
}

// getConnections reports this process's view of a user, without the store.
func (s *Server) getConnections(c *gin.Context) {
	userID, ok := s.userParam(c)
	if !ok {
		return
	}
	resp := connectionsResponse{
		UserID:          userID,
		Online:          s.deps.Registry.IsOnline(userID),
		ConnectionCount: s.deps.Registry.ConnectionCountForUser(userID),
	}
	if at, ok := s.deps.Registry.LastTransition(userID); ok {
		resp.LastTransition = &at
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getHistory(c *gin.Context) {
	userID, ok := s.userParam(c)
	if !ok {
		return
	}
	if s.deps.Journal == nil {
		c.JSON(http.StatusNotFound, errorBody(c.GetString(requestIDKey), "journal_disabled", "connection journal is disabled"))
		return
	}
	limit, ok := s.limitParam(c, defaultHistoryLimit)
	if !ok {
		return
	}

	sessions, err := s.deps.Journal.RecentSessions(c.Request.Context(), userID, limit)
	if err != nil {
		LoggerFrom(c, s.logger).Error().Err(err).Str("user_id", userID).Msg("journal query failed")
		c.JSON(http.StatusInternalServerError, errorBody(c.GetString(requestIDKey), "internal_error", "journal query failed"))
		return
	}
	if sessions == nil {
		sessions = []*types.ConnectionSession{}
	}
	c.JSON(http.StatusOK, historyResponse{UserID: userID, Sessions: sessions})
}

type healthResponse struct {
	Status  string         `json:"status"`
	Stats   map[string]int `json:"stats"`
	Store   string         `json:"store"`
	Journal string         `json:"journal"`
}

// health reports 503 when the shared state store is unreachable. A failing
// journal only degrades the report.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Store: "ok", Journal: "disabled"}
	if s.deps.Registry != nil {
		resp.Stats = s.deps.Registry.GetStats()
	}

	// The process keeps serving through store or journal outages, so health
	// reports them as degraded with a 200.
	if s.deps.StoreCheck != nil {
		if err := s.deps.StoreCheck(ctx); err != nil {
			LoggerFrom(c, s.logger).Warn().Err(err).Msg("store health check failed")
			resp.Store = "degraded"
			resp.Status = "degraded"
		}
	}
	if s.deps.Journal != nil {
		resp.Journal = "ok"
		if err := s.deps.Journal.HealthCheck(ctx); err != nil {
			resp.Journal = "unavailable"
			resp.Status = "degraded"
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) userParam(c *gin.Context) (string, bool) {
	userID := c.Param("user_id")
	if !types.IsValidUserID(userID) {
		s.badRequest(c, types.ErrInvalidUserID.Error())
		return "", false
	}
	return userID, true
}

// limitParam parses ?limit=N within 1..maxListLimit.
func (s *Server) limitParam(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		s.badRequest(c, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
		return 0, false
	}
	return n, true
}

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorBody(c.GetString(requestIDKey), "bad_request", msg))
}

func (s *Server) storeUnavailable(c *gin.Context, err error) {
	LoggerFrom(c, s.logger).Warn().Err(err).Msg("presence store query failed")
	c.JSON(http.StatusServiceUnavailable, errorBody(c.GetString(requestIDKey), "store_unavailable", "presence store is unavailable"))
}
