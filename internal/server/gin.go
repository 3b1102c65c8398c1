package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sevir/cowork/internal/orchestrator"
	"github.com/sevir/cowork/internal/store"
	"github.com/sevir/cowork/pkg/models"
)

// Handler returns the HTTP surface.
func (s *Server) Handler() http.Handler {
	return s.newGinEngine()
}

func (s *Server) newGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	{
		api.GET("/version", s.handleAPIVersion)
		api.GET("/tasks", s.handleAPITasksList)
		api.GET("/tasks/:id", s.handleAPITaskGet)
		api.DELETE("/tasks/:id", s.handleAPITaskDelete)
		api.POST("/commands", s.handleAPICommand)
		api.GET("/events", s.handleAPIEvents)
	}

	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"running": s.orchestrator.RunningCount(),
	})
}

func (s *Server) handleAPIVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"commit":  s.commit,
	})
}

func (s *Server) handleAPITasksList(c *gin.Context) {
	statuses, err := parseStatusQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = v
	}

	history, err := s.orchestrator.History(store.ListFilter{Status: statuses, Limit: limit})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	items := make([]models.TaskSummary, 0, len(history))
	for _, t := range history {
		items = append(items, t.ToSummary())
	}

	c.JSON(http.StatusOK, gin.H{
		"running": s.orchestrator.Tasks(),
		"tasks":   items,
	})
}

func (s *Server) handleAPITaskGet(c *gin.Context) {
	task, err := s.orchestrator.GetTask(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleAPITaskDelete(c *gin.Context) {
	err := s.orchestrator.DeleteTask(c.Param("id"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, orchestrator.ErrTaskRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// handleAPICommand accepts the same envelope as the stdio protocol. The
// outcome is reported on the event stream.
func (s *Server) handleAPICommand(c *gin.Context) {
	var cmd Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if cmd.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type is required"})
		return
	}

	s.Dispatch(c.Request.Context(), cmd)
	c.JSON(http.StatusAccepted, gin.H{"accepted": cmd.Type})
}

// handleAPIEvents streams the outbound events as server-sent events.
func (s *Server) handleAPIEvents(c *gin.Context) {
	ch := s.subscribe()
	defer s.unsubscribe(ch)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("connected", gin.H{"version": s.version})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case data := <-ch:
			c.SSEvent("message", string(data))
			return true
		}
	})
}

func parseStatusQuery(c *gin.Context) ([]models.TaskStatus, error) {
	raw := c.QueryArray("status")
	if len(raw) == 1 && strings.Contains(raw[0], ",") {
		raw = strings.Split(raw[0], ",")
	}

	var statuses []models.TaskStatus
	for _, part := range raw {
		st := models.TaskStatus(strings.TrimSpace(part))
		if st == "" {
			continue
		}
		if !models.ValidStatus(st) {
			return nil, &apiError{msg: "invalid status: " + string(st)}
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

type apiError struct{ msg string }

func (e *apiError) Error() string { return e.msg }
