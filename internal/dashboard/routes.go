package dashboard

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/roundhouse/internal/agent"
	"github.com/zulandar/roundhouse/internal/cron"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/orcherr"
	"github.com/zulandar/roundhouse/internal/task"
)

const defaultMessageLimit = 100

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, d Deps) {
	api := router.Group("/api")

	api.GET("/sessions", handleSessions(d))
	api.GET("/sessions/:id", handleSessionDetail(d))
	api.GET("/channels/:id/messages", handleChannelMessages(d))
	api.GET("/tasks", handleTasks(d))
	api.GET("/tasks/queue", handleTaskQueue(d))
	api.GET("/agents", handleAgents(d))
	api.GET("/heartbeats", handleHeartbeats(d))
	api.GET("/handoffs", handleHandoffs(d))
	api.GET("/cron/next", handleCronNext())

	api.GET("/events", handleSSE(d.Bus))
}

// respondError maps domain errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orcherr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orcherr.ErrInvalidOperation),
		errors.Is(err, orcherr.ErrInvalidCronExpression),
		errors.Is(err, orcherr.ErrComputationExceeded),
		errors.Is(err, orcherr.ErrValidationFailed):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func handleSessions(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions, err := d.Sessions.ListSessions(c.Request.Context(), models.SessionStatus(c.Query("status")))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

func handleSessionDetail(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		sess, err := d.Sessions.GetSession(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		channels, err := d.Channels.ListChannels(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		history, err := d.Sessions.History(ctx, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session":  sess,
			"channels": channels,
			"history":  history,
		})
	}
}

func handleChannelMessages(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := queryInt(c, "limit", defaultMessageLimit)
		if !ok {
			return
		}
		msgs, err := d.Channels.GetMessages(c.Request.Context(), c.Param("id"), limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

func handleTasks(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := queryInt(c, "limit", 0)
		if !ok {
			return
		}
		tasks, err := d.Tasks.List(c.Request.Context(), task.Filter{
			Status:          models.TaskStatus(c.Query("status")),
			Priority:        models.TaskPriority(c.Query("priority")),
			AssignedAgentID: c.Query("agent"),
			PersonaType:     c.Query("persona"),
			Limit:           limit,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks})
	}
}

func handleTaskQueue(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, ok := queryInt(c, "limit", 0)
		if !ok {
			return
		}
		tasks, err := d.Tasks.GetQueuedTasks(c.Request.Context(), limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"tasks": tasks})
	}
}

func handleAgents(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		agents, err := d.Agents.List(c.Request.Context(), agent.Filter{
			Status:      models.AgentStatus(c.Query("status")),
			PersonaType: c.Query("persona"),
			ChannelID:   c.Query("channel"),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"agents": agents})
	}
}

func handleHeartbeats(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		hbs, err := d.Heartbeats.List(c.Request.Context(), c.Query("user"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"heartbeats": hbs})
	}
}

func handleHandoffs(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if agentID := c.Query("agent"); agentID != "" {
			c.JSON(http.StatusOK, gin.H{"handoffs": d.Sessions.GetPendingHandoffsForAgent(agentID)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"handoffs": d.Sessions.PendingHandoffs()})
	}
}

// handleCronNext reports the next occurrences of a cron expression.
func handleCronNext() gin.HandlerFunc {
	return func(c *gin.Context) {
		expr := c.Query("expr")
		if expr == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expr is required"})
			return
		}
		count, ok := queryInt(c, "count", 1)
		if !ok {
			return
		}
		if count < 1 || count > 50 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "count must be between 1 and 50"})
			return
		}
		from := time.Now().UTC()
		if raw := c.Query("from"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
				return
			}
			from = t
		}

		sched, err := cron.Parse(expr)
		if err != nil {
			respondError(c, err)
			return
		}
		desc, err := cron.Describe(expr)
		if err != nil {
			respondError(c, err)
			return
		}
		next := make([]time.Time, 0, count)
		for n := 0; n < count; n++ {
			t, err := sched.Next(from)
			if err != nil {
				respondError(c, err)
				return
			}
			next = append(next, t)
			from = t
		}
		c.JSON(http.StatusOK, gin.H{
			"expr":        expr,
			"description": desc,
			"next":        next,
		})
	}
}
