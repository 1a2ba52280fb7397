package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"pbxlink/internal/events"
	"pbxlink/internal/journal"
	"pbxlink/internal/session"
	"pbxlink/pkg/logger"

	"github.com/gin-gonic/gin"
)

// SessionView is what the status API reads from the session controller.
type SessionView interface {
	Snapshot() session.Snapshot
	Endpoints() map[string]string
}

// JournalReader lists journaled events.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Record, error)
}

// Handlers groups the status API handlers. They only read state; nothing
// here changes the session.
type Handlers struct {
	Session SessionView
	Events  *events.Recorder
	Journal JournalReader
}

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Health answers 200 while the session is open and 503 otherwise, so a
// supervisor can restart a bridge that lost its session.
func (h Handlers) Health(c *gin.Context) {
	if h.Session == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	snap := h.Session.Snapshot()
	if snap.State != session.StateOpen {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "session": snap.State})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session": snap.State, "polling": snap.Polling})
}

func (h Handlers) GetSession(c *gin.Context) {
	if h.Session == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session not configured"})
		return
	}
	c.JSON(http.StatusOK, h.Session.Snapshot())
}

func (h Handlers) ListServices(c *gin.Context) {
	if h.Session == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": h.Session.Endpoints()})
}

type eventView struct {
	Name       string          `json:"event_name"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ListEvents returns the most recent events held in memory, oldest first.
func (h Handlers) ListEvents(c *gin.Context) {
	if h.Events == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "event recording disabled"})
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	recent := h.Events.Recent(limit)
	out := make([]eventView, 0, len(recent))
	for _, e := range recent {
		out = append(out, eventView{Name: e.Name, ReceivedAt: e.ReceivedAt, Payload: e.Raw})
	}
	c.JSON(http.StatusOK, gin.H{"total": h.Events.Total(), "events": out})
}

// ListJournal returns journaled events, newest first.
func (h Handlers) ListJournal(c *gin.Context) {
	if h.Journal == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	recs, err := h.Journal.Recent(c.Request.Context(), limit)
	if err != nil {
		logger.FromGin(c).Error("journal read failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "journal read failed"})
		return
	}
	if recs == nil {
		recs = []journal.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}

// Register mounts the handlers on r.
func Register(r gin.IRouter, h Handlers) {
	r.GET("/healthz", h.Health)

	v1 := r.Group("/v1")
	{
		v1.GET("/session", h.GetSession)
		v1.GET("/services", h.ListServices)
		v1.GET("/events", h.ListEvents)
		v1.GET("/journal", h.ListJournal)
	}
}
