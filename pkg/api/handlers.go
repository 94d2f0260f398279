package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tomaslejdung/liveclass/pkg/control"
	"github.com/tomaslejdung/liveclass/pkg/device"
	"github.com/tomaslejdung/liveclass/pkg/screenshare"
	"github.com/tomaslejdung/liveclass/pkg/session"
	"github.com/tomaslejdung/liveclass/pkg/signal"
)

type sessionHandler struct {
	hub      *signal.Server
	sessions *session.Registry
	devices  *device.Registry
	store    SessionStore
	logger   *slog.Logger
}

// sessionSnapshot is a session plus its live connection count
type sessionSnapshot struct {
	session.LiveSession
	Connections int `json:"connections"`
}

// CreateSession schedules a new session
func (h *sessionHandler) CreateSession(c *gin.Context) {
	var input struct {
		ID           string            `json:"id"`
		TeacherID    string            `json:"teacherId" binding:"required"`
		ClassID      string            `json:"classId"`
		TenantID     string            `json:"tenantId"`
		Title        string            `json:"title"`
		ScheduledFor *time.Time        `json:"scheduledFor"`
		Settings     *session.Settings `json:"settings"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_error"})
		return
	}

	ls := session.LiveSession{
		ID:        input.ID,
		TeacherID: input.TeacherID,
		ClassID:   input.ClassID,
		TenantID:  input.TenantID,
		Title:     input.Title,
		Settings:  session.DefaultSettings(),
	}
	if input.ScheduledFor != nil {
		ls.ScheduledFor = input.ScheduledFor.UTC()
	}
	if input.Settings != nil {
		ls.Settings = *input.Settings
	}

	created, err := h.sessions.Create(ls)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.store != nil {
		if err := h.store.Save(c.Request.Context(), created); err != nil {
			h.logger.Error("persist new session", "session", created.ID, "error", err)
		}
	}
	h.logger.Info("session scheduled", "session", created.ID, "teacher", created.TeacherID)
	c.JSON(http.StatusCreated, created)
}

// GetSession returns a live session, or the stored record once archived
func (h *sessionHandler) GetSession(c *gin.Context) {
	id := c.Param("id")
	ls, err := h.sessions.Get(id)
	if errors.Is(err, session.ErrSessionNotFound) && h.store != nil {
		ls, err = h.store.Load(c.Request.Context(), id)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionSnapshot{
		LiveSession: ls,
		Connections: h.hub.ConnectionCount(id),
	})
}

// UpdateStatus applies a lifecycle event, given directly or as a target status
func (h *sessionHandler) UpdateStatus(c *gin.Context) {
	id := c.Param("id")
	var input struct {
		Event  session.Event  `json:"event"`
		Status session.Status `json:"status"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_error"})
		return
	}
	if input.Event == "" && input.Status == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event or status is required", "code": "validation_error"})
		return
	}

	current, err := h.sessions.Get(id)
	if err != nil {
		// archived sessions can no longer move
		if errors.Is(err, session.ErrSessionNotFound) && h.store != nil {
			if stored, loadErr := h.store.Load(c.Request.Context(), id); loadErr == nil && stored.Status == session.StatusEnded {
				err = session.ErrInvalidStateTransition
			}
		}
		writeError(c, err)
		return
	}

	ev := input.Event
	if ev == "" {
		var ok bool
		if ev, ok = session.EventFor(current.Status, input.Status); !ok {
			writeError(c, session.ErrInvalidStateTransition)
			return
		}
	}

	status, err := h.sessions.Transition(id, ev)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       id,
		"status":   status,
		"previous": current.Status,
		"event":    ev,
	})
}

// SendCommand dispatches a control command; without a target it goes to
// every student device
func (h *sessionHandler) SendCommand(c *gin.Context) {
	id := c.Param("id")
	var input struct {
		TargetDeviceID string          `json:"targetDeviceId"`
		Action         string          `json:"action" binding:"required"`
		Data           json.RawMessage `json:"data"`
		IssuedBy       string          `json:"issuedBy"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation_error"})
		return
	}

	ls, err := h.sessions.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	issuedBy := strings.TrimSpace(input.IssuedBy)
	if issuedBy == "" {
		issuedBy = ls.TeacherID
	}

	cmd, err := control.NewCommand(id, input.TargetDeviceID, input.Action, input.Data, issuedBy)
	if err != nil {
		writeError(c, err)
		return
	}
	results, err := h.hub.Command(c.Request.Context(), cmd)
	if err != nil {
		c.JSON(statusFor(err), gin.H{
			"error":   err.Error(),
			"code":    signal.ErrorCode(err),
			"results": results,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": cmd.Action, "results": results})
}

// GetParticipants lists who is connected right now
func (h *sessionHandler) GetParticipants(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.sessions.Get(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": h.hub.Participants(id)})
}

// GetDevices lists every device known in the session, including
// disconnected ones
func (h *sessionHandler) GetDevices(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.sessions.Get(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": h.devices.ListBySession(id)})
}

// GetScreenShare returns the active share, if any
func (h *sessionHandler) GetScreenShare(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.sessions.Get(id); err != nil {
		writeError(c, err)
		return
	}
	share, ok := h.hub.Screens().Active(id)
	if !ok {
		c.JSON(http.StatusOK, screenshare.Share{SessionID: id, Viewers: []string{}})
		return
	}
	c.JSON(http.StatusOK, share)
}

func writeError(c *gin.Context, err error) {
	code := signal.ErrorCode(err)
	if errors.Is(err, session.ErrSessionExists) {
		code = "already_exists"
	}
	c.JSON(statusFor(err), gin.H{"error": err.Error(), "code": code})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, device.ErrDeviceNotFound),
		errors.Is(err, control.ErrDeviceUnreachable),
		errors.Is(err, screenshare.ErrNoActiveShare):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidStateTransition),
		errors.Is(err, session.ErrSessionExists),
		errors.Is(err, screenshare.ErrAlreadySharing):
		return http.StatusConflict
	case errors.Is(err, control.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, signal.ErrForbidden):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
