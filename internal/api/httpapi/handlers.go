package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"reminderd/internal/reminder"
	"reminderd/internal/service"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

// Reminders is the operation set served over HTTP.
type Reminders interface {
	CreateReminder(ctx context.Context, requestText, requester, title string) (string, bool, error)
	HandleInbound(ctx context.Context, in service.InboundMessage) (string, bool, error)
	CancelReminder(ctx context.Context, id string) (bool, error)
	RescheduleReminder(ctx context.Context, id string, newDue time.Time) (bool, error)
	RevertReminder(ctx context.Context, id string) (bool, error)
	ListActiveReminders(ctx context.Context, requester string) ([]reminder.Summary, error)
	GetReminderStatistics(ctx context.Context) (reminder.Statistics, error)
	GetReminder(ctx context.Context, id string) (reminder.Reminder, error)
}

type createRequest struct {
	RequestText string `json:"request_text" binding:"required"`
	Requester   string `json:"requester" binding:"required"`
	Title       string `json:"title"`
}

type rescheduleRequest struct {
	Due time.Time `json:"due" binding:"required"`
}

type inboundRequest struct {
	Sender   string `json:"sender" binding:"required"`
	Subject  string `json:"subject"`
	Body     string `json:"body" binding:"required"`
	ThreadID string `json:"thread_id"`
}

const noTimeFound = "no acceptable reminder time found in request"

func (s *Server) healthz(c *gin.Context) {
	if s.Health != nil {
		if err := s.Health(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) createReminder(c *gin.Context) {
	var in createRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "invalid input: "+err.Error())
		return
	}
	id, ok, err := s.api.CreateReminder(c.Request.Context(), in.RequestText, in.Requester, in.Title)
	if err != nil {
		s.fail(c, "create reminder", err)
		return
	}
	if !ok {
		respondError(c, http.StatusUnprocessableEntity, noTimeFound)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) inbound(c *gin.Context) {
	var in inboundRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "invalid input: "+err.Error())
		return
	}
	id, ok, err := s.api.HandleInbound(c.Request.Context(), service.InboundMessage{
		Sender:   in.Sender,
		Subject:  in.Subject,
		Body:     in.Body,
		ThreadID: in.ThreadID,
	})
	if err != nil {
		s.fail(c, "inbound", err)
		return
	}
	if !ok {
		respondError(c, http.StatusUnprocessableEntity, noTimeFound)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) listReminders(c *gin.Context) {
	list, err := s.api.ListActiveReminders(c.Request.Context(), c.Query("requester"))
	if err != nil {
		s.fail(c, "list reminders", err)
		return
	}
	if list == nil {
		list = []reminder.Summary{}
	}
	c.JSON(http.StatusOK, gin.H{"reminders": list})
}

func (s *Server) getReminder(c *gin.Context) {
	r, err := s.api.GetReminder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "get reminder", err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) cancelReminder(c *gin.Context) {
	ok, err := s.api.CancelReminder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "cancel reminder", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": ok})
}

func (s *Server) rescheduleReminder(c *gin.Context) {
	var in rescheduleRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		respondError(c, http.StatusBadRequest, "invalid input: "+err.Error())
		return
	}
	ok, err := s.api.RescheduleReminder(c.Request.Context(), c.Param("id"), in.Due)
	if err != nil {
		s.fail(c, "reschedule reminder", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rescheduled": ok})
}

func (s *Server) revertReminder(c *gin.Context) {
	ok, err := s.api.RevertReminder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "revert reminder", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reverted": ok})
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.api.GetReminderStatistics(c.Request.Context())
	if err != nil {
		s.fail(c, "statistics", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// fail maps service errors onto status codes. Unexpected errors are logged
// and their text is not echoed.
func (s *Server) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		respondError(c, http.StatusNotFound, "reminder not found")
	default:
		s.log.Error("http "+op+" failed", logx.ReminderID(c.Param("id")), logx.Err(err))
		respondError(c, http.StatusInternalServerError, op+" failed")
	}
}

func respondError(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
