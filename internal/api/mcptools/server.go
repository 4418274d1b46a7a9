// Package mcptools exposes the reminder operations as MCP tools.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"reminderd/internal/reminder"
	"reminderd/internal/service"
	logx "reminderd/pkg/logx"
)

const (
	DefaultName = "reminderd"
	version     = "1.0.0"
)

// Reminders is the subset of the service the tools call.
type Reminders interface {
	CreateReminder(ctx context.Context, requestText, requester, title string) (string, bool, error)
	CancelReminder(ctx context.Context, id string) (bool, error)
	RescheduleReminder(ctx context.Context, id string, newDue time.Time) (bool, error)
	ListActiveReminders(ctx context.Context, requester string) ([]reminder.Summary, error)
	GetReminderStatistics(ctx context.Context) (reminder.Statistics, error)
}

type Server struct {
	mcp *server.MCPServer
	api Reminders
	log logx.Logger
}

func New(name string, api Reminders, log logx.Logger) *Server {
	if name == "" {
		name = DefaultName
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{api: api, log: log}
	s.mcp = server.NewMCPServer(name, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying server for a transport to serve.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

func (s *Server) registerTools() {
	s.mcp.AddTool(
		mcp.NewTool("create_reminder",
			mcp.WithDescription("Create a reminder from free text such as 'remind me in 3 days'. Returns the reminder id, or says no time was found."),
			mcp.WithString("request_text", mcp.Required(), mcp.Description("Text containing the time phrase")),
			mcp.WithString("requester", mcp.Required(), mcp.Description("Recipient address: email, tg:<chat>, sms:+<e164>")),
			mcp.WithString("title", mcp.Description("Short title; defaults to 'Follow-up requested'")),
		),
		s.handleCreate,
	)
	s.mcp.AddTool(
		mcp.NewTool("cancel_reminder",
			mcp.WithDescription("Cancel a pending reminder"),
			mcp.WithString("id", mcp.Required(), mcp.Description("Reminder id")),
		),
		s.handleCancel,
	)
	s.mcp.AddTool(
		mcp.NewTool("reschedule_reminder",
			mcp.WithDescription("Move a pending reminder to a new due time"),
			mcp.WithString("id", mcp.Required(), mcp.Description("Reminder id")),
			mcp.WithString("new_due", mcp.Required(), mcp.Description("New due time in RFC3339 (e.g. 2026-01-15T09:00:00Z)")),
		),
		s.handleReschedule,
	)
	s.mcp.AddTool(
		mcp.NewTool("list_active_reminders",
			mcp.WithDescription("List pending reminders, soonest first"),
			mcp.WithString("requester", mcp.Description("Only this requester's reminders")),
		),
		s.handleList,
	)
	s.mcp.AddTool(
		mcp.NewTool("get_reminder_statistics",
			mcp.WithDescription("Completion statistics over the reminder history"),
		),
		s.handleStats,
	)
}

func (s *Server) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := req.GetString("request_text", "")
	requester := req.GetString("requester", "")
	if text == "" || requester == "" {
		return mcp.NewToolResultError("request_text and requester are required"), nil
	}
	id, ok, err := s.api.CreateReminder(ctx, text, requester, req.GetString("title", ""))
	if err != nil {
		return s.toolError("create_reminder", err), nil
	}
	if !ok {
		return mcp.NewToolResultText("No reminder created: no acceptable time found in the text."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reminder %s created.", id)), nil
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ok, err := s.api.CancelReminder(ctx, id)
	if err != nil {
		return s.toolError("cancel_reminder", err), nil
	}
	if !ok {
		return mcp.NewToolResultText(fmt.Sprintf("Reminder %s was not pending; nothing cancelled.", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reminder %s cancelled.", id)), nil
}

func (s *Server) handleReschedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	due, err := time.Parse(time.RFC3339, req.GetString("new_due", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid new_due: %v (use RFC3339)", err)), nil
	}
	ok, err := s.api.RescheduleReminder(ctx, id, due)
	if err != nil {
		return s.toolError("reschedule_reminder", err), nil
	}
	if !ok {
		return mcp.NewToolResultText(fmt.Sprintf("Reminder %s was not pending; nothing rescheduled.", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reminder %s moved to %s.", id, due.UTC().Format(time.RFC3339))), nil
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.api.ListActiveReminders(ctx, req.GetString("requester", ""))
	if err != nil {
		return s.toolError("list_active_reminders", err), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("No active reminders."), nil
	}
	out, _ := json.MarshalIndent(list, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) handleStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.api.GetReminderStatistics(ctx)
	if err != nil {
		return s.toolError("get_reminder_statistics", err), nil
	}
	out, _ := json.MarshalIndent(st, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	if errors.Is(err, service.ErrInvalidArgument) {
		return mcp.NewToolResultError(err.Error())
	}
	s.log.Error("mcp tool failed", logx.String("tool", tool), logx.Err(err))
	return mcp.NewToolResultError(tool + " failed: " + err.Error())
}
