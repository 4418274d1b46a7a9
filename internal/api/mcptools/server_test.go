package mcptools

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderd/internal/reminder"
	"reminderd/internal/service"
	logx "reminderd/pkg/logx"
)

type fakeAPI struct {
	pending map[string]bool
	due     time.Time
	failAll bool
}

func (f *fakeAPI) CreateReminder(_ context.Context, text, _, _ string) (string, bool, error) {
	if text == "hello" {
		return "", false, nil
	}
	return "r-1", true, nil
}

func (f *fakeAPI) CancelReminder(_ context.Context, id string) (bool, error) {
	ok := f.pending[id]
	delete(f.pending, id)
	return ok, nil
}

func (f *fakeAPI) RescheduleReminder(_ context.Context, id string, due time.Time) (bool, error) {
	if due.Year() > 2030 {
		return false, fmt.Errorf("%w: too far", service.ErrInvalidArgument)
	}
	f.due = due
	return f.pending[id], nil
}

func (f *fakeAPI) ListActiveReminders(context.Context, string) ([]reminder.Summary, error) {
	if f.failAll {
		return nil, errors.New("store down")
	}
	if len(f.pending) == 0 {
		return nil, nil
	}
	return []reminder.Summary{{ID: "a", Title: "A", TimeUntil: "3 days"}}, nil
}

func (f *fakeAPI) GetReminderStatistics(context.Context) (reminder.Statistics, error) {
	return reminder.Statistics{Total: 2, Completed: 1, CompletionRate: 50}, nil
}

func call(t *testing.T, s *Server, tool string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	st := s.MCPServer().GetTool(tool)
	require.NotNil(t, st, tool)
	res, err := st.Handler(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: tool, Arguments: args},
	})
	require.NoError(t, err)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestToolsRegistered(t *testing.T) {
	t.Parallel()
	s := New("", &fakeAPI{}, logx.Nop())
	tools := s.MCPServer().ListTools()
	for _, name := range []string{"create_reminder", "cancel_reminder", "reschedule_reminder", "list_active_reminders", "get_reminder_statistics"} {
		assert.Contains(t, tools, name)
	}
}

func TestCreateTool(t *testing.T) {
	t.Parallel()
	s := New("", &fakeAPI{}, logx.Nop())

	res := call(t, s, "create_reminder", map[string]any{"request_text": "remind me in 2 days", "requester": "a@b.c"})
	assert.False(t, res.IsError)
	assert.Equal(t, "Reminder r-1 created.", text(t, res))

	res = call(t, s, "create_reminder", map[string]any{"request_text": "hello", "requester": "a@b.c"})
	assert.False(t, res.IsError)
	assert.Contains(t, text(t, res), "no acceptable time")

	res = call(t, s, "create_reminder", map[string]any{"request_text": "remind me tomorrow"})
	assert.True(t, res.IsError)
}

func TestCancelAndRescheduleTools(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{pending: map[string]bool{"a": true}}
	s := New("", api, logx.Nop())

	res := call(t, s, "reschedule_reminder", map[string]any{"id": "a", "new_due": "2026-03-01T10:00:00Z"})
	assert.False(t, res.IsError)
	assert.Equal(t, "Reminder a moved to 2026-03-01T10:00:00Z.", text(t, res))

	res = call(t, s, "reschedule_reminder", map[string]any{"id": "a", "new_due": "next week"})
	assert.True(t, res.IsError)
	res = call(t, s, "reschedule_reminder", map[string]any{"id": "a", "new_due": "2040-01-01T00:00:00Z"})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "too far")

	assert.Equal(t, "Reminder a cancelled.", text(t, call(t, s, "cancel_reminder", map[string]any{"id": "a"})))
	assert.Contains(t, text(t, call(t, s, "cancel_reminder", map[string]any{"id": "a"})), "nothing cancelled")
	assert.True(t, call(t, s, "cancel_reminder", map[string]any{}).IsError)
}

func TestListAndStatsTools(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	s := New("", api, logx.Nop())

	assert.Equal(t, "No active reminders.", text(t, call(t, s, "list_active_reminders", nil)))
	api.pending = map[string]bool{"a": true}
	assert.Contains(t, text(t, call(t, s, "list_active_reminders", nil)), `"time_until": "3 days"`)
	api.failAll = true
	assert.True(t, call(t, s, "list_active_reminders", nil).IsError)

	assert.Contains(t, text(t, call(t, s, "get_reminder_statistics", nil)), `"completion_rate": 50`)
}
