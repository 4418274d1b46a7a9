package logx

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	line := []byte(`{"level":"error","time":"2026-01-01T00:00:00Z","message":"dispatch failed","reminder_id":"r1","err":"boom"}` + "\n")
	got := FormatAlert(line)
	assert.Equal(t, "[ERROR] dispatch failed\n- err=boom\n- reminder_id=r1", got)
}

func TestFormatAlertNotJSON(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "plain text", FormatAlert([]byte("  plain text \n")))
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", truncate("abc", 10))
	long := strings.Repeat("x", 20)
	assert.Equal(t, strings.Repeat("x", 12)+"...", truncate(long, 15))
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("claimed", ReminderID("r-42"), Int("attempt", 1))

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"comp":"test"`)
	assert.Contains(t, out, `"reminder_id":"r-42"`)
	assert.Contains(t, out, `"message":"claimed"`)
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()

	var l Logger
	assert.True(t, l.IsZero())
	l.Error("nothing happens")
}
