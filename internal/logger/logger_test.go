package logger

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plain(buf *bytes.Buffer, level slog.Level) *Logger {
	return New(Config{Writer: buf, Format: formatPretty, Level: level, NoColor: true})
}

func TestNew_DefaultWriter(t *testing.T) {
	logger := New(Config{Level: slog.LevelInfo, Format: "json"})
	assert.NotNil(t, logger)
	assert.NotNil(t, logger.Logger)
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: "json", Level: slog.LevelInfo})
	logger.Info("test message")

	assert.Contains(t, buf.String(), "test message")
	assert.Contains(t, buf.String(), `"level":"INFO"`)
}

func TestNew_FormatAutoDetection(t *testing.T) {
	tests := []struct {
		environment string
		json        bool
	}{
		{"production", true},
		{"development", false},
		{"staging", false},
	}

	for _, tt := range tests {
		t.Run(tt.environment, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(Config{Writer: &buf, Environment: tt.environment, NoColor: true})
			logger.Info("test")

			if tt.json {
				assert.Contains(t, buf.String(), `"msg":"test"`)
			} else {
				assert.Contains(t, buf.String(), "INF test")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DeBuG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestPrettyHandler_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := plain(&buf, slog.LevelDebug)

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	for i, tag := range []string{"DBG d", "INF i", "WRN w", "ERR e"} {
		assert.Contains(t, lines[i], tag)
	}
}

func TestPrettyHandler_Enabled(t *testing.T) {
	var buf bytes.Buffer
	logger := plain(&buf, slog.LevelWarn)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestPrettyHandler_Component(t *testing.T) {
	var buf bytes.Buffer
	logger := plain(&buf, slog.LevelInfo)

	logger.Component("memo").Info("collection synced", "records", 3)

	out := buf.String()
	assert.Contains(t, out, "[memo] collection synced records=3")
	assert.NotContains(t, out, "component=")
}

func TestPrettyHandler_ComponentInRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := plain(&buf, slog.LevelInfo)

	logger.Info("starting", "component", "events")
	assert.Contains(t, buf.String(), "[events] starting")
}

func TestPrettyHandler_Groups(t *testing.T) {
	var buf bytes.Buffer
	logger := plain(&buf, slog.LevelInfo)

	logger.WithGroup("req").With("id", "a1").Info("done",
		slog.Group("stats", slog.Int("delivered", 2), slog.Int("dropped", 0)))

	out := buf.String()
	assert.Contains(t, out, "req.id=a1")
	assert.Contains(t, out, "req.stats.delivered=2")
	assert.Contains(t, out, "req.stats.dropped=0")
}

func TestPrettyHandler_QuotesStrings(t *testing.T) {
	var buf bytes.Buffer
	logger := plain(&buf, slog.LevelInfo)

	logger.Info("saved", "title", "Cowboy Bebop", "handle", "abc123", "note", "")

	out := buf.String()
	assert.Contains(t, out, `title="Cowboy Bebop"`)
	assert.Contains(t, out, "handle=abc123")
	assert.Contains(t, out, `note=""`)
}

func TestPrettyHandler_Color(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: formatPretty, Level: slog.LevelInfo})

	logger.Info("colored")
	assert.Contains(t, buf.String(), colorGreen+"INF"+colorReset)
}

func TestPrettyHandler_NoColorEnv(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Format: formatPretty, Level: slog.LevelInfo})

	logger.Info("plain")
	assert.NotContains(t, buf.String(), "\033[")
}

func TestLogger_WithError(t *testing.T) {
	var buf bytes.Buffer
	logger := plain(&buf, slog.LevelInfo)

	logger.WithError(errors.New("boom")).Error("failed")
	assert.Contains(t, buf.String(), "error=boom")

	assert.Same(t, logger, logger.WithError(nil))
}

func TestLogger_WithField(t *testing.T) {
	var buf bytes.Buffer
	logger := plain(&buf, slog.LevelInfo)

	logger.WithField("identity", "u1").Info("signed in")
	assert.Contains(t, buf.String(), "signed in identity=u1")
}

func TestDiscard(t *testing.T) {
	l := Discard()
	require.NotNil(t, l)
	l.Error("nothing")
}
