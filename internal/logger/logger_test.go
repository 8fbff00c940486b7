package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogger_parseLevel(t *testing.T) {
	t.Run("valid value", func(t *testing.T) {
		tests := []struct {
			input    string
			expected slog.Level
		}{
			{"DEBUG", slog.LevelDebug},
			{"debug", slog.LevelDebug},
			{"Info", slog.LevelInfo},
			{"warn", slog.LevelWarn},
			{"ERROR", slog.LevelError},
		}

		for _, tt := range tests {
			t.Run(tt.input, func(t *testing.T) {
				got, err := parseLevel(tt.input)

				require.NoError(t, err, "parseLevel(%q) should not return an error", tt.input)
				require.Equal(t, tt.expected, got)
			})
		}
	})

	t.Run("not valid", func(t *testing.T) {
		for _, value := range []string{"", "verbose"} {
			_, err := parseLevel(value)

			require.Error(t, err, "level %q must be rejected", value)
		}
	})
}

func TestLogger_NewWithWriter(t *testing.T) {
	t.Run("dev writes text", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := NewWithWriter(&buf, EnvDevelopment, LevelInfo)
		require.NoError(t, err)

		l.With("component", "scheduler").Info("run finished", "phases", 3)

		out := buf.String()
		require.Contains(t, out, "level=INFO")
		require.Contains(t, out, "app=classcredits")
		require.Contains(t, out, "component=scheduler")
		require.Contains(t, out, "phases=3")
		require.Contains(t, out, "source=logger_test.go:", "source must point to the caller without directory")
	})

	t.Run("prod writes json", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := NewWithWriter(&buf, EnvProduction, LevelInfo)
		require.NoError(t, err)

		l.WithGroup("run").Info("run finished", "phases", 3)

		var entry map[string]any
		err = json.Unmarshal(buf.Bytes(), &entry)
		require.NoError(t, err, "JSON log should be valid")
		require.Equal(t, "run finished", entry["msg"])
		require.Equal(t, "INFO", entry["level"])
		require.Equal(t, "classcredits", entry["app"])
		require.Equal(t, map[string]any{"phases": float64(3)}, entry["run"], "attrs should be grouped")
	})

	t.Run("unknown environment", func(t *testing.T) {
		_, err := NewWithWriter(&bytes.Buffer{}, "staging", LevelInfo)

		require.Error(t, err)
	})

	t.Run("unknown level", func(t *testing.T) {
		_, err := NewWithWriter(&bytes.Buffer{}, EnvDevelopment, "verbose")

		require.Error(t, err)
	})
}

func TestLogger_Levels(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		logFn    func(Logger)
		isLogged bool
	}{
		{"debug logs debug", LevelDebug, func(l Logger) { l.Debug("test") }, true},
		{"info skips debug", LevelInfo, func(l Logger) { l.Debug("test") }, false},
		{"info logs info", LevelInfo, func(l Logger) { l.Info("test") }, true},
		{"warn skips info", LevelWarn, func(l Logger) { l.Info("test") }, false},
		{"warn logs warn", LevelWarn, func(l Logger) { l.Warn("test") }, true},
		{"error skips warn", LevelError, func(l Logger) { l.Warn("test") }, false},
		{"error logs error", LevelError, func(l Logger) { l.Error("test") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l, err := NewWithWriter(&buf, EnvDevelopment, tt.level)
			require.NoError(t, err)

			tt.logFn(l)

			require.Equal(t, tt.isLogged, buf.Len() > 0)
		})
	}
}

func TestLogger_NewNoOpLogger(t *testing.T) {
	l := NewNoOpLogger()

	require.NotPanics(t, func() {
		l.Debug("debug message")
		l.With("component", "test").Error("error message")
	})
}
