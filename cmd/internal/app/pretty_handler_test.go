package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrettyHandler_PlainLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false))

	log.With("component", "ws").Info("http.request",
		"method", "GET",
		"status", 404,
		"duration_ms", int64(12),
		"note", "two words",
		"err", errors.New("boom"),
	)

	line := buf.String()
	require.True(t, strings.HasSuffix(line, "\n"))
	require.Contains(t, line, "lvl=[INFO]")
	require.Contains(t, line, "msg=http.request")
	require.Contains(t, line, " component=ws")
	require.Contains(t, line, " method=GET")
	require.Contains(t, line, " status=404")
	require.Contains(t, line, " duration=12")
	require.Contains(t, line, ` note="two words"`)
	require.Contains(t, line, " err=boom")
	require.NotContains(t, line, "\x1b[")
}

func TestPrettyHandler_LevelFilterAndGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))

	log.Info("dropped")
	require.Zero(t, buf.Len())

	log.WithGroup("send").Warn("message.append.retry", "attempt", 2, slog.Group("conv", "id", "c-1"))
	line := buf.String()
	require.Contains(t, line, "lvl=[WARN]")
	require.Contains(t, line, " send.attempt=2")
	require.Contains(t, line, " send.conv.id=c-1")
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":          `""`,
		"plain":     "plain",
		"a b":       `"a b"`,
		"k=v":       `"k=v"`,
		`say "hi"`:  `"say \"hi\""`,
		"line\nnew": `"line\nnew"`,
	}
	for in, want := range cases {
		require.Equal(t, want, quoteIfNeeded(in), in)
	}
}
