package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(slog.LevelInfo))
	assert.True(t, log.Enabled(slog.LevelError))

	log.With("component", "stream").Warn("shown", "op", "gemm")
	out := buf.String()
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"component":"stream"`)
	assert.Contains(t, out, `"op":"gemm"`)
	assert.Contains(t, out, `"level":"WARN"`)
}

func TestOpenFormats(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		format Format
		want   string
	}{
		{FormatJSON, `"msg":"hello"`},
		{FormatText, "msg=hello"},
		{FormatPretty, "hello"},
	} {
		var buf bytes.Buffer
		Open(&buf, tc.format, slog.LevelInfo).Info("hello")
		assert.Contains(t, buf.String(), tc.want, "format %s", tc.format)
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	log.Error("nothing")
	assert.False(t, log.Enabled(slog.LevelError))
	assert.NotNil(t, OrDiscard(nil))
	assert.Same(t, log, OrDiscard(log))
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Info("roundtrip")
	assert.Contains(t, buf.String(), "roundtrip")
	assert.NotNil(t, FromContext(context.Background()))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatPretty, f)
	f, err = ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func newPlain(buf *bytes.Buffer) *PrettyHandler {
	return NewPrettyHandler(buf, &PrettyOptions{Level: slog.LevelDebug, NoColor: true})
}

func TestPrettyLine(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(newPlain(&buf))
	log.Info("enqueued", "component", "stream", "ops", 3, "took", 2*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, "INFO  [stream] enqueued ops=3 took=2ms\n")
	assert.NotContains(t, out, "\033[")
}

func TestPrettyComponentFromWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(newPlain(&buf)).With("component", "layer", "mode", "int8")
	log.Debug("forward")
	assert.Contains(t, buf.String(), "[layer] forward mode=int8")
}

func TestPrettyGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(newPlain(&buf)).WithGroup("a").With("x", 1).WithGroup("b")
	log.Info("nested", "key", "val")
	assert.Contains(t, buf.String(), "nested a.x=1 a.b.key=val")

	h := newPlain(&buf)
	assert.Same(t, h, h.WithGroup(""))
}

func TestPrettyQuoting(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	slog.New(newPlain(&buf)).Info("q", "msg", "hello world", "plain", "simple")
	out := buf.String()
	assert.Contains(t, out, `msg="hello world"`)
	assert.Contains(t, out, "plain=simple")
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"simple":     false,
		"has space":  true,
		"has\ttab":   true,
		`has"quote`:  true,
		"k=v":        true,
		"":           false,
		"no-special": false,
	}
	for in, want := range tests {
		assert.Equal(t, want, needsQuoting(in), "%q", in)
	}
}
