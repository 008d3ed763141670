package action_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/anvil/internal/action"
)

func TestOutputLoggerWithoutSink(t *testing.T) {
	base := slog.New(slog.DiscardHandler)
	assert.Same(t, base, action.OutputLogger(context.Background(), base))
	assert.Nil(t, action.Output(context.Background()))
}

func TestOutputLoggerTeesLines(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil)).With("item_id", "i1")

	var lines []string
	ctx := action.WithOutput(context.Background(), func(line string) {
		lines = append(lines, line)
	})

	logger := action.OutputLogger(ctx, base).With("step", 2)
	logger.Info("hello", "n", 1)
	logger.Debug("hidden")

	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "msg=hello")
	assert.Contains(t, lines[0], "n=1")
	assert.Contains(t, lines[0], "step=2")
	assert.Contains(t, buf.String(), `"item_id":"i1"`)
	assert.Contains(t, buf.String(), `"step":2`)
}

func TestLineWriterSplitsLines(t *testing.T) {
	var lines []string
	w := action.LineWriter(func(line string) { lines = append(lines, line) })

	n, err := w.Write([]byte("a\nb\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []string{"a", "b"}, lines)
}
