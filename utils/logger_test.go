package utils

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogger_DefaultArgs(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, slog.LevelInfo)

	ctx := WithDefaultArgs(context.Background(), "partition", 3)
	ctx = WithDefaultArgs(ctx, "record", "r1")
	log.InfoCtx(ctx, "indexed")

	out := buf.String()
	assert.Contains(t, out, "[kvindex] indexed")
	assert.Contains(t, out, "partition=3")
	assert.Contains(t, out, "record=r1")
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, slog.LevelWarn)
	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
