package busctx

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerbose(t *testing.T) {
	ctx := context.Background()
	assert.False(t, IsVerbose(ctx))
	assert.True(t, IsVerbose(SetVerbose(ctx, true)))
	assert.False(t, IsVerbose(SetVerbose(SetVerbose(ctx, true), false)))
}

func TestDump(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	Dump(context.Background(), logger, "sent", []byte{0x90, 0x01})
	assert.Empty(t, buf.String(), "quiet context does not dump")

	ctx := SetTrace(SetVerbose(context.Background(), true), "bus0")
	Dump(ctx, logger, "sent", []byte{0x90, 0x01})
	assert.Contains(t, buf.String(), "data=9001")
	assert.Contains(t, buf.String(), "len=2")
	assert.Contains(t, buf.String(), "trace=bus0")
}
