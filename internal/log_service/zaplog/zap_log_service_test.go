package zaplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/AnishMulay/sandmeta/internal/log_service"
)

func TestZapLogService_MetadataBecomesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ls := FromLogger(zap.New(core))

	ls.Warn(log_service.LogEvent{
		Message:  "replica unreachable",
		Metadata: map[string]any{"replica": "mds1", "attempt": 2},
	})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "replica unreachable", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)

	ctx := entries[0].ContextMap()
	assert.Equal(t, "mds1", ctx["replica"])
	assert.EqualValues(t, 2, ctx["attempt"])
}

func TestToZapLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, toZapLevel("debug"))
	assert.Equal(t, zapcore.InfoLevel, toZapLevel("bogus"))
	assert.Equal(t, zapcore.ErrorLevel, toZapLevel(log_service.ErrorLevel))
}
