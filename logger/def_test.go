package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":         zapcore.InfoLevel,
		"info":     zapcore.InfoLevel,
		"DEBUG":    zapcore.DebugLevel,
		"WARNING":  zapcore.WarnLevel,
		"warn":     zapcore.WarnLevel,
		"ERROR":    zapcore.ErrorLevel,
		"CRITICAL": zapcore.FatalLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("LOUD")
	assert.Error(t, err)
}

func TestSetLoggerReplacesGlobals(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core))

	Log().Info("hello", zap.String("model", "rtmdet_tiny"))
	S().Infow("sugared", "model", "rtmpose_s")
	zap.L().Info("global")

	require.Equal(t, 3, logs.Len())
	assert.Equal(t, "rtmdet_tiny", logs.All()[0].ContextMap()["model"])
	assert.Equal(t, "global", logs.All()[2].Message)
}

func TestInitDevelopmentRejectsBadLevel(t *testing.T) {
	assert.Error(t, InitDevelopment("LOUD"))
	assert.NoError(t, InitDevelopment("DEBUG"))
	Sync()
}
