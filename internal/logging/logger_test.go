package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name   string
		env    string
		level  string
		enable zapcore.Level
		quiet  zapcore.Level
	}{
		{"debug in dev", "dev", "debug", zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"warn in prod", "prod", "warn", zapcore.WarnLevel, zapcore.InfoLevel},
		{"unknown falls back to info", "dev", "loud", zapcore.InfoLevel, zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.env, tt.level)
			require.NoError(t, err)

			assert.True(t, logger.Core().Enabled(tt.enable))
			assert.False(t, logger.Core().Enabled(tt.quiet))
		})
	}
}
