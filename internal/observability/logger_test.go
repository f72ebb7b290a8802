package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"WARN", zapcore.WarnLevel},
		{"  error  ", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(tt.level, false)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.want))
			if tt.want > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.want-1))
			}
		})
	}
}

func TestNewLoggerStructured(t *testing.T) {
	logger, err := NewLogger("info", true)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	_, err := NewLogger("verbose", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verbose")
}

func TestInitCLILoggerKeepsPreviousOnBadLevel(t *testing.T) {
	previous := CLILogger
	defer func() { CLILogger = previous }()

	InitCLILogger("nonsense", false)
	assert.Same(t, previous, CLILogger)

	InitCLILogger("debug", false)
	assert.NotSame(t, previous, CLILogger)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
}
