package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatFieldsSortsKeys(t *testing.T) {
	got := formatFields(map[string]interface{}{
		"zeta":  1,
		"alpha": "x",
		"mid":   true,
	})
	assert.Equal(t, " alpha=x mid=true zeta=1", got)
}

func TestFormatFieldsEmpty(t *testing.T) {
	assert.Empty(t, formatFields(nil))
	assert.Empty(t, formatFields(map[string]interface{}{}))
}

func TestLoggerLevelFiltering(t *testing.T) {
	logger := NewLogger("test").(*StandardLogger)

	assert.False(t, logger.levelEnabled(LogLevelDebug), "info is the default minimum")
	assert.True(t, logger.levelEnabled(LogLevelInfo))
	assert.True(t, logger.levelEnabled(LogLevelWarn))

	verbose := logger.WithLevel(LogLevelDebug)
	assert.True(t, verbose.levelEnabled(LogLevelDebug))

	quiet := logger.WithLevel(LogLevelError)
	assert.False(t, quiet.levelEnabled(LogLevelWarn))
}

func TestLoggerWithPrefix(t *testing.T) {
	logger := NewLogger("root").(*StandardLogger)
	scoped := logger.WithPrefix("root.child").(*StandardLogger)
	assert.Equal(t, "root.child", scoped.prefix)
	assert.Equal(t, "root", logger.prefix, "the original logger is unchanged")
}

func TestNoopLoggerIsSafe(t *testing.T) {
	logger := NewNoopLogger()
	logger.Debug("msg", nil)
	logger.Info("msg", map[string]interface{}{"k": "v"})
	logger.Warn("msg", nil)
	logger.Error("msg", nil)
	assert.Same(t, logger, logger.WithPrefix("other"))
}
