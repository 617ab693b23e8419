package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

// captureOutput redirects logger output to a buffer for testing.
// Returns the buffer and a cleanup function to restore original output.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false // disable colors for easier assertions
	mu.Unlock()

	reconfigure()

	cleanup := func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		reconfigure()
	}

	return buf, cleanup
}

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugLevelShowsAllMessages", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("DEBUG")
		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		output := buf.String()
		assert.Contains(t, output, "DEBUG")
		assert.Contains(t, output, "debug message")
		assert.Contains(t, output, "error message")
	})

	t.Run("WarnLevelFiltersDebugAndInfo", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("WARN")
		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		output := buf.String()
		assert.NotContains(t, output, "DEBUG")
		assert.NotContains(t, output, "INFO")
		assert.Contains(t, output, "WARN")
		assert.Contains(t, output, "ERROR")
	})
}

func TestSetLevel(t *testing.T) {
	t.Run("IsCaseInsensitive", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("debug")
		Debug("test message")
		assert.Contains(t, buf.String(), "test message")
	})

	t.Run("IgnoresInvalidValues", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		SetLevel("INVALID")
		buf.Reset()

		Debug("debug message")
		Info("info message")

		output := buf.String()
		assert.NotContains(t, output, "debug message")
		assert.Contains(t, output, "info message")
	})
}

func TestMessageFormatting(t *testing.T) {
	t.Run("FormatsMessagesWithTimestamp", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		Info("test message")

		assert.Regexp(t, `\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\]`, buf.String())
	})

	t.Run("FormatsStructuredFields", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		Info("slot evicted", KeySlot, 3, KeyFormat, "thumb")

		output := buf.String()
		assert.Contains(t, output, "slot evicted")
		assert.Contains(t, output, "slot=3")
		assert.Contains(t, output, "format=thumb")
	})
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(99).String())
}

func TestContextFields(t *testing.T) {
	t.Run("InjectsOperationAndFormat", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		lc := NewLogContext("retrieve").WithFormat("thumb").WithEntity("e-123")
		ctx := WithContext(context.Background(), lc)

		InfoCtx(ctx, "cache miss")

		output := buf.String()
		assert.Contains(t, output, "operation=retrieve")
		assert.Contains(t, output, "format=thumb")
		assert.Contains(t, output, "entity=e-123")
	})

	t.Run("NoContextAddsNoFields", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		InfoCtx(context.Background(), "no context here")

		output := buf.String()
		assert.Contains(t, output, "no context here")
		assert.NotContains(t, output, "operation=")
	})

	t.Run("FromContextReturnsNilWhenAbsent", func(t *testing.T) {
		assert.Nil(t, FromContext(context.Background()))
	})

	t.Run("CloneIsIndependent", func(t *testing.T) {
		lc := NewLogContext("put")
		clone := lc.WithFormat("large")
		assert.Equal(t, "", lc.Format)
		assert.Equal(t, "large", clone.Format)
	})
}
