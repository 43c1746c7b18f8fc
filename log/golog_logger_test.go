package log

import (
	"bytes"
	"testing"

	"github.com/kataras/golog"
	"github.com/stretchr/testify/assert"
)

func TestGologLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	gl := golog.New()
	gl.SetOutput(&buf)
	gl.SetLevel("debug")

	logger := NewGologLogger(gl)
	logger.SetLevel(LevelDebug)

	logger.Debug("debug %d", 1)
	logger.Info("info %s", "x")
	logger.Warn("warn")
	logger.Error("error")

	out := buf.String()
	assert.Contains(t, out, "debug 1")
	assert.Contains(t, out, "info x")
	assert.Contains(t, out, "warn")
	assert.Contains(t, out, "error")
}

func TestGologLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	gl := golog.New()
	gl.SetOutput(&buf)

	logger := NewGologLogger(gl)
	logger.SetLevel(LevelError)
	assert.Equal(t, LevelError, logger.GetLevel())

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("hidden")
	logger.Error("boom")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "boom")
}

func TestDefaultLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewCustomLogger(&buf, LevelWarn)

	logger.Info("invisible")
	logger.Warn("visible %d", 42)

	out := buf.String()
	assert.NotContains(t, out, "invisible")
	assert.Contains(t, out, "visible 42")
}

func TestPackageLevelLogger(t *testing.T) {
	orig := GetDefaultLogger()
	defer SetDefaultLogger(orig)

	var buf bytes.Buffer
	SetDefaultLogger(NewCustomLogger(&buf, LevelDebug))

	Info("hello %s", "world")
	assert.Contains(t, buf.String(), "hello world")
}
