package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevelAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sampler.log")
	logger, closeLog, err := NewLogger(Config{Level: "warn", File: path})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info().Msg("dropped")
	logger.Warn().Str("component", "test").Msg("kept")
	if err := closeLog(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "dropped") || !strings.Contains(string(data), `"message":"kept"`) {
		t.Fatalf("unexpected log file contents: %s", data)
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	w := logWriter(Config{Format: "console"}, &buf)
	if _, ok := w.(zerolog.ConsoleWriter); !ok {
		t.Fatalf("console format should use ConsoleWriter, got %T", w)
	}
	if logWriter(Config{Format: "json"}, &buf) != &buf {
		t.Fatal("json format should write straight to the output")
	}
}
