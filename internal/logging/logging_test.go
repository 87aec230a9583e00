package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger(Config{Level: "warn"})
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("level = %s, want warn", logger.GetLevel())
	}
	if NewLogger(Config{Level: "nonsense"}).GetLevel() != zerolog.InfoLevel {
		t.Fatal("unknown level should fall back to info")
	}
}

func TestConsoleWriterSelected(t *testing.T) {
	var buf bytes.Buffer
	if _, ok := logWriter(Config{Format: "console"}, &buf).(zerolog.ConsoleWriter); !ok {
		t.Fatal("console format should use ConsoleWriter")
	}
	if w := logWriter(Config{Format: "json"}, &buf); w != &buf {
		t.Fatal("json format should write directly")
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candlewatch.log")
	logger := NewLogger(Config{Level: "info", Output: path})
	logger.Info().Str("symbol", "BTCUSDT").Msg("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"symbol":"BTCUSDT"`) {
		t.Fatalf("unexpected log contents %q", data)
	}
}
