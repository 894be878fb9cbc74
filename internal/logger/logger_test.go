package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/face-overlay/internal/config"
)

func TestNewLoggerLevel(t *testing.T) {
	log, err := NewLogger(config.LogConfig{Level: "debug"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("Expected debug level, got %v", log.GetLevel())
	}

	log, err = NewLogger(config.LogConfig{})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if log.GetLevel() != logrus.InfoLevel {
		t.Errorf("Expected info level by default, got %v", log.GetLevel())
	}

	if _, err := NewLogger(config.LogConfig{Level: "chatty"}); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "app.log")
	log, err := NewLogger(config.LogConfig{Level: "info", File: file})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	log.WithFields(Fields{"stage": "load_models"}).Info("models loaded")

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("Expected log file to exist: %v", err)
	}
	if !strings.Contains(string(data), "models loaded") {
		t.Errorf("Log file missing message: %s", data)
	}
}

func TestDiscard(t *testing.T) {
	log := Discard()
	log.Info("nothing to see")
	if log.Out == nil {
		t.Error("Discard logger has no output")
	}
}
