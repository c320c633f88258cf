package logger

import (
	"path/filepath"
	"testing"
	"time"
)

func TestGetLogFileName(t *testing.T) {
	period := time.Date(2025, 12, 17, 0, 0, 0, 0, time.Local).Unix()

	got := getLogFileName("logs/engine.log", period)
	want := filepath.Join("logs", "engine_2025-12-17_00-00.log")
	if got != want {
		t.Fatalf("got=%s want=%s", got, want)
	}
	if got := getLogFileName("engine.log", period); got != "engine_2025-12-17_00-00.log" {
		t.Fatalf("got=%s", got)
	}
}

func TestInitAndRotate(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		Level:         "debug",
		OutputFile:    filepath.Join(dir, "engine.log"),
		LogByCycle:    true,
		CycleDuration: time.Hour,
	}
	if err := Init(cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	first := GetCurrentLogFile()
	if first == "" {
		t.Fatalf("expected a log file")
	}

	if err := CheckAndRotateLog(time.Now().Add(2 * time.Hour)); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if second := GetCurrentLogFile(); second == first {
		t.Fatalf("log file not rotated: %s", second)
	}
}
