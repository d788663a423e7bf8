package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogRotator(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "tpx3d.log")

	config := &RotationConfig{
		Filename:   logFile,
		MaxSize:    1,
		MaxBackups: 3,
	}

	rotator, err := NewLogRotator(config)
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	defer rotator.Close()

	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("Log file was not created: %v", err)
	}
}

func TestLogRotatorWrite(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "tpx3d.log")

	rotator, err := NewLogRotator(&RotationConfig{
		Filename: logFile,
		MaxSize:  1,
	})
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	defer rotator.Close()

	msg := []byte("poller state transition idle -> arming\n")
	n, err := rotator.Write(msg)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len(msg) {
		t.Errorf("Expected %d bytes written, got %d", len(msg), n)
	}

	if err := rotator.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "state transition") {
		t.Error("Written content not found in log file")
	}
}

func TestLogRotatorForceRotate(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "tpx3d.log")

	rotator, err := NewLogRotator(&RotationConfig{
		Filename:   logFile,
		MaxSize:    100,
		MaxBackups: 5,
	})
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	defer rotator.Close()

	if _, err := rotator.Write([]byte("before rotation\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if err := rotator.ForceRotate(); err != nil {
		t.Fatalf("ForceRotate failed: %v", err)
	}

	// The active file reopens empty and a backup holds the old content.
	if _, err := rotator.Write([]byte("after rotation\n")); err != nil {
		t.Fatalf("Write after rotation failed: %v", err)
	}
	if err := rotator.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if strings.Contains(string(content), "before rotation") {
		t.Error("Active log file still holds pre-rotation content")
	}
	if !strings.Contains(string(content), "after rotation") {
		t.Error("Post-rotation content missing from active log file")
	}

	backups, err := filepath.Glob(filepath.Join(tmpDir, "tpx3d-*.log"))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("Expected 1 backup file, got %d", len(backups))
	}

	backupContent, err := os.ReadFile(backups[0])
	if err != nil {
		t.Fatalf("Failed to read backup: %v", err)
	}
	if !strings.Contains(string(backupContent), "before rotation") {
		t.Error("Backup does not contain pre-rotation content")
	}
}

func TestLogRotatorSizeRotation(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "tpx3d.log")

	// MaxSize is in megabytes; use 1 MB and write past it.
	rotator, err := NewLogRotator(&RotationConfig{
		Filename:   logFile,
		MaxSize:    1,
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("Failed to create rotator: %v", err)
	}
	defer rotator.Close()

	line := []byte(strings.Repeat("x", 1023) + "\n")
	for i := 0; i < 1025; i++ {
		if _, err := rotator.Write(line); err != nil {
			t.Fatalf("Write %d failed: %v", i, err)
		}
	}

	backups, err := filepath.Glob(filepath.Join(tmpDir, "tpx3d-*.log"))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(backups) == 0 {
		t.Error("Expected at least one backup after exceeding MaxSize")
	}
}

func TestLogRotatorCreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "logs", "nested", "tpx3d.log")

	rotator, err := NewLogRotator(&RotationConfig{
		Filename: logFile,
		MaxSize:  1,
	})
	if err != nil {
		t.Fatalf("Failed to create rotator with nested path: %v", err)
	}
	defer rotator.Close()

	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("Log file was not created in nested directory: %v", err)
	}
}
