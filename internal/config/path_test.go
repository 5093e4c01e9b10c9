package config

import (
	"os"
	"testing"
)

func TestDefaultDataDirXDGOverride(t *testing.T) {
	originalXDG := os.Getenv("XDG_DATA_HOME")
	t.Cleanup(func() {
		if originalXDG != "" {
			os.Setenv("XDG_DATA_HOME", originalXDG)
		} else {
			os.Unsetenv("XDG_DATA_HOME")
		}
	})
	os.Setenv("XDG_DATA_HOME", "/custom/data")

	if got := DefaultDataDir(); got != "/custom/data/quill" {
		t.Errorf("expected /custom/data/quill, got %s", got)
	}
}

func TestDefaultDataDirNoHome(t *testing.T) {
	originalHome := os.Getenv("HOME")
	os.Unsetenv("HOME")
	t.Cleanup(func() {
		if originalHome != "" {
			os.Setenv("HOME", originalHome)
		}
	})

	result := DefaultDataDir()
	if result == "" {
		t.Error("expected non-empty result even when HOME is not set")
	}
	if result != "./data" {
		t.Errorf("expected fallback to './data', got %s", result)
	}
}

func TestIsDir(t *testing.T) {
	if !isDir(".") {
		t.Error("current directory should be a dir")
	}
	if isDir("/non/existent/path/that/does/not/exist") {
		t.Error("missing path should not be a dir")
	}
}
