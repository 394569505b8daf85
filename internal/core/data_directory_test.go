package core

import (
	"os"
	"testing"
)

func TestGetDataDirectory(t *testing.T) {
	dir := GetDataDirectory()

	// Should return a non-empty string
	if dir == "" {
		t.Fatal("Expected non-empty data directory")
	}

	// Whatever was picked must be writable
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("Data directory %s not usable: %v", dir, err)
	}
	if !info.IsDir() {
		t.Errorf("Data directory %s is not a directory", dir)
	}

	f, err := os.CreateTemp(dir, ".write_check_*")
	if err != nil {
		t.Fatalf("Data directory %s not writable: %v", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
}
