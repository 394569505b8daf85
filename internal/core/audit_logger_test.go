package core

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eencloud/goeen/log"
)

func TestAuditLogger_WritesJSONLEntries(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "audit_logger_test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			t.Errorf("Failed to clean up temp dir: %v", err)
		}
	}()

	customFormat := "{{eenTimeStamp .Now}}[{{.Level}}]: {{.Message}}"
	logger := log.NewContext(os.Stderr, customFormat, log.LevelError).GetLogger("test", log.LevelError)

	audit := NewAuditLogger(tmpDir, 100, logger)

	doc := []byte("<notification><event>depositEnd</event></notification>")
	if err := audit.Log("192.168.10.40:51342", "notification", doc); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := audit.Log("192.168.10.40:51342", "alarm", []byte("<alarm><code>E1</code></alarm>")); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	entries, err := filepath.Glob(filepath.Join(tmpDir, "audit_*.jsonl"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("Expected one audit file, got %v (err %v)", entries, err)
	}

	file, err := os.Open(entries[0])
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = file.Close() }()

	var lines int
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines++
		var entry map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("Audit line %d is not JSON: %v", lines, err)
		}
		if entry["source"] != "192.168.10.40:51342" {
			t.Errorf("Line %d wrong source: %v", lines, entry["source"])
		}
		raw, _ := entry["raw_xml"].(string)
		if !strings.HasPrefix(raw, "<") {
			t.Errorf("Line %d raw_xml does not look like a document: %q", lines, raw)
		}
	}
	if lines != 2 {
		t.Errorf("Expected 2 audit lines, got %d", lines)
	}

	stats := audit.GetStats()
	if stats["rotation_needed"] != false {
		t.Errorf("Unexpected rotation for tiny log: %v", stats)
	}
}
