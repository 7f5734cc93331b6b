package output

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type snapshot struct {
	VIN string `json:"vin"`
	SOC int    `json:"currentSoc"`
}

func readLines(t *testing.T, path string, compressed bool) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open output: %v", err)
	}
	defer f.Close()

	var r io.Reader = f
	if compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			t.Fatalf("Failed to open gzip stream: %v", err)
		}
		defer gz.Close()
		r = gz
	}

	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	return lines
}

func TestJSONLWriter_WriteAny(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "charge.jsonl")

	w, err := NewJSONLWriter(path, false)
	if err != nil {
		t.Fatalf("NewJSONLWriter failed: %v", err)
	}
	if err := w.WriteAny(snapshot{VIN: "WVWZZZ1", SOC: 80}); err != nil {
		t.Fatalf("WriteAny failed: %v", err)
	}
	if err := w.Write(json.RawMessage(`{"vin":"WVWZZZ2","currentSoc":41}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if w.Count() != 2 {
		t.Errorf("Expected count 2, got %d", w.Count())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	lines := readLines(t, path, false)
	want := []string{`{"vin":"WVWZZZ1","currentSoc":80}`, `{"vin":"WVWZZZ2","currentSoc":41}`}
	if strings.Join(lines, "\n") != strings.Join(want, "\n") {
		t.Errorf("Unexpected output:\n%s", strings.Join(lines, "\n"))
	}
}

func TestJSONLWriter_AppendsAcrossRuns(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		name := "plain"
		if compressed {
			name = "gzip"
		}
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "charge.jsonl")

			for run := range 2 {
				w, err := NewJSONLWriter(path, compressed)
				if err != nil {
					t.Fatalf("NewJSONLWriter failed: %v", err)
				}
				if err := w.WriteAny(snapshot{VIN: "WVWZZZ1", SOC: 50 + run}); err != nil {
					t.Fatalf("WriteAny failed: %v", err)
				}
				if err := w.Close(); err != nil {
					t.Fatalf("Close failed: %v", err)
				}
			}

			lines := readLines(t, path, compressed)
			if len(lines) != 2 {
				t.Fatalf("Expected 2 lines, got %d: %v", len(lines), lines)
			}
			if !strings.Contains(lines[1], `"currentSoc":51`) {
				t.Errorf("Expected second run last, got %s", lines[1])
			}
		})
	}
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "charge.jsonl")
	w, err := NewJSONLWriter(path, false)
	if err != nil {
		t.Fatalf("NewJSONLWriter failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := w.WriteAny(snapshot{VIN: "WVW", SOC: i}); err != nil {
				t.Errorf("WriteAny failed: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	lines := readLines(t, path, false)
	if len(lines) != 20 {
		t.Fatalf("Expected 20 lines, got %d", len(lines))
	}
	for _, line := range lines {
		var s snapshot
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			t.Errorf("Corrupt line %q: %v", line, err)
		}
	}
}

func TestJSONLWriter_WriteAfterClose(t *testing.T) {
	w, err := NewJSONLWriter(filepath.Join(t.TempDir(), "charge.jsonl"), false)
	if err != nil {
		t.Fatalf("NewJSONLWriter failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}
	if err := w.WriteAny(snapshot{}); err == nil {
		t.Error("Expected error writing to closed writer")
	}
}
