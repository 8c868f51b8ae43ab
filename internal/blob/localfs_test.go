package blob

import (
	"io"
	"strings"
	"testing"
)

func TestPutOpenExists(t *testing.T) {
	t.Parallel()
	store := LocalFS{Root: t.TempDir()}

	key, err := store.Put("outputs/job-1/model.gcode", strings.NewReader("G1 X10 Y10"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if key != "outputs/job-1/model.gcode" {
		t.Errorf("key = %q", key)
	}

	if !store.Exists(key) {
		t.Error("Exists = false after Put")
	}
	if store.Exists("outputs/job-1/missing") {
		t.Error("Exists = true for missing key")
	}

	f, err := store.Open(key)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "G1 X10 Y10" {
		t.Errorf("content = %q", data)
	}
}

func TestPutCleansKey(t *testing.T) {
	t.Parallel()
	store := LocalFS{Root: t.TempDir()}

	key, err := store.Put("outputs//job-2/./model.gcode", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if key != "outputs/job-2/model.gcode" {
		t.Errorf("key = %q", key)
	}
	if !store.Exists("outputs/job-2/model.gcode") {
		t.Error("cleaned key not found")
	}
}
