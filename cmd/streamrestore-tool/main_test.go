package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/micro-nova/streamrestore-go/internal/models"
)

const musicEntry = `{"name":"sink-input-by-media-role:music","channel_map":["front-left","front-right"],"volume":[65536,32768],"device":"speaker","muted":true}`

// runTool runs one command against stateDir and returns its stdout.
func runTool(t *testing.T, stateDir, stdin string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	full := append([]string{"-state-dir", stateDir}, args...)
	if err := run(context.Background(), full, strings.NewReader(stdin), &out); err != nil {
		t.Fatalf("run %v: %v", args, err)
	}
	return out.String()
}

func dumpEntries(t *testing.T, stateDir string) []models.EntryInfo {
	t.Helper()
	var infos []models.EntryInfo
	if err := json.Unmarshal([]byte(runTool(t, stateDir, "", "dump")), &infos); err != nil {
		t.Fatalf("decode dump: %v", err)
	}
	return infos
}

func TestImportDumpDelete(t *testing.T) {
	dir := t.TempDir()

	runTool(t, dir, "["+musicEntry+"]", "import", "-mode", "replace")

	infos := dumpEntries(t, dir)
	if len(infos) != 1 {
		t.Fatalf("dump = %+v, want one entry", infos)
	}
	got := infos[0]
	if got.Name != "sink-input-by-media-role:music" || got.Device != "speaker" || !got.Muted {
		t.Errorf("entry = %+v", got)
	}
	if len(got.Volume) != 2 || got.Volume[1] != 32768 {
		t.Errorf("volume = %v, want [65536 32768]", got.Volume)
	}

	runTool(t, dir, "", "delete", "sink-input-by-media-role:music")
	if infos := dumpEntries(t, dir); len(infos) != 0 {
		t.Errorf("dump after delete = %+v, want empty", infos)
	}
}

func TestImportRejectsBadMode(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"-state-dir", t.TempDir(), "import", "-mode", "append"},
		strings.NewReader("[]"), &out)
	if !models.HasCode(err, models.CodeValidationFailure) {
		t.Errorf("err = %v, want validation failure", err)
	}
}

func TestBackupRestore(t *testing.T) {
	dir := t.TempDir()
	runTool(t, dir, "["+musicEntry+"]", "import")

	path := strings.TrimSpace(runTool(t, dir, "", "backup"))
	if !strings.HasSuffix(path, ".json.gz") {
		t.Fatalf("backup printed %q", path)
	}

	runTool(t, dir, "", "delete", "sink-input-by-media-role:music")
	runTool(t, dir, "", "restore", path)

	infos := dumpEntries(t, dir)
	if len(infos) != 1 || infos[0].Device != "speaker" {
		t.Errorf("dump after restore = %+v", infos)
	}
}

func TestClean(t *testing.T) {
	dir := t.TempDir()
	out := runTool(t, dir, "", "clean")
	if out != "converted 0, removed 0\n" {
		t.Errorf("clean output = %q", out)
	}
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"frobnicate"}},
		{"delete without names", []string{"delete"}},
		{"restore without file", []string{"restore"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			args := append([]string{"-state-dir", t.TempDir()}, tc.args...)
			if err := run(context.Background(), args, strings.NewReader(""), &out); err == nil {
				t.Error("run succeeded, want error")
			}
		})
	}
}
