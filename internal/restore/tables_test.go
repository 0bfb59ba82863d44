package restore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/micro-nova/streamrestore-go/internal/restore"
)

func writeTable(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "table")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestParseFallbackTable(t *testing.T) {
	path := writeTable(t, "# c\n;c\n\nalarm -10\nring\t -6.5\nloud 3\nodd x\n")
	entries, warns, err := restore.ParseFallbackTable(path)
	if err != nil {
		t.Fatalf("ParseFallbackTable: %v", err)
	}
	if len(entries) != 2 || entries[0].Name != "alarm" || entries[1].DB != -6.5 {
		t.Errorf("entries = %+v", entries)
	}
	if len(warns) != 2 || warns[0].Line != 6 || warns[1].Line != 7 {
		t.Errorf("warnings = %+v", warns)
	}

	if _, _, err := restore.ParseFallbackTable(writeTable(t, "alarm -10\nlonely\n")); err == nil {
		t.Error("name without a value accepted")
	}
	if _, _, err := restore.ParseFallbackTable(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestParseRouteTable(t *testing.T) {
	path := writeTable(t, "# routes\nphone -20\nring -20 -40\nalarm -10 -30 phone\nbad x\n")
	rows, err := restore.ParseRouteTable(path)
	if err != nil {
		t.Fatalf("ParseRouteTable: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].HasMin || rows[0].DB != -20 {
		t.Errorf("phone = %+v", rows[0])
	}
	if !rows[1].HasMin || rows[1].MinDB != -40 {
		t.Errorf("ring = %+v", rows[1])
	}
	if rows[2].Master != "phone" {
		t.Errorf("alarm = %+v", rows[2])
	}

	rows, err = restore.ParseRouteTable(writeTable(t, "phone -20\nlonely\nring -10\n"))
	if err == nil {
		t.Error("name without a value accepted")
	}
	if len(rows) != 1 {
		t.Errorf("rows before the error = %+v", rows)
	}
}

func TestParseSinkVolumeTable(t *testing.T) {
	rows, err := restore.ParseSinkVolumeTable(writeTable(t, "# modes\nihf:sink.hw\n  lineout:sink.line\n"))
	if err != nil {
		t.Fatalf("ParseSinkVolumeTable: %v", err)
	}
	if len(rows) != 2 || rows[0].Mode != "ihf" || rows[0].Sink != "sink.hw" || rows[1].Mode != "lineout" {
		t.Errorf("rows = %+v", rows)
	}
	if _, err := restore.ParseSinkVolumeTable(writeTable(t, "ihf\n")); err == nil {
		t.Error("line without a sink accepted")
	}
}
