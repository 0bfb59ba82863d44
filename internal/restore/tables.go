package restore

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/micro-nova/streamrestore-go/internal/volume"
)

// lineMax matches the fixed line buffer the table formats were designed for.
const lineMax = 255

// FallbackEntry is one line of the fallback table.
type FallbackEntry struct {
	Name string
	DB   float64
}

// RouteTableEntry is one line of the route table.
type RouteTableEntry struct {
	Name   string
	DB     float64
	MinDB  float64
	HasMin bool
	Master string
}

// SinkVolumeEntry maps a route to the hardware sink whose volume replaces
// per-stream volumes while that route is active.
type SinkVolumeEntry struct {
	Mode string
	Sink string
}

// TableWarning reports a skipped line.
type TableWarning struct {
	Line int
	Msg  string
}

// readLocked reads path under a shared advisory lock and returns its lines.
func readLocked(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		ln := sc.Text()
		if len(ln) > lineMax {
			ln = ln[:lineMax]
		}
		lines = append(lines, strings.TrimRight(ln, "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return lines, nil
}

// ParseFallbackTable reads "name dB" lines. Lines starting with '#' or ';'
// are comments. Unparsable or positive values are skipped with a warning; a
// name without a value fails the whole table.
func ParseFallbackTable(path string) ([]FallbackEntry, []TableWarning, error) {
	lines, err := readLocked(path)
	if err != nil {
		return nil, nil, err
	}
	var out []FallbackEntry
	var warns []TableWarning
	for i, ln := range lines {
		n := i + 1
		if ln == "" || ln[0] == '#' || ln[0] == ';' {
			continue
		}
		j := strings.IndexAny(ln, " \t")
		if j < 0 {
			return nil, warns, fmt.Errorf("%s:%d: too few words", path, n)
		}
		name, rest := ln[:j], strings.TrimSpace(ln[j+1:])
		if name == "" || rest == "" {
			return nil, warns, fmt.Errorf("%s:%d: too few words", path, n)
		}
		db, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			warns = append(warns, TableWarning{n, fmt.Sprintf("couldn't parse %q as a number, not setting entry %s", rest, name)})
			continue
		}
		if db > 0 {
			warns = append(warns, TableWarning{n, "positive dB values are not allowed, not setting entry " + name})
			continue
		}
		out = append(out, FallbackEntry{Name: name, DB: db})
	}
	return out, warns, nil
}

// ParseRouteTable reads "name dB [min_dB [master]]" lines. A line with a
// name but no value ends parsing with an error; the entries read so far are
// still returned.
func ParseRouteTable(path string) ([]RouteTableEntry, error) {
	lines, err := readLocked(path)
	if err != nil {
		return nil, err
	}
	var out []RouteTableEntry
	for i, ln := range lines {
		if ln == "" || ln[0] == '#' {
			continue
		}
		f := strings.Fields(ln)
		if len(f) == 0 {
			continue
		}
		if len(f) < 2 {
			return out, fmt.Errorf("%s:%d: too few words", path, i+1)
		}
		db, err := strconv.ParseFloat(f[1], 64)
		if err != nil {
			continue
		}
		e := RouteTableEntry{Name: f[0], DB: db}
		if len(f) > 2 {
			if min, err := strconv.ParseFloat(f[2], 64); err == nil {
				e.MinDB = min
				e.HasMin = true
			}
		}
		if len(f) > 3 {
			e.Master = f[3]
		}
		out = append(out, e)
	}
	return out, nil
}

// ParseSinkVolumeTable reads "mode:sink" lines.
func ParseSinkVolumeTable(path string) ([]SinkVolumeEntry, error) {
	lines, err := readLocked(path)
	if err != nil {
		return nil, err
	}
	var out []SinkVolumeEntry
	for i, ln := range lines {
		if ln == "" || ln[0] == '#' {
			continue
		}
		mode, sink, _ := strings.Cut(strings.TrimLeft(ln, " \t"), ":")
		if sink == "" {
			return out, fmt.Errorf("%s:%d: failed to parse line", path, i+1)
		}
		out = append(out, SinkVolumeEntry{Mode: mode, Sink: sink})
	}
	return out, nil
}

func monoVolumeFromDB(db float64) volume.CVolume {
	return volume.CVolume{volume.FromDB(db)}
}
