package klookup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/birdayz/keyflow/kvstore"
)

// Entry is one reference-data record: numeric id mapped to a display name.
type Entry struct {
	ID   int64
	Name string
}

// ParseEntries reads line-oriented "id,name" reference data. The name is
// everything after the first comma. Blank lines are skipped; any malformed
// line fails the whole load, since broken reference data is fatal to
// pipeline setup rather than a per-record problem.
func ParseEntries(r io.Reader) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		idPart, name, ok := strings.Cut(line, ",")
		if !ok {
			return nil, fmt.Errorf("reference data line %d: missing comma in %q", lineNo, line)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(idPart), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("reference data line %d: bad id %q: %w", lineNo, idPart, err)
		}
		entries = append(entries, Entry{ID: id, Name: name})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read reference data: %w", err)
	}
	return entries, nil
}

// LoadFile reads reference data from a file.
func LoadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference data: %w", err)
	}
	defer f.Close()

	entries, err := ParseEntries(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// ToTable indexes entries by id.
func ToTable(entries []Entry) map[int64]string {
	table := make(map[int64]string, len(entries))
	for _, e := range entries {
		table[e.ID] = e.Name
	}
	return table
}

// FromFile builds a hash-join load function reading a reference file at
// job start.
func FromFile(path string) func(ctx context.Context) (map[int64]string, error) {
	return func(ctx context.Context) (map[int64]string, error) {
		entries, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		return ToTable(entries), nil
	}
}

// SeedMap writes entries into a kvstore map, e.g. to pre-populate the live
// lookup strategy from a reference file.
func SeedMap(ctx context.Context, m *kvstore.Map[int64, string], entries []Entry) error {
	for _, e := range entries {
		if err := m.Put(ctx, e.ID, e.Name); err != nil {
			return fmt.Errorf("seed reference entry %d: %w", e.ID, err)
		}
	}
	return nil
}
