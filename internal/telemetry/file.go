package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/banshee-data/track.replay/internal/metrics"
	"github.com/banshee-data/track.replay/internal/track"
)

// FileSource reads exported tracks named {vehicleID}.json or {vehicleID}.csv
// from a directory.
type FileSource struct {
	Dir string
}

func (s *FileSource) Name() string { return "file" }

// FetchTrack implements Source. Records whose timestamp parses and falls
// outside [from, to] are skipped; unparsable records are passed through so
// normalization can report them.
func (s *FileSource) FetchTrack(ctx context.Context, vehicleID string, from, to time.Time) ([]track.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if vehicleID == "" || vehicleID != filepath.Base(vehicleID) || strings.HasPrefix(vehicleID, ".") {
		return nil, fmt.Errorf("invalid vehicle id %q", vehicleID)
	}

	path, format, err := s.find(vehicleID)
	if err != nil {
		metrics.TelemetryFetches.WithLabelValues(s.Name(), "error").Inc()
		return nil, err
	}
	records, err := ReadFile(path, format)
	if err != nil {
		metrics.TelemetryFetches.WithLabelValues(s.Name(), "error").Inc()
		return nil, err
	}
	metrics.TelemetryFetches.WithLabelValues(s.Name(), "ok").Inc()

	if from.IsZero() && to.IsZero() {
		return records, nil
	}
	out := records[:0]
	for _, rec := range records {
		samples, _ := track.ParseRecords([]track.Record{rec})
		if len(samples) == 1 && !inRange(samples[0].Timestamp, from, to) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Vehicles lists the vehicle IDs with an export in Dir.
func (s *FileSource) Vehicles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.Dir, err)
	}
	seen := make(map[string]bool)
	ids := []string{}
	for _, e := range entries {
		name := e.Name()
		ext := filepath.Ext(name)
		id := strings.TrimSuffix(name, ext)
		if e.IsDir() || id == "" || strings.HasPrefix(name, ".") || (ext != ".json" && ext != ".csv") || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileSource) find(vehicleID string) (string, string, error) {
	for _, format := range []string{"json", "csv"} {
		path := filepath.Join(s.Dir, vehicleID+"."+format)
		if _, err := os.Stat(path); err == nil {
			if err := withinDir(path, s.Dir); err != nil {
				return "", "", err
			}
			return path, format, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", "", err
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrNotFound, vehicleID)
}

// withinDir rejects an existing path whose symlinks resolve outside dir.
func withinDir(path, dir string) error {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	rel, err := filepath.Rel(root, real)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("track file %s resolves outside %s", path, dir)
	}
	return nil
}

// ReadFile decodes a JSON or CSV export. An empty format is taken from the
// file extension, falling back to sniffing the content.
func ReadFile(path, format string) ([]track.Record, error) {
	if format == "" {
		switch ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."); ext {
		case "json", "csv":
			format = ext
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := track.Decode(f, format)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return records, nil
}
