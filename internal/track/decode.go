package track

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
)

// envelopeKeys are the array fields the telemetry API wraps samples in.
var envelopeKeys = []string{"data", "samples", "points", "locations", "items"}

// DecodeJSON reads either a JSON array of records or an object holding one
// under a data/samples/points/locations/items key. Numbers are preserved as
// json.Number so large epoch values keep their precision.
func DecodeJSON(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode track JSON: %w", err)
	}

	switch v := doc.(type) {
	case []any:
		return toRecords(v), nil
	case map[string]any:
		for _, k := range envelopeKeys {
			if arr, ok := v[k].([]any); ok {
				return toRecords(arr), nil
			}
		}
		return nil, errors.New("track JSON object has no samples array")
	default:
		return nil, fmt.Errorf("track JSON must be an array or object, got %T", doc)
	}
}

func toRecords(arr []any) []Record {
	out := make([]Record, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			// Kept as an empty record so Normalize reports it with its index.
			out = append(out, Record{})
			continue
		}
		out = append(out, Record(m))
	}
	return out
}

// DecodeCSV reads comma-separated records whose first row names the fields.
// Empty cells are omitted from the record.
func DecodeCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("track CSV is empty")
		}
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var out []Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row %d: %w", len(out)+1, err)
		}
		rec := make(Record, len(header))
		for i, cell := range row {
			if i >= len(header) || strings.TrimSpace(cell) == "" {
				continue
			}
			rec[header[i]] = cell
		}
		out = append(out, rec)
	}
	return out, nil
}

// Decode picks a decoder from a format name ("json" or "csv"). An empty
// format sniffs the first non-space byte.
func Decode(r io.Reader, format string) ([]Record, error) {
	switch strings.ToLower(format) {
	case "json":
		return DecodeJSON(r)
	case "csv":
		return DecodeCSV(r)
	case "":
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
			return DecodeJSON(bytes.NewReader(data))
		}
		return DecodeCSV(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unsupported track format %q", format)
	}
}
