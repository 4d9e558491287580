// Command import loads a JSON or CSV track file into the SQLite telemetry
// export so it can be replayed with telemetry.mode=sqlite.
//
// Usage:
//
//	go run ./cmd/import -db data/telemetry.db -vehicle KA01AB1234 -file track.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banshee-data/track.replay/internal/monitoring"
	"github.com/banshee-data/track.replay/internal/telemetry"
)

func main() {
	var dbPath, vehicle, file, format string
	flag.StringVar(&dbPath, "db", "data/telemetry.db", "path to sqlite db")
	flag.StringVar(&vehicle, "vehicle", "", "vehicle id to import under (required)")
	flag.StringVar(&file, "file", "", "JSON or CSV track file (required)")
	flag.StringVar(&format, "format", "", "json or csv (default: from extension)")
	flag.Parse()

	monitoring.Init(monitoring.Config{Level: "info", Format: "console"})
	if err := run(context.Background(), dbPath, vehicle, file, format, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "import: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, dbPath, vehicle, file, format string, out io.Writer) error {
	if vehicle == "" || file == "" {
		return fmt.Errorf("-vehicle and -file are required")
	}
	records, err := telemetry.ReadFile(file, format)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := telemetry.OpenSQLite(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := db.Import(ctx, vehicle, filepath.Base(file), records)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "imported %d samples for %s into %s (%d dropped)\n", res.Written, vehicle, dbPath, res.Dropped)
	if v, _, err := db.MigrateVersion(); err == nil {
		fmt.Fprintf(out, "schema version %d\n", v)
	}
	return nil
}
