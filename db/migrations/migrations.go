// Package migrations embeds the versioned schema for transcription_jobs.
//
// Files follow golang-migrate naming (VERSION_name.up.sql / .down.sql), one
// directory per SQL dialect. They are applied by cmd/migrate; the service
// itself never changes the schema.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// FS returns the migration files for a dialect ("postgres" or "sqlite").
func FS(dialect string) (fs.FS, error) {
	switch dialect {
	case "postgres", "sqlite":
		return fs.Sub(files, dialect)
	default:
		return nil, fmt.Errorf("migrations: unsupported dialect %q", dialect)
	}
}

// UpScripts returns the contents of every *.up.sql file for dialect in version order.
func UpScripts(dialect string) ([]string, error) {
	sub, err := FS(dialect)
	if err != nil {
		return nil, err
	}
	names, err := fs.Glob(sub, "*.up.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, n := range names {
		b, err := fs.ReadFile(sub, n)
		if err != nil {
			return nil, fmt.Errorf("migrations: read %s: %w", n, err)
		}
		out = append(out, strings.TrimSpace(string(b)))
	}
	return out, nil
}
