// Package migrations embeds the schema migration files applied by
// signalstore.Open. Adapted from the teacher repo's
// system/platform/migrations/migrations.go embed-and-apply-in-order shape,
// extended with a schema_migrations version table (the teacher's version
// has no version bookkeeping; spec.md §4.2 requires one explicitly).
package migrations

import (
	"embed"
	"sort"
)

//go:embed *.sql
var files embed.FS

// File is one embedded migration, named by its lexical filename so
// ordering is a plain string sort.
type File struct {
	Name string
	SQL  string
}

// Load returns every embedded .sql file in lexical filename order.
func Load() ([]File, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]File, 0, len(names))
	for _, name := range names {
		b, err := files.ReadFile(name)
		if err != nil {
			return nil, err
		}
		out = append(out, File{Name: name, SQL: string(b)})
	}
	return out, nil
}
