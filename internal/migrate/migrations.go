// Package migrate applies the embedded schema revisions for the
// garland database.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Migrate brings the schema up to the newest embedded revision. The
// whole upgrade runs in one transaction against a single-row
// schema_version table, so a failed statement leaves the schema where
// it was and the next run retries from there.
func Migrate(db *sql.DB) error {
	names, err := revisions()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := appliedVersion(tx)
	if err != nil {
		return err
	}
	for _, name := range names {
		v := revisionNumber(name)
		if v <= current {
			continue
		}
		ddl, err := schemaFS.ReadFile("sql/" + name)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(ddl)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, v); err != nil {
			return fmt.Errorf("record %s: %w", name, err)
		}
		current = v
	}
	return tx.Commit()
}

// revisions lists the embedded sql files ordered by numeric prefix. A
// file without a <number>_ prefix is a packaging mistake and fails
// loudly.
func revisions() ([]string, error) {
	entries, err := schemaFS.ReadDir("sql")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if revisionNumber(e.Name()) < 0 {
			return nil, fmt.Errorf("migration %q has no numeric prefix", e.Name())
		}
		names = append(names, e.Name())
	}
	sort.Slice(names, func(i, j int) bool {
		return revisionNumber(names[i]) < revisionNumber(names[j])
	})
	return names, nil
}

func revisionNumber(name string) int {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return -1
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return -1
	}
	return v
}

// appliedVersion reads the single schema_version row, seeding it at 0
// on a fresh database.
func appliedVersion(tx *sql.Tx) (int, error) {
	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("ensure schema_version: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_version(version) SELECT 0 WHERE NOT EXISTS (SELECT 1 FROM schema_version)`); err != nil {
		return 0, fmt.Errorf("seed schema_version: %w", err)
	}
	var v int
	if err := tx.QueryRow(`SELECT version FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}
