package xform

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/mod/semver"
)

// stateSchemaVersion is stamped into every saved state file. Bumping it
// is a breaking change to the on-disk layout; LoadState refuses to read
// a file stamped with any newer version than this binary's, the same way cmd/bd's daemon protects against a
// mismatched on-disk format using golang.org/x/mod/semver comparisons.
const stateSchemaVersion = "v1.0.0"

// SaveState persists the four remap tables into a state SQLite database,
// so a crashed transform can resume (spec.md §3 "Lifecycle", §6 "State
// file layout"). The four tables are named exactly as spec.md §6
// prescribes: ElementIdRemaps, AspectIdRemaps, CodeSpecIdRemaps,
// FontIdRemaps.
func (c *RemapContext) SaveState(ctx context.Context, state *sql.DB) error {
	if _, err := state.ExecContext(ctx, stateSchemaDDL); err != nil {
		return wrapErr(KindStatementFailure, err, "initializing state schema")
	}
	if _, err := state.ExecContext(ctx,
		`INSERT OR REPLACE INTO state_meta (key, value) VALUES ('schema_version', ?)`, stateSchemaVersion); err != nil {
		return wrapErr(KindStatementFailure, err, "stamping state schema version")
	}

	tables := []struct {
		name  string
		table *CompactRemapTable
	}{
		{"ElementIdRemaps", c.Element},
		{"AspectIdRemaps", c.Aspect},
		{"CodeSpecIdRemaps", c.CodeSpec},
		{"FontIdRemaps", c.Font},
	}
	for _, t := range tables {
		if err := saveRemapTable(ctx, state, t.name, t.table); err != nil {
			return err
		}
	}
	return nil
}

func saveRemapTable(ctx context.Context, state *sql.DB, table string, t *CompactRemapTable) error {
	if _, err := state.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		return wrapErr(KindStatementFailure, err, "clearing state table %s", table)
	}
	stmt, err := state.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (Source, Target, Length) VALUES (?, ?, ?)`, table))
	if err != nil {
		return wrapErr(KindStatementFailure, err, "preparing state insert for %s", table)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range t.Runs() {
		if _, err := stmt.ExecContext(ctx, uint64(r.From), uint64(r.To), r.Length); err != nil {
			return wrapErr(KindStatementFailure, err, "saving run into %s", table)
		}
	}
	return nil
}

// LoadState reads a previously saved state file back into a fresh
// RemapContext, for resuming an interrupted transform.
func LoadState(ctx context.Context, source *sql.DB, state *sql.DB) (*RemapContext, error) {
	var version string
	err := state.QueryRowContext(ctx, `SELECT value FROM state_meta WHERE key = 'schema_version'`).Scan(&version)
	if err == sql.ErrNoRows {
		return nil, newErr(KindStatementFailure, "state file has no schema_version marker; cannot resume")
	}
	if err != nil {
		return nil, wrapErr(KindStatementFailure, err, "reading state schema version")
	}
	if semver.Compare(version, stateSchemaVersion) > 0 {
		return nil, newErr(KindStatementFailure,
			"state file schema version %s is newer than this binary understands (%s)", version, stateSchemaVersion)
	}

	ctxRemap := NewRemapContext(source)
	tables := []struct {
		name  string
		table *CompactRemapTable
	}{
		{"ElementIdRemaps", ctxRemap.Element},
		{"AspectIdRemaps", ctxRemap.Aspect},
		{"CodeSpecIdRemaps", ctxRemap.CodeSpec},
		{"FontIdRemaps", ctxRemap.Font},
	}
	for _, t := range tables {
		if err := loadRemapTable(ctx, state, t.name, t.table); err != nil {
			return nil, err
		}
	}
	return ctxRemap, nil
}

func loadRemapTable(ctx context.Context, state *sql.DB, table string, t *CompactRemapTable) error {
	rows, err := state.QueryContext(ctx, fmt.Sprintf(`SELECT Source, Target, Length FROM %s ORDER BY Source`, table))
	if err != nil {
		return wrapErr(KindStatementFailure, err, "reading state table %s", table)
	}
	defer rows.Close()

	// The saved runs already include the root-id runs NewRemapContext
	// seeded, so they replace the seeded runs rather than follow them.
	t.runs = t.runs[:0]
	for rows.Next() {
		var from, to uint64
		var length uint64
		if err := rows.Scan(&from, &to, &length); err != nil {
			return wrapErr(KindStatementFailure, err, "scanning state table %s", table)
		}
		t.runs = append(t.runs, Run{From: Id(from), To: Id(to), Length: length})
	}
	return rows.Err()
}

const stateSchemaDDL = `
CREATE TABLE IF NOT EXISTS state_meta (key TEXT PRIMARY KEY, value TEXT NOT NULL);
CREATE TABLE IF NOT EXISTS ElementIdRemaps (Source INTEGER, Target INTEGER, Length INTEGER);
CREATE TABLE IF NOT EXISTS AspectIdRemaps (Source INTEGER, Target INTEGER, Length INTEGER);
CREATE TABLE IF NOT EXISTS CodeSpecIdRemaps (Source INTEGER, Target INTEGER, Length INTEGER);
CREATE TABLE IF NOT EXISTS FontIdRemaps (Source INTEGER, Target INTEGER, Length INTEGER);
`
