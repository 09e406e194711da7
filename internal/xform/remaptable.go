package xform

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Run is a contiguous, non-overlapping block of the mapping:
// source ids [From, From+Length) map to target ids [To, To+Length).
type Run struct {
	From   Id
	To     Id
	Length uint64
}

// contains reports whether src falls inside this run.
func (r Run) contains(src Id) bool {
	return src >= r.From && uint64(src-r.From) < r.Length
}

// CompactRemapTable is a dense integer->integer mapping stored as sorted,
// non-overlapping runs. Consecutive source ids assigned during a single
// bulk-copy pass usually map to consecutive target ids, so a handful of
// runs covers millions of rows.
type CompactRemapTable struct {
	runs []Run
}

// NewCompactRemapTable returns an empty table.
func NewCompactRemapTable() *CompactRemapTable {
	return &CompactRemapTable{}
}

// Remap inserts a single source->target mapping. If it extends the last
// run (src == lastRun.From+lastRun.Length and tgt == lastRun.To+lastRun.Length)
// the run is extended in place; otherwise a new run is inserted at its
// sorted position, keeping the runs in ascending From order for Get.
//
// Overlapping inserts (a src id already covered by an existing run, with
// a different target) are a fatal programming error: the mapping must be
// a function, and the Orchestrator only ever calls Remap once per source
// id during a single pass.
func (t *CompactRemapTable) Remap(src, tgt Id) error {
	if n := len(t.runs); n > 0 {
		last := &t.runs[n-1]
		if src == last.From+Id(last.Length) && tgt == last.To+Id(last.Length) {
			last.Length++
			return nil
		}
	}

	if existing, ok := t.Get(src); ok {
		if existing != tgt {
			return newErr(KindStatementFailure,
				"remap table: source id %s already maps to %s, cannot remap to %s", src, existing, tgt)
		}
		return nil
	}

	i := sort.Search(len(t.runs), func(i int) bool {
		return t.runs[i].From > src
	})
	t.runs = append(t.runs, Run{})
	copy(t.runs[i+1:], t.runs[i:])
	t.runs[i] = Run{From: src, To: tgt, Length: 1}
	return nil
}

// Get performs a binary search for the run containing src and returns the
// corresponding target id.
func (t *CompactRemapTable) Get(src Id) (Id, bool) {
	if len(t.runs) == 0 {
		return InvalidId, false
	}
	// Find the last run whose From <= src.
	i := sort.Search(len(t.runs), func(i int) bool {
		return t.runs[i].From > src
	})
	if i == 0 {
		return InvalidId, false
	}
	r := t.runs[i-1]
	if !r.contains(src) {
		return InvalidId, false
	}
	return r.To + Id(src-r.From), true
}

// Runs returns the runs in ascending From order. Callers must not mutate
// the returned slice.
func (t *CompactRemapTable) Runs() []Run {
	return t.runs
}

// Len reports the total number of source ids covered by the table.
func (t *CompactRemapTable) Len() int {
	var n uint64
	for _, r := range t.runs {
		n += r.Length
	}
	return int(n)
}

// FlushToTemp replicates the table's runs into a temp SQL table
// (SourceId, TargetId, Length) so SQL remap expressions of the form
//
//	(SELECT TargetId + (:v - SourceId) FROM tbl
//	 WHERE :v BETWEEN SourceId AND SourceId + Length - 1)
//
// resolve inline during the hydrate-phase UPDATE. The temp table is
// created (if missing) and truncated before the runs are (re-)inserted,
// so FlushToTemp is safe to call again after a later pass adds more runs.
func (t *CompactRemapTable) FlushToTemp(ctx context.Context, db *sql.DB, tableName string) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TEMP TABLE IF NOT EXISTS %s (SourceId INTEGER, TargetId INTEGER, Length INTEGER)`, tableName)); err != nil {
		return wrapErr(KindStatementFailure, err, "creating temp remap table %s", tableName)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, tableName)); err != nil {
		return wrapErr(KindStatementFailure, err, "clearing temp remap table %s", tableName)
	}

	stmt, err := db.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (SourceId, TargetId, Length) VALUES (?, ?, ?)`, tableName))
	if err != nil {
		return wrapErr(KindStatementFailure, err, "preparing insert into %s", tableName)
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range t.runs {
		if _, err := stmt.ExecContext(ctx, uint64(r.From), uint64(r.To), r.Length); err != nil {
			return wrapErr(KindStatementFailure, err, "flushing run %v into %s", r, tableName)
		}
	}
	return nil
}

// remapExprSQL returns the inline remap expression used by ClassPlan
// statements, reading from the temp table tableName, substituting the
// bound parameter placeholder (e.g. ":b_ParentId") for :v.
func remapExprSQL(tableName, placeholder string) string {
	return fmt.Sprintf(
		`(SELECT TargetId + (%s - SourceId) FROM %s WHERE %s BETWEEN SourceId AND SourceId + Length - 1)`,
		placeholder, tableName, placeholder)
}
