package xform

import (
	"context"
	"database/sql"
	"fmt"

	// Import SQLite driver, exactly as internal/storage/sqlite does.
	_ "modernc.org/sqlite"
)

// OpenSource opens the source database read-only. modernc.org/sqlite's
// "_pragma=..." connection-string idiom is used throughout, matching
// internal/storage/sqlite.New.
func OpenSource(path string) (*sql.DB, error) {
	connStr := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(30000)&_pragma=query_only(1)", path)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, wrapErr(KindStatementFailure, err, "opening source database %s", path)
	}
	if err := db.Ping(); err != nil {
		return nil, wrapErr(KindStatementFailure, err, "pinging source database %s", path)
	}
	return db, nil
}

// OpenTarget opens the target database read-write over a single
// connection. It sets no SQLite exclusive locking mode; exclusivity
// against other transforms comes from AcquireTargetLock's lock file.
// Foreign key checking is deferred until commit (spec.md §4.6 step 2 /
// §7 "Propagation"), so forward references written during P1 don't trip
// constraint checks mid-transform.
func OpenTarget(path string) (*sql.DB, error) {
	connStr := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(30000)&_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=defer_foreign_keys(1)",
		path)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, wrapErr(KindStatementFailure, err, "opening target database %s", path)
	}
	if err := db.Ping(); err != nil {
		return nil, wrapErr(KindStatementFailure, err, "pinging target database %s", path)
	}
	// A single writer connection: the whole transform is single-threaded
	// cooperative (spec.md §5), so a pool larger than one connection
	// would only invite SQLite's own lock contention with itself.
	db.SetMaxOpenConns(1)
	return db, nil
}

// AttachSource attaches the source database file to the target
// connection under the schema name "source", so ClassPlan's insert/
// hydrate statements can reference both source.* and main.* in a single
// statement (spec.md §4.6 step 1, §4.3 item 4's class-id subquery).
func AttachSource(ctx context.Context, target *sql.DB, sourcePath string) error {
	_, err := target.ExecContext(ctx, fmt.Sprintf(`ATTACH DATABASE '%s' AS source`, sourcePath))
	if err != nil {
		return wrapErr(KindStatementFailure, err, "attaching source database %s", sourcePath)
	}
	return nil
}

// DetachSource detaches the source database. The Orchestrator must clear
// its prepared-statement cache before calling this (spec.md §5, "Shared
// resources"): a statement referencing the attached schema cannot
// survive the detach.
func DetachSource(ctx context.Context, target *sql.DB) error {
	_, err := target.ExecContext(ctx, `DETACH DATABASE source`)
	if err != nil {
		return wrapErr(KindStatementFailure, err, "detaching source database")
	}
	return nil
}

// OpenState opens (creating if necessary) the small state SQLite file
// used by SaveState/LoadState.
func OpenState(path string) (*sql.DB, error) {
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, wrapErr(KindStatementFailure, err, "opening state database %s", path)
	}
	if err := db.Ping(); err != nil {
		return nil, wrapErr(KindStatementFailure, err, "pinging state database %s", path)
	}
	return db, nil
}
