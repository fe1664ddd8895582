// Package database provides SQLite connectivity for the gateway's command
// audit trail.
//
// It manages the connection (WAL mode, busy timeout, single writer) and
// versioned schema migrations read from an fs.FS.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: "./data/audit.db", WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql. Applied versions are recorded in the
// schema_migrations table.
//
// The database file is created with 0600 permissions. All queries use
// parameterised statements.
package database
