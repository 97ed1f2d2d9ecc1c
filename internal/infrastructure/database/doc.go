// Package database provides SQLite connectivity for devlink.
//
// It stores the paired-device records and the per-module channel
// configuration, and manages:
//   - The connection, with WAL mode and a busy timeout
//   - Versioned schema migrations read from MigrationsFS
//   - Lifecycle and health checks
//
// All queries use parameterised statements. The database file is created
// with 0600 permissions because device records hold bearer tokens.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{
//	    Path:        cfg.Database.Path,
//	    WALMode:     cfg.Database.WALMode,
//	    BusyTimeout: cfg.Database.BusyTimeout,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are NULLABLE or carry a DEFAULT,
// and every .up.sql has a matching .down.sql.
package database
