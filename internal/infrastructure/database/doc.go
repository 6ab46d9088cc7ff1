// Package database provides SQLite connectivity for Signpost Core.
//
// It owns the connection lifecycle (WAL mode, busy timeout, 0600 file
// permissions) and applies versioned schema migrations from any fs.FS,
// normally the embedded migrations package.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
