// Package pg bootstraps PostgreSQL access on top of pgx/v5: a pooled
// connection with startup retries, goose migrations from an embedded file
// system, a health check closure, a transaction helper and SQLSTATE
// classification helpers.
//
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, migrations.FS, cfg, log); err != nil {
//	    return err
//	}
package pg
