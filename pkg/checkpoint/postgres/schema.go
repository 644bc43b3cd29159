package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
)

// schema versions. versions[i] upgrades the schema from version i to i+1.
var versions = []string{
	`
CREATE TABLE "deepff_schema_version" (
	"version" integer NOT NULL PRIMARY KEY
);
CREATE TABLE "deepff_checkpoint" (
	"name" text NOT NULL PRIMARY KEY,
	"iteration" integer NOT NULL CHECK (0 <= "iteration"),
	"stage" text NOT NULL,
	"corpus_size" integer NOT NULL CHECK (0 <= "corpus_size"),
	"new_data" integer[] NOT NULL,
	"initial_size" integer NOT NULL CHECK (0 <= "initial_size"),
	"updated_at" timestamp with time zone NOT NULL DEFAULT now()
);
CREATE TABLE "deepff_ledger" (
	"name" text NOT NULL REFERENCES "deepff_checkpoint" ("name") ON DELETE CASCADE,
	"iteration" integer NOT NULL,
	"system" integer NOT NULL,
	"count" integer NOT NULL CHECK (0 <= "count"),
	PRIMARY KEY ("name", "iteration", "system")
);
`,
}

type execQueryer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// schemaVersion returns the current version. 0 means "no schema".
func schemaVersion(ctx context.Context, conn execQueryer) (int, error) {
	var version *int
	if err := conn.QueryRow(
		ctx, `SELECT max("version") FROM "deepff_schema_version"`,
	).Scan(&version); err != nil {
		if pgerr := new(pgconn.PgError); errors.As(err, &pgerr) {
			if pgerr.Code == pgerrcode.UndefinedTable {
				return 0, nil
			}
		}
		return -1, err
	}
	if version == nil {
		return 0, nil
	}
	return *version, nil
}

// upgrade applies versions newer than the current one.
func upgrade(ctx context.Context, tx pgx.Tx) error {
	// serialize concurrent upgrades.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('deepff_schema'))`); err != nil {
		return err
	}

	// a failed query aborts the transaction. query in a savepoint and roll it back.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	current, err := schemaVersion(ctx, sp)
	if rerr := sp.Rollback(ctx); rerr != nil {
		return rerr
	}
	if err != nil {
		return err
	}
	if len(versions) < current {
		return fmt.Errorf("schema version %d is newer than this program (%d)", current, len(versions))
	}
	for v := current; v < len(versions); v++ {
		if _, err := tx.Exec(ctx, versions[v]); err != nil {
			return fmt.Errorf("upgrading schema to version %d: %w", v+1, err)
		}
		if _, err := tx.Exec(
			ctx, `INSERT INTO "deepff_schema_version" ("version") VALUES ($1)`, v+1,
		); err != nil {
			return err
		}
	}
	return nil
}
