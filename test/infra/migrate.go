package infra

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"conveyflow/db"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AppName tags every stress connection so chaos only kills our own backends.
const AppName = "conveyflow-stress"

// ApplyMigrations runs the embedded schema migrations against dsn and returns
// a pool on the migrated schema. When isolate is true the run gets its own
// schema, selected through search_path, which the returned teardown drops.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cleanup := func(context.Context) error { return nil }
	params := map[string]string{"application_name": AppName}

	if isolate {
		schema := fmt.Sprintf("stress_run_%d", time.Now().UnixNano())
		ident := pgx.Identifier{schema}.Sanitize()

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect for schema: %w", err)
		}
		if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", ident)); err != nil {
			conn.Close(ctx)
			return nil, nil, fmt.Errorf("create schema %s: %w", schema, err)
		}
		conn.Close(ctx)

		params["search_path"] = schema
		cleanup = func(ctx context.Context) error {
			dropConn, err := pgx.Connect(ctx, dsn)
			if err != nil {
				return err
			}
			defer dropConn.Close(ctx)
			_, err = dropConn.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", ident))
			return err
		}
	}

	runDSN, err := withParams(dsn, params)
	if err != nil {
		_ = cleanup(ctx)
		return nil, nil, err
	}
	if err := db.MigrateUp(runDSN); err != nil {
		_ = cleanup(ctx)
		return nil, nil, err
	}

	pool, err := db.NewPool(ctx, runDSN, db.PoolOptions{MaxConns: 32})
	if err != nil {
		_ = cleanup(ctx)
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}
	return pool, cleanup, nil
}

// withParams adds runtime parameters to a URL-form DSN.
func withParams(dsn string, params map[string]string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
