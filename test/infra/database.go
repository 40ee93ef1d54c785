package infra

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	localDatabase = "conveyflow_stress"
	localRole     = "conveyflow"
	localPassword = "conveyflow"
)

// localAddr honours PGHOST and PGPORT, defaulting to 127.0.0.1:5432.
func localAddr() string {
	host, port := os.Getenv("PGHOST"), os.Getenv("PGPORT")
	if host == "" {
		host = "127.0.0.1"
	}
	if port == "" {
		port = "5432"
	}
	return net.JoinHostPort(host, port)
}

// InitLocalDatabase recreates conveyflow_stress on a PostgreSQL already
// running on this machine, for runs without Docker.
func InitLocalDatabase(ctx context.Context) (string, error) {
	addr := localAddr()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return "", fmt.Errorf("no PostgreSQL listening on %s: %w", addr, err)
	}
	conn.Close()

	user := os.Getenv("USER")
	adminDSNs := []string{
		fmt.Sprintf("postgres://postgres@%s/postgres?sslmode=disable", addr),
		fmt.Sprintf("postgres://postgres:postgres@%s/postgres?sslmode=disable", addr),
		fmt.Sprintf("postgres://%s@%s/postgres?sslmode=disable", user, addr),
	}

	var admin *pgx.Conn
	for _, dsn := range adminDSNs {
		admin, err = pgx.Connect(ctx, dsn)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("connect as admin: %w", err)
	}
	defer admin.Close(ctx)

	role := pgx.Identifier{localRole}.Sanitize()
	database := pgx.Identifier{localDatabase}.Sanitize()
	stmts := []string{
		fmt.Sprintf("DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD '%s'; EXCEPTION WHEN duplicate_object THEN NULL; END $$;", role, localPassword),
		fmt.Sprintf("SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()", localDatabase),
		fmt.Sprintf("DROP DATABASE IF EXISTS %s", database),
		fmt.Sprintf("CREATE DATABASE %s OWNER %s", database, role),
	}
	for _, stmt := range stmts {
		if _, err := admin.Exec(ctx, stmt); err != nil {
			return "", fmt.Errorf("prepare %s: %w", localDatabase, err)
		}
	}

	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", localRole, localPassword, addr, localDatabase), nil
}
