package infra

import (
	"context"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const postgresImage = "postgres:16-alpine"

// Postgres is a throwaway server. The zero value stands for a database the
// run does not own, so Terminate is a no-op.
type Postgres struct {
	container *postgres.PostgresContainer
}

// StartPostgres boots a container sized for the stress actors and returns
// its DSN.
func StartPostgres(ctx context.Context) (*Postgres, string, error) {
	c, err := postgres.Run(ctx,
		postgresImage,
		postgres.WithDatabase(localDatabase),
		postgres.WithUsername(localRole),
		postgres.WithPassword(localPassword),
		testcontainers.CustomizeRequest(testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Cmd: []string{"postgres", "-c", "max_connections=200", "-c", "fsync=off"},
			},
		}),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}
	return &Postgres{container: c}, dsn, nil
}

func (p *Postgres) Terminate(ctx context.Context) error {
	if p == nil || p.container == nil {
		return nil
	}
	return p.container.Terminate(ctx)
}
