package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGContainer wraps the throwaway Postgres the stress run talks to. The zero
// value stands in for an externally managed database; Terminate on it is a
// no-op.
type PGContainer struct {
	C *postgres.PostgresContainer
}

const (
	stressDBName = "outreach"
	stressDBUser = "outreach"
	stressDBPass = "outreach-stress"
)

// StartPostgres16 provisions a disposable Postgres 16 for a stress run.
// A non-empty overrideDSN, or the STRESS_TEST_PG_DSN environment variable,
// points the run at an existing database instead and no container starts.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv("STRESS_TEST_PG_DSN"); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	c, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase(stressDBName),
		postgres.WithUsername(stressDBUser),
		postgres.WithPassword(stressDBPass),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: c}, dsn, nil
}

// Terminate stops the container if one was actually started.
func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
