package platform

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// NewPostgresPool opens a database/sql connection pool against Postgres
// through the pgx stdlib driver, retrying the initial ping with bounded
// exponential backoff — deployments on managed Postgres routinely see the
// database come up a few seconds after the application container.
func NewPostgresPool(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	pingErr := backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(bo, ctx))
	if pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", pingErr)
	}

	return db, nil
}
