package pg

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Connection is the subset of pgconn.PgConn the engine depends on.
// Production connections are *pgconn.PgConn; tests stub this out.
type Connection interface {
	Exec(ctx context.Context, sql string) *pgconn.MultiResultReader
	IsClosed() bool
	Close(ctx context.Context) error
}

// TrustPolicy controls certificate verification for one endpoint.
// AcceptInvalidCerts is an explicit opt-in for self-signed targets.
type TrustPolicy struct {
	AcceptInvalidCerts bool
}

func NewConnection(ctx context.Context, dsn string, trust TrustPolicy) (Connection, error) {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	if trust.AcceptInvalidCerts {
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	return conn, nil
}
