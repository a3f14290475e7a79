package pool

import (
	"context"
	"fmt"

	"github.com/snapflowio/reconcile/config"
	"github.com/snapflowio/reconcile/internal/pg"
)

// Manager owns the two independent pools of a run: the authoritative
// source database and the reconstruction target.
type Manager struct {
	Source *Pool
	Target *Pool
}

func NewManager(ctx context.Context, cfg *config.Config) (*Manager, error) {
	source, err := New(ctx, "source", cfg.MaxConnections, cfg.AcquireTimeout, dialer(cfg.Source))
	if err != nil {
		return nil, fmt.Errorf("create source pool: %w", err)
	}

	target, err := New(ctx, "target", cfg.MaxConnections, cfg.AcquireTimeout, dialer(cfg.Target))
	if err != nil {
		source.Close(ctx)
		return nil, fmt.Errorf("create target pool: %w", err)
	}

	return &Manager{Source: source, Target: target}, nil
}

func (m *Manager) Close(ctx context.Context) {
	if m.Source != nil {
		m.Source.Close(ctx)
	}
	if m.Target != nil {
		m.Target.Close(ctx)
	}
}

func dialer(endpoint config.Endpoint) DialFunc {
	return func(ctx context.Context) (pg.Connection, error) {
		return pg.NewConnection(ctx, endpoint.DSN, endpoint.Trust)
	}
}
