package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/snapflowio/reconcile/internal/pg"
	"github.com/snapflowio/reconcile/logger"
)

var (
	ErrPoolTimeout = errors.New("connection pool acquire timed out")
	ErrPoolClosed  = errors.New("connection pool is closed")
)

// DialFunc establishes one connection. Production pools dial Postgres;
// tests inject stubs.
type DialFunc func(ctx context.Context) (pg.Connection, error)

// Pool is a bounded set of database connections. Acquire blocks when the
// pool is exhausted, up to acquireTimeout.
type Pool struct {
	name           string
	pool           chan pg.Connection
	conns          []pg.Connection
	acquireTimeout time.Duration
	mu             sync.Mutex
	closed         bool
}

func New(ctx context.Context, name string, size int, acquireTimeout time.Duration, dial DialFunc) (*Pool, error) {
	if size <= 0 {
		size = 5
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}

	p := &Pool{
		name:           name,
		pool:           make(chan pg.Connection, size),
		conns:          make([]pg.Connection, 0, size),
		acquireTimeout: acquireTimeout,
	}

	logger.Info("[pool] creating connection pool", "name", name, "size", size)
	for i := 0; i < size; i++ {
		conn, err := dial(ctx)
		if err != nil {
			p.Close(ctx)
			return nil, fmt.Errorf("create pool connection: %w", err)
		}

		p.conns = append(p.conns, conn)
		p.pool <- conn
	}

	logger.Info("[pool] connection pool ready", "name", name, "size", size)
	return p, nil
}

func (p *Pool) Acquire(ctx context.Context) (pg.Connection, error) {
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case conn, ok := <-p.pool:
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPoolClosed, p.name)
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrPoolTimeout, p.name, p.acquireTimeout)
	}
}

// Release returns a connection to the pool. The mutex is held across
// the send so a concurrent Close cannot close the channel mid-return.
func (p *Pool) Release(conn pg.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	select {
	case p.pool <- conn:
	default:
		logger.Warn("[pool] pool is full, connection not returned", "name", p.name)
	}
}

// With borrows a connection for the duration of fn and guarantees release
// on every exit path.
func (p *Pool) With(ctx context.Context, fn func(conn pg.Connection) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)

	return fn(conn)
}

func (p *Pool) Size() int {
	return cap(p.pool)
}

func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	logger.Info("[pool] closing all connections", "name", p.name, "count", len(p.conns))

	for _, conn := range p.conns {
		if err := conn.Close(ctx); err != nil {
			logger.Warn("[pool] error closing connection", "name", p.name, "error", err)
		}
	}

	close(p.pool)
	p.conns = nil
}
