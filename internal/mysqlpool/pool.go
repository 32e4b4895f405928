// Package mysqlpool implements the per-process idle-connection cache
// described by spec.md §4.F: Pool.DB hands out a Database backed by either
// a recycled, ping-verified Connection or a freshly dialed one, and
// Database.Close (via the Releaser it is constructed with) returns a
// healthy Connection to the idle list.
package mysqlpool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nativesql/mysqlclient/internal/dsn"
	"github.com/nativesql/mysqlclient/internal/metrics"
	"github.com/nativesql/mysqlclient/internal/mysqlconn"
	"github.com/nativesql/mysqlclient/internal/mysqldb"
)

// Defaults holds the pool-wide settings a Pool is constructed or
// reconfigured with, mirroring the teacher's config.PoolDefaults shape but
// scoped to one backend instead of per-tenant.
type Defaults struct {
	MaxConnections int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
}

const defaultMaxConnections = 5

// withFallbacks fills in defaultMaxConnections only where MaxConnections is
// negative. A caller that constructs Defaults directly without setting the
// field gets zero, which is kept: zero is a valid, meaningful value here
// ("cache nothing": every DB call dials fresh and enqueue drops the
// connection back out immediately) and must not be coerced away.
func (d Defaults) withFallbacks() Defaults {
	if d.MaxConnections < 0 {
		d.MaxConnections = defaultMaxConnections
	}
	return d
}

type idleConn struct {
	conn     *mysqlconn.Connection
	enqueued time.Time
	dialedAt time.Time
}

// Pool caches idle Connections for one DSN, keyed implicitly by the
// process that created it: on an observed pid change (e.g. after fork) the
// idle list is dropped without sending COM_QUIT, since the sockets were
// duplicated into the child and the parent process remains responsible
// for them.
type Pool struct {
	mu       sync.Mutex
	dsn      *dsn.DSN
	defaults Defaults
	pid      int
	idle     []*idleConn

	log     *slog.Logger
	metrics *metrics.Collector

	stopReaper chan struct{}
	reaperOnce sync.Once
}

// SetMetrics attaches a Collector that every Connection/Database the Pool
// hands out reports against, and that Ping reports acquisition failures
// to. A nil metrics field (the default) is a no-op.
func (p *Pool) SetMetrics(m *metrics.Collector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = m
}

// New returns a Pool for d, applying defaults.withFallbacks().
func New(d *dsn.DSN, defaults Defaults, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		dsn:        d,
		defaults:   defaults.withFallbacks(),
		pid:        os.Getpid(),
		log:        log,
		stopReaper: make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// UpdateDefaults applies newly loaded pool defaults (e.g. from a config
// hot-reload). Existing idle connections are not evicted; the new caps
// apply on their next enqueue/reap.
func (p *Pool) UpdateDefaults(defaults Defaults) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaults = defaults.withFallbacks()
}

// DB returns a Database backed by a healthy Connection: a recycled idle one
// if any pings successfully, otherwise a freshly dialed one.
func (p *Pool) DB(ctx context.Context) (*mysqldb.Database, error) {
	p.resetOnFork()

	p.mu.Lock()
	m := p.metrics
	p.mu.Unlock()

	for {
		conn, ok := p.popIdle()
		if !ok {
			break
		}
		if conn.Ping(ctx) {
			return p.newDatabase(conn, m), nil
		}
		p.log.Debug("mysqlpool: discarding unhealthy idle connection")
		_ = conn.Disconnect()
	}

	conn := mysqlconn.New(p.log)
	conn.SetMetrics(m)
	if err := conn.Connect(ctx, p.dsn); err != nil {
		return nil, fmt.Errorf("mysqlpool: dialing new connection: %w", err)
	}
	p.log.Debug("mysqlpool: dialed new connection")
	return p.newDatabase(conn, m), nil
}

func (p *Pool) newDatabase(conn *mysqlconn.Connection, m *metrics.Collector) *mysqldb.Database {
	db := mysqldb.New(conn, p, p.log)
	db.SetMetrics(m)
	return db
}

// resetOnFork clears the idle list if the current pid differs from the
// one recorded at construction or last reset.
func (p *Pool) resetOnFork() {
	p.mu.Lock()
	defer p.mu.Unlock()
	pid := os.Getpid()
	if pid == p.pid {
		return
	}
	p.log.Warn("mysqlpool: pid changed, dropping idle connections without COM_QUIT", "old_pid", p.pid, "new_pid", pid)
	p.idle = nil
	p.pid = pid
}

func (p *Pool) popIdle() (*mysqlconn.Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return nil, false
	}
	last := len(p.idle) - 1
	ic := p.idle[last]
	p.idle = p.idle[:last]
	return ic.conn, true
}

// Release implements mysqldb.Releaser: it is invoked by Database.Close.
// A Connection not in the Idle phase (e.g. closed after a network error)
// is discarded rather than re-enqueued.
func (p *Pool) Release(ctx context.Context, conn *mysqlconn.Connection) {
	if conn.Phase() != mysqlconn.Idle || !conn.Ping(ctx) {
		_ = conn.Disconnect()
		return
	}
	p.enqueue(conn)
}

// enqueue appends conn to the idle list, then drops connections from the
// front (oldest first) while the list exceeds max_connections.
func (p *Pool) enqueue(conn *mysqlconn.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.idle = append(p.idle, &idleConn{conn: conn, enqueued: now, dialedAt: now})
	for len(p.idle) > p.defaults.MaxConnections {
		dropped := p.idle[0]
		p.idle = p.idle[1:]
		go func(c *mysqlconn.Connection) { _ = c.Disconnect() }(dropped.conn)
	}
}

// Ping acquires a connection, pings the backend, and releases it back to
// the pool. It reports whether the backend answered.
func (p *Pool) Ping(ctx context.Context) bool {
	db, err := p.DB(ctx)
	if err != nil {
		p.mu.Lock()
		m := p.metrics
		p.mu.Unlock()
		if m != nil {
			m.HealthCheckError("acquire_failed")
		}
		return false
	}
	defer db.Close(ctx)
	return db.Ping(ctx)
}

// Idle returns the number of currently idle connections.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close stops the background reaper and disconnects every idle connection.
func (p *Pool) Close() {
	p.reaperOnce.Do(func() { close(p.stopReaper) })

	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, ic := range idle {
		_ = ic.conn.Disconnect()
	}
}

func (p *Pool) reapLoop() {
	interval := 30 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapExpired()
		case <-p.stopReaper:
			return
		}
	}
}

// reapExpired drops idle connections that have exceeded IdleTimeout or
// MaxLifetime, regardless of the max_connections cap.
func (p *Pool) reapExpired() {
	p.mu.Lock()
	if p.defaults.IdleTimeout <= 0 && p.defaults.MaxLifetime <= 0 {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	kept := p.idle[:0:0]
	var expired []*idleConn
	for _, ic := range p.idle {
		stale := p.defaults.IdleTimeout > 0 && now.Sub(ic.enqueued) > p.defaults.IdleTimeout
		old := p.defaults.MaxLifetime > 0 && now.Sub(ic.dialedAt) > p.defaults.MaxLifetime
		if stale || old {
			expired = append(expired, ic)
		} else {
			kept = append(kept, ic)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, ic := range expired {
		_ = ic.conn.Disconnect()
	}
}
