// Package mysqldb implements the Database facade: it owns one Connection
// exclusively, serializes queries submitted against it onto a FIFO waiting
// list, and offers both a blocking and a callback-driven submission path
// over that single connection.
package mysqldb

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/nativesql/mysqlclient/internal/metrics"
	"github.com/nativesql/mysqlclient/internal/mysqlconn"
	"github.com/nativesql/mysqlclient/internal/mysqlerr"
	"github.com/nativesql/mysqlclient/internal/results"
	"github.com/nativesql/mysqlclient/internal/sqlutil"
	"github.com/nativesql/mysqlclient/internal/wire"
)

// Callback receives the outcome of an asynchronously submitted query.
type Callback func(err error, res *results.Results)

type pendingQuery struct {
	sql      string
	callback Callback
	started  bool
}

// Releaser returns a Connection to its owning Pool (or discards it), the
// non-owning back-reference spec.md §9 asks for in place of a Database
// holding a live Pool pointer.
type Releaser interface {
	Release(ctx context.Context, conn *mysqlconn.Connection)
}

// Database owns one Connection for its lifetime and serializes queries
// submitted through it. Only the head of the waiting list is ever in
// flight against the Connection.
type Database struct {
	mu      sync.Mutex
	conn    *mysqlconn.Connection
	waiting []*pendingQuery

	releaser Releaser
	released bool

	log     *slog.Logger
	metrics *metrics.Collector
}

// New wraps conn in a Database. releaser is consulted once when the
// Database is closed, to decide whether the Connection returns to a pool.
func New(conn *mysqlconn.Connection, releaser Releaser, log *slog.Logger) *Database {
	if log == nil {
		log = slog.Default()
	}
	return &Database{conn: conn, releaser: releaser, log: log}
}

// SetMetrics attaches a Collector that Query/Begin/Commit/Rollback report
// against. A nil metrics field (the default) is a no-op.
func (d *Database) SetMetrics(m *metrics.Collector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.metrics = m
}

// Backlog returns the number of queries queued (including any in flight).
func (d *Database) Backlog() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiting)
}

// Ping delegates to the owned Connection.
func (d *Database) Ping(ctx context.Context) bool {
	return d.conn.Ping(ctx)
}

// Disconnect delegates to the owned Connection.
func (d *Database) Disconnect() error {
	return d.conn.Disconnect()
}

// Connection returns the Database's owned Connection, for callers (notably
// Pool) that need to inspect or reclaim it directly.
func (d *Database) Connection() *mysqlconn.Connection {
	return d.conn
}

// Close releases the Connection back to the Releaser if healthy, or
// discards it otherwise. Idempotent.
func (d *Database) Close(ctx context.Context) {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.released = true
	d.mu.Unlock()

	if d.releaser != nil {
		d.releaser.Release(ctx, d.conn)
	} else {
		_ = d.conn.Disconnect()
	}
}

// Query substitutes args into sql via sqlutil.ExpandSQL and runs it to
// completion, blocking the caller. It fails with BusyError if an async
// query is already in flight on this Database.
func (d *Database) Query(ctx context.Context, sql string, args ...sqlutil.Arg) (*results.Results, error) {
	d.mu.Lock()
	if len(d.waiting) > 0 {
		backlog := len(d.waiting)
		m := d.metrics
		d.mu.Unlock()
		if m != nil {
			m.BusyRejection()
		}
		return nil, mysqlerr.Busy(backlog)
	}
	expanded, err := sqlutil.ExpandSQL(sql, args...)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	desc := &pendingQuery{sql: expanded, started: true}
	d.waiting = append(d.waiting, desc)
	d.mu.Unlock()

	res, qerr := d.conn.Query(ctx, expanded)

	d.mu.Lock()
	d.waiting = d.waiting[:0]
	d.mu.Unlock()

	return res, qerr
}

// QueryAsync substitutes args into sql and queues it for execution. cb
// fires on a dispatcher goroutine once the query completes; queries queued
// on the same Database complete and fire callbacks in submission order.
func (d *Database) QueryAsync(ctx context.Context, sql string, cb Callback, args ...sqlutil.Arg) error {
	expanded, err := sqlutil.ExpandSQL(sql, args...)
	if err != nil {
		return err
	}

	d.mu.Lock()
	wasEmpty := len(d.waiting) == 0
	d.waiting = append(d.waiting, &pendingQuery{sql: expanded, callback: cb})
	d.mu.Unlock()

	if wasEmpty {
		go d.dispatchLoop(ctx)
	}
	return nil
}

// dispatchLoop drains the waiting list one query at a time, invoking each
// callback after its query completes, until the list runs dry.
func (d *Database) dispatchLoop(ctx context.Context) {
	for {
		d.mu.Lock()
		if len(d.waiting) == 0 {
			d.mu.Unlock()
			return
		}
		head := d.waiting[0]
		head.started = true
		d.mu.Unlock()

		res, err := d.conn.Query(ctx, head.sql)

		d.mu.Lock()
		d.waiting = d.waiting[1:]
		d.mu.Unlock()

		if head.callback != nil {
			head.callback(err, res)
		}
	}
}

// Begin issues START TRANSACTION / SET autocommit=0 and returns a handle
// whose Commit or Rollback must be called before it is dropped.
func (d *Database) Begin(ctx context.Context) (*Transaction, error) {
	if d.conn.StatusFlags()&wire.StatusInTrans != 0 {
		return nil, mysqlerr.State("a transaction is already open on this connection")
	}
	if _, err := d.Query(ctx, "START TRANSACTION"); err != nil {
		return nil, err
	}
	if _, err := d.Query(ctx, "SET autocommit=0"); err != nil {
		return nil, err
	}

	tx := &Transaction{db: d, log: d.log, started: time.Now()}
	runtime.SetFinalizer(tx, finalizeTransaction)
	return tx, nil
}

// Transaction is returned by Database.Begin. Go has no deterministic
// destructors; a finalizer logs (and best-effort rolls back) a Transaction
// dropped without Commit or Rollback, as a backstop rather than a
// correctness guarantee.
type Transaction struct {
	mu      sync.Mutex
	db      *Database
	done    bool
	log     *slog.Logger
	started time.Time
}

// Commit issues COMMIT.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return mysqlerr.State("transaction already committed or rolled back")
	}
	_, err := t.db.Query(ctx, "COMMIT")
	t.done = true
	runtime.SetFinalizer(t, nil)
	if t.db.metrics != nil {
		t.db.metrics.TransactionCompleted(time.Since(t.started), true)
	}
	return err
}

// Rollback issues ROLLBACK.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return mysqlerr.State("transaction already committed or rolled back")
	}
	_, err := t.db.Query(ctx, "ROLLBACK")
	t.done = true
	runtime.SetFinalizer(t, nil)
	if t.db.metrics != nil {
		t.db.metrics.TransactionCompleted(time.Since(t.started), false)
	}
	return err
}

func finalizeTransaction(t *Transaction) {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()
	if done {
		return
	}
	t.log.Warn("mysqldb: transaction dropped without commit or rollback, rolling back")
	_, _ = t.db.Query(context.Background(), "ROLLBACK")
}
