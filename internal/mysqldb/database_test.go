package mysqldb

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/nativesql/mysqlclient/internal/dsn"
	"github.com/nativesql/mysqlclient/internal/metrics"
	"github.com/nativesql/mysqlclient/internal/mysqlconn"
	"github.com/nativesql/mysqlclient/internal/results"
	"github.com/nativesql/mysqlclient/internal/wire"
)

func sendPkt(t *testing.T, conn net.Conn, seq byte, payload []byte) {
	t.Helper()
	if _, err := conn.Write(wire.WritePacket(seq, payload)); err != nil {
		t.Fatalf("sendPkt: %v", err)
	}
}

func recvPkt(t *testing.T, conn net.Conn) (seq byte, payload []byte) {
	t.Helper()
	hdr := make([]byte, 4)
	if _, err := fillFull(conn, hdr); err != nil {
		t.Fatalf("recvPkt header: %v", err)
	}
	length, _ := wire.FixedInt(hdr[:3], 3)
	seq = hdr[3]
	if length == 0 {
		return seq, nil
	}
	payload = make([]byte, length)
	if _, err := fillFull(conn, payload); err != nil {
		t.Fatalf("recvPkt payload: %v", err)
	}
	return seq, payload
}

func fillFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func serverHandshakePayload() []byte {
	var buf []byte
	buf = append(buf, 10)
	buf = append(buf, "8.0.34-test"...)
	buf = append(buf, 0)
	buf = append(buf, wire.PutFixedInt(99, 4)...)
	buf = append(buf, "01234567"...)
	buf = append(buf, 0)
	caps := uint32(wire.CapProtocol41 | wire.CapSecureConnection | wire.CapPluginAuth)
	buf = append(buf, byte(caps), byte(caps>>8))
	buf = append(buf, 0x21)
	buf = append(buf, 0x02, 0x00)
	buf = append(buf, byte(caps>>16), byte(caps>>24))
	buf = append(buf, 21)
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, "890123456789"...)
	buf = append(buf, 0)
	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)
	return buf
}

// dialFakeDatabase starts a one-shot TCP listener playing the server side of
// a handshake, connects a real Connection to it, and wraps it in a Database.
// serverFn, if non-nil, continues the exchange after the handshake.
func dialFakeDatabase(t *testing.T, serverFn func(conn net.Conn)) *Database {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		server, err := ln.Accept()
		if err != nil {
			return
		}
		sendPkt(t, server, 0, serverHandshakePayload())
		_, _ = recvPkt(t, server) // handshake response
		sendPkt(t, server, 2, []byte{wire.OKPacketHeader, 0, 0, 0x02, 0x00, 0x00, 0x00})
		if serverFn != nil {
			serverFn(server)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	d := &dsn.DSN{Host: host, Port: port, User: "root"}
	c := mysqlconn.New(nil)
	if err := c.Connect(context.Background(), d); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	return New(c, nil, nil)
}

func okPacket(affectedRows, lastInsertID uint64) []byte {
	ok := []byte{wire.OKPacketHeader}
	ok = append(ok, wire.PutLengthEncodedInt(affectedRows)...)
	ok = append(ok, wire.PutLengthEncodedInt(lastInsertID)...)
	ok = append(ok, wire.PutFixedInt(uint64(wire.StatusAutocommit), 2)...)
	ok = append(ok, wire.PutFixedInt(0, 2)...)
	return ok
}

func TestDatabaseQuerySynchronous(t *testing.T) {
	db := dialFakeDatabase(t, func(server net.Conn) {
		_, _ = recvPkt(t, server)
		sendPkt(t, server, 1, okPacket(1, 7))
	})

	res, err := db.Query(context.Background(), "INSERT INTO t (x) VALUES (?)", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.LastInsertID != 7 {
		t.Errorf("LastInsertID = %d, want 7", res.LastInsertID)
	}
	if db.Backlog() != 0 {
		t.Errorf("Backlog() = %d, want 0", db.Backlog())
	}
}

func TestDatabaseQueryExpandsPlaceholders(t *testing.T) {
	var gotSQL string
	db := dialFakeDatabase(t, func(server net.Conn) {
		_, payload := recvPkt(t, server)
		gotSQL = string(payload[1:])
		sendPkt(t, server, 1, okPacket(0, 0))
	})

	if _, err := db.Query(context.Background(), "SELECT * FROM t WHERE name = ?", "bob"); err != nil {
		t.Fatalf("Query: %v", err)
	}
	want := "SELECT * FROM t WHERE name = 'bob'"
	if gotSQL != want {
		t.Errorf("sql sent = %q, want %q", gotSQL, want)
	}
}

func TestDatabaseQueryAsyncOrdering(t *testing.T) {
	db := dialFakeDatabase(t, func(server net.Conn) {
		for i := uint64(1); i <= 3; i++ {
			_, _ = recvPkt(t, server)
			sendPkt(t, server, 1, okPacket(0, i))
		}
	})

	var mu sync.Mutex
	var order []uint64
	var wg sync.WaitGroup
	wg.Add(3)

	record := func(err error, res *results.Results) {
		mu.Lock()
		if err == nil {
			order = append(order, res.LastInsertID)
		}
		mu.Unlock()
		wg.Done()
	}

	for i := 0; i < 3; i++ {
		if err := db.QueryAsync(context.Background(), "INSERT INTO t DEFAULT VALUES", record); err != nil {
			t.Fatalf("QueryAsync: %v", err)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("callback order = %v, want [1 2 3]", order)
	}
}

func TestDatabaseQueryBusyWhileAsyncPending(t *testing.T) {
	release := make(chan struct{})
	db := dialFakeDatabase(t, func(server net.Conn) {
		_, _ = recvPkt(t, server)
		<-release
		sendPkt(t, server, 1, okPacket(0, 0))
	})

	done := make(chan struct{})
	if err := db.QueryAsync(context.Background(), "SELECT SLEEP(1)", func(error, *results.Results) { close(done) }); err != nil {
		t.Fatalf("QueryAsync: %v", err)
	}

	_, err := db.Query(context.Background(), "SELECT 1")
	if err == nil {
		t.Fatal("expected BusyError while async query is in flight")
	}
	if !strings.Contains(err.Error(), "pending") {
		t.Errorf("err = %v, want a busy/pending message", err)
	}
	close(release)
	<-done
}

func TestDatabaseBeginCommit(t *testing.T) {
	db := dialFakeDatabase(t, func(server net.Conn) {
		_, _ = recvPkt(t, server) // START TRANSACTION
		sendPkt(t, server, 1, okPacket(0, 0))
		_, _ = recvPkt(t, server) // SET autocommit=0
		sendPkt(t, server, 1, okPacket(0, 0))
		_, _ = recvPkt(t, server) // COMMIT
		sendPkt(t, server, 1, okPacket(0, 0))
	})

	tx, err := db.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := tx.Commit(context.Background()); err == nil {
		t.Error("expected error committing an already-closed transaction")
	}
}

func TestDatabaseQueryBusyRecordsMetric(t *testing.T) {
	release := make(chan struct{})
	db := dialFakeDatabase(t, func(server net.Conn) {
		_, _ = recvPkt(t, server)
		<-release
		sendPkt(t, server, 1, okPacket(0, 0))
	})
	m := metrics.New()
	db.SetMetrics(m)

	done := make(chan struct{})
	if err := db.QueryAsync(context.Background(), "SELECT SLEEP(1)", func(error, *results.Results) { close(done) }); err != nil {
		t.Fatalf("QueryAsync: %v", err)
	}

	if _, err := db.Query(context.Background(), "SELECT 1"); err == nil {
		t.Fatal("expected BusyError while async query is in flight")
	}
	close(release)
	<-done

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var count float64
	for _, f := range families {
		if f.GetName() == "mysqlclient_busy_rejections_total" {
			for _, mf := range f.GetMetric() {
				count += mf.GetCounter().GetValue()
			}
		}
	}
	if count != 1 {
		t.Errorf("busy rejections = %v, want 1", count)
	}
}

func TestDatabaseBeginCommitRecordsTransactionMetric(t *testing.T) {
	db := dialFakeDatabase(t, func(server net.Conn) {
		_, _ = recvPkt(t, server) // START TRANSACTION
		sendPkt(t, server, 1, okPacket(0, 0))
		_, _ = recvPkt(t, server) // SET autocommit=0
		sendPkt(t, server, 1, okPacket(0, 0))
		_, _ = recvPkt(t, server) // COMMIT
		sendPkt(t, server, 1, okPacket(0, 0))
	})
	m := metrics.New()
	db.SetMetrics(m)

	tx, err := db.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var commits float64
	for _, f := range families {
		if f.GetName() == "mysqlclient_transactions_total" {
			for _, mf := range f.GetMetric() {
				for _, lp := range mf.GetLabel() {
					if lp.GetName() == "outcome" && lp.GetValue() == "commit" {
						commits += mf.GetCounter().GetValue()
					}
				}
			}
		}
	}
	if commits != 1 {
		t.Errorf("commit count = %v, want 1", commits)
	}
}

func TestDatabasePingAndDisconnect(t *testing.T) {
	db := dialFakeDatabase(t, func(server net.Conn) {
		_, _ = recvPkt(t, server) // COM_PING
		sendPkt(t, server, 1, []byte{wire.OKPacketHeader, 0, 0, 0, 0, 0, 0})
		_, _ = recvPkt(t, server) // COM_QUIT, best-effort
	})

	if !db.Ping(context.Background()) {
		t.Error("expected Ping to report healthy")
	}
	if err := db.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
}
