package metricsserver

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gorilla/mux"

	"github.com/nativesql/mysqlclient/internal/config"
	"github.com/nativesql/mysqlclient/internal/dsn"
	"github.com/nativesql/mysqlclient/internal/metrics"
	"github.com/nativesql/mysqlclient/internal/mysqlpool"
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

// fakeBackendDSN starts a listener that answers every connection with a
// handshake and then replies OK to every command (ping included).
func fakeBackendDSN(t *testing.T) *dsn.DSN {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				sendPkt(t, conn, 0, serverHandshakePayload())
				_, _ = recvPkt(t, conn)
				sendPkt(t, conn, 2, []byte{wire.OKPacketHeader, 0, 0, 0x02, 0x00, 0x00, 0x00})
				for {
					hdr := make([]byte, 4)
					if _, err := fillFull(conn, hdr); err != nil {
						return
					}
					length, _ := wire.FixedInt(hdr[:3], 3)
					payload := make([]byte, length)
					if _, err := fillFull(conn, payload); err != nil {
						return
					}
					sendPkt(t, conn, hdr[3]+1, []byte{wire.OKPacketHeader, 0, 0, 0, 0, 0, 0})
				}
			}(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return &dsn.DSN{Host: host, Port: port, User: "root"}
}

func newTestServer(t *testing.T) (*Server, *mux.Router) {
	d := fakeBackendDSN(t)
	p := mysqlpool.New(d, mysqlpool.Defaults{MaxConnections: 2}, nil)
	t.Cleanup(p.Close)

	s := New(p, metrics.New(), config.ListenConfig{MetricsPort: 0, MetricsBind: "127.0.0.1"})

	mr := mux.NewRouter()
	mr.HandleFunc("/status", s.statusHandler).Methods("GET")
	mr.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	mr.HandleFunc("/", s.dashboardHandler).Methods("GET")
	return s, mr
}

func TestHealthzReportsHealthy(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", body["status"])
	}
}

func TestStatusReportsIdleConnections(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if _, ok := body["idle_connections"]; !ok {
		t.Error("expected idle_connections field in status response")
	}
}

func TestDashboardServesHTML(t *testing.T) {
	_, mr := newTestServer(t)

	req := httptest.NewRequest("GET", "/", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
}
