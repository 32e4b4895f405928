// Package dsn parses the client's connection URL. It is deliberately small:
// per spec.md, the URL parser itself is an external collaborator, so this
// package leans on net/url and only adds what mysqlconn and mysqlpool need.
package dsn

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DSN is a parsed mysql:// connection URL.
type DSN struct {
	Host     string // hostname; empty when Socket is set
	Port     int
	Socket   string // unix socket path, mutually exclusive with Host/Port
	User     string
	Password string
	Database string

	FoundRows       bool
	MultiStatements bool
	UTF8            bool
	PrintError      bool
	ConnectTimeout  time.Duration
	QueryTimeout    time.Duration // 0 means no bound

	raw string
}

// String returns the DSN with the password redacted, safe for logging.
func (d *DSN) String() string {
	user := d.User
	if d.Password != "" {
		user += ":***"
	}
	host := d.Host
	if d.Socket != "" {
		host = d.Socket
	}
	return fmt.Sprintf("mysql://%s@%s/%s", user, host, d.Database)
}

// Address returns the network and address to dial.
func (d *DSN) Address() (network, address string) {
	if d.Socket != "" {
		return "unix", d.Socket
	}
	port := d.Port
	if port == 0 {
		port = 3306
	}
	return "tcp", fmt.Sprintf("%s:%d", d.Host, port)
}

// Parse decodes a mysql://[user[:password]@]host-or-socket[:port]/database?opt=val
// connection URL, applying the defaults from spec.md §6: utf8=1,
// found_rows=1, PrintError=0.
func Parse(rawurl string) (*DSN, error) {
	// net/url rejects a %-escaped socket path in the host; unescape it first.
	toParse, socket := rawurl, ""
	if rest, ok := strings.CutPrefix(rawurl, "mysql://"); ok {
		authority, path, _ := strings.Cut(rest, "/")
		at := strings.LastIndex(authority, "@") + 1
		if host, err := url.PathUnescape(authority[at:]); err == nil && strings.HasPrefix(host, "/") {
			socket, toParse = host, "mysql://"+authority[:at]+"localhost/"+path
		}
	}
	u, err := url.Parse(toParse)
	if err != nil {
		return nil, fmt.Errorf("dsn: %w", err)
	}
	if u.Scheme != "mysql" {
		return nil, fmt.Errorf("dsn: unsupported scheme %q", u.Scheme)
	}

	d := &DSN{
		raw:             rawurl,
		FoundRows:       true,
		UTF8:            true,
		MultiStatements: false,
		PrintError:      false,
	}

	if u.User != nil {
		d.User = u.User.Username()
		d.Password, _ = u.User.Password()
	}

	hostname := u.Hostname()
	if socket != "" {
		hostname = socket
	}
	if hostname == "" {
		return nil, fmt.Errorf("dsn: missing host")
	}
	// A URL-encoded absolute path in the host position names a unix socket.
	if len(hostname) > 0 && hostname[0] == '/' {
		d.Socket = hostname
	} else {
		d.Host = hostname
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("dsn: invalid port %q: %w", p, err)
			}
			d.Port = port
		}
	}

	if len(u.Path) > 1 {
		d.Database = u.Path[1:]
	}

	q := u.Query()
	if v := q.Get("found_rows"); v != "" {
		d.FoundRows = isTruthy(v)
	}
	if v := q.Get("multi_statements"); v != "" {
		d.MultiStatements = isTruthy(v)
	}
	if v := q.Get("utf8"); v != "" {
		d.UTF8 = isTruthy(v)
	}
	if v := q.Get("PrintError"); v != "" {
		d.PrintError = isTruthy(v)
	}
	if v := q.Get("connect_timeout"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("dsn: invalid connect_timeout %q: %w", v, err)
		}
		d.ConnectTimeout = time.Duration(secs * float64(time.Second))
	}
	if v := q.Get("query_timeout"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("dsn: invalid query_timeout %q: %w", v, err)
		}
		d.QueryTimeout = time.Duration(secs * float64(time.Second))
	}

	return d, nil
}

func isTruthy(v string) bool {
	switch v {
	case "0", "false", "no", "":
		return false
	default:
		return true
	}
}
