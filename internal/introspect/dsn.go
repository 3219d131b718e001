package introspect

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/kiranshivaraju/schemaforge/pkg/models"
)

const (
	defaultMySQLPort    = 3306
	defaultPostgresPort = 5432
	dialTimeout         = 10 * time.Second
	readTimeout         = 60 * time.Second
)

func hostPort(conn *models.Connection, defaultPort int) string {
	port := conn.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(conn.Host, strconv.Itoa(port))
}

func mysqlDSN(conn *models.Connection) string {
	cfg := mysql.NewConfig()
	cfg.User = conn.Username
	cfg.Passwd = conn.Password
	cfg.Net = "tcp"
	cfg.Addr = hostPort(conn, defaultMySQLPort)
	cfg.DBName = conn.Database
	cfg.ParseTime = true
	cfg.Timeout = dialTimeout
	cfg.ReadTimeout = readTimeout

	switch conn.SSLMode {
	case "require", "skip-verify":
		cfg.TLSConfig = "skip-verify"
	case "verify-ca", "verify-full", "true":
		cfg.TLSConfig = "true"
	case "prefer", "preferred":
		cfg.TLSConfig = "preferred"
	}
	return cfg.FormatDSN()
}

// postgresDSN builds a lib/pq URL with an sslmode lib/pq accepts.
func postgresDSN(conn *models.Connection, sslMode string) string {
	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("connect_timeout", strconv.Itoa(int(dialTimeout/time.Second)))
	q.Set("application_name", "schemaforge")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(conn.Username, conn.Password),
		Host:     hostPort(conn, defaultPostgresPort),
		Path:     "/" + conn.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// postgresSSLModes maps a connection's ssl_mode to the modes to try in
// order. lib/pq has no prefer or allow, so prefer tries TLS first and falls
// back to plaintext when the server does not offer it.
func postgresSSLModes(sslMode string) []string {
	switch sslMode {
	case "", "prefer", "preferred":
		return []string{"require", "disable"}
	case "allow":
		return []string{"disable"}
	default:
		return []string{sslMode}
	}
}

// sqliteDSN opens the file read-only; training never writes to the target.
func sqliteDSN(conn *models.Connection) string {
	path := conn.FilePath
	if path == "" {
		path = conn.Database
	}
	return "file:" + path + "?mode=ro&_busy_timeout=5000"
}
