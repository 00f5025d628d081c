package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite" // pure Go, no CGO
)

const (
	defaultSQLitePath = "./kestrel.db"
	defaultPGHost     = "localhost"
	defaultPGPort     = 5432
	defaultPGDatabase = "kestrel"

	connectTimeout = 5 * time.Second
)

// sqlitePragmas are applied to every pooled connection. Writes use
// immediate transactions so concurrent savers queue on busy_timeout
// instead of failing with SQLITE_BUSY on lock upgrade.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// sqliteDSN builds a modernc.org/sqlite connection string.
func sqliteDSN(cfg domain.RepositoryConfig) string {
	path := cfg.SQLitePath
	if path == "" {
		path = defaultSQLitePath
	}

	q := url.Values{}
	for _, p := range sqlitePragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// postgresDSN builds a lib/pq URL connection string.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = defaultPGHost
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = defaultPGPort
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = defaultPGDatabase
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + dbname,
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("application_name", "kestrel")
	q.Set("connect_timeout", strconv.Itoa(int(connectTimeout/time.Second)))
	u.RawQuery = q.Encode()
	return u.String()
}

// openDB opens the configured driver and verifies the connection.
func openDB(cfg domain.RepositoryConfig) (*sql.DB, error) {
	var driverName, dsn string
	switch cfg.Driver {
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = defaultSQLitePath
		}
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		driverName, dsn = "sqlite", sqliteDSN(cfg)
	case "postgres":
		driverName, dsn = "postgres", postgresDSN(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
	}
	return db, nil
}
