package db

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/quailyquaily/agentflow/internal/pathutil"
)

type Config struct {
	// Driver is "sqlite" or "memory". "memory" is handled by callers that pick
	// an in-process store instead of opening a database.
	Driver      string
	DSN         string
	AutoMigrate bool

	Pool   PoolConfig
	SQLite SQLiteConfig
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type SQLiteConfig struct {
	BusyTimeoutMs int
	WAL           bool
	ForeignKeys   bool
}

func DefaultConfig() Config {
	return Config{
		Driver:      "sqlite",
		DSN:         "",
		AutoMigrate: true,
		Pool: PoolConfig{
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		SQLite: SQLiteConfig{
			BusyTimeoutMs: 5000,
			WAL:           true,
			ForeignKeys:   true,
		},
	}
}

const defaultSQLiteFile = "~/.agentflow/agentflow.db"

// ResolveSQLiteDSN turns a configured DSN into one the driver accepts. An empty
// value selects the default file under the home directory; plain paths get
// their parent directory created. "file:" URIs and ":memory:" pass through.
func ResolveSQLiteDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = defaultSQLiteFile
	}
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return dsn, nil
	}

	path, query, _ := strings.Cut(dsn, "?")
	path = pathutil.ExpandHomePath(path)
	if path == "" {
		return "", fmt.Errorf("invalid sqlite dsn: %q", dsn)
	}
	if query != "" {
		if _, err := url.ParseQuery(query); err != nil {
			return "", fmt.Errorf("invalid sqlite dsn query %q: %w", query, err)
		}
	}

	if err := pathutil.EnsureParentDir(path); err != nil {
		return "", fmt.Errorf("create sqlite dir: %w", err)
	}
	if query != "" {
		return path + "?" + query, nil
	}
	return path, nil
}
