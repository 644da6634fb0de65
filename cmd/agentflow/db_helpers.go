package main

import (
	"context"
	"strings"

	"github.com/quailyquaily/agentflow/db"
	"github.com/quailyquaily/agentflow/store"
	"github.com/spf13/viper"
)

func dbConfigFromViper() db.Config {
	cfg := db.DefaultConfig()

	cfg.Driver = viper.GetString("db.driver")
	cfg.DSN = viper.GetString("db.dsn")
	cfg.AutoMigrate = viper.GetBool("db.automigrate")

	cfg.Pool.MaxOpenConns = viper.GetInt("db.pool.max_open_conns")
	cfg.Pool.MaxIdleConns = viper.GetInt("db.pool.max_idle_conns")
	cfg.Pool.ConnMaxLifetime = viper.GetDuration("db.pool.conn_max_lifetime")
	if cfg.Pool.ConnMaxLifetime < 0 {
		cfg.Pool.ConnMaxLifetime = 0
	}

	cfg.SQLite.BusyTimeoutMs = viper.GetInt("db.sqlite.busy_timeout_ms")
	cfg.SQLite.WAL = viper.GetBool("db.sqlite.wal")
	cfg.SQLite.ForeignKeys = viper.GetBool("db.sqlite.foreign_keys")

	// Ensure reasonable defaults even if config has zeros.
	if cfg.Pool.MaxOpenConns <= 0 {
		cfg.Pool.MaxOpenConns = 1
	}
	if cfg.Pool.MaxIdleConns <= 0 {
		cfg.Pool.MaxIdleConns = 1
	}
	if cfg.SQLite.BusyTimeoutMs <= 0 {
		cfg.SQLite.BusyTimeoutMs = 5000
	}

	return cfg
}

// storeFromViper opens the configured store. The returned func releases it.
func storeFromViper(ctx context.Context) (store.Store, func() error, error) {
	cfg := dbConfigFromViper()
	if strings.EqualFold(strings.TrimSpace(cfg.Driver), "memory") {
		return store.NewMemoryStore(), func() error { return nil }, nil
	}
	gdb, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return store.NewGormStore(gdb), func() error { return db.Close(gdb) }, nil
}
