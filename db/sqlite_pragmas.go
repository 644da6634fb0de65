package db

import (
	"fmt"

	"gorm.io/gorm"
)

func sqlitePragmas(cfg SQLiteConfig) []string {
	var out []string
	if cfg.WAL {
		out = append(out, "PRAGMA journal_mode=WAL;")
	}
	if cfg.BusyTimeoutMs > 0 {
		out = append(out, fmt.Sprintf("PRAGMA busy_timeout=%d;", cfg.BusyTimeoutMs))
	}
	if cfg.ForeignKeys {
		out = append(out, "PRAGMA foreign_keys=ON;")
	}
	return out
}

func applySQLitePragmas(gdb *gorm.DB, cfg SQLiteConfig) error {
	if gdb == nil {
		return fmt.Errorf("nil gorm db")
	}
	for _, stmt := range sqlitePragmas(cfg) {
		if err := gdb.Exec(stmt).Error; err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}
