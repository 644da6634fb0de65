package main

import (
	"time"

	"github.com/quailyquaily/agentflow/audit"
	"github.com/quailyquaily/agentflow/queue"
	"github.com/quailyquaily/agentflow/runner"
	"github.com/quailyquaily/agentflow/service"
	"github.com/spf13/viper"
)

func setDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	viper.SetDefault("db.driver", "sqlite")
	viper.SetDefault("db.dsn", "")
	viper.SetDefault("db.automigrate", true)
	viper.SetDefault("db.pool.max_open_conns", 1)
	viper.SetDefault("db.pool.max_idle_conns", 1)
	viper.SetDefault("db.pool.conn_max_lifetime", time.Duration(0))
	viper.SetDefault("db.sqlite.busy_timeout_ms", 5000)
	viper.SetDefault("db.sqlite.wal", true)
	viper.SetDefault("db.sqlite.foreign_keys", true)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.endpoint", "")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.max_tokens", 1024)

	viper.SetDefault("agent.timeout", runner.DefaultTimeout)
	viper.SetDefault("agent.persona_dir", "")

	viper.SetDefault("worker.concurrency", service.DefaultWorkers)
	viper.SetDefault("worker.max_queue", queue.DefaultMaxQueue)
	viper.SetDefault("worker.job_timeout", queue.DefaultJobTimeout)

	viper.SetDefault("server.addr", "127.0.0.1:8787")
	viper.SetDefault("server.auth_token", "")
	viper.SetDefault("server.max_conns", 256)
	viper.SetDefault("server.shutdown_timeout", 15*time.Second)

	viper.SetDefault("audit.sink", "none")
	viper.SetDefault("audit.jsonl_path", "~/.agentflow/audit.jsonl")
	viper.SetDefault("audit.rotate_max_bytes", int64(audit.DefaultRotateMaxBytes))
	viper.SetDefault("audit.dsn", "")
}
