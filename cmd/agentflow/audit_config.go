package main

import (
	"log/slog"
	"strings"

	"github.com/quailyquaily/agentflow/audit"
	"github.com/quailyquaily/agentflow/db"
	"github.com/spf13/viper"
)

// auditFromViper picks the audit sink. A sink that cannot be opened is
// logged and replaced by a no-op sink.
func auditFromViper(log *slog.Logger) *audit.Recorder {
	if log == nil {
		log = slog.Default()
	}
	kind := strings.ToLower(strings.TrimSpace(viper.GetString("audit.sink")))

	var sink audit.Sink
	switch kind {
	case "", "none":
		return audit.NewRecorder(audit.Nop{}, log)
	case "jsonl":
		s, err := audit.NewJSONLSink(viper.GetString("audit.jsonl_path"), viper.GetInt64("audit.rotate_max_bytes"))
		if err != nil {
			log.Warn("audit_sink_error", "sink", kind, "error", err.Error())
			break
		}
		sink = s
	case "sqlite":
		dsn, err := db.ResolveSQLiteDSN(firstNonEmpty(viper.GetString("audit.dsn"), viper.GetString("db.dsn")))
		if err != nil {
			log.Warn("audit_dsn_error", "error", err.Error())
			break
		}
		s, err := audit.NewSQLiteSink(dsn)
		if err != nil {
			log.Warn("audit_sink_error", "sink", kind, "error", err.Error())
			break
		}
		sink = s
	default:
		log.Warn("audit_sink_unknown", "sink", kind)
	}
	if sink == nil {
		return audit.NewRecorder(audit.Nop{}, log)
	}
	log.Info("audit_enabled", "sink", kind)
	return audit.NewRecorder(sink, log)
}
