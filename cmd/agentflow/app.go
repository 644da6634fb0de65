package main

import (
	"context"
	"log/slog"

	"github.com/quailyquaily/agentflow/audit"
	"github.com/quailyquaily/agentflow/executor"
	"github.com/quailyquaily/agentflow/pipeline"
	"github.com/quailyquaily/agentflow/queue"
	"github.com/quailyquaily/agentflow/runner"
	"github.com/quailyquaily/agentflow/service"
	"github.com/quailyquaily/agentflow/store"
	"github.com/spf13/viper"
)

// app holds the components shared by serve and run.
type app struct {
	log     *slog.Logger
	store   store.Store
	audit   *audit.Recorder
	exec    *executor.Executor
	engine  *pipeline.Engine
	service *service.Service

	closers []func()
}

func newApp(ctx context.Context, log *slog.Logger) (*app, error) {
	a := &app{log: log}

	st, closeStore, err := storeFromViper(ctx)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, func() {
		if err := closeStore(); err != nil {
			log.Warn("store_close_failed", "error", err.Error())
		}
	})

	client, closeClient, err := llmClientFromViper(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closeClient)

	provider := llmProviderFromViper()
	agentTimeout := viper.GetDuration("agent.timeout")
	r := runner.New(client, llmModelForProvider(provider),
		runner.WithLogger(log),
		runner.WithPersonaDir(viper.GetString("agent.persona_dir")),
		runner.WithParameters(llmParametersFromViper()),
	)

	a.audit = auditFromViper(log)
	a.closers = append(a.closers, func() {
		if err := a.audit.Close(); err != nil {
			log.Warn("audit_close_failed", "error", err.Error())
		}
	})

	a.exec = executor.New(st, r,
		executor.WithLogger(log),
		executor.WithAudit(a.audit),
		executor.WithTimeout(agentTimeout),
	)
	a.engine = pipeline.New(st, a.exec,
		pipeline.WithLogger(log),
		pipeline.WithAudit(a.audit),
	)
	q := queue.New(viper.GetInt("worker.max_queue"), viper.GetDuration("worker.job_timeout"))
	a.service = service.New(st, a.exec, a.engine, q, service.WithLogger(log))
	a.closers = append(a.closers, a.service.Close)

	log.Info("app_ready",
		"llm_provider", provider,
		"llm_model", llmModelForProvider(provider),
		"db_driver", viper.GetString("db.driver"),
		"agent_timeout", agentTimeout.String(),
	)
	return a, nil
}

// Close releases components in reverse order of construction.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
