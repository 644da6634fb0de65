package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/quailyquaily/agentflow/flow"
	"github.com/quailyquaily/agentflow/internal/clifmt"
	"github.com/quailyquaily/agentflow/internal/pathutil"
	"github.com/quailyquaily/agentflow/pipeline"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// pipelineFile is the YAML form accepted by `agentflow run`.
type pipelineFile struct {
	Name    string          `yaml:"name"`
	Owner   string          `yaml:"owner"`
	Context map[string]any  `yaml:"context"`
	Steps   []flow.StepSpec `yaml:"steps"`
}

func loadPipelineFile(path string) (pipelineFile, error) {
	raw, err := os.ReadFile(pathutil.ExpandHomePath(path))
	if err != nil {
		return pipelineFile{}, err
	}
	var pf pipelineFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return pipelineFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return pf, nil
}

func newRunCmd() *cobra.Command {
	var (
		file   string
		owner  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a pipeline definition from a YAML file and wait for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(file) == "" {
				return fmt.Errorf("missing --file")
			}
			pf, err := loadPipelineFile(file)
			if err != nil {
				return err
			}
			if owner != "" {
				pf.Owner = owner
			}
			if strings.TrimSpace(pf.Owner) == "" {
				pf.Owner = "local"
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := loggerFromViper(cmd.ErrOrStderr())
			a, err := newApp(ctx, log)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.engine.Submit(ctx, pf.Owner, pf.Name, pf.Context, pf.Steps)
			if err != nil {
				return err
			}
			runErr := a.engine.Run(ctx, pf.Owner, p.ID)
			p, tasks, err := finalState(ctx, a.engine, pf.Owner, p.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(pipelineDetail{Pipeline: p, Tasks: tasks}); err != nil {
					return err
				}
			} else {
				printPipelineSummary(out, p, tasks)
			}
			if p.Status != flow.PipelineSucceeded {
				if runErr != nil {
					return runErr
				}
				return fmt.Errorf("pipeline %s finished %s", p.ID, p.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "pipeline YAML file")
	cmd.Flags().StringVar(&owner, "owner", "", "owner id recorded on the pipeline (default: file owner or \"local\")")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the pipeline and its tasks as JSON")
	return cmd
}

// finalState reads the pipeline after Run returns. The read outlives ctx so an
// interrupted run still reports how it ended.
func finalState(ctx context.Context, eng *pipeline.Engine, owner, id string) (flow.Pipeline, []flow.Task, error) {
	return eng.Get(context.WithoutCancel(ctx), owner, id)
}

func printPipelineSummary(w io.Writer, p flow.Pipeline, tasks []flow.Task) {
	fmt.Fprintln(w, clifmt.Headerf("Pipeline %s (%s)", p.Name, p.ID))
	fmt.Fprintf(w, "%s %s\n", clifmt.Key("status:"), clifmt.Status(string(p.Status)))

	for _, t := range tasks {
		step := "-"
		if t.StepIndex != nil {
			step = fmt.Sprint(*t.StepIndex)
		}
		fmt.Fprintf(w, "  [%s] %s/%s %s\n", step, t.Agent, t.Name, clifmt.Status(string(t.Status)))
		if t.Status == flow.TaskFailed {
			fmt.Fprintf(w, "      %s %s\n", clifmt.Fail(t.ErrorCode), t.ErrorMessage)
		}
	}
	if errInfo, ok := p.Context["error"].(map[string]any); ok {
		fmt.Fprintf(w, "%s %v: %v\n", clifmt.Fail("error:"), errInfo["code"], errInfo["message"])
	}
	if results := p.Results(); len(results) > 0 {
		b, err := json.MarshalIndent(results[len(results)-1], "", "  ")
		if err == nil {
			fmt.Fprintf(w, "%s\n%s\n", clifmt.Key("last output:"), b)
		}
	}
}
