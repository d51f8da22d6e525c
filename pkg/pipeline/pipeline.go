// Package pipeline runs ordered lists of named steps with fail-fast
// semantics and a single best-effort cleanup obligation on failure.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/opz3-tools/opz3-imager/pkg/errors"
)

// Step is one unit of work. A step is atomic from the pipeline's point of
// view even when it runs several external commands internally.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pipeline executes Steps strictly in order and halts at the first failing
// step. Cleanup, when set, is invoked exactly once after a step fails,
// before the failure is returned; its own outcome is not inspected. A
// pipeline is built per operation and discarded after Run returns.
type Pipeline struct {
	Name    string
	Steps   []Step
	Cleanup func(ctx context.Context)
}

// New creates a pipeline with the given steps.
func New(name string, steps ...Step) *Pipeline {
	return &Pipeline{Name: name, Steps: steps}
}

// WithCleanup sets the on-failure cleanup hook and returns the pipeline.
func (p *Pipeline) WithCleanup(fn func(ctx context.Context)) *Pipeline {
	p.Cleanup = fn
	return p
}

// Run executes the steps. Steps after the first failure never execute and
// no step is re-run.
func (p *Pipeline) Run(ctx context.Context) error {
	for _, step := range p.Steps {
		slog.Info("pipeline_step_start", "pipeline", p.Name, "step", step.Name)

		if err := step.Run(ctx); err != nil {
			slog.Error("pipeline_step_failed", "pipeline", p.Name, "step", step.Name, "error", err)
			if p.Cleanup != nil {
				slog.Info("pipeline_cleanup", "pipeline", p.Name, "failed_step", step.Name)
				p.Cleanup(ctx)
			}
			return errors.Wrap(err, p.Name+": step "+step.Name+" failed")
		}

		slog.Info("pipeline_step_complete", "pipeline", p.Name, "step", step.Name)
	}

	slog.Info("pipeline_complete", "pipeline", p.Name, "steps", len(p.Steps))
	return nil
}
