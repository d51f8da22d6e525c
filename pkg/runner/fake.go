package runner

import (
	"context"
	"strings"
)

// FakeRunner records every command it is asked to run and answers from a
// scripted table. Intended for tests; lives here so every package can
// instrument its pipelines without an import cycle.
type FakeRunner struct {
	// Calls holds every command passed to Run, in order.
	Calls []Command

	// FailOn marks substrings of the command line that should fail.
	FailOn []string

	// Results overrides the outcome per command-line substring.
	Results map[string]Result
}

// NewFakeRunner creates a FakeRunner that succeeds on everything.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Results: make(map[string]Result)}
}

func (f *FakeRunner) Run(ctx context.Context, cmd Command) Result {
	f.Calls = append(f.Calls, cmd)

	line := cmd.Line()
	for sub, res := range f.Results {
		if strings.Contains(line, sub) {
			return res
		}
	}
	for _, sub := range f.FailOn {
		if strings.Contains(line, sub) {
			return Result{Success: false, Reason: "command '" + line + "' failed: scripted failure"}
		}
	}
	return Result{Success: true}
}

// CallCount returns how many recorded commands contain the substring.
func (f *FakeRunner) CallCount(sub string) int {
	n := 0
	for _, c := range f.Calls {
		if strings.Contains(c.Line(), sub) {
			n++
		}
	}
	return n
}
