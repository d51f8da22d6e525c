package pipeline

import (
	"context"
	"fmt"
	"testing"
)

func TestRun_ExecutesStepsInOrder(t *testing.T) {
	var order []string

	p := New("test",
		Step{Name: "first", Run: func(ctx context.Context) error {
			order = append(order, "first")
			return nil
		}},
		Step{Name: "second", Run: func(ctx context.Context) error {
			order = append(order, "second")
			return nil
		}},
		Step{Name: "third", Run: func(ctx context.Context) error {
			order = append(order, "third")
			return nil
		}},
	)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("step %d: got %s, want %s", i, order[i], want[i])
		}
	}
}

func TestRun_HaltsAtFirstFailure(t *testing.T) {
	counts := make(map[string]int)
	step := func(name string, fail bool) Step {
		return Step{Name: name, Run: func(ctx context.Context) error {
			counts[name]++
			if fail {
				return fmt.Errorf("%s failed", name)
			}
			return nil
		}}
	}

	p := New("test",
		step("a", false),
		step("b", true),
		step("c", false),
		step("d", false),
	)

	err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected error from failing step")
	}

	if counts["a"] != 1 || counts["b"] != 1 {
		t.Errorf("steps before failure should run once: a=%d b=%d", counts["a"], counts["b"])
	}
	if counts["c"] != 0 || counts["d"] != 0 {
		t.Errorf("steps after failure must never run: c=%d d=%d", counts["c"], counts["d"])
	}
}

func TestRun_CleanupInvokedOnceOnFailure(t *testing.T) {
	cleanups := 0

	p := New("test",
		Step{Name: "ok", Run: func(ctx context.Context) error { return nil }},
		Step{Name: "boom", Run: func(ctx context.Context) error { return fmt.Errorf("boom") }},
		Step{Name: "never", Run: func(ctx context.Context) error { return nil }},
	).WithCleanup(func(ctx context.Context) { cleanups++ })

	if err := p.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}

	if cleanups != 1 {
		t.Errorf("cleanup should run exactly once on failure, ran %d times", cleanups)
	}
}

func TestRun_CleanupNotInvokedOnSuccess(t *testing.T) {
	cleanups := 0

	p := New("test",
		Step{Name: "ok", Run: func(ctx context.Context) error { return nil }},
	).WithCleanup(func(ctx context.Context) { cleanups++ })

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cleanups != 0 {
		t.Errorf("cleanup must not run on success, ran %d times", cleanups)
	}
}

func TestRun_ErrorNamesFailingStep(t *testing.T) {
	p := New("compose_rootfs",
		Step{Name: "bootstrap_stage_1", Run: func(ctx context.Context) error {
			return fmt.Errorf("debootstrap exited 1")
		}},
	)

	err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}

	want := "compose_rootfs: step bootstrap_stage_1 failed: debootstrap exited 1"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
