package runner

import (
	"context"
	"strings"
	"testing"
)

func TestExecRunner_Success(t *testing.T) {
	r := NewExecRunner()

	res := r.Run(context.Background(), Command{Argv: []string{"true"}})
	if !res.Success {
		t.Fatalf("expected success, got reason: %s", res.Reason)
	}
	if res.Err() != nil {
		t.Errorf("successful result must convert to nil error")
	}
}

func TestExecRunner_Failure(t *testing.T) {
	r := NewExecRunner()

	res := r.Run(context.Background(), Command{Argv: []string{"false"}})
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Reason, "command 'false' failed") {
		t.Errorf("reason should name the command, got %q", res.Reason)
	}
	if res.Err() == nil {
		t.Errorf("failed result must convert to non-nil error")
	}
}

func TestExecRunner_CapturesStdout(t *testing.T) {
	r := NewExecRunner()

	res := r.Run(context.Background(), Command{Argv: []string{"echo", "hello"}})
	if !res.Success {
		t.Fatalf("expected success, got reason: %s", res.Reason)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout: got %q, want %q", res.Stdout, "hello")
	}
}

func TestExecRunner_ShellMode(t *testing.T) {
	r := NewExecRunner()

	res := r.Run(context.Background(), Command{Shell: "echo one && echo two"})
	if !res.Success {
		t.Fatalf("expected success, got reason: %s", res.Reason)
	}
	if !strings.Contains(res.Stdout, "one") || !strings.Contains(res.Stdout, "two") {
		t.Errorf("shell chaining not honored, stdout: %q", res.Stdout)
	}
}

func TestExecRunner_Input(t *testing.T) {
	r := NewExecRunner()

	res := r.Run(context.Background(), Command{Argv: []string{"cat"}, Input: "piped\n"})
	if !res.Success {
		t.Fatalf("expected success, got reason: %s", res.Reason)
	}
	if res.Stdout != "piped\n" {
		t.Errorf("stdin not forwarded, stdout: %q", res.Stdout)
	}
}

func TestCommand_Line(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{"argv", Command{Argv: []string{"sudo", "sfdisk", "/dev/sdb"}}, "sudo sfdisk /dev/sdb"},
		{"shell", Command{Shell: "echo hi > /tmp/f"}, "echo hi > /tmp/f"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cmd.Line(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFakeRunner_RecordsAndScripts(t *testing.T) {
	f := NewFakeRunner()
	f.FailOn = []string{"sfdisk"}
	f.Results["nproc"] = Result{Success: true, Stdout: "8\n"}

	res := f.Run(context.Background(), Command{Argv: []string{"nproc"}})
	if !res.Success || res.Stdout != "8\n" {
		t.Errorf("scripted result not returned: %+v", res)
	}

	res = f.Run(context.Background(), Command{Argv: []string{"sudo", "sfdisk", "/dev/sdb"}})
	if res.Success {
		t.Error("FailOn substring should force failure")
	}

	f.Run(context.Background(), Command{Argv: []string{"true"}})

	if len(f.Calls) != 3 {
		t.Errorf("expected 3 recorded calls, got %d", len(f.Calls))
	}
	if f.CallCount("sfdisk") != 1 {
		t.Errorf("CallCount(sfdisk) = %d, want 1", f.CallCount("sfdisk"))
	}
}
