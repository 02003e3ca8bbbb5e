package worker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// TestExecuteCommand_BasicExecution verifies basic command execution
func TestExecuteCommand_BasicExecution(t *testing.T) {
	cmd := newCommand(context.Background(), "echo", "hello")

	stdout, stderr, err := executeCommand(cmd, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "hello") {
		t.Errorf("Expected stdout to contain 'hello', got: %s", stdout)
	}
	if len(stderr) > 0 {
		t.Errorf("Expected empty stderr, got: %s", stderr)
	}
}

// TestExecuteCommand_LargeOutput verifies concurrent pipe reading prevents deadlock
// when output exceeds the pipe buffer.
func TestExecuteCommand_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := newCommand(ctx, "sh", "-c", "seq 1 50000; seq 1 50000 >&2")

	start := time.Now()
	stdout, stderr, err := executeCommand(cmd, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	if len(lines) != 50000 {
		t.Errorf("Expected 50000 stdout lines, got %d", len(lines))
	}
	if len(stderr) == 0 {
		t.Error("Expected stderr to be captured")
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("Command took too long (%v), possible deadlock", d)
	}
}

// TestExecuteCommand_FailureIncludesStderr verifies stderr is surfaced in the error.
func TestExecuteCommand_FailureIncludesStderr(t *testing.T) {
	cmd := newCommand(context.Background(), "sh", "-c", "echo boom >&2; exit 3")

	_, _, err := executeCommand(cmd, nil)
	if err == nil {
		t.Fatal("Expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expected error to include stderr, got: %v", err)
	}
}

func TestCommandWorker_Output(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
		check  func(t *testing.T, res Result)
	}{
		{
			name:   "input echoed as JSON output",
			script: "cat",
			want:   `{"goal":"launch"}`,
		},
		{
			name:   "plain text wrapped as string",
			script: "cat >/dev/null; echo 'draft ready'",
			want:   `"draft ready"`,
		},
		{
			name:   "result document",
			script: `cat >/dev/null; echo '{"output":{"score":9},"partial":true,"follow_ups":[{"name":"fix","category":"copywriting"}]}'`,
			want:   `{"score":9}`,
			check: func(t *testing.T, res Result) {
				if !res.Partial {
					t.Error("Expected partial flag from result document")
				}
				if len(res.FollowUps) != 1 || res.FollowUps[0].Name != "fix" {
					t.Errorf("Expected one follow-up named fix, got %+v", res.FollowUps)
				}
			},
		},
		{
			name:   "empty output",
			script: "cat >/dev/null",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &CommandWorker{Path: "sh", Args: []string{"-c", tt.script}}
			res, err := w.Execute(context.Background(), json.RawMessage(`{"goal":"launch"}`))
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if got := string(res.Output); got != tt.want {
				t.Errorf("Output = %s, want %s", got, tt.want)
			}
			if tt.check != nil {
				tt.check(t, res)
			}
		})
	}
}

func TestCommandWorker_CancelKillsProcessGroup(t *testing.T) {
	pm := NewProcessManager()
	w := &CommandWorker{Path: "sh", Args: []string{"-c", "sleep 30 & sleep 30; wait"}, Processes: pm}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := w.Execute(ctx, nil)
	if err == nil {
		t.Fatal("Expected error after cancellation")
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("Cancellation took %v; process group not killed", d)
	}
	if n := pm.Count(); n != 0 {
		t.Errorf("Expected no tracked processes after exit, got %d", n)
	}
}

func TestProcessManager_KillAll(t *testing.T) {
	pm := NewProcessManager()
	w := &CommandWorker{Path: "sleep", Args: []string{"30"}, Processes: pm}

	done := make(chan error, 1)
	go func() {
		_, err := w.Execute(context.Background(), nil)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pm.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pm.Count() != 1 {
		t.Fatalf("Expected 1 tracked process, got %d", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll failed: %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected killed command to report an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Command not terminated by KillAll")
	}
}
