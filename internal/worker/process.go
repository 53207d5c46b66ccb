package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// ProcessExecutor runs an external automation program once per task. The
// wire message is written to its stdin as JSON and its stdout becomes the
// result data. A non-zero exit fails the task with the trimmed stderr.
type ProcessExecutor struct {
	Path string
	Args []string
	Env  []string
}

func (e *ProcessExecutor) Execute(ctx context.Context, task Task) (json.RawMessage, error) {
	input, err := json.Marshal(task.Message)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", task.ID, err)
	}

	cmd := exec.CommandContext(ctx, e.Path, e.Args...)
	cmd.Stdin = bytes.NewReader(input)
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %s", e.Path, msg)
		}
		return nil, fmt.Errorf("%s: %w", e.Path, err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	switch {
	case len(out) == 0:
		return nil, nil
	case json.Valid(out):
		return json.RawMessage(out), nil
	default:
		raw, err := json.Marshal(string(out))
		if err != nil {
			return nil, err
		}
		return raw, nil
	}
}
