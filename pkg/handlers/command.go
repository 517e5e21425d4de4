package handlers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskrunner/taskd/pkg/taskqueue"
)

// CommandResult contains the outcome of a command task.
type CommandResult struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// CommandHandler runs operating-system processes for tasks of type
// "command" (direct argv execution) and "shell" (through /bin/sh -c).
// Cancelling a task kills the process via its context.
type CommandHandler struct {
	*taskqueue.BaseHandler
	logger zerolog.Logger
}

// NewCommandHandler creates a command handler.
func NewCommandHandler(logger zerolog.Logger) *CommandHandler {
	h := &CommandHandler{
		logger: logger.With().Str("handler", "command").Logger(),
	}
	h.BaseHandler = taskqueue.NewBaseHandler("command", []string{"command", "shell"}, h.run)
	return h
}

func (h *CommandHandler) run(ctx context.Context, info *taskqueue.TaskInfo, progress taskqueue.ProgressFunc) (interface{}, error) {
	command, ok := stringValue(info, "command")
	if !ok || command == "" {
		return nil, fmt.Errorf("task %s: missing required config key %q", info.ID, "command")
	}

	var cmd *exec.Cmd
	display := command
	if info.Type == "shell" {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", command)
	} else {
		args := stringSliceValue(info, "args")
		cmd = exec.CommandContext(ctx, command, args...)
		if len(args) > 0 {
			display = fmt.Sprintf("%s %s", command, strings.Join(args, " "))
		}
	}

	if dir, ok := stringValue(info, "working_dir"); ok {
		cmd.Dir = dir
	}
	if env := stringMapValue(info, "environment"); len(env) > 0 {
		merged := os.Environ()
		for k, v := range env {
			merged = append(merged, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = merged
	}
	if stdin, ok := stringValue(info, "stdin"); ok && stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	h.logger.Debug().
		Str("task_id", info.ID).
		Str("command", display).
		Msg("Starting process")

	progress(0)
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	result := &CommandResult{
		Command:  display,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("failed to run command %q: %w", display, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	h.logger.Debug().
		Str("task_id", info.ID).
		Int("exit_code", result.ExitCode).
		Dur("duration", elapsed).
		Msg("Process finished")

	progress(100)
	if result.ExitCode != 0 {
		return result, fmt.Errorf("command %q exited with code %d", display, result.ExitCode)
	}
	return result, nil
}

// stringValue reads a string config value from task metadata.
func stringValue(info *taskqueue.TaskInfo, key string) (string, bool) {
	raw, ok := info.GetMetadata(key)
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

// stringSliceValue reads a []string config value, tolerating the
// []interface{} shape produced by JSON decoding.
func stringSliceValue(info *taskqueue.TaskInfo, key string) []string {
	raw, ok := info.GetMetadata(key)
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// stringMapValue reads a map[string]string config value, tolerating the
// map[string]interface{} shape produced by JSON decoding.
func stringMapValue(info *taskqueue.TaskInfo, key string) map[string]string {
	raw, ok := info.GetMetadata(key)
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case map[string]string:
		return v
	case map[string]interface{}:
		out := make(map[string]string, len(v))
		for k, item := range v {
			if s, ok := item.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}
