package handlers

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskrunner/taskd/pkg/taskqueue"
)

const defaultSleepSteps = 10

// SleepHandler simulates long-running work for tasks of type "sleep" and
// "noop". Sleep tasks split their configured duration into steps, report
// progress after each one, and honor cancellation between steps. Noop
// tasks complete immediately.
//
// Config keys: "duration" (seconds or a duration string, default 1s),
// "steps" (default 10), "result" (echoed back as the task value).
type SleepHandler struct {
	*taskqueue.BaseHandler
	logger zerolog.Logger
}

// NewSleepHandler creates a sleep handler.
func NewSleepHandler(logger zerolog.Logger) *SleepHandler {
	h := &SleepHandler{
		logger: logger.With().Str("handler", "sleep").Logger(),
	}
	h.BaseHandler = taskqueue.NewBaseHandler("sleep", []string{"sleep", "noop"}, h.run)
	return h
}

func (h *SleepHandler) run(ctx context.Context, info *taskqueue.TaskInfo, progress taskqueue.ProgressFunc) (interface{}, error) {
	result, _ := info.GetMetadata("result")

	if info.Type == "noop" {
		progress(100)
		return result, nil
	}

	total := durationValue(info, "duration", time.Second)
	steps := intValue(info, "steps", defaultSleepSteps)
	if steps < 1 {
		steps = 1
	}
	interval := total / time.Duration(steps)

	h.logger.Debug().
		Str("task_id", info.ID).
		Dur("duration", total).
		Int("steps", steps).
		Msg("Starting simulated work")

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			h.logger.Debug().
				Str("task_id", info.ID).
				Int("completed_steps", i-1).
				Msg("Simulated work cancelled")
			return nil, ctx.Err()
		case <-time.After(interval):
			progress(float64(i) / float64(steps) * 100)
		}
	}

	return result, nil
}

// durationValue reads a duration config value from task metadata.
// Numbers are seconds; strings are parsed as durations.
func durationValue(info *taskqueue.TaskInfo, key string, fallback time.Duration) time.Duration {
	raw, ok := info.GetMetadata(key)
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return fallback
		}
		return d
	default:
		return fallback
	}
}

// intValue reads an integer config value from task metadata.
func intValue(info *taskqueue.TaskInfo, key string, fallback int) int {
	raw, ok := info.GetMetadata(key)
	if !ok {
		return fallback
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
