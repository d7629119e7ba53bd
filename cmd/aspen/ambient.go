package main

import (
	"fmt"
	"os"
	"strconv"
)

// ambientTaskEnv is set by ember in every session it launches, so
// commands run inside a session can act on "their" task without naming
// it.
const ambientTaskEnv = "ASPEN_TASK_ID"

// resolveTaskID takes the task id from the arguments, falling back to
// the ambient session environment.
func resolveTaskID(args []string) (int64, error) {
	raw := ""
	if len(args) > 0 {
		raw = args[0]
	} else {
		raw = os.Getenv(ambientTaskEnv)
	}
	if raw == "" {
		return 0, fmt.Errorf("task id required: pass it as an argument or run inside a session (%s)", ambientTaskEnv)
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}
