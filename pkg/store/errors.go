package store

import "github.com/kadirpekel/gathering/pkg/gathering"

// Not-found sentinels shared by every implementation.
var (
	ErrAgentNotFound    = gathering.NewValidation("agent", "agent not found")
	ErrCircleNotFound   = gathering.NewValidation("circle", "circle not found")
	ErrTaskNotFound     = gathering.NewValidation("task", "task not found")
	ErrActionNotFound   = gathering.NewValidation("scheduled_action", "scheduled action not found")
	ErrRunNotFound      = gathering.NewValidation("scheduled_run", "scheduled run not found")
	ErrPipelineNotFound = gathering.NewValidation("pipeline", "pipeline not found")
	ErrMemoryNotFound   = gathering.NewValidation("memory", "memory not found")
)
