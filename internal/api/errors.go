package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ShayCichocki/coord/pkg/models"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	// Code is a stable machine-readable name for the failure.
	Code string `json:"code"`
	// Path is set for cycle rejections.
	Path []string `json:"path,omitempty"`
	// Holder is set when a lock is held by someone else.
	Holder string `json:"holder,omitempty"`
	// State is the task's current state for rejected transitions.
	State models.TaskState `json:"state,omitempty"`
}

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{models.ErrCyclicDependency, http.StatusConflict, "cyclic_dependency"},
	{models.ErrInvalidStateTransition, http.StatusConflict, "invalid_state_transition"},
	{models.ErrAgentBusy, http.StatusConflict, "agent_busy"},
	{models.ErrLockHeld, http.StatusConflict, "lock_held"},
	{models.ErrNotLockHolder, http.StatusForbidden, "not_lock_holder"},
	{models.ErrNoRunnableTask, http.StatusNotFound, "no_runnable_task"},
	{models.ErrTaskNotFound, http.StatusNotFound, "task_not_found"},
	{models.ErrAgentNotFound, http.StatusNotFound, "agent_not_found"},
	{models.ErrInvalidPayload, http.StatusBadRequest, "invalid_payload"},
	{models.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
}

// statusFor maps a coordinator error to an HTTP status and code.
func statusFor(err error) (int, string) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var cycle *models.CycleError
	var held *models.LockHeldError
	var transition *models.TransitionError
	switch {
	case errors.As(err, &cycle):
		resp.Path = cycle.Path
	case errors.As(err, &held):
		resp.Holder = held.Holder
	case errors.As(err, &transition):
		resp.State = transition.From
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "bad_request"})
}
