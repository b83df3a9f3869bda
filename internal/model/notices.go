package model

// KillRequest is the body of a task.kill command.
type KillRequest struct {
	TaskID string `json:"task_id"`
}

// KillResponse is the body of the asynchronous task.kill.response notice.
type KillResponse struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Killed   bool   `json:"killed"`
	Error    string `json:"error,omitempty"`
}

// RejectNotice is the body of the asynchronous task.reject notice a
// worker emits when it refuses a dispatched task.
type RejectNotice struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}
