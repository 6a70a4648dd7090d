package tacp

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrAgentNotFound       = errors.New("agent not found")
	ErrTaskNotFound        = errors.New("task not found")
	ErrNotParticipant      = errors.New("agent is not a session participant")
	ErrSelfSession         = errors.New("initiator and responder must differ")
	ErrTrustNotEstablished = errors.New("trust not established")
	ErrNoChallenge         = errors.New("no outstanding trust challenge")
)

// SessionStateError reports an operation attempted in the wrong session
// state, e.g. accepting an already-active session.
type SessionStateError struct {
	SessionID string
	Status    string
	Op        string
}

func (e SessionStateError) Error() string {
	return fmt.Sprintf("session %s is %s; cannot %s", e.SessionID, e.Status, e.Op)
}

// TrustVerificationError reports a failed handshake check. The session stays
// active and may be re-challenged.
type TrustVerificationError struct {
	Reason string
}

func (e TrustVerificationError) Error() string {
	return "trust verification failed: " + e.Reason
}

// StaleProgressError reports a task progress update below the recorded high
// water mark. The update is rejected; session and task state are unchanged.
type StaleProgressError struct {
	TaskID   string
	Current  float64
	Proposed float64
}

func (e StaleProgressError) Error() string {
	return fmt.Sprintf("task %s progress %.2f is behind recorded %.2f", e.TaskID, e.Proposed, e.Current)
}

// TaskStateError reports a task message that conflicts with the task's
// current status, e.g. progress on a completed task.
type TaskStateError struct {
	TaskID string
	Status string
	Op     string
}

func (e TaskStateError) Error() string {
	return fmt.Sprintf("task %s is %s; cannot %s", e.TaskID, e.Status, e.Op)
}
