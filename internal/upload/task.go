package upload

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

// State is the lifecycle state of an upload task.
type State int32

const (
	Pending State = iota
	Transferring
	AwaitingRetry
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Transferring:
		return "transferring"
	case AwaitingRetry:
		return "awaiting_retry"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// RetryTask is what a RetryCoordinator sees of a failed upload. Token is
// unique per attempt, so a coordinator can key its bookkeeping on it.
type RetryTask struct {
	Token    string
	UploadID string
	Cause    error

	abandon func(error)
}

// Abandon gives up on the upload. Subscribers receive a failed outcome
// carrying err.
func (t *RetryTask) Abandon(err error) {
	if t.abandon != nil {
		t.abandon(err)
	}
}

// subscribers is shared between a task and the tasks that retry it.
type subscribers struct {
	mu   sync.Mutex
	list []Callback
}

func newSubscribers(cb Callback) *subscribers {
	s := &subscribers{}
	s.add(cb)

	return s
}

func (s *subscribers) add(cb Callback) {
	if cb == nil {
		return
	}

	s.mu.Lock()
	s.list = append(s.list, cb)
	s.mu.Unlock()
}

func (s *subscribers) snapshot() []Callback {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Callback, len(s.list))
	copy(out, s.list)

	return out
}

// task is one transfer attempt. A retry builds a new task with the same
// id, content and subscribers.
type task struct {
	id       string
	filename string
	mimeType string
	content  io.ReadSeeker
	subs     *subscribers
	retry    *RetryTask

	ctx    context.Context
	cancel context.CancelFunc

	progress  atomic.Int32
	state     atomic.Int32
	cancelled atomic.Bool
}

func (t *task) setState(s State) {
	t.state.Store(int32(s))
}

func (t *task) State() State {
	return State(t.state.Load())
}

// TaskInfo is a read-only view of a registered upload.
type TaskInfo struct {
	UploadID string `json:"upload_id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	State    string `json:"state"`
	Progress int    `json:"progress"`
}
