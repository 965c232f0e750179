package sequence

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStoreUnavailable marks a store backend that cannot be reached.
	ErrStoreUnavailable = errors.New("queue store unavailable")
	// ErrTaskNotFound is returned by UpdateTask when a record cannot be
	// re-located by its logical index after a positional mismatch.
	ErrTaskNotFound = errors.New("task not found in queue")
)

// Feedback 是人工反馈通道推送的一条补充指引，用于恢复暂停的章节。
// ChapterHint "current" 表示把反馈文本追加到该章节的写作指引里。
type Feedback struct {
	Text        string `json:"text"`
	ChapterHint string `json:"chapter_hint,omitempty"`
}

// Store is the persistence adapter for a session's ordered task list and its
// signaling primitives. Implementations must be safe for concurrent use
// across unrelated (project, session) keys.
type Store interface {
	// SaveQueue replaces the session's queue with the given ordered tasks.
	SaveQueue(ctx context.Context, project, session string, tasks []TaskRecord) error
	// LoadQueue returns the session's ordered task list. Unparseable
	// entries are skipped; an unreachable backend yields ErrStoreUnavailable.
	LoadQueue(ctx context.Context, project, session string) ([]TaskRecord, error)
	// UpdateTask overwrites the slot at index. If the list has shifted
	// since index was computed, the record is re-located once by its
	// logical Index field; a second miss fails with ErrTaskNotFound.
	UpdateTask(ctx context.Context, project, session string, index int, task TaskRecord) error

	// SignalContinue sets the transient continue marker. Idempotent.
	SignalContinue(ctx context.Context, project, session string) error
	// AwaitContinue blocks until the continue marker appears or timeout
	// elapses, consuming the marker on success. onTick, if non-nil, is
	// invoked with the elapsed seconds on each poll.
	AwaitContinue(ctx context.Context, project, session string, timeout, poll time.Duration, onTick func(elapsed int)) bool

	PushFeedback(ctx context.Context, project, session string, fb Feedback) error
	// PopFeedback returns the most recent pending feedback, or nil.
	PopFeedback(ctx context.Context, project, session string) (*Feedback, error)

	CumulativeContext(ctx context.Context, project, session string) (*CumulativeContext, error)
	// PutCumulativeContext persists the whole context, refreshing its expiry.
	PutCumulativeContext(ctx context.Context, project, session string, cc *CumulativeContext) error
	ClearCumulativeContext(ctx context.Context, project, session string) error

	// SetGenerationState stamps a coarse per-session state marker with a TTL.
	SetGenerationState(ctx context.Context, project, session, state string, ttl time.Duration) error
	// AppendLog pushes one line onto the session's capped event log stream.
	// Best effort; failures are swallowed.
	AppendLog(ctx context.Context, project, session, level, message string)
}

// FindNextWaiting returns the position and record of the first waiting task,
// or (-1, nil) when none remain.
func FindNextWaiting(tasks []TaskRecord) (int, *TaskRecord) {
	for i := range tasks {
		if tasks[i].Status == StatusWaiting {
			return i, &tasks[i]
		}
	}
	return -1, nil
}

func findFirstPaused(tasks []TaskRecord) (int, *TaskRecord) {
	for i := range tasks {
		if tasks[i].Status == StatusPaused {
			return i, &tasks[i]
		}
	}
	return -1, nil
}
