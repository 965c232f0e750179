package sequence

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same contract as RedisStore,
// including the positional-write/re-locate semantics. It backs tests and
// single-process runs where no Redis is configured.
type MemoryStore struct {
	mu       sync.Mutex
	queues   map[string][]string
	markers  map[string]time.Time
	feedback map[string][]string
	contexts map[string]string
	states   map[string]string
	logs     map[string][]LogEntry
	notify   *notifier
}

// LogEntry is one line of a session's event log.
type LogEntry struct {
	Level   string
	Message string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues:   make(map[string][]string),
		markers:  make(map[string]time.Time),
		feedback: make(map[string][]string),
		contexts: make(map[string]string),
		states:   make(map[string]string),
		logs:     make(map[string][]LogEntry),
		notify:   newNotifier(),
	}
}

func sessionKey(project, session string) string { return project + ":" + session }

func (s *MemoryStore) SaveQueue(_ context.Context, project, session string, tasks []TaskRecord) error {
	entries := make([]string, 0, len(tasks))
	for _, t := range tasks {
		payload, err := json.Marshal(t)
		if err != nil {
			return err
		}
		entries = append(entries, string(payload))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[sessionKey(project, session)] = entries
	return nil
}

func (s *MemoryStore) LoadQueue(_ context.Context, project, session string) ([]TaskRecord, error) {
	s.mu.Lock()
	entries := append([]string(nil), s.queues[sessionKey(project, session)]...)
	s.mu.Unlock()
	tasks := make([]TaskRecord, 0, len(entries))
	for _, e := range entries {
		var t TaskRecord
		if err := json.Unmarshal([]byte(e), &t); err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, project, session string, index int, task TaskRecord) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.queues[sessionKey(project, session)]
	if index >= 0 && index < len(entries) {
		var probe TaskRecord
		if json.Unmarshal([]byte(entries[index]), &probe) == nil && probe.Index == task.Index {
			entries[index] = string(payload)
			return nil
		}
	}
	// Positional mismatch: one re-locate by logical index.
	for i, e := range entries {
		var probe TaskRecord
		if json.Unmarshal([]byte(e), &probe) == nil && probe.Index == task.Index {
			entries[i] = string(payload)
			return nil
		}
	}
	return ErrTaskNotFound
}

func (s *MemoryStore) SignalContinue(_ context.Context, project, session string) error {
	key := continueKey(project, session)
	s.mu.Lock()
	s.markers[key] = time.Now().Add(continueMarkerTTL)
	s.mu.Unlock()
	s.notify.notify(key)
	return nil
}

func (s *MemoryStore) consumeMarker(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.markers[key]
	if !ok {
		return false
	}
	delete(s.markers, key)
	return time.Now().Before(expiry)
}

func (s *MemoryStore) AwaitContinue(ctx context.Context, project, session string, timeout, poll time.Duration, onTick func(elapsed int)) bool {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	key := continueKey(project, session)
	wake, cancel := s.notify.wait(key)
	defer func() { cancel() }()

	if s.consumeMarker(key) {
		return true
	}

	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-wake:
			if s.consumeMarker(key) {
				return true
			}
			cancel()
			wake, cancel = s.notify.wait(key)
		case <-ticker.C:
			if onTick != nil {
				onTick(int(time.Since(start).Seconds()))
			}
			if s.consumeMarker(key) {
				return true
			}
		}
	}
}

func (s *MemoryStore) PushFeedback(_ context.Context, project, session string, fb Feedback) error {
	payload, err := json.Marshal(fb)
	if err != nil {
		return err
	}
	key := sessionKey(project, session)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback[key] = append([]string{string(payload)}, s.feedback[key]...)
	return nil
}

func (s *MemoryStore) PopFeedback(_ context.Context, project, session string) (*Feedback, error) {
	key := sessionKey(project, session)
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.feedback[key]
	if len(entries) == 0 {
		return nil, nil
	}
	raw := entries[len(entries)-1]
	s.feedback[key] = entries[:len(entries)-1]
	var fb Feedback
	if err := json.Unmarshal([]byte(raw), &fb); err != nil {
		return nil, nil
	}
	return &fb, nil
}

func (s *MemoryStore) CumulativeContext(_ context.Context, project, session string) (*CumulativeContext, error) {
	s.mu.Lock()
	raw, ok := s.contexts[sessionKey(project, session)]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var cc CumulativeContext
	if err := json.Unmarshal([]byte(raw), &cc); err != nil {
		return nil, nil
	}
	return &cc, nil
}

func (s *MemoryStore) PutCumulativeContext(_ context.Context, project, session string, cc *CumulativeContext) error {
	payload, err := json.Marshal(cc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[sessionKey(project, session)] = string(payload)
	return nil
}

func (s *MemoryStore) ClearCumulativeContext(_ context.Context, project, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, sessionKey(project, session))
	return nil
}

func (s *MemoryStore) SetGenerationState(_ context.Context, project, session, state string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[sessionKey(project, session)] = state
	return nil
}

func (s *MemoryStore) AppendLog(_ context.Context, project, session, level, message string) {
	key := sessionKey(project, session)
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := append(s.logs[key], LogEntry{Level: level, Message: message})
	if len(logs) > logStreamMaxLen {
		logs = logs[len(logs)-logStreamMaxLen:]
	}
	s.logs[key] = logs
}

// Logs returns a copy of the session's event log, oldest first.
func (s *MemoryStore) Logs(project, session string) []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry(nil), s.logs[sessionKey(project, session)]...)
}
