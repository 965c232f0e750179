// Package sequence implements the chapter-by-chapter generation pipeline:
// a durable task queue shared through a store, and a runner that drives one
// session's queue to completion while carrying a bounded cumulative summary
// forward between chapters.
package sequence

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status 表示队列中单个章节任务的状态。
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusWorking Status = "working"
	StatusPaused  Status = "paused"
	StatusWorked  Status = "worked"
)

// StatusFromValue maps a stored string onto a Status, defaulting to waiting
// for anything unrecognized so a damaged entry re-enters the queue instead of
// wedging it.
func StatusFromValue(v string) Status {
	switch Status(v) {
	case StatusWaiting, StatusWorking, StatusPaused, StatusWorked:
		return Status(v)
	default:
		return StatusWaiting
	}
}

// CanTransition reports whether s -> to is one of the allowed edges:
// waiting->working, working->paused, working->worked, paused->waiting.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusWaiting:
		return to == StatusWorking
	case StatusWorking:
		return to == StatusPaused || to == StatusWorked
	case StatusPaused:
		return to == StatusWaiting
	default:
		return false
	}
}

// Brief is the structured summary produced for a finished chapter.
type Brief struct {
	Summary            string `json:"summary"`
	SuggestionsForNext string `json:"suggestions_for_next"`
	WordCount          int    `json:"word_count"`
	GeneratedAt        string `json:"generated_at,omitempty"`
}

// ChapterSummary is one entry of the cumulative context, appended per
// completed chapter.
type ChapterSummary struct {
	Index              int    `json:"index"`
	Title              string `json:"title"`
	Summary            string `json:"summary"`
	SuggestionsForNext string `json:"suggestions_for_next"`
	WordCount          int    `json:"word_count"`
	GeneratedAt        string `json:"generated_at,omitempty"`
}

// recentChapterWindow bounds how many trailing chapter summaries feed the
// next chapter's context, keeping prompt size independent of document length.
const recentChapterWindow = 3

// CumulativeContext is the per-session running state shared across chapters.
// ChapterSummaries is append-only in increasing index order.
type CumulativeContext struct {
	OverallSummary   string           `json:"overall_summary"`
	ChapterSummaries []ChapterSummary `json:"chapter_summaries"`
	TotalWordCount   int              `json:"total_word_count"`
	LastUpdated      string           `json:"last_updated,omitempty"`
}

// AddChapter appends a completed chapter's brief. A chapter index that is
// already recorded is ignored, so a runner restarted between the context
// write and the task write cannot count the same chapter twice.
func (c *CumulativeContext) AddChapter(index int, title string, b Brief) {
	for _, ch := range c.ChapterSummaries {
		if ch.Index == index {
			return
		}
	}
	c.ChapterSummaries = append(c.ChapterSummaries, ChapterSummary{
		Index:              index,
		Title:              title,
		Summary:            b.Summary,
		SuggestionsForNext: b.SuggestionsForNext,
		WordCount:          b.WordCount,
		GeneratedAt:        b.GeneratedAt,
	})
	c.TotalWordCount += b.WordCount
	c.LastUpdated = b.GeneratedAt
}

// ContextForNextChapter renders the bounded context string handed to the next
// chapter: overall summary, the last few chapter summaries, and the most
// recent suggestion.
func (c *CumulativeContext) ContextForNextChapter() string {
	if c == nil || len(c.ChapterSummaries) == 0 {
		return ""
	}
	var parts []string
	if c.OverallSummary != "" {
		parts = append(parts, "整体进展: "+c.OverallSummary)
	}
	recent := c.ChapterSummaries
	if len(recent) > recentChapterWindow {
		recent = recent[len(recent)-recentChapterWindow:]
	}
	for _, ch := range recent {
		parts = append(parts, fmt.Sprintf("第%d章 %s: %s", ch.Index+1, ch.Title, ch.Summary))
	}
	if last := recent[len(recent)-1]; last.SuggestionsForNext != "" {
		parts = append(parts, "前章建议: "+last.SuggestionsForNext)
	}
	return strings.Join(parts, " | ")
}

// TaskRecord is one chapter unit inside a session's queue. Extra carries
// unrecognized producer fields through load/store unchanged.
type TaskRecord struct {
	Index          int
	Title          string
	HowToWrite     string
	Status         Status
	EstimatedWords int
	OriginalIndex  int
	SessionID      string
	ProjectName    string
	Reason         string
	Content        string
	Brief          *Brief
	GeneratedAt    string
	MissingInfo    []string
	Extra          map[string]any
}

// Transition moves the task along one of the allowed status edges.
func (t *TaskRecord) Transition(to Status) error {
	if !t.Status.CanTransition(to) {
		return fmt.Errorf("invalid status transition for task %d: %s -> %s", t.Index, t.Status, to)
	}
	t.Status = to
	return nil
}

// taskRecordJSON is the typed wire schema; TaskRecord.Extra rides alongside.
type taskRecordJSON struct {
	Index          int      `json:"index"`
	Title          string   `json:"title"`
	HowToWrite     string   `json:"how_to_write"`
	Status         string   `json:"status"`
	EstimatedWords int      `json:"estimated_words"`
	OriginalIndex  int      `json:"original_index"`
	SessionID      string   `json:"session_id,omitempty"`
	ProjectName    string   `json:"project_name,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Content        string   `json:"content,omitempty"`
	Brief          *Brief   `json:"brief,omitempty"`
	GeneratedAt    string   `json:"generated_at,omitempty"`
	MissingInfo    []string `json:"missing_info,omitempty"`
}

var knownTaskKeys = map[string]bool{
	"index": true, "title": true, "how_to_write": true, "status": true,
	"estimated_words": true, "original_index": true, "session_id": true,
	"project_name": true, "reason": true, "content": true, "brief": true,
	"generated_at": true, "missing_info": true,
}

func (t TaskRecord) MarshalJSON() ([]byte, error) {
	core, err := json.Marshal(taskRecordJSON{
		Index:          t.Index,
		Title:          t.Title,
		HowToWrite:     t.HowToWrite,
		Status:         string(t.Status),
		EstimatedWords: t.EstimatedWords,
		OriginalIndex:  t.OriginalIndex,
		SessionID:      t.SessionID,
		ProjectName:    t.ProjectName,
		Reason:         t.Reason,
		Content:        t.Content,
		Brief:          t.Brief,
		GeneratedAt:    t.GeneratedAt,
		MissingInfo:    t.MissingInfo,
	})
	if err != nil || len(t.Extra) == 0 {
		return core, err
	}
	var merged map[string]any
	if err := json.Unmarshal(core, &merged); err != nil {
		return nil, err
	}
	for k, v := range t.Extra {
		if !knownTaskKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func (t *TaskRecord) UnmarshalJSON(data []byte) error {
	var core taskRecordJSON
	if err := json.Unmarshal(data, &core); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Index = core.Index
	if _, ok := raw["index"]; !ok {
		t.Index = core.OriginalIndex
	}
	t.Title = core.Title
	t.HowToWrite = core.HowToWrite
	t.Status = StatusFromValue(core.Status)
	t.EstimatedWords = core.EstimatedWords
	t.OriginalIndex = core.OriginalIndex
	t.SessionID = core.SessionID
	t.ProjectName = core.ProjectName
	t.Reason = core.Reason
	t.Content = core.Content
	t.Brief = core.Brief
	t.GeneratedAt = core.GeneratedAt
	t.MissingInfo = core.MissingInfo
	t.Extra = nil
	for k, v := range raw {
		if knownTaskKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		if t.Extra == nil {
			t.Extra = make(map[string]any)
		}
		t.Extra[k] = val
	}
	return nil
}
