package sequence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// RetrievedItem is one text passage fetched for a chapter.
type RetrievedItem struct {
	Content    string  `json:"content"`
	Source     string  `json:"source,omitempty"`
	PageNumber int     `json:"page_number,omitempty"`
	Relevance  float64 `json:"relevance_score,omitempty"`
}

// RetrievedAsset is a non-text attachment (image or table).
type RetrievedAsset struct {
	Path       string `json:"path"`
	Caption    string `json:"caption,omitempty"`
	PageNumber int    `json:"page_number,omitempty"`
}

// RetrievedMaterial groups everything fetched for one chapter.
type RetrievedMaterial struct {
	Text   []RetrievedItem
	Images []RetrievedAsset
	Tables []RetrievedAsset
}

// Retriever fetches source material for a chapter. Implementations never
// fail; they return empty material instead.
type Retriever interface {
	Retrieve(ctx context.Context, title, howToWrite, contextSummary, projectName string) RetrievedMaterial
}

// Generation is a drafted chapter plus its word count.
type Generation struct {
	Content   string
	WordCount int
}

// Generator drafts chapter text. Ordinary model failures surface as
// placeholder content rather than errors; a returned error aborts the session.
type Generator interface {
	Generate(ctx context.Context, title, howToWrite string, material RetrievedMaterial, contextSummary string) (Generation, error)
}

// Summarizer produces per-chapter briefs and refreshes the overall summary.
// Brief never fails (it has a built-in fallback); OverallSummary may, in
// which case the runner falls back to plain concatenation.
type Summarizer interface {
	Brief(ctx context.Context, title, content, contextSummary string) Brief
	OverallSummary(ctx context.Context, current, title, briefSummary string) (string, error)
}

// Options tune the runner's waiting behavior. Zero values take defaults.
type Options struct {
	ContinueTimeout time.Duration // wait for confirmation after a completed chapter
	PauseTimeout    time.Duration // wait for the user when only paused tasks remain
	PollInterval    time.Duration
	RecheckDelay    time.Duration // backoff between completion rechecks
	MaxRechecks     int           // completion rechecks tolerated with tasks stuck at working
	MinTextResults  int           // sufficiency threshold for retrieved text
	StateTTL        time.Duration // gen_state marker expiry
}

func (o *Options) applyDefaults() {
	if o.ContinueTimeout <= 0 {
		o.ContinueTimeout = 5 * time.Minute
	}
	if o.PauseTimeout <= 0 {
		o.PauseTimeout = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.RecheckDelay <= 0 {
		o.RecheckDelay = 2 * time.Second
	}
	if o.MaxRechecks <= 0 {
		o.MaxRechecks = 5
	}
	if o.MinTextResults <= 0 {
		o.MinTextResults = 3
	}
	if o.StateTTL <= 0 {
		o.StateTTL = time.Hour
	}
}

// Runner drives one session's queue to completion. Within a session it is
// single-threaded: exactly one chapter is working at a time, because each
// chapter depends on the prior chapter's brief. The runner is the only
// writer of waiting->working->worked transitions; the feedback channel alone
// moves a task from paused back to waiting.
type Runner struct {
	store      Store
	retriever  Retriever
	generator  Generator
	summarizer Summarizer
	opts       Options
	emit       EventSink
	logger     *log.Logger
}

func NewRunner(store Store, retriever Retriever, generator Generator, summarizer Summarizer, opts Options, sink EventSink, logger *log.Logger) (*Runner, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if retriever == nil {
		return nil, errors.New("retriever is required")
	}
	if generator == nil {
		return nil, errors.New("generator is required")
	}
	if summarizer == nil {
		return nil, errors.New("summarizer is required")
	}
	opts.applyDefaults()
	if sink == nil {
		sink = func(Event) {}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		store:      store,
		retriever:  retriever,
		generator:  generator,
		summarizer: summarizer,
		opts:       opts,
		emit:       sink,
		logger:     logger,
	}, nil
}

// Run executes the session until every task is worked, the session aborts on
// an unexpected error, or waiting on paused tasks times out. Restarting a
// stopped run resumes at the first waiting task.
func (r *Runner) Run(ctx context.Context, project, session, projectName string) error {
	tasks, err := r.store.LoadQueue(ctx, project, session)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		r.logger.Printf("[runner] 队列为空, 直接结束 (project=%s session=%s)", project, session)
		return nil
	}

	if err := r.store.SetGenerationState(ctx, project, session, "generating", r.opts.StateTTL); err != nil {
		r.logger.Printf("[runner] 更新生成状态失败: %v", err)
	}
	r.emitEvent(project, session, EventSequenceStarted, map[string]any{"project_name": projectName})

	rechecks := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Feedback on a paused task takes priority over index order.
		if idx, paused := findFirstPaused(tasks); paused != nil {
			fb, err := r.store.PopFeedback(ctx, project, session)
			if err != nil {
				r.logger.Printf("[runner] 检查用户反馈失败: %v", err)
			} else if fb != nil {
				r.logger.Printf("[runner] 处理用户反馈: %s", fb.Text)
				if err := paused.Transition(StatusWaiting); err != nil {
					return err
				}
				paused.MissingInfo = nil
				if fb.ChapterHint == "current" && fb.Text != "" {
					paused.HowToWrite += "\n\n用户反馈: " + fb.Text
				}
				if err := r.store.UpdateTask(ctx, project, session, idx, *paused); err != nil {
					return err
				}
				rechecks = 0
				continue
			}
		}

		idx, task := FindNextWaiting(tasks)
		if task == nil {
			done, err := r.idle(ctx, project, session, &tasks, &rechecks)
			if err != nil || done {
				return err
			}
			continue
		}

		rechecks = 0
		if err := r.process(ctx, project, session, projectName, idx, task); err != nil {
			if ctx.Err() != nil {
				// Process shutdown, not a chapter failure.
				return err
			}
			r.failTask(ctx, project, session, idx, task, err)
			return err
		}
	}
}

// process takes one waiting task through claim -> retrieve -> sufficiency
// gate -> generate -> brief -> cumulative update -> await-continue. A nil
// return covers both the worked path and the non-fatal insufficient-material
// pause; any error is fatal to the session.
func (r *Runner) process(ctx context.Context, project, session, projectName string, idx int, task *TaskRecord) error {
	cc, err := r.store.CumulativeContext(ctx, project, session)
	if err != nil {
		return err
	}
	if cc == nil {
		cc = &CumulativeContext{}
	}

	// Claim before any collaborator call so observers see work in progress.
	if err := task.Transition(StatusWorking); err != nil {
		return err
	}
	if err := r.store.UpdateTask(ctx, project, session, idx, *task); err != nil {
		return err
	}
	r.emitEvent(project, session, EventChapterStarted, map[string]any{
		"task_index": task.Index,
		"title":      task.Title,
	})

	contextSummary := cc.ContextForNextChapter()
	material := r.retriever.Retrieve(ctx, task.Title, task.HowToWrite, contextSummary, projectName)
	if len(material.Text) < r.opts.MinTextResults {
		return r.pauseInsufficient(ctx, project, session, idx, task, material)
	}

	gen, err := r.generator.Generate(ctx, task.Title, task.HowToWrite, material, contextSummary)
	if err != nil {
		return err
	}
	task.Content = gen.Content

	brief := r.summarizer.Brief(ctx, task.Title, task.Content, contextSummary)
	// The total must be an exact sum of generator counts, not model output.
	brief.WordCount = gen.WordCount
	if brief.GeneratedAt == "" {
		brief.GeneratedAt = nowUTC()
	}
	task.Brief = &brief
	task.GeneratedAt = brief.GeneratedAt
	if err := task.Transition(StatusWorked); err != nil {
		return err
	}

	cc.AddChapter(task.Index, task.Title, brief)
	r.refreshOverallSummary(ctx, cc, task.Title, brief)
	if err := r.store.PutCumulativeContext(ctx, project, session, cc); err != nil {
		// A context-update failure must never abort the session.
		r.logger.Printf("[runner] 累积摘要写入失败: %v", err)
	}

	if err := r.store.UpdateTask(ctx, project, session, idx, *task); err != nil {
		return err
	}
	r.emitEvent(project, session, EventChapterCompleted, map[string]any{
		"task_index":         task.Index,
		"title":              task.Title,
		"content":            task.Content,
		"brief":              brief,
		"word_count":         gen.WordCount,
		"cumulative_summary": cc,
	})

	ack := r.store.AwaitContinue(ctx, project, session, r.opts.ContinueTimeout, r.opts.PollInterval, func(elapsed int) {
		r.logger.Printf("[runner] 等待writer_continue信号 %ds...", elapsed)
	})
	if !ack {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Missed UI acknowledgment must not wedge the pipeline.
		r.logger.Printf("[runner] 等待确认超时, 自动继续执行")
		r.emitEvent(project, session, EventContinueTimeout, map[string]any{"task_index": task.Index})
	}
	return nil
}

// refreshOverallSummary asks the summarizer for a new overall summary and
// falls back to concatenation when it cannot deliver one.
func (r *Runner) refreshOverallSummary(ctx context.Context, cc *CumulativeContext, title string, brief Brief) {
	overall, err := r.summarizer.OverallSummary(ctx, cc.OverallSummary, title, brief.Summary)
	if err == nil && overall != "" {
		cc.OverallSummary = overall
		return
	}
	if err != nil {
		r.logger.Printf("[runner] 累积摘要更新失败, 保持拼接方式: %v", err)
	}
	if cc.OverallSummary == "" {
		cc.OverallSummary = "已完成章节: " + title
		return
	}
	snippet := brief.Summary
	if runes := []rune(snippet); len(runes) > 50 {
		snippet = string(runes[:50]) + "..."
	}
	cc.OverallSummary += " | " + title + ": " + snippet
}

func (r *Runner) pauseInsufficient(ctx context.Context, project, session string, idx int, task *TaskRecord, material RetrievedMaterial) error {
	textCount := len(material.Text)
	imageCount := len(material.Images)
	tableCount := len(material.Tables)

	var missing []string
	if textCount == 0 {
		missing = append(missing, "缺少文档文本资料")
	} else {
		missing = append(missing, fmt.Sprintf("文档资料不足（当前%d条，需要至少%d条）", textCount, r.opts.MinTextResults))
	}
	if imageCount == 0 && tableCount == 0 {
		missing = append(missing, "缺少图片或表格等辅助资料（可选）")
	}
	suggestions := []string{
		fmt.Sprintf("请为章节'%s'补充以下资料：", task.Title),
		"1. 上传相关的文档资料（PDF、Word等）",
		"2. 如有需要，提供相关的图片或表格文件",
	}

	if err := task.Transition(StatusPaused); err != nil {
		return err
	}
	task.MissingInfo = append(missing, suggestions...)
	r.logger.Printf("[runner] 章节'%s'因资料不足暂停: %s", task.Title, strings.Join(missing, ", "))
	if err := r.store.UpdateTask(ctx, project, session, idx, *task); err != nil {
		return err
	}
	r.emitEvent(project, session, EventChapterPaused, map[string]any{
		"task_index":   task.Index,
		"title":        task.Title,
		"missing_info": task.MissingInfo,
		"material_analysis": map[string]int{
			"text_count":  textCount,
			"image_count": imageCount,
			"table_count": tableCount,
			"total_count": textCount + imageCount + tableCount,
		},
		"suggestions": suggestions,
	})
	return nil
}

// idle handles an iteration with no waiting task: block for the user while
// paused tasks remain, otherwise verify completion against a fresh reload.
// done reports that the loop should exit.
func (r *Runner) idle(ctx context.Context, project, session string, tasks *[]TaskRecord, rechecks *int) (done bool, err error) {
	if _, paused := findFirstPaused(*tasks); paused != nil {
		var titles []string
		for _, t := range *tasks {
			if t.Status == StatusPaused {
				titles = append(titles, t.Title)
			}
		}
		r.logger.Printf("[runner] 所有等待任务已完成, 但仍有暂停任务等待用户反馈: %s", strings.Join(titles, ", "))
		r.emitEvent(project, session, EventWaitingForUser, map[string]any{"paused_tasks": titles})

		ack := r.store.AwaitContinue(ctx, project, session, r.opts.PauseTimeout, r.opts.PollInterval, func(elapsed int) {
			r.logger.Printf("[runner] 等待用户处理暂停任务 %ds...", elapsed)
		})
		if !ack {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			r.logger.Printf("[runner] 等待用户反馈超时, 序列生成暂停")
			return true, nil
		}
		// Reload fresh: the user may have edited the queue meanwhile.
		reloaded, err := r.store.LoadQueue(ctx, project, session)
		if err != nil {
			return false, err
		}
		*tasks = reloaded
		return false, nil
	}

	// Completion requires every task worked on a fresh reload.
	reloaded, err := r.store.LoadQueue(ctx, project, session)
	if err != nil {
		return false, err
	}
	*tasks = reloaded
	var waiting, working, worked, pausedCount int
	for _, t := range reloaded {
		switch t.Status {
		case StatusWaiting:
			waiting++
		case StatusWorking:
			working++
		case StatusWorked:
			worked++
		case StatusPaused:
			pausedCount++
		}
	}
	r.logger.Printf("[runner] 检查完成状态: 总数=%d waiting=%d working=%d worked=%d paused=%d",
		len(reloaded), waiting, working, worked, pausedCount)

	if len(reloaded) == 0 {
		r.logger.Printf("[runner] 队列在运行中被清空, 结束")
		return true, nil
	}
	if worked == len(reloaded) {
		r.logger.Printf("[runner] 所有 %d 个任务已完成", len(reloaded))
		r.emitEvent(project, session, EventAllCompleted, nil)
		return true, nil
	}
	if waiting > 0 || pausedCount > 0 {
		// The reload surfaced actionable tasks; the next iteration takes them.
		return false, nil
	}

	// Only working tasks remain: a visibility race, or a stuck record.
	*rechecks++
	if *rechecks > r.opts.MaxRechecks {
		return false, fmt.Errorf("completion check: %d task(s) stuck at working after %d rechecks", working, r.opts.MaxRechecks)
	}
	r.logger.Printf("[runner] 仍有 %d 个任务未完成, 继续等待...", working)
	sleepCtx(ctx, r.opts.RecheckDelay)
	return false, nil
}

// failTask marks the current task paused with the error as its sole
// missing-info entry and emits the terminal failure event. Best effort: the
// session is aborting either way.
func (r *Runner) failTask(ctx context.Context, project, session string, idx int, task *TaskRecord, cause error) {
	r.logger.Printf("[runner] 章节处理失败: %v", cause)
	if task.Status == StatusWorking {
		if err := task.Transition(StatusPaused); err == nil {
			task.MissingInfo = []string{"生成异常: " + cause.Error()}
			if err := r.store.UpdateTask(ctx, project, session, idx, *task); err != nil {
				r.logger.Printf("[runner] 记录失败状态出错: %v", err)
			}
		}
	}
	r.emitEvent(project, session, EventChapterFailed, map[string]any{
		"task_index": task.Index,
		"title":      task.Title,
		"error":      cause.Error(),
	})
}

func (r *Runner) emitEvent(project, session, typ string, data map[string]any) {
	r.emit(Event{Type: typ, Project: project, Session: session, Data: data})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
