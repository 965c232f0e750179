package sequence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"
)

// fakeRetriever returns a fixed number of text passages per chapter title.
type fakeRetriever struct {
	perTitle map[string]int
}

func (f fakeRetriever) Retrieve(_ context.Context, title, _, _, _ string) RetrievedMaterial {
	var m RetrievedMaterial
	for i := 0; i < f.perTitle[title]; i++ {
		m.Text = append(m.Text, RetrievedItem{Content: fmt.Sprintf("%s资料%d", title, i+1)})
	}
	return m
}

type fakeGenerator struct {
	err error
}

func genContent(title string) string { return title + "的章节正文内容。" }

func (f fakeGenerator) Generate(_ context.Context, title, _ string, _ RetrievedMaterial, _ string) (Generation, error) {
	if f.err != nil {
		return Generation{}, f.err
	}
	content := genContent(title)
	return Generation{Content: content, WordCount: len([]rune(content))}, nil
}

type fakeSummarizer struct {
	overallErr error
}

func (f fakeSummarizer) Brief(_ context.Context, title, _, _ string) Brief {
	// A wrong model-reported count; the runner must overwrite it.
	return Brief{Summary: title + "摘要", SuggestionsForNext: "延续重点", WordCount: 9999}
}

func (f fakeSummarizer) OverallSummary(_ context.Context, current, title, _ string) (string, error) {
	if f.overallErr != nil {
		return "", f.overallErr
	}
	if current == "" {
		return "已完成: " + title, nil
	}
	return current + "; " + title, nil
}

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) sink(ev Event) { r.events = append(r.events, ev) }

func (r *eventRecorder) types() []string {
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *eventRecorder) count(typ string) int {
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func fastOpts() Options {
	return Options{
		ContinueTimeout: 15 * time.Millisecond,
		PauseTimeout:    30 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		RecheckDelay:    2 * time.Millisecond,
		MaxRechecks:     2,
		MinTextResults:  3,
		StateTTL:        time.Minute,
	}
}

func newTestRunner(t *testing.T, store Store, retriever Retriever, gen Generator, sum Summarizer, rec *eventRecorder) *Runner {
	t.Helper()
	r, err := NewRunner(store, retriever, gen, sum, fastOpts(), rec.sink, log.New(testWriter{t}, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func TestRunCompletesAllTasks(t *testing.T) {
	store := NewMemoryStore()
	seedTasks(t, store, "p", "s", "引言", "正文")
	rec := &eventRecorder{}
	runner := newTestRunner(t, store,
		fakeRetriever{perTitle: map[string]int{"引言": 5, "正文": 4}},
		fakeGenerator{}, fakeSummarizer{}, rec)

	if err := runner.Run(context.Background(), "p", "s", "demo"); err != nil {
		t.Fatalf("run: %v", err)
	}

	tasks, _ := store.LoadQueue(context.Background(), "p", "s")
	for _, task := range tasks {
		if task.Status != StatusWorked {
			t.Fatalf("task %q status = %s, want worked", task.Title, task.Status)
		}
		if task.Content != genContent(task.Title) {
			t.Fatalf("task %q content = %q", task.Title, task.Content)
		}
		want := len([]rune(genContent(task.Title)))
		if task.Brief == nil || task.Brief.WordCount != want {
			t.Fatalf("task %q brief word count = %+v, want %d (generator count, not model output)", task.Title, task.Brief, want)
		}
	}

	cc, _ := store.CumulativeContext(context.Background(), "p", "s")
	if cc == nil || len(cc.ChapterSummaries) != 2 {
		t.Fatalf("cumulative context = %+v", cc)
	}
	wantTotal := len([]rune(genContent("引言"))) + len([]rune(genContent("正文")))
	if cc.TotalWordCount != wantTotal {
		t.Fatalf("total word count = %d, want exact sum %d", cc.TotalWordCount, wantTotal)
	}

	if rec.count(EventSequenceStarted) != 1 || rec.count(EventAllCompleted) != 1 {
		t.Fatalf("event envelope wrong: %v", rec.types())
	}
	if rec.count(EventChapterCompleted) != 2 {
		t.Fatalf("chapter_completed events = %d, want 2: %v", rec.count(EventChapterCompleted), rec.types())
	}
}

func TestRunEmptyQueueIsNoop(t *testing.T) {
	store := NewMemoryStore()
	rec := &eventRecorder{}
	runner := newTestRunner(t, store, fakeRetriever{}, fakeGenerator{}, fakeSummarizer{}, rec)

	if err := runner.Run(context.Background(), "p", "s", "demo"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rec.events) != 0 {
		t.Fatalf("empty queue emitted events: %v", rec.types())
	}
}

func TestRunPausesOnInsufficientMaterial(t *testing.T) {
	store := NewMemoryStore()
	seedTasks(t, store, "p", "s", "引言", "正文")
	rec := &eventRecorder{}
	runner := newTestRunner(t, store,
		fakeRetriever{perTitle: map[string]int{"引言": 5, "正文": 1}},
		fakeGenerator{}, fakeSummarizer{}, rec)

	// Nobody answers the pause, so the run stops cleanly on the user-wait
	// timeout instead of erroring.
	if err := runner.Run(context.Background(), "p", "s", "demo"); err != nil {
		t.Fatalf("run: %v", err)
	}

	tasks, _ := store.LoadQueue(context.Background(), "p", "s")
	if tasks[0].Status != StatusWorked {
		t.Fatalf("task 0 status = %s, want worked", tasks[0].Status)
	}
	if tasks[1].Status != StatusPaused {
		t.Fatalf("task 1 status = %s, want paused", tasks[1].Status)
	}
	if len(tasks[1].MissingInfo) == 0 {
		t.Fatal("paused task carries no missing-info guidance")
	}

	if rec.count(EventChapterPaused) != 1 || rec.count(EventWaitingForUser) != 1 {
		t.Fatalf("pause events wrong: %v", rec.types())
	}
	if rec.count(EventAllCompleted) != 0 {
		t.Fatalf("all_completed emitted with a paused task: %v", rec.types())
	}
}

func TestRunFeedbackResumesPausedTask(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	paused := TaskRecord{
		Index: 0, OriginalIndex: 0, Title: "正文", HowToWrite: "原始指引",
		Status: StatusPaused, MissingInfo: []string{"缺少文档文本资料"},
	}
	if err := store.SaveQueue(ctx, "p", "s", []TaskRecord{paused}); err != nil {
		t.Fatal(err)
	}
	if err := store.PushFeedback(ctx, "p", "s", Feedback{Text: "已补充三份资料", ChapterHint: "current"}); err != nil {
		t.Fatal(err)
	}

	rec := &eventRecorder{}
	runner := newTestRunner(t, store,
		fakeRetriever{perTitle: map[string]int{"正文": 5}},
		fakeGenerator{}, fakeSummarizer{}, rec)
	if err := runner.Run(ctx, "p", "s", "demo"); err != nil {
		t.Fatalf("run: %v", err)
	}

	tasks, _ := store.LoadQueue(ctx, "p", "s")
	if tasks[0].Status != StatusWorked {
		t.Fatalf("task status = %s, want worked after feedback resume", tasks[0].Status)
	}
	if !strings.Contains(tasks[0].HowToWrite, "用户反馈: 已补充三份资料") {
		t.Fatalf("feedback text not folded into guidance: %q", tasks[0].HowToWrite)
	}
	if len(tasks[0].MissingInfo) != 0 {
		t.Fatalf("missing info not cleared: %v", tasks[0].MissingInfo)
	}
	if rec.count(EventAllCompleted) != 1 {
		t.Fatalf("expected completion after resume: %v", rec.types())
	}
}

func TestRunFatalGeneratorErrorAbortsSession(t *testing.T) {
	store := NewMemoryStore()
	seedTasks(t, store, "p", "s", "引言", "正文")
	rec := &eventRecorder{}
	cause := errors.New("模型连接中断")
	runner := newTestRunner(t, store,
		fakeRetriever{perTitle: map[string]int{"引言": 5, "正文": 5}},
		fakeGenerator{err: cause}, fakeSummarizer{}, rec)

	err := runner.Run(context.Background(), "p", "s", "demo")
	if !errors.Is(err, cause) {
		t.Fatalf("run err = %v, want the generator error", err)
	}

	tasks, _ := store.LoadQueue(context.Background(), "p", "s")
	if tasks[0].Status != StatusPaused {
		t.Fatalf("failed task status = %s, want paused", tasks[0].Status)
	}
	if len(tasks[0].MissingInfo) != 1 || !strings.Contains(tasks[0].MissingInfo[0], "生成异常") {
		t.Fatalf("missing info = %v", tasks[0].MissingInfo)
	}
	// The second task was never touched.
	if tasks[1].Status != StatusWaiting {
		t.Fatalf("task 1 status = %s, want waiting", tasks[1].Status)
	}
	if rec.count(EventChapterFailed) != 1 || rec.count(EventAllCompleted) != 0 {
		t.Fatalf("failure events wrong: %v", rec.types())
	}
}

func TestRunStuckWorkingNeverCompletes(t *testing.T) {
	store := NewMemoryStore()
	stuck := TaskRecord{Index: 0, OriginalIndex: 0, Title: "引言", Status: StatusWorking}
	if err := store.SaveQueue(context.Background(), "p", "s", []TaskRecord{stuck}); err != nil {
		t.Fatal(err)
	}
	rec := &eventRecorder{}
	runner := newTestRunner(t, store, fakeRetriever{}, fakeGenerator{}, fakeSummarizer{}, rec)

	err := runner.Run(context.Background(), "p", "s", "demo")
	if err == nil || !strings.Contains(err.Error(), "stuck at working") {
		t.Fatalf("run err = %v, want stuck-working error", err)
	}
	if rec.count(EventAllCompleted) != 0 {
		t.Fatalf("all_completed emitted despite a working task: %v", rec.types())
	}
}

func TestRunRestartDoesNotDoubleCount(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Simulate a crash after the chapter-0 context write but before the task
	// write: the context already records chapter 0, the queue still says waiting.
	cc := &CumulativeContext{}
	cc.AddChapter(0, "引言", Brief{Summary: "旧摘要", WordCount: 100})
	if err := store.PutCumulativeContext(ctx, "p", "s", cc); err != nil {
		t.Fatal(err)
	}
	seedTasks(t, store, "p", "s", "引言", "正文")

	rec := &eventRecorder{}
	runner := newTestRunner(t, store,
		fakeRetriever{perTitle: map[string]int{"引言": 5, "正文": 5}},
		fakeGenerator{}, fakeSummarizer{}, rec)
	if err := runner.Run(ctx, "p", "s", "demo"); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, _ := store.CumulativeContext(ctx, "p", "s")
	if got == nil || len(got.ChapterSummaries) != 2 {
		t.Fatalf("context = %+v, want exactly 2 chapters", got)
	}
	want := 100 + len([]rune(genContent("正文")))
	if got.TotalWordCount != want {
		t.Fatalf("total word count = %d, want %d (chapter 0 counted once)", got.TotalWordCount, want)
	}
}

func TestRunContinueSignalSkipsTimeout(t *testing.T) {
	store := NewMemoryStore()
	seedTasks(t, store, "p", "s", "引言")
	if err := store.SignalContinue(context.Background(), "p", "s"); err != nil {
		t.Fatal(err)
	}
	rec := &eventRecorder{}
	runner := newTestRunner(t, store,
		fakeRetriever{perTitle: map[string]int{"引言": 5}},
		fakeGenerator{}, fakeSummarizer{}, rec)
	if err := runner.Run(context.Background(), "p", "s", "demo"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.count(EventContinueTimeout) != 0 {
		t.Fatalf("continue signal not consumed: %v", rec.types())
	}
	if rec.count(EventAllCompleted) != 1 {
		t.Fatalf("expected completion: %v", rec.types())
	}
}

func TestRunOverallSummaryFallback(t *testing.T) {
	store := NewMemoryStore()
	seedTasks(t, store, "p", "s", "引言", "正文")
	rec := &eventRecorder{}
	runner := newTestRunner(t, store,
		fakeRetriever{perTitle: map[string]int{"引言": 5, "正文": 5}},
		fakeGenerator{}, fakeSummarizer{overallErr: errors.New("模型超时")}, rec)
	if err := runner.Run(context.Background(), "p", "s", "demo"); err != nil {
		t.Fatalf("run: %v", err)
	}

	cc, _ := store.CumulativeContext(context.Background(), "p", "s")
	if cc == nil {
		t.Fatal("no cumulative context")
	}
	// Concatenation fallback: first chapter seeds, later chapters append.
	if !strings.HasPrefix(cc.OverallSummary, "已完成章节: 引言") {
		t.Fatalf("overall summary = %q", cc.OverallSummary)
	}
	if !strings.Contains(cc.OverallSummary, "正文: 正文摘要") {
		t.Fatalf("overall summary missing appended chapter: %q", cc.OverallSummary)
	}
}

// invariantStore verifies after every write that at most one task is working.
type invariantStore struct {
	*MemoryStore
	t *testing.T
}

func (s *invariantStore) UpdateTask(ctx context.Context, project, session string, index int, task TaskRecord) error {
	if err := s.MemoryStore.UpdateTask(ctx, project, session, index, task); err != nil {
		return err
	}
	tasks, err := s.MemoryStore.LoadQueue(ctx, project, session)
	if err != nil {
		return err
	}
	working := 0
	for _, tk := range tasks {
		if tk.Status == StatusWorking {
			working++
		}
	}
	if working > 1 {
		s.t.Errorf("%d tasks working at once", working)
	}
	return nil
}

func TestRunAtMostOneWorkingTask(t *testing.T) {
	store := &invariantStore{MemoryStore: NewMemoryStore(), t: t}
	seedTasks(t, store.MemoryStore, "p", "s", "引言", "正文", "结论")
	rec := &eventRecorder{}
	runner := newTestRunner(t, store,
		fakeRetriever{perTitle: map[string]int{"引言": 5, "正文": 5, "结论": 5}},
		fakeGenerator{}, fakeSummarizer{}, rec)
	if err := runner.Run(context.Background(), "p", "s", "demo"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.count(EventAllCompleted) != 1 {
		t.Fatalf("expected completion: %v", rec.types())
	}
}

func TestFindNextWaiting(t *testing.T) {
	tasks := []TaskRecord{
		{Index: 0, Status: StatusWorked},
		{Index: 1, Status: StatusPaused},
		{Index: 2, Status: StatusWaiting},
	}
	idx, task := FindNextWaiting(tasks)
	if idx != 2 || task == nil || task.Index != 2 {
		t.Fatalf("FindNextWaiting = (%d, %+v)", idx, task)
	}
	idx, task = FindNextWaiting(tasks[:2])
	if idx != -1 || task != nil {
		t.Fatalf("no-waiting case = (%d, %+v), want (-1, nil)", idx, task)
	}
}
