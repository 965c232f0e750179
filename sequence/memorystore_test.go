package sequence

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedTasks(t *testing.T, store *MemoryStore, project, session string, titles ...string) []TaskRecord {
	t.Helper()
	tasks := make([]TaskRecord, 0, len(titles))
	for i, title := range titles {
		tasks = append(tasks, TaskRecord{Index: i, OriginalIndex: i, Title: title, Status: StatusWaiting})
	}
	if err := store.SaveQueue(context.Background(), project, session, tasks); err != nil {
		t.Fatal(err)
	}
	return tasks
}

func TestMemoryStoreQueueRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	seedTasks(t, store, "p", "s", "引言", "正文")

	tasks, err := store.LoadQueue(context.Background(), "p", "s")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 || tasks[0].Title != "引言" || tasks[1].Title != "正文" {
		t.Fatalf("round trip lost tasks: %+v", tasks)
	}

	// Queues are isolated per (project, session).
	other, err := store.LoadQueue(context.Background(), "p", "other")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Fatalf("unrelated session sees %d tasks", len(other))
	}
}

func TestMemoryStoreUpdateTaskRelocates(t *testing.T) {
	store := NewMemoryStore()
	seedTasks(t, store, "p", "s", "引言", "正文", "结论")

	// Write at the wrong position: the record is found again by its Index.
	task := TaskRecord{Index: 2, OriginalIndex: 2, Title: "结论", Status: StatusWorking}
	if err := store.UpdateTask(context.Background(), "p", "s", 0, task); err != nil {
		t.Fatalf("relocate failed: %v", err)
	}
	tasks, _ := store.LoadQueue(context.Background(), "p", "s")
	if tasks[2].Status != StatusWorking {
		t.Fatalf("task 2 status = %s, want working", tasks[2].Status)
	}
	if tasks[0].Status != StatusWaiting {
		t.Fatalf("task 0 was clobbered: %+v", tasks[0])
	}
}

func TestMemoryStoreUpdateTaskNotFound(t *testing.T) {
	store := NewMemoryStore()
	seedTasks(t, store, "p", "s", "引言")

	err := store.UpdateTask(context.Background(), "p", "s", 0, TaskRecord{Index: 9, Title: "不存在"})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestAwaitContinueConsumesMarkerOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.SignalContinue(ctx, "p", "s"); err != nil {
		t.Fatal(err)
	}
	if !store.AwaitContinue(ctx, "p", "s", 100*time.Millisecond, 5*time.Millisecond, nil) {
		t.Fatal("first wait should consume the marker")
	}
	// The marker is gone; a second wait times out.
	if store.AwaitContinue(ctx, "p", "s", 20*time.Millisecond, 5*time.Millisecond, nil) {
		t.Fatal("second wait must not see the consumed marker")
	}
}

func TestAwaitContinueWakesOnSignal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = store.SignalContinue(ctx, "p", "s")
	}()
	start := time.Now()
	if !store.AwaitContinue(ctx, "p", "s", 2*time.Second, time.Second, nil) {
		t.Fatal("wait should succeed after signal")
	}
	// The in-process notify path returns well before the first poll tick.
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("wait took %v, notify path not used", time.Since(start))
	}
}

func TestAwaitContinueTimeout(t *testing.T) {
	store := NewMemoryStore()
	ticks := 0
	ack := store.AwaitContinue(context.Background(), "p", "s", 30*time.Millisecond, 10*time.Millisecond, func(int) { ticks++ })
	if ack {
		t.Fatal("wait with no signal must time out")
	}
	if ticks == 0 {
		t.Fatal("onTick was never invoked")
	}
}

func TestFeedbackPopOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if fb, err := store.PopFeedback(ctx, "p", "s"); err != nil || fb != nil {
		t.Fatalf("empty pop = (%+v, %v), want (nil, nil)", fb, err)
	}
	_ = store.PushFeedback(ctx, "p", "s", Feedback{Text: "第一条"})
	_ = store.PushFeedback(ctx, "p", "s", Feedback{Text: "第二条", ChapterHint: "current"})

	fb, err := store.PopFeedback(ctx, "p", "s")
	if err != nil || fb == nil || fb.Text != "第一条" {
		t.Fatalf("pop = (%+v, %v), want oldest first", fb, err)
	}
	fb, _ = store.PopFeedback(ctx, "p", "s")
	if fb == nil || fb.Text != "第二条" || fb.ChapterHint != "current" {
		t.Fatalf("second pop = %+v", fb)
	}
}

func TestCumulativeContextLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	cc, err := store.CumulativeContext(ctx, "p", "s")
	if err != nil || cc != nil {
		t.Fatalf("missing context = (%+v, %v), want (nil, nil)", cc, err)
	}

	put := &CumulativeContext{OverallSummary: "进展"}
	put.AddChapter(0, "引言", Brief{Summary: "a", WordCount: 100})
	if err := store.PutCumulativeContext(ctx, "p", "s", put); err != nil {
		t.Fatal(err)
	}
	got, err := store.CumulativeContext(ctx, "p", "s")
	if err != nil || got == nil {
		t.Fatalf("load = (%+v, %v)", got, err)
	}
	if got.OverallSummary != "进展" || got.TotalWordCount != 100 || len(got.ChapterSummaries) != 1 {
		t.Fatalf("context lost fields: %+v", got)
	}

	if err := store.ClearCumulativeContext(ctx, "p", "s"); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.CumulativeContext(ctx, "p", "s"); got != nil {
		t.Fatalf("context survived clear: %+v", got)
	}
}

func TestAppendLogCaps(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < logStreamMaxLen+10; i++ {
		store.AppendLog(context.Background(), "p", "s", "info", "line")
	}
	if n := len(store.Logs("p", "s")); n != logStreamMaxLen {
		t.Fatalf("log length = %d, want cap %d", n, logStreamMaxLen)
	}
}
