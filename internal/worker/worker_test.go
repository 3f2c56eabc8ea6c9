package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jaylaelike/audio-description-s2t/internal/engine"
	"github.com/Jaylaelike/audio-description-s2t/internal/queue"
	"github.com/Jaylaelike/audio-description-s2t/internal/store"
	"github.com/Jaylaelike/audio-description-s2t/internal/task"
)

type fakeEngine struct {
	res *engine.Result
	err error
}

func (f *fakeEngine) Transcribe(ctx context.Context, filePath, language string) (*engine.Result, error) {
	return f.res, f.err
}

type fakeClassifier struct {
	response string
	err      error
}

func (f *fakeClassifier) Classify(ctx context.Context, text string) (string, error) {
	return f.response, f.err
}

// capturePublisher 蒐集發佈的事件供斷言。
type capturePublisher struct {
	mu     sync.Mutex
	events []*task.Event
}

func (p *capturePublisher) Publish(ctx context.Context, ev *task.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) all() []*task.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*task.Event(nil), p.events...)
}

type fakeArchiver struct {
	transcriptions int
	riskReports    int
}

func (a *fakeArchiver) SaveTranscription(ctx context.Context, t *task.Task, res *engine.Result) error {
	a.transcriptions++
	return nil
}

func (a *fakeArchiver) SaveRiskReport(ctx context.Context, t *task.Task, verdict task.Verdict, raw string) error {
	a.riskReports++
	return nil
}

func newWorker(t *testing.T) (*Worker, *queue.TaskStore, *capturePublisher) {
	t.Helper()
	ts := queue.New(store.NewMemoryStore(), time.Hour)
	pub := &capturePublisher{}
	w := &Worker{
		ID:    "test-worker",
		Store: ts,
		Engine: &fakeEngine{res: &engine.Result{
			Text:     "ข้อความที่ถอดได้",
			Language: "th",
			Segments: []engine.Segment{{ID: 0, Start: 0, End: 1.5, Text: "ข้อความที่ถอดได้", Confidence: 0.9}},
		}},
		Classifier:   &fakeClassifier{response: "<think>ok</think>\nไม่ผิด"},
		Publisher:    pub,
		PollInterval: time.Millisecond,
	}
	return w, ts, pub
}

func enqueueAudioTask(t *testing.T, ts *queue.TaskStore) *task.Task {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0644))
	tk := task.NewTranscriptionTask(path, "a.mp3", "th", 2)
	require.NoError(t, ts.Enqueue(context.Background(), tk))
	return tk
}

func TestProcessTranscriptionTask(t *testing.T) {
	w, ts, pub := newWorker(t)
	ctx := context.Background()
	arch := &fakeArchiver{}
	w.Archive = arch

	tk := enqueueAudioTask(t, ts)
	got, err := ts.Dequeue(ctx)
	require.NoError(t, err)
	w.process(ctx, got)

	final, err := ts.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.Equal(t, 1.0, final.Progress)
	assert.Equal(t, "ข้อความที่ถอดได้", final.Result["text"])
	assert.Equal(t, "a.mp3", final.Result["filename"])

	// 音檔處理完即清除
	_, statErr := os.Stat(tk.FilePath)
	assert.True(t, os.IsNotExist(statErr))
	assert.Equal(t, 1, arch.transcriptions)

	events := pub.all()
	require.Len(t, events, 4)
	assert.Equal(t, 0.1, events[0].Progress)
	assert.Equal(t, "Starting transcription...", events[0].Message)
	assert.Equal(t, 0.3, events[1].Progress)
	assert.Equal(t, 0.9, events[2].Progress)
	assert.Equal(t, task.StatusCompleted, events[3].Status)
	assert.NotNil(t, events[3].Result)
}

func TestProcessTranscriptionFailure(t *testing.T) {
	w, ts, pub := newWorker(t)
	ctx := context.Background()
	w.Engine = &fakeEngine{err: errors.New("stt backend unavailable")}

	tk := enqueueAudioTask(t, ts)
	got, err := ts.Dequeue(ctx)
	require.NoError(t, err)
	w.process(ctx, got)

	final, err := ts.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, final.Status)
	assert.Equal(t, "stt backend unavailable", final.ErrorMessage)
	assert.Zero(t, final.Progress)

	// 失敗路徑一樣要清理音檔
	_, statErr := os.Stat(tk.FilePath)
	assert.True(t, os.IsNotExist(statErr))

	events := pub.all()
	last := events[len(events)-1]
	assert.Equal(t, task.StatusFailed, last.Status)
	assert.Equal(t, "stt backend unavailable", last.ErrorMessage)
}

func TestProcessRiskDetectionTask(t *testing.T) {
	w, ts, pub := newWorker(t)
	ctx := context.Background()
	arch := &fakeArchiver{}
	w.Archive = arch

	tk := task.NewRiskDetectionTask("trans-1", "สวัสดีครับ", 3)
	require.NoError(t, ts.Enqueue(ctx, tk))
	got, err := ts.Dequeue(ctx)
	require.NoError(t, err)
	w.process(ctx, got)

	final, err := ts.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.Equal(t, "ไม่ผิด", final.Result["risk_result"])
	assert.Equal(t, "<think>ok</think>\nไม่ผิด", final.Result["ollama_response"])
	assert.Equal(t, "trans-1", final.Result["transcription_id"])
	assert.Equal(t, 1, arch.riskReports)

	events := pub.all()
	require.Len(t, events, 3)
	assert.Equal(t, "Starting risk analysis...", events[0].Message)
	assert.Equal(t, 0.5, events[1].Progress)
	assert.Equal(t, task.StatusCompleted, events[2].Status)
}

func TestProcessRiskDetectionFailure(t *testing.T) {
	w, ts, _ := newWorker(t)
	ctx := context.Background()
	w.Classifier = &fakeClassifier{err: errors.New("Failed to analyze risk")}

	tk := task.NewRiskDetectionTask("", "ข้อความ", 1)
	require.NoError(t, ts.Enqueue(ctx, tk))
	got, err := ts.Dequeue(ctx)
	require.NoError(t, err)
	w.process(ctx, got)

	final, err := ts.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, final.Status)
	assert.Equal(t, "Failed to analyze risk", final.ErrorMessage)
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	w, ts, _ := newWorker(t)
	ctx, cancel := context.WithCancel(context.Background())

	a := task.NewRiskDetectionTask("", "หนึ่ง", 1)
	b := task.NewRiskDetectionTask("", "สอง", 2)
	require.NoError(t, ts.Enqueue(ctx, a))
	require.NoError(t, ts.Enqueue(ctx, b))

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		ga, _ := ts.Get(context.Background(), a.ID)
		gb, _ := ts.Get(context.Background(), b.ID)
		return ga != nil && gb != nil &&
			ga.Status == task.StatusCompleted && gb.Status == task.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}
