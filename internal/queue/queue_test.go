package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jaylaelike/audio-description-s2t/internal/store"
	"github.com/Jaylaelike/audio-description-s2t/internal/task"
)

// fakeClock 可推進的固定時鐘，用來驗證同優先權的 FIFO 順序。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*TaskStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	ts := New(store.NewMemoryStore(), time.Hour)
	ts.Now = clock.Now
	return ts, clock
}

func TestDequeueEmptyQueue(t *testing.T) {
	ts, _ := newTestStore(t)
	got, err := ts.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPriorityOrdering(t *testing.T) {
	ts, clock := newTestStore(t)
	ctx := context.Background()

	low := task.NewRiskDetectionTask("", "low", 1)
	clock.Advance(time.Second)
	high := task.NewRiskDetectionTask("", "high", 5)
	clock.Advance(time.Second)
	mid := task.NewRiskDetectionTask("", "mid", 3)

	for _, tk := range []*task.Task{low, high, mid} {
		require.NoError(t, ts.Enqueue(ctx, tk))
	}

	for _, want := range []string{high.ID, mid.ID, low.ID} {
		got, err := ts.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.ID)
		assert.Equal(t, task.StatusProcessing, got.Status)
		assert.NotNil(t, got.StartedAt)
	}
}

func TestFIFOWithinSamePriority(t *testing.T) {
	ts, clock := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		tk := task.NewRiskDetectionTask("", "text", 2)
		require.NoError(t, ts.Enqueue(ctx, tk))
		ids = append(ids, tk.ID)
		clock.Advance(time.Second)
	}

	// 同優先權下先提交者先出列
	for _, want := range ids {
		got, err := ts.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.ID)
	}
}

func TestScoreOrdersEqualPriorityBySubmission(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// ZPopMax 取最高分，因此較早提交者必須得到較高分數
	early := Score(2, base)
	late := Score(2, base.Add(time.Second))
	assert.Greater(t, early, late)

	// 優先權差恆大於任何合理的提交時間差
	assert.Greater(t, Score(3, base.Add(24*time.Hour)), Score(2, base))
}

func TestConcurrentDequeueSingleWinner(t *testing.T) {
	ts, _ := newTestStore(t)
	ctx := context.Background()

	tk := task.NewRiskDetectionTask("", "text", 1)
	require.NoError(t, ts.Enqueue(ctx, tk))

	var wg sync.WaitGroup
	winners := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := ts.Dequeue(ctx)
			if err == nil && got != nil {
				winners <- got.ID
			}
		}()
	}
	wg.Wait()
	close(winners)

	var count int
	for id := range winners {
		assert.Equal(t, tk.ID, id)
		count++
	}
	assert.Equal(t, 1, count, "exactly one dequeuer should win the task")
}

func TestStatusMonotonicity(t *testing.T) {
	ts, _ := newTestStore(t)
	ctx := context.Background()

	tk := task.NewRiskDetectionTask("", "text", 1)
	require.NoError(t, ts.Enqueue(ctx, tk))
	got, err := ts.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, ts.UpdateStatus(ctx, got.ID, task.StatusProcessing, WithProgress(0.5)))
	require.NoError(t, ts.UpdateStatus(ctx, got.ID, task.StatusCompleted,
		WithProgress(1.0), WithResult(map[string]any{"verdict": "ไม่ผิด"})))

	// 終止後任何更新一律拒絕
	err = ts.UpdateStatus(ctx, got.ID, task.StatusProcessing)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = ts.UpdateStatus(ctx, got.ID, task.StatusFailed)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	final, err := ts.Get(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, final.Status)
	assert.NotNil(t, final.CompletedAt)
}

func TestUpdateStatusUnknownTask(t *testing.T) {
	ts, _ := newTestStore(t)
	err := ts.UpdateStatus(context.Background(), "no-such-task", task.StatusProcessing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelQueuedTask(t *testing.T) {
	ts, _ := newTestStore(t)
	ctx := context.Background()

	tk := task.NewRiskDetectionTask("", "text", 1)
	require.NoError(t, ts.Enqueue(ctx, tk))

	got, err := ts.Cancel(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.Equal(t, "Task cancelled by user", got.ErrorMessage)

	// 取消後不得再被出列
	next, err := ts.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestCancelProcessingTaskRejected(t *testing.T) {
	ts, _ := newTestStore(t)
	ctx := context.Background()

	tk := task.NewRiskDetectionTask("", "text", 1)
	require.NoError(t, ts.Enqueue(ctx, tk))
	_, err := ts.Dequeue(ctx)
	require.NoError(t, err)

	_, err = ts.Cancel(ctx, tk.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestRetryFailedTask(t *testing.T) {
	ts, clock := newTestStore(t)
	ctx := context.Background()

	tk := task.NewRiskDetectionTask("", "text", 1)
	require.NoError(t, ts.Enqueue(ctx, tk))
	got, err := ts.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, ts.UpdateStatus(ctx, got.ID, task.StatusFailed, WithError("model unavailable")))

	clock.Advance(time.Second)
	retried, err := ts.Retry(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Zero(t, retried.Progress)
	assert.Nil(t, retried.StartedAt)
	assert.Nil(t, retried.CompletedAt)
	assert.Empty(t, retried.ErrorMessage)

	again, err := ts.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, tk.ID, again.ID)
}

func TestRetryExhausted(t *testing.T) {
	ts, _ := newTestStore(t)
	ctx := context.Background()

	tk := task.NewRiskDetectionTask("", "text", 1)
	tk.MaxRetries = 1
	require.NoError(t, ts.Enqueue(ctx, tk))

	for i := 0; i < 2; i++ {
		got, err := ts.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.NoError(t, ts.UpdateStatus(ctx, got.ID, task.StatusFailed, WithError("boom")))
		_, err = ts.Retry(ctx, tk.ID)
		if i == 0 {
			require.NoError(t, err)
		} else {
			assert.ErrorIs(t, err, ErrRetryExhausted)
		}
	}
}

func TestRetryNonFailedTaskRejected(t *testing.T) {
	ts, _ := newTestStore(t)
	ctx := context.Background()

	tk := task.NewRiskDetectionTask("", "text", 1)
	require.NoError(t, ts.Enqueue(ctx, tk))

	_, err := ts.Retry(ctx, tk.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSweepStuckTasks(t *testing.T) {
	ts, clock := newTestStore(t)
	ctx := context.Background()

	stuck := task.NewRiskDetectionTask("", "stuck", 1)
	require.NoError(t, ts.Enqueue(ctx, stuck))
	_, err := ts.Dequeue(ctx)
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	fresh := task.NewRiskDetectionTask("", "fresh", 1)
	require.NoError(t, ts.Enqueue(ctx, fresh))
	_, err = ts.Dequeue(ctx)
	require.NoError(t, err)

	clock.Advance(45 * time.Minute) // stuck 累計 75 分鐘，fresh 僅 45 分鐘
	swept, err := ts.SweepStuck(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{stuck.ID}, swept)

	got, err := ts.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "Task exceeded maximum processing time", got.ErrorMessage)

	still, err := ts.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, still.Status)
}

// faultStore 包裝 Store，針對指定 hash key 的 HSet 注入儲存層錯誤。
type faultStore struct {
	store.Store
	mu      sync.Mutex
	failKey string
}

func (s *faultStore) setFailKey(key string) {
	s.mu.Lock()
	s.failKey = key
	s.mu.Unlock()
}

func (s *faultStore) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	fail := s.failKey != "" && s.failKey == key
	s.mu.Unlock()
	if fail {
		return errors.New("storage unavailable")
	}
	return s.Store.HSet(ctx, key, field, value)
}

func TestSweepStuckStorageErrorKeepsRegistryEntry(t *testing.T) {
	clock := newFakeClock()
	fs := &faultStore{Store: store.NewMemoryStore()}
	ts := New(fs, time.Hour)
	ts.Now = clock.Now
	ctx := context.Background()

	tk := task.NewRiskDetectionTask("", "text", 1)
	require.NoError(t, ts.Enqueue(ctx, tk))
	_, err := ts.Dequeue(ctx)
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	// 寫入 completed 表失敗時，registry 項必須留待下一輪掃描
	fs.setFailKey(KeyCompleted)
	swept, err := ts.SweepStuck(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept)

	entries, err := fs.HGetAll(ctx, KeyProcessing)
	require.NoError(t, err)
	assert.Contains(t, entries, tk.ID)
	still, err := ts.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, still.Status)

	// 儲存層恢復後，下一輪掃描才將其標記為 failed
	fs.setFailKey("")
	swept, err = ts.SweepStuck(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{tk.ID}, swept)
	got, err := ts.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
}

func TestSweepStuckSkipsAlreadyFinishedTask(t *testing.T) {
	clock := newFakeClock()
	mem := store.NewMemoryStore()
	ts := New(mem, time.Hour)
	ts.Now = clock.Now
	ctx := context.Background()

	tk := task.NewRiskDetectionTask("", "text", 1)
	require.NoError(t, ts.Enqueue(ctx, tk))
	_, err := ts.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, ts.UpdateStatus(ctx, tk.ID, task.StatusCompleted, WithProgress(1.0)))

	// 模擬任務終止與 registry 清理之間的競態殘留
	stale := clock.Now().Add(-2 * time.Hour).Format(time.RFC3339Nano)
	require.NoError(t, mem.HSet(ctx, KeyProcessing, tk.ID, stale))

	swept, err := ts.SweepStuck(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept, "a task that finished normally must not be reported as cleaned")

	entries, err := mem.HGetAll(ctx, KeyProcessing)
	require.NoError(t, err)
	assert.NotContains(t, entries, tk.ID)
	got, err := ts.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestListFiltering(t *testing.T) {
	ts, clock := newTestStore(t)
	ctx := context.Background()

	risk := task.NewRiskDetectionTask("", "text", 1)
	require.NoError(t, ts.Enqueue(ctx, risk))
	clock.Advance(time.Second)
	stt := task.NewTranscriptionTask("/tmp/a.mp3", "a.mp3", "th", 2)
	require.NoError(t, ts.Enqueue(ctx, stt))

	got, err := ts.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, ts.UpdateStatus(ctx, got.ID, task.StatusCompleted, WithProgress(1.0)))

	queued, total, err := ts.List(ctx, task.StatusQueued, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, risk.ID, queued[0].ID)

	stts, total, err := ts.List(ctx, "", task.VariantTranscription, 10, 0)
	require.NoError(t, err)
	require.Len(t, stts, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, stt.ID, stts[0].ID)

	all, total, err := ts.List(ctx, "", "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, 2, total)

	// total 為分頁前的總數，否則呼叫端無從得知還有幾頁
	page, total, err := ts.List(ctx, "", "", 1, 1)
	require.NoError(t, err)
	assert.Len(t, page, 1)
	assert.Equal(t, 2, total)
}

func TestStatsCounters(t *testing.T) {
	ts, _ := newTestStore(t)
	ctx := context.Background()

	a := task.NewRiskDetectionTask("", "a", 1)
	b := task.NewRiskDetectionTask("", "b", 1)
	c := task.NewRiskDetectionTask("", "c", 1)
	for _, tk := range []*task.Task{a, b, c} {
		require.NoError(t, ts.Enqueue(ctx, tk))
	}

	got, err := ts.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, ts.UpdateStatus(ctx, got.ID, task.StatusCompleted))
	_, err = ts.Cancel(ctx, c.ID)
	require.NoError(t, err)

	stats, err := ts.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalTasks)
	assert.Equal(t, int64(1), stats.QueuedTasks)
	assert.Equal(t, int64(0), stats.ProcessingTasks)
	assert.Equal(t, int64(1), stats.CompletedTasks)
	assert.Equal(t, int64(1), stats.CancelledTasks)
	assert.False(t, stats.RedisConnected)
}

func TestDequeueSkipsDanglingIndexEntry(t *testing.T) {
	clock := newFakeClock()
	mem := store.NewMemoryStore()
	ts := New(mem, time.Hour)
	ts.Now = clock.Now
	ctx := context.Background()

	// index 中存在但無對應紀錄的 id，應被跳過而非中斷出列
	require.NoError(t, mem.ZAdd(ctx, KeyIndex, "ghost", Score(9, clock.Now())))
	real := task.NewRiskDetectionTask("", "text", 1)
	require.NoError(t, ts.Enqueue(ctx, real))

	got, err := ts.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, real.ID, got.ID)
}
