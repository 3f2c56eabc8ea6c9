// Package queue 實作任務生命週期狀態機：入列、依優先權出列、狀態轉換、
// 卡死任務偵測與統計彙整。所有狀態存放於 store.Store，
// TaskStore 本身不持有任務資料，因此多個行程可共用同一個 Redis 後端。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Jaylaelike/audio-description-s2t/internal/store"
	"github.com/Jaylaelike/audio-description-s2t/internal/task"
)

// Store key 配置。BackupManager 直接依這些 key 匯出/還原。
const (
	KeyIndex      = "queue:index"      // sorted set：task_id → 排序分數
	KeyTasks      = "queue:tasks"      // hash：進行中（queued/processing）任務紀錄
	KeyCompleted  = "queue:completed"  // hash：終止狀態任務紀錄
	KeyStats      = "queue:stats"      // hash：彙總計數器
	KeyProcessing = "queue:processing" // hash：in-flight registry（task_id → 出列時間）
)

// priorityWeight 排序分數中優先權的權重。
// 分數 = priority*priorityWeight - 提交時間（UnixMilli）：
// 高優先權恆先出列；同優先權內提交越早分數越高，
// 配合 ZPopMax 形成 FIFO。1e12 毫秒約 31 年，
// 足以保證優先權項恆大於提交時間差。
const priorityWeight = 1e12

var (
	// ErrNotFound 指定的 task id 從未出現過。
	ErrNotFound = errors.New("queue: task not found")
	// ErrInvalidTransition 狀態轉換不合法（含對終止狀態的任何更新）。
	ErrInvalidTransition = errors.New("queue: invalid status transition")
	// ErrNotCancellable 僅 queued 狀態的任務可以取消。
	ErrNotCancellable = errors.New("queue: only queued tasks can be cancelled")
	// ErrRetryExhausted 任務已達重試上限。
	ErrRetryExhausted = errors.New("queue: retry limit exceeded")
)

// Update 套用於任務紀錄的欄位更新。
type Update func(*task.Task)

// WithProgress 更新進度（[0.0, 1.0]）。
func WithProgress(p float64) Update {
	return func(t *task.Task) { t.Progress = p }
}

// WithResult 設定結果 payload（僅 completed 任務應攜帶）。
func WithResult(r map[string]any) Update {
	return func(t *task.Task) { t.Result = r }
}

// WithError 設定錯誤訊息（failed/cancelled 任務）。
func WithError(msg string) Update {
	return func(t *task.Task) { t.ErrorMessage = msg }
}

// WithCompletedAt 設定完成時間。
func WithCompletedAt(at time.Time) Update {
	return func(t *task.Task) { t.CompletedAt = &at }
}

// TaskStore 任務佇列的唯一擁有者。Worker 取得的是紀錄副本，
// 所有寫回都必須經過 UpdateStatus，確保狀態機與計數器的一致性。
type TaskStore struct {
	store         store.Store
	maxProcessing time.Duration

	// Now 時鐘函數，測試可注入固定時序驗證 FIFO tie-break。
	Now func() time.Time

	mu         sync.Mutex
	startTime  time.Time
	lastBackup *time.Time
}

// New 建立 TaskStore。maxProcessing 為卡死任務判定門檻（<=0 時預設 1 小時）。
func New(s store.Store, maxProcessing time.Duration) *TaskStore {
	if maxProcessing <= 0 {
		maxProcessing = time.Hour
	}
	return &TaskStore{
		store:         s,
		maxProcessing: maxProcessing,
		Now:           time.Now,
		startTime:     time.Now(),
	}
}

// Score 計算任務的排序分數。還原備份時沿用快照中的原始分數，
// 不會以還原時間重算，確保跨重啟的出列順序不變。
func Score(priority int, submittedAt time.Time) float64 {
	return float64(priority)*priorityWeight - float64(submittedAt.UnixMilli())
}

// Enqueue 將任務寫入紀錄表並加入 priority index。
// 只有儲存層錯誤會失敗，不會默默丟棄任務。
func (ts *TaskStore) Enqueue(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %v", t.ID, err)
	}
	if err := ts.store.HSet(ctx, KeyTasks, t.ID, string(data)); err != nil {
		return fmt.Errorf("failed to store task %s: %v", t.ID, err)
	}
	if err := ts.store.ZAdd(ctx, KeyIndex, t.ID, Score(t.Priority, ts.Now())); err != nil {
		return fmt.Errorf("failed to index task %s: %v", t.ID, err)
	}
	ts.incr(ctx, "total_tasks", 1)
	ts.incr(ctx, "queued_tasks", 1)
	log.Printf("Task %s (%s) queued with priority %d", t.ID, t.Variant, t.Priority)
	return nil
}

// Dequeue 原子取出最高優先權的任務並轉換為 processing。
// 佇列為空時返回 (nil, nil)。ZPopMax 的排他性保證
// 同一筆入列至多只有一個呼叫端能取得（at-most-one-active-processing）。
func (ts *TaskStore) Dequeue(ctx context.Context) (*task.Task, error) {
	for {
		id, _, ok, err := ts.store.ZPopMax(ctx, KeyIndex)
		if err != nil {
			return nil, fmt.Errorf("failed to pop from queue index: %v", err)
		}
		if !ok {
			return nil, nil
		}

		t, err := ts.loadTask(ctx, KeyTasks, id)
		if errors.Is(err, ErrNotFound) {
			// index 中殘留無紀錄的 id（例如備份不完整），跳過續取下一筆
			log.Printf("Skipping dangling queue entry %s (no task record)", id)
			continue
		}
		if err != nil {
			return nil, err
		}

		now := ts.Now()
		// 先登記 in-flight，卡死偵測與備份快照都以此為準
		if err := ts.store.HSet(ctx, KeyProcessing, id, now.Format(time.RFC3339Nano)); err != nil {
			return nil, fmt.Errorf("failed to mark task %s in-flight: %v", id, err)
		}

		t.Status = task.StatusProcessing
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		if err := ts.saveTask(ctx, KeyTasks, t); err != nil {
			return nil, err
		}
		ts.incr(ctx, "queued_tasks", -1)
		ts.incr(ctx, "processing_tasks", 1)
		return t, nil
	}
}

// UpdateStatus 合併欄位更新並執行狀態轉換。
// 轉入終止狀態時，紀錄自進行中表移至 completed 表，並自 in-flight registry 移除，
// 確保任一時刻一個 id 只存在於 index / in-flight / completed 三者之一。
func (ts *TaskStore) UpdateStatus(ctx context.Context, id string, status task.Status, updates ...Update) error {
	t, err := ts.loadTask(ctx, KeyTasks, id)
	if errors.Is(err, ErrNotFound) {
		// 已在 completed 表 → 終止狀態，拒絕任何後續更新
		if _, cerr := ts.loadTask(ctx, KeyCompleted, id); cerr == nil {
			return ErrInvalidTransition
		}
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if !task.CanTransition(t.Status, status) {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.Status, status, id)
	}

	from := t.Status
	t.Status = status
	for _, u := range updates {
		u(t)
	}

	if !status.Terminal() {
		if err := ts.saveTask(ctx, KeyTasks, t); err != nil {
			return err
		}
		return nil
	}

	if t.CompletedAt == nil {
		now := ts.Now()
		t.CompletedAt = &now
	}
	if err := ts.saveTask(ctx, KeyCompleted, t); err != nil {
		return err
	}
	if err := ts.store.HDel(ctx, KeyTasks, id); err != nil {
		return fmt.Errorf("failed to remove task %s from active set: %v", id, err)
	}
	if err := ts.store.HDel(ctx, KeyProcessing, id); err != nil {
		return fmt.Errorf("failed to clear in-flight entry for %s: %v", id, err)
	}

	switch from {
	case task.StatusProcessing:
		ts.incr(ctx, "processing_tasks", -1)
	case task.StatusQueued:
		ts.incr(ctx, "queued_tasks", -1)
	}
	switch status {
	case task.StatusCompleted:
		ts.incr(ctx, "completed_tasks", 1)
	case task.StatusFailed:
		ts.incr(ctx, "failed_tasks", 1)
	case task.StatusCancelled:
		ts.incr(ctx, "cancelled_tasks", 1)
	}
	log.Printf("Task %s status updated to %s", id, status)
	return nil
}

// Get 查詢任務紀錄：先查進行中表，再查 completed 表。
func (ts *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := ts.loadTask(ctx, KeyTasks, id)
	if errors.Is(err, ErrNotFound) {
		return ts.loadTask(ctx, KeyCompleted, id)
	}
	return t, err
}

// Depth 回報 priority index 中等待出列的任務數。
func (ts *TaskStore) Depth(ctx context.Context) (int64, error) {
	return ts.store.ZCard(ctx, KeyIndex)
}

// List 列出任務（進行中 + 已終止），可依狀態與型別過濾。
// 依建立時間新到舊排序後套用 offset/limit。
// 第二個回傳值為過濾後、分頁前的總筆數，供呼叫端分頁。
func (ts *TaskStore) List(ctx context.Context, status task.Status, variant task.Variant, limit, offset int) ([]*task.Task, int, error) {
	if limit <= 0 {
		limit = 10
	}
	var all []*task.Task
	for _, key := range []string{KeyTasks, KeyCompleted} {
		records, err := ts.store.HGetAll(ctx, key)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to list tasks: %v", err)
		}
		for id, data := range records {
			var t task.Task
			if err := json.Unmarshal([]byte(data), &t); err != nil {
				log.Printf("Skipping corrupt task record %s: %v", id, err)
				continue
			}
			if status != "" && t.Status != status {
				continue
			}
			if variant != "" && t.Variant != variant {
				continue
			}
			all = append(all, &t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return []*task.Task{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// Cancel 取消仍在佇列中的任務。processing 中的任務無搶佔機制，一律拒絕。
// 返回取消後的紀錄，供呼叫端清理附帶資源（如上傳的音檔）。
func (ts *TaskStore) Cancel(ctx context.Context, id string) (*task.Task, error) {
	t, err := ts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusQueued {
		return nil, fmt.Errorf("%w: task %s is %s", ErrNotCancellable, id, t.Status)
	}
	if err := ts.store.ZRem(ctx, KeyIndex, id); err != nil {
		return nil, fmt.Errorf("failed to remove task %s from index: %v", id, err)
	}
	if err := ts.UpdateStatus(ctx, id, task.StatusCancelled,
		WithError("Task cancelled by user"), WithCompletedAt(ts.Now())); err != nil {
		return nil, err
	}
	return ts.Get(ctx, id)
}

// Retry 管理者操作：將 failed 任務重設回 queued 重新入列。
// 這是唯一能離開終止狀態的路徑；retry_count+1、progress 歸零、
// 時間戳與錯誤訊息清空，以新的提交時間重新計分。
func (ts *TaskStore) Retry(ctx context.Context, id string) (*task.Task, error) {
	t, err := ts.loadTask(ctx, KeyCompleted, id)
	if errors.Is(err, ErrNotFound) {
		if _, aerr := ts.loadTask(ctx, KeyTasks, id); aerr == nil {
			return nil, fmt.Errorf("%w: task %s is not in a failed state", ErrInvalidTransition, id)
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusFailed {
		return nil, fmt.Errorf("%w: task %s is %s, not failed", ErrInvalidTransition, id, t.Status)
	}
	if t.RetryCount >= t.MaxRetries {
		return nil, fmt.Errorf("%w: task %s (%d/%d)", ErrRetryExhausted, id, t.RetryCount, t.MaxRetries)
	}

	t.Status = task.StatusQueued
	t.RetryCount++
	t.Progress = 0
	t.StartedAt = nil
	t.CompletedAt = nil
	t.ErrorMessage = ""
	t.Result = nil

	if err := ts.saveTask(ctx, KeyTasks, t); err != nil {
		return nil, err
	}
	if err := ts.store.ZAdd(ctx, KeyIndex, t.ID, Score(t.Priority, ts.Now())); err != nil {
		return nil, fmt.Errorf("failed to re-index task %s: %v", id, err)
	}
	if err := ts.store.HDel(ctx, KeyCompleted, id); err != nil {
		return nil, fmt.Errorf("failed to remove task %s from completed set: %v", id, err)
	}
	ts.incr(ctx, "failed_tasks", -1)
	ts.incr(ctx, "queued_tasks", 1)
	log.Printf("Task %s re-queued for retry (%d/%d)", id, t.RetryCount, t.MaxRetries)
	return t, nil
}

// SweepStuck 掃描 in-flight registry，將超過 maxProcessing 仍未終止的任務
// 強制標記為 failed 並移出 registry。不持有任何會阻擋 Dequeue 的鎖。
func (ts *TaskStore) SweepStuck(ctx context.Context) ([]string, error) {
	entries, err := ts.store.HGetAll(ctx, KeyProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to read in-flight registry: %v", err)
	}

	now := ts.Now()
	var swept []string
	for id, raw := range entries {
		dequeuedAt, perr := time.Parse(time.RFC3339Nano, raw)
		if perr != nil {
			log.Printf("Clearing unparsable in-flight entry %s (%q)", id, raw)
			ts.store.HDel(ctx, KeyProcessing, id)
			continue
		}
		if now.Sub(dequeuedAt) <= ts.maxProcessing {
			continue
		}
		log.Printf("Cleaning up stuck task: %s (dequeued %s)", id, dequeuedAt.Format(time.RFC3339))
		err := ts.UpdateStatus(ctx, id, task.StatusFailed,
			WithError("Task exceeded maximum processing time"),
			WithCompletedAt(now))
		switch {
		case err == nil:
			// UpdateStatus 轉入終止狀態時已一併移除 registry 項
			swept = append(swept, id)
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
			// 任務已搶先正常終止，只需清掉 registry 殘留，不計入 swept
			ts.store.HDel(ctx, KeyProcessing, id)
		default:
			// 儲存層錯誤：保留 registry 項，讓下一輪掃描重試
			log.Printf("Failed to fail stuck task %s: %v", id, err)
		}
	}
	return swept, nil
}

// Stats 彙整佇列統計。計數器為推導值，權威資料始終是任務紀錄本身。
func (ts *TaskStore) Stats(ctx context.Context) (*task.QueueStats, error) {
	counters, err := ts.store.HGetAll(ctx, KeyStats)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %v", err)
	}

	stats := &task.QueueStats{
		TotalTasks:      counterValue(counters, "total_tasks"),
		QueuedTasks:     counterValue(counters, "queued_tasks"),
		ProcessingTasks: counterValue(counters, "processing_tasks"),
		CompletedTasks:  counterValue(counters, "completed_tasks"),
		FailedTasks:     counterValue(counters, "failed_tasks"),
		CancelledTasks:  counterValue(counters, "cancelled_tasks"),
		RedisConnected:  ts.store.Durable() && ts.store.Ping(ctx) == nil,
	}

	ts.mu.Lock()
	stats.UptimeSeconds = ts.Now().Sub(ts.startTime).Seconds()
	stats.LastBackup = ts.lastBackup
	ts.mu.Unlock()
	return stats, nil
}

// SetLastBackup 由 BackupManager 在備份成功後回報時間戳。
func (ts *TaskStore) SetLastBackup(at time.Time) {
	ts.mu.Lock()
	ts.lastBackup = &at
	ts.mu.Unlock()
}

func (ts *TaskStore) loadTask(ctx context.Context, key, id string) (*task.Task, error) {
	data, err := ts.store.HGet(ctx, key, id)
	if errors.Is(err, store.ErrNoKey) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %v", id, err)
	}
	var t task.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %v", id, err)
	}
	return &t, nil
}

func (ts *TaskStore) saveTask(ctx context.Context, key string, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %v", t.ID, err)
	}
	if err := ts.store.HSet(ctx, key, t.ID, string(data)); err != nil {
		return fmt.Errorf("failed to store task %s: %v", t.ID, err)
	}
	return nil
}

// incr 計數器更新失敗只記 log，不影響任務流程。
func (ts *TaskStore) incr(ctx context.Context, field string, delta int64) {
	if _, err := ts.store.HIncrBy(ctx, KeyStats, field, delta); err != nil {
		log.Printf("Failed to update %s counter: %v", field, err)
	}
}

func counterValue(counters map[string]string, field string) int64 {
	n, _ := strconv.ParseInt(counters[field], 10, 64)
	return n
}
