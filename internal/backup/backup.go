// Package backup 實作佇列狀態的 JSON 快照：定期寫入本機檔案，
// 服務重啟時還原後刪除檔案（消費一次即失效），避免舊快照覆蓋新狀態。
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/Jaylaelike/audio-description-s2t/internal/queue"
	"github.com/Jaylaelike/audio-description-s2t/internal/store"
)

// Entry priority index 中的一筆成員與其原始分數。
type Entry struct {
	TaskID string  `json:"task_id"`
	Score  float64 `json:"score"`
}

// Snapshot 佇列完整狀態的序列化形式。任務紀錄以原始 JSON 字串保存，
// 還原時不需重新解讀，位元組等價寫回。
type Snapshot struct {
	Queue      []Entry           `json:"queue"`
	Tasks      map[string]string `json:"tasks"`
	Completed  map[string]string `json:"completed"`
	Stats      map[string]string `json:"stats"`
	Processing map[string]string `json:"processing"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Manager 快照的建立與還原。
type Manager struct {
	store   store.Store
	path    string
	onSaved func(time.Time)
}

// NewManager 建立備份管理者。onSaved 於每次成功寫入後被呼叫（可為 nil），
// 用來回報 last_backup 統計。
func NewManager(s store.Store, path string, onSaved func(time.Time)) *Manager {
	return &Manager{store: s, path: path, onSaved: onSaved}
}

// Save 擷取目前佇列狀態並原子寫入快照檔（先寫暫存檔再 rename），
// 任何時間點崩潰都不會留下半寫的快照。
func (m *Manager) Save(ctx context.Context) error {
	snap := Snapshot{
		Tasks:      map[string]string{},
		Completed:  map[string]string{},
		Stats:      map[string]string{},
		Processing: map[string]string{},
		Timestamp:  time.Now(),
	}

	members, err := m.store.ZRangeWithScores(ctx, queue.KeyIndex)
	if err != nil {
		return fmt.Errorf("failed to read queue index: %v", err)
	}
	for _, mb := range members {
		snap.Queue = append(snap.Queue, Entry{TaskID: mb.Member, Score: mb.Score})
	}

	for key, dst := range map[string]*map[string]string{
		queue.KeyTasks:      &snap.Tasks,
		queue.KeyCompleted:  &snap.Completed,
		queue.KeyStats:      &snap.Stats,
		queue.KeyProcessing: &snap.Processing,
	} {
		records, err := m.store.HGetAll(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read %s: %v", key, err)
		}
		*dst = records
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %v", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %v", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize snapshot: %v", err)
	}

	log.Printf("Queue backup saved to %s (%d queued, %d active, %d completed)",
		m.path, len(snap.Queue), len(snap.Tasks), len(snap.Completed))
	if m.onSaved != nil {
		m.onSaved(snap.Timestamp)
	}
	return nil
}

// Load 還原快照：清空現有佇列 key、重放快照內容，成功後刪除快照檔。
// 快照中的原始分數原封寫回，出列順序跨重啟不變。
// 快照檔不存在時視為冷啟動，不是錯誤。
func (m *Manager) Load(ctx context.Context) error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %v", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode snapshot %s: %v", m.path, err)
	}

	err = m.store.Del(ctx, queue.KeyIndex, queue.KeyTasks, queue.KeyCompleted,
		queue.KeyStats, queue.KeyProcessing)
	if err != nil {
		return fmt.Errorf("failed to clear queue state: %v", err)
	}

	for _, e := range snap.Queue {
		if err := m.store.ZAdd(ctx, queue.KeyIndex, e.TaskID, e.Score); err != nil {
			return fmt.Errorf("failed to restore queue entry %s: %v", e.TaskID, err)
		}
	}
	for key, src := range map[string]map[string]string{
		queue.KeyTasks:      snap.Tasks,
		queue.KeyCompleted:  snap.Completed,
		queue.KeyStats:      snap.Stats,
		queue.KeyProcessing: snap.Processing,
	} {
		for field, value := range src {
			if err := m.store.HSet(ctx, key, field, value); err != nil {
				return fmt.Errorf("failed to restore %s/%s: %v", key, field, err)
			}
		}
	}

	if err := os.Remove(m.path); err != nil {
		log.Printf("Warning: failed to remove consumed snapshot %s: %v", m.path, err)
	}
	log.Printf("Queue state restored from %s (%d queued, %d active, snapshot taken %s)",
		m.path, len(snap.Queue), len(snap.Tasks), snap.Timestamp.Format(time.RFC3339))
	return nil
}

// Run 定期備份迴圈。只有在仍有進行中任務時才寫入，閒置佇列不產生 I/O。
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.store.HLen(ctx, queue.KeyTasks)
			if err != nil {
				log.Printf("Backup check failed: %v", err)
				continue
			}
			if n == 0 {
				continue
			}
			if err := m.Save(ctx); err != nil {
				log.Printf("Periodic backup failed: %v", err)
			}
		}
	}
}

// Path 快照檔完整路徑。
func (m *Manager) Path() string {
	abs, err := filepath.Abs(m.path)
	if err != nil {
		return m.path
	}
	return abs
}
