package task

import (
	"time"

	"github.com/google/uuid"
)

// Status 任務生命週期狀態。
// 狀態機：queued → processing → {completed, failed}；queued → cancelled。
// 終止狀態（completed/failed/cancelled）之後不允許任何轉換，
// 唯一例外是管理者手動 Retry（failed → queued，由 TaskStore 實作）。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal 回報此狀態是否為終止狀態。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid 回報此狀態是否為已知狀態值。
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition 檢查狀態轉換是否合法。
// cancelled 只能從 queued 進入（不支援搶佔處理中的任務）。
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusProcessing
	}
	return false
}

// Variant 任務型別標籤，決定 Worker 分派至哪個處理器。
type Variant string

const (
	VariantTranscription Variant = "transcription"
	VariantRiskDetection Variant = "risk_detection"
)

// Task 佇列中的任務紀錄。
// 以扁平結構承載兩種變體：transcription 任務使用 FilePath/Filename/Language，
// risk_detection 任務使用 TranscriptionID/Text，依 Variant 分派。
// JSON 欄位名沿用既有系統的 snake_case 格式，確保備份檔與 API 回應相容。
type Task struct {
	ID           string         `json:"task_id"`
	Variant      Variant        `json:"task_type"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Progress     float64        `json:"progress"`
	Priority     int            `json:"priority"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`

	// Transcription 專用欄位
	FilePath string `json:"file_path,omitempty"`
	Filename string `json:"filename,omitempty"`
	Language string `json:"language,omitempty"`

	// RiskDetection 專用欄位
	TranscriptionID string `json:"transcription_id,omitempty"`
	Text            string `json:"text,omitempty"`
}

// DefaultMaxRetries 自動/手動重試次數上限的預設值。
const DefaultMaxRetries = 3

// NewTranscriptionTask 建立語音轉錄任務，指派 UUID 與建立時間。
func NewTranscriptionTask(filePath, filename, language string, priority int) *Task {
	if language == "" {
		language = "th"
	}
	return &Task{
		ID:         uuid.New().String(),
		Variant:    VariantTranscription,
		Status:     StatusQueued,
		CreatedAt:  time.Now(),
		Priority:   priority,
		MaxRetries: DefaultMaxRetries,
		FilePath:   filePath,
		Filename:   filename,
		Language:   language,
	}
}

// NewRiskDetectionTask 建立法律風險分析任務。
func NewRiskDetectionTask(transcriptionID, text string, priority int) *Task {
	return &Task{
		ID:              uuid.New().String(),
		Variant:         VariantRiskDetection,
		Status:          StatusQueued,
		CreatedAt:       time.Now(),
		Priority:        priority,
		MaxRetries:      DefaultMaxRetries,
		TranscriptionID: transcriptionID,
		Text:            text,
	}
}

// QueueStats 佇列統計快照。由計數器即時推導，不是權威資料來源。
type QueueStats struct {
	TotalTasks      int64      `json:"total_tasks"`
	QueuedTasks     int64      `json:"queued_tasks"`
	ProcessingTasks int64      `json:"processing_tasks"`
	CompletedTasks  int64      `json:"completed_tasks"`
	FailedTasks     int64      `json:"failed_tasks"`
	CancelledTasks  int64      `json:"cancelled_tasks"`
	UptimeSeconds   float64    `json:"uptime_seconds"`
	LastBackup      *time.Time `json:"last_backup,omitempty"`
	RedisConnected  bool       `json:"redis_connected"`
}

// Event 任務狀態廣播事件，透過 Redis Pub/Sub 或行程內 Broadcaster 傳遞，
// 最終以 SSE 推送至訂閱端。completed 事件額外攜帶 result，
// failed 事件額外攜帶 error_message。
type Event struct {
	TaskID       string         `json:"task_id"`
	Status       Status         `json:"status"`
	Progress     float64        `json:"progress"`
	Message      string         `json:"message,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}
