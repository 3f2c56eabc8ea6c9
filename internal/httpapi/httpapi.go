// Package httpapi 對外的 REST 介面：任務提交、查詢、取消、
// 統計與管理操作。回應格式沿用既有系統的 snake_case 慣例，
// 錯誤回應統一為 {"detail": "..."}。
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Jaylaelike/audio-description-s2t/internal/backup"
	"github.com/Jaylaelike/audio-description-s2t/internal/queue"
	"github.com/Jaylaelike/audio-description-s2t/internal/task"
)

// maxUploadSize 單一音檔上傳上限。
const maxUploadSize = 500 << 20 // 500 MB

// Server REST API 伺服器。
type Server struct {
	Store     *queue.TaskStore
	Backup    *backup.Manager
	Events    http.Handler // SSE 事件流 handler，掛載於 GET /tasks/{id}/events
	UploadDir string
}

// Routes 組裝路由。全部端點套用 CORS middleware。
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /tasks/transcription", s.submitTranscription)
	mux.HandleFunc("POST /tasks/risk-detection", s.submitRiskDetection)
	mux.HandleFunc("GET /tasks/{id}", s.getTask)
	mux.HandleFunc("GET /tasks", s.listTasks)
	mux.HandleFunc("DELETE /tasks/{id}", s.cancelTask)
	mux.HandleFunc("GET /stats", s.getStats)
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("POST /admin/backup", s.forceBackup)
	mux.HandleFunc("POST /admin/cleanup-stuck-tasks", s.cleanupStuckTasks)
	mux.HandleFunc("POST /admin/tasks/{id}/retry", s.retryTask)

	if s.Events != nil {
		mux.Handle("GET /tasks/{id}/events", s.Events)
	}

	return cors(mux)
}

// cors 允許跨來源請求，前端開發伺服器與正式站分屬不同 origin。
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// taskResponse 提交與操作類端點的統一回應。
type taskResponse struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	QueuePosition int64  `json:"queue_position,omitempty"`
}

// statusResponse 任務查詢回應。不含 file_path 等內部欄位。
type statusResponse struct {
	TaskID       string         `json:"task_id"`
	TaskType     task.Variant   `json:"task_type"`
	Status       task.Status    `json:"status"`
	Progress     float64        `json:"progress"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
}

func toStatusResponse(t *task.Task) statusResponse {
	return statusResponse{
		TaskID:       t.ID,
		TaskType:     t.Variant,
		Status:       t.Status,
		Progress:     t.Progress,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		Result:       t.Result,
		ErrorMessage: t.ErrorMessage,
		RetryCount:   t.RetryCount,
		MaxRetries:   t.MaxRetries,
	}
}

// submitTranscription 接收 multipart 音檔並建立轉錄任務。
// 音檔以 {taskID}{副檔名} 落地至上傳目錄，Worker 處理完畢後清除。
func (s *Server) submitTranscription(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart request")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil || header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()

	language := r.FormValue("language")
	if language == "" {
		language = "th"
	}
	priority, _ := strconv.Atoi(r.FormValue("priority"))

	t := task.NewTranscriptionTask("", header.Filename, language, priority)

	if err := os.MkdirAll(s.UploadDir, 0755); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to prepare upload directory")
		return
	}
	ext := filepath.Ext(header.Filename)
	if ext == "" {
		ext = ".wav"
	}
	t.FilePath = filepath.Join(s.UploadDir, t.ID+ext)

	dst, err := os.Create(t.FilePath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store uploaded file")
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.Remove(t.FilePath)
		writeError(w, http.StatusInternalServerError, "Failed to store uploaded file")
		return
	}
	dst.Close()

	if err := s.Store.Enqueue(r.Context(), t); err != nil {
		os.Remove(t.FilePath)
		log.Printf("Failed to queue transcription task: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to queue task")
		return
	}

	writeJSON(w, http.StatusOK, taskResponse{
		TaskID:        t.ID,
		Status:        string(task.StatusQueued),
		Message:       "Transcription task queued successfully",
		QueuePosition: s.queuePosition(r),
	})
}

type riskDetectionRequest struct {
	TranscriptionID string `json:"transcription_id"`
	Text            string `json:"text"`
	Priority        int    `json:"priority"`
}

// submitRiskDetection 建立文字風險分析任務。
func (s *Server) submitRiskDetection(w http.ResponseWriter, r *http.Request) {
	var req riskDetectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "No text provided")
		return
	}

	t := task.NewRiskDetectionTask(req.TranscriptionID, req.Text, req.Priority)
	if err := s.Store.Enqueue(r.Context(), t); err != nil {
		log.Printf("Failed to queue risk detection task: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to queue risk detection task")
		return
	}

	writeJSON(w, http.StatusOK, taskResponse{
		TaskID:        t.ID,
		Status:        string(task.StatusQueued),
		Message:       "Risk detection task queued successfully",
		QueuePosition: s.queuePosition(r),
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.Store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		log.Printf("Failed to load task: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(t))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	tasks, total, err := s.Store.List(r.Context(),
		task.Status(q.Get("status")), task.Variant(q.Get("task_type")), limit, offset)
	if err != nil {
		log.Printf("Error listing tasks: %v", err)
		writeError(w, http.StatusInternalServerError, "Error listing tasks")
		return
	}

	items := make([]statusResponse, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, toStatusResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":  items,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

// cancelTask 取消佇列中的任務。轉錄任務一併清除已上傳的音檔。
func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.Store.Cancel(r.Context(), r.PathValue("id"))
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if errors.Is(err, queue.ErrNotCancellable) {
		existing, gerr := s.Store.Get(r.Context(), r.PathValue("id"))
		status := "unknown"
		if gerr == nil {
			status = string(existing.Status)
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Cannot cancel task with status: %s", status))
		return
	}
	if err != nil {
		log.Printf("Failed to cancel task: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to cancel task")
		return
	}

	if t.FilePath != "" {
		if rmErr := os.Remove(t.FilePath); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Printf("Failed to remove uploaded file %s: %v", t.FilePath, rmErr)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task cancelled successfully"})
}

// retryTask 管理者操作：將 failed 任務重新入列。
func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.Store.Retry(r.Context(), r.PathValue("id"))
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrRetryExhausted) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		log.Printf("Failed to retry task: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to retry task")
		return
	}

	writeJSON(w, http.StatusOK, taskResponse{
		TaskID:        t.ID,
		Status:        string(t.Status),
		Message:       fmt.Sprintf("Task requeued for retry (%d/%d)", t.RetryCount, t.MaxRetries),
		QueuePosition: s.queuePosition(r),
	})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.Stats(r.Context())
	if err != nil {
		log.Printf("Failed to read stats: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to read stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "Queue backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().Format(time.RFC3339),
		"queue_stats": stats,
	})
}

func (s *Server) forceBackup(w http.ResponseWriter, r *http.Request) {
	if s.Backup == nil {
		writeError(w, http.StatusServiceUnavailable, "Backup is not configured")
		return
	}
	if err := s.Backup.Save(r.Context()); err != nil {
		log.Printf("Error forcing backup: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Backup error: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Backup completed successfully"})
}

func (s *Server) cleanupStuckTasks(w http.ResponseWriter, r *http.Request) {
	swept, err := s.Store.SweepStuck(r.Context())
	if err != nil {
		log.Printf("Error cleaning up stuck tasks: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Cleanup error: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "Stuck tasks cleanup completed",
		"cleaned_tasks": swept,
	})
}

// queuePosition 回報目前等待中的任務數，供提交端點附帶排隊位置。
// 讀取失敗時省略欄位，不影響提交結果。
func (s *Server) queuePosition(r *http.Request) int64 {
	n, err := s.Store.Depth(r.Context())
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
