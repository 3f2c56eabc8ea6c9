// Package sse 任務進度的 Server-Sent Events 端點。
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/Jaylaelike/audio-description-s2t/internal/broadcast"
	"github.com/Jaylaelike/audio-description-s2t/internal/queue"
	"github.com/Jaylaelike/audio-description-s2t/internal/task"
)

// Handler SSE 連線管理器，處理 GET /tasks/{id}/events。
//
// 連線流程（防止 race condition）：
//  1. 先向 Broadcaster 註冊並訂閱，確保不遺漏事件
//  2. 再送出任務目前狀態作為第一筆事件，客戶端重連時立即對齊
//  3. 持續將分發事件轉發至 SSE 回應流
//  4. 客戶端斷線時註銷連線，釋放資源
type Handler struct {
	Store       *queue.TaskStore
	Broadcaster *broadcast.Broadcaster
}

// NewHandler 建立 SSE Handler 實例。
func NewHandler(store *queue.TaskStore, b *broadcast.Broadcaster) *Handler {
	return &Handler{Store: store, Broadcaster: b}
}

// ServeHTTP 處理單一 SSE 連線。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if taskID == "" {
		http.Error(w, "Missing task ID", http.StatusBadRequest)
		return
	}

	t, err := h.Store.Get(r.Context(), taskID)
	if errors.Is(err, queue.ErrNotFound) {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("SSE: failed to load task %s: %v", taskID, err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // 關閉 nginx 緩衝

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Step 1: 先註冊訂閱，防止快照與新事件之間的 race condition
	connID := uuid.New().String()
	conn := broadcast.NewChannelConn()
	h.Broadcaster.Register(connID, conn)
	defer h.Broadcaster.Unregister(connID)
	if err := h.Broadcaster.Subscribe(connID, taskID); err != nil {
		log.Printf("SSE: failed to subscribe to %s: %v", taskID, err)
		http.Error(w, "Failed to subscribe", http.StatusInternalServerError)
		return
	}

	// Step 2: 送出目前狀態快照，客戶端不需另外輪詢即可對齊
	snapshot := task.Event{
		TaskID:       t.ID,
		Status:       t.Status,
		Progress:     t.Progress,
		Result:       t.Result,
		ErrorMessage: t.ErrorMessage,
	}
	if data, err := json.Marshal(snapshot); err == nil {
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	flusher.Flush()

	// Step 3: 持續轉發事件至 SSE
	for {
		select {
		case data := <-conn.C:
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			log.Printf("SSE: client disconnected for task %s", taskID)
			return
		}
	}
}
