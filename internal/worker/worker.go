// Package worker 實作任務處理迴圈：輪詢佇列取出任務，依型別分派給
// 轉錄引擎或風險分析器，沿途回寫進度並發佈即時事件。
// 單次嘗試語意：處理失敗即標記 failed，重試由管理者透過 retry 操作發起。
package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/Jaylaelike/audio-description-s2t/internal/broadcast"
	"github.com/Jaylaelike/audio-description-s2t/internal/classifier"
	"github.com/Jaylaelike/audio-description-s2t/internal/engine"
	"github.com/Jaylaelike/audio-description-s2t/internal/queue"
	"github.com/Jaylaelike/audio-description-s2t/internal/task"
)

// Archiver 完成任務的長期歸檔介面。歸檔是 best-effort：
// 失敗只記 log，不影響任務的完成狀態。
type Archiver interface {
	SaveTranscription(ctx context.Context, t *task.Task, res *engine.Result) error
	SaveRiskReport(ctx context.Context, t *task.Task, verdict task.Verdict, rawResponse string) error
}

// Worker 單一處理迴圈。多個 Worker 可共用同一個 TaskStore，
// 出列的排他性由 store 層保證。
type Worker struct {
	ID           string
	Store        *queue.TaskStore
	Engine       engine.Engine
	Classifier   classifier.Classifier
	Publisher    broadcast.Publisher
	Archive      Archiver // 可為 nil
	PollInterval time.Duration
}

// Run 主迴圈。佇列為空時依 PollInterval 輪詢；
// 儲存層出錯時退避五倍輪詢間隔再試，避免對故障的後端打轉。
func (w *Worker) Run(ctx context.Context) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	log.Printf("Worker %s starting...", w.ID)

	for {
		t, err := w.Store.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("Worker %s: dequeue failed: %v", w.ID, err)
			if !sleep(ctx, 5*interval) {
				break
			}
			continue
		}
		if t == nil {
			if !sleep(ctx, interval) {
				break
			}
			continue
		}
		w.process(ctx, t)
	}
	log.Printf("Worker %s stopped", w.ID)
}

// process 分派單一任務。任何錯誤都收斂為 failed 狀態與事件，
// 不會讓任務停留在 processing。
func (w *Worker) process(ctx context.Context, t *task.Task) {
	log.Printf("Worker %s processing %s task %s", w.ID, t.Variant, t.ID)

	var err error
	switch t.Variant {
	case task.VariantTranscription:
		err = w.processTranscription(ctx, t)
	case task.VariantRiskDetection:
		err = w.processRiskDetection(ctx, t)
	default:
		err = fmt.Errorf("unknown task type: %s", t.Variant)
	}

	if err != nil {
		log.Printf("Worker %s: task %s failed: %v", w.ID, t.ID, err)
		w.fail(ctx, t, err)
	}
}

func (w *Worker) processTranscription(ctx context.Context, t *task.Task) error {
	w.progress(ctx, t, 0.1, "Starting transcription...")
	w.progress(ctx, t, 0.3, "Processing audio file...")

	res, err := w.Engine.Transcribe(ctx, t.FilePath, t.Language)
	if err != nil {
		return err
	}

	w.progress(ctx, t, 0.9, "Transcription complete, finalizing...")
	w.cleanupFile(t)

	segments := make([]map[string]any, 0, len(res.Segments))
	for _, s := range res.Segments {
		segments = append(segments, map[string]any{
			"id":         s.ID,
			"start":      s.Start,
			"end":        s.End,
			"text":       s.Text,
			"confidence": s.Confidence,
		})
	}
	result := map[string]any{
		"text":     res.Text,
		"language": res.Language,
		"segments": segments,
		"filename": t.Filename,
	}

	if err := w.complete(ctx, t, result); err != nil {
		return err
	}
	if w.Archive != nil {
		if err := w.Archive.SaveTranscription(ctx, t, res); err != nil {
			log.Printf("Worker %s: failed to archive transcription %s: %v", w.ID, t.ID, err)
		}
	}
	log.Printf("Transcription task %s completed successfully", t.ID)
	return nil
}

func (w *Worker) processRiskDetection(ctx context.Context, t *task.Task) error {
	w.progress(ctx, t, 0.1, "Starting risk analysis...")
	w.progress(ctx, t, 0.5, "Analyzing text for risks...")

	raw, err := w.Classifier.Classify(ctx, t.Text)
	if err != nil {
		return err
	}
	verdict := classifier.ExtractVerdict(raw)

	result := map[string]any{
		"risk_result":      string(verdict),
		"ollama_response":  raw,
		"transcription_id": t.TranscriptionID,
	}
	if err := w.complete(ctx, t, result); err != nil {
		return err
	}
	if w.Archive != nil {
		if err := w.Archive.SaveRiskReport(ctx, t, verdict, raw); err != nil {
			log.Printf("Worker %s: failed to archive risk report %s: %v", w.ID, t.ID, err)
		}
	}
	log.Printf("Risk detection task %s completed successfully", t.ID)
	return nil
}

// progress 回寫進度並發佈事件。進度更新失敗不中斷處理，
// 轉錄結果比中途進度值重要。
func (w *Worker) progress(ctx context.Context, t *task.Task, p float64, message string) {
	err := w.Store.UpdateStatus(ctx, t.ID, task.StatusProcessing, queue.WithProgress(p))
	if err != nil {
		log.Printf("Worker %s: failed to update progress for %s: %v", w.ID, t.ID, err)
	}
	w.publish(ctx, &task.Event{
		TaskID:   t.ID,
		Status:   task.StatusProcessing,
		Progress: p,
		Message:  message,
	})
}

func (w *Worker) complete(ctx context.Context, t *task.Task, result map[string]any) error {
	err := w.Store.UpdateStatus(ctx, t.ID, task.StatusCompleted,
		queue.WithProgress(1.0), queue.WithResult(result))
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %v", t.ID, err)
	}
	w.publish(ctx, &task.Event{
		TaskID:   t.ID,
		Status:   task.StatusCompleted,
		Progress: 1.0,
		Result:   result,
	})
	return nil
}

// fail 失敗收斂路徑。音檔等暫存資源在失敗時一樣要清理。
func (w *Worker) fail(ctx context.Context, t *task.Task, cause error) {
	w.cleanupFile(t)
	err := w.Store.UpdateStatus(ctx, t.ID, task.StatusFailed,
		queue.WithProgress(0.0), queue.WithError(cause.Error()))
	if err != nil {
		log.Printf("Worker %s: failed to mark task %s as failed: %v", w.ID, t.ID, err)
		return
	}
	w.publish(ctx, &task.Event{
		TaskID:       t.ID,
		Status:       task.StatusFailed,
		ErrorMessage: cause.Error(),
	})
}

func (w *Worker) cleanupFile(t *task.Task) {
	if t.FilePath == "" {
		return
	}
	if err := os.Remove(t.FilePath); err == nil {
		log.Printf("Cleaned up temp file: %s", t.FilePath)
	} else if !os.IsNotExist(err) {
		log.Printf("Worker %s: failed to remove temp file %s: %v", w.ID, t.FilePath, err)
	}
}

func (w *Worker) publish(ctx context.Context, ev *task.Event) {
	if w.Publisher == nil {
		return
	}
	if err := w.Publisher.Publish(ctx, ev); err != nil {
		log.Printf("Worker %s: failed to publish event for %s: %v", w.ID, ev.TaskID, err)
	}
}

// sleep 可被 context 打斷的等待。返回 false 代表應停止迴圈。
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
