package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Jaylaelike/audio-description-s2t/internal/backup"
	"github.com/Jaylaelike/audio-description-s2t/internal/broadcast"
	"github.com/Jaylaelike/audio-description-s2t/internal/classifier"
	"github.com/Jaylaelike/audio-description-s2t/internal/config"
	"github.com/Jaylaelike/audio-description-s2t/internal/engine"
	"github.com/Jaylaelike/audio-description-s2t/internal/httpapi"
	"github.com/Jaylaelike/audio-description-s2t/internal/queue"
	"github.com/Jaylaelike/audio-description-s2t/internal/sse"
	"github.com/Jaylaelike/audio-description-s2t/internal/store"
	"github.com/Jaylaelike/audio-description-s2t/internal/worker"
)

// stuckSweepInterval 卡死任務掃描週期。
const stuckSweepInterval = 60 * time.Second

// main 啟動佇列服務。
// 啟動順序：Redis（失敗時退回記憶體模式）→ 快照還原 → Broadcaster →
// 定期備份與卡死掃描 → HTTP 伺服器。
// 關閉時先停止接收請求，再做最後一次快照。
func main() {
	cfg := config.Load()

	// Redis 不可達時退回記憶體模式：功能完整但不跨重啟持久，
	// 事件分發也改走行程內直送
	var st store.Store
	var redisStore *store.RedisStore
	if rs, err := store.Connect(cfg.RedisAddr); err != nil {
		log.Printf("Redis unavailable (%v), falling back to in-memory store", err)
		st = store.NewMemoryStore()
	} else {
		log.Println("Redis connected")
		redisStore = rs
		st = rs
	}

	ts := queue.New(st, cfg.MaxProcessing)
	bm := backup.NewManager(st, cfg.BackupFile, ts.SetLastBackup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 先於任何出列動作前還原快照，確保重啟不丟任務
	if err := bm.Load(ctx); err != nil {
		log.Printf("Failed to restore queue snapshot: %v", err)
	}

	b := broadcast.NewBroadcaster()
	var publisher broadcast.Publisher
	if redisStore != nil {
		go b.Run(ctx, redisStore.Client())
		publisher = broadcast.NewRedisPublisher(redisStore.Client())
	} else {
		publisher = broadcast.NewLocalPublisher(b)
	}

	// 嵌入式 Worker：單機部署時不需另起 worker 行程
	for i := 0; i < cfg.EmbeddedWorkers; i++ {
		w := &worker.Worker{
			ID:           fmt.Sprintf("embedded-%d", i),
			Store:        ts,
			Engine:       buildEngine(cfg),
			Classifier:   buildClassifier(cfg),
			Publisher:    publisher,
			PollInterval: cfg.PollInterval,
		}
		go w.Run(ctx)
	}
	if cfg.EmbeddedWorkers > 0 {
		log.Printf("Started %d embedded workers", cfg.EmbeddedWorkers)
	}

	go bm.Run(ctx, cfg.BackupInterval)
	go sweepLoop(ctx, ts)

	api := &httpapi.Server{
		Store:     ts,
		Backup:    bm,
		Events:    sse.NewHandler(ts, b),
		UploadDir: cfg.UploadDir,
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.Routes(),
		ReadTimeout:  0, // SSE 與音檔上傳需要無限讀取
		WriteTimeout: 0, // SSE 需要無限寫入
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Queue service listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownCh
	log.Println("Received shutdown signal, exiting...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	cancel()

	// 最後一次快照，重啟時據此還原
	if err := bm.Save(shutdownCtx); err != nil {
		log.Printf("Final backup failed: %v", err)
	}
}

// sweepLoop 定期將超時的 processing 任務標記為 failed。
func sweepLoop(ctx context.Context, ts *queue.TaskStore) {
	ticker := time.NewTicker(stuckSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := ts.SweepStuck(ctx)
			if err != nil {
				log.Printf("Stuck task sweep failed: %v", err)
				continue
			}
			if len(swept) > 0 {
				log.Printf("Swept %d stuck tasks", len(swept))
			}
		}
	}
}

// buildEngine 根據配置選擇轉錄引擎實作（Mock / HTTP）。
func buildEngine(cfg *config.Config) engine.Engine {
	if cfg.Mock {
		log.Println("Mock STT engine enabled")
		return &engine.MockEngine{}
	}
	return &engine.HTTPEngine{URL: cfg.STTURL, Model: cfg.STTModel, APIKey: cfg.STTKey}
}

// buildClassifier 根據配置選擇風險分析實作（Mock / Ollama）。
func buildClassifier(cfg *config.Config) classifier.Classifier {
	if cfg.Mock {
		log.Println("Mock risk classifier enabled")
		return &classifier.MockClassifier{}
	}
	return &classifier.OllamaClassifier{URL: cfg.OllamaURL, Model: cfg.OllamaModel}
}
