package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Jaylaelike/audio-description-s2t/internal/archive"
	"github.com/Jaylaelike/audio-description-s2t/internal/broadcast"
	"github.com/Jaylaelike/audio-description-s2t/internal/classifier"
	"github.com/Jaylaelike/audio-description-s2t/internal/config"
	"github.com/Jaylaelike/audio-description-s2t/internal/engine"
	"github.com/Jaylaelike/audio-description-s2t/internal/queue"
	"github.com/Jaylaelike/audio-description-s2t/internal/store"
	"github.com/Jaylaelike/audio-description-s2t/internal/worker"
)

// main 啟動獨立 Worker 行程。
// Worker 必須與佇列服務共用同一個 Redis，記憶體模式無法跨行程，
// 因此 Redis 不可達時以 Fatal 終止（由 supervisord 或 Docker 重啟）。
func main() {
	cfg := config.Load()

	rs, err := store.Connect(cfg.RedisAddr)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("Redis connected")

	ts := queue.New(rs, cfg.MaxProcessing)

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + time.Now().Format("20060102-150405")
	}

	var sttEngine engine.Engine
	var riskClassifier classifier.Classifier
	if cfg.Mock {
		sttEngine = &engine.MockEngine{}
		riskClassifier = &classifier.MockClassifier{}
		log.Println("Mock AI services enabled")
	} else {
		sttEngine = &engine.HTTPEngine{URL: cfg.STTURL, Model: cfg.STTModel, APIKey: cfg.STTKey}
		riskClassifier = &classifier.OllamaClassifier{URL: cfg.OllamaURL, Model: cfg.OllamaModel}
		log.Println("Standard AI services enabled (STT + Ollama)")
	}

	// 歸檔為選配：未設定資料庫時結果只存在佇列紀錄中
	var archiver worker.Archiver
	if cfg.ArchiveDatabaseURL != "" {
		a, err := archive.Connect(cfg.ArchiveDatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to archive database: %v", err)
		}
		defer a.Close()
		if err := a.Migrate("migrations"); err != nil {
			log.Fatalf("Failed to migrate archive database: %v", err)
		}
		archiver = a
		log.Println("Archive database connected")
	}

	w := &worker.Worker{
		ID:           workerID,
		Store:        ts,
		Engine:       sttEngine,
		Classifier:   riskClassifier,
		Publisher:    broadcast.NewRedisPublisher(rs.Client()),
		Archive:      archiver,
		PollInterval: cfg.PollInterval,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownCh
	log.Printf("Worker %s received shutdown signal, exiting...", workerID)
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Printf("Worker %s did not stop in time", workerID)
	}
}
