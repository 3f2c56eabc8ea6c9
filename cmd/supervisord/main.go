package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Jaylaelike/audio-description-s2t/internal/config"
	"github.com/Jaylaelike/audio-description-s2t/internal/supervisor"
)

// main 一鍵啟動整套服務：佇列服務先行，再依 WORKER_COUNT 啟動 Worker 行程。
// 子行程輸出合併至本行程並加上 [name] 前綴；任一子行程異常退出
// 會被自動重啟，收到 SIGINT/SIGTERM 時反向優雅關閉。
func main() {
	var (
		queuedBin = flag.String("queued-bin", "", "path to the queued binary (default: next to this executable)")
		workerBin = flag.String("worker-bin", "", "path to the worker binary (default: next to this executable)")
	)
	flag.Parse()

	cfg := config.Load()

	binDir := executableDir()
	if *queuedBin == "" {
		*queuedBin = filepath.Join(binDir, "queued")
	}
	if *workerBin == "" {
		*workerBin = filepath.Join(binDir, "worker")
	}

	procs := []supervisor.Process{
		{Name: "queued", Command: *queuedBin},
	}
	for i := 0; i < cfg.WorkerCount; i++ {
		procs = append(procs, supervisor.Process{
			Name:    fmt.Sprintf("worker-%d", i),
			Command: *workerBin,
			Env:     []string{fmt.Sprintf("WORKER_ID=worker-%d", i)},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		shutdownCh := make(chan os.Signal, 1)
		signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
		<-shutdownCh
		log.Println("Received shutdown signal, stopping services...")
		cancel()
	}()

	log.Printf("Starting queue service with %d workers", cfg.WorkerCount)
	supervisor.New(procs...).Run(ctx)
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
