// Package config 集中管理環境變數配置。
// 啟動時先載入 .env（不存在時靜默略過），所有欄位都有可直接運行的預設值。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config 服務的完整配置。queued、worker 與 supervisord 共用同一組欄位，
// 各自只取用與自己相關的部分。
type Config struct {
	// 佇列服務
	Port            string        // HTTP 監聽 port
	RedisAddr       string        // Redis 位址（host:port）
	BackupFile      string        // 快照檔路徑
	BackupInterval  time.Duration // 定期備份間隔
	MaxProcessing   time.Duration // 卡死任務判定門檻
	UploadDir       string        // 上傳音檔暫存目錄
	EmbeddedWorkers int           // 佇列服務行程內的 Worker 數（0 = 純佇列服務）

	// Worker
	WorkerID     string
	WorkerCount  int // supervisord 啟動的 Worker 行程數
	PollInterval time.Duration
	Mock         bool // 使用 Mock AI 服務（開發測試環境）

	// 轉錄引擎
	STTURL   string
	STTModel string
	STTKey   string

	// 風險分析
	OllamaURL   string
	OllamaModel string

	// 歸檔（空字串時停用）
	ArchiveDatabaseURL string
}

// Load 載入配置。.env 僅作為本機開發便利，部署環境以實際環境變數為準。
func Load() *Config {
	godotenv.Load(".env")

	return &Config{
		Port:            getEnv("QUEUE_PORT", "8002"),
		RedisAddr:       fmt.Sprintf("%s:%s", getEnv("REDIS_HOST", "localhost"), getEnv("REDIS_PORT", "6379")),
		BackupFile:      getEnv("BACKUP_FILE", "queue_backup.json"),
		BackupInterval:  getEnvDuration("BACKUP_INTERVAL", 300*time.Second),
		MaxProcessing:   getEnvDuration("MAX_PROCESSING_TIME", 3600*time.Second),
		UploadDir:       getEnv("UPLOAD_DIR", "temp_audio"),
		EmbeddedWorkers: getEnvInt("EMBEDDED_WORKERS", 0),

		WorkerID:     getEnv("WORKER_ID", ""),
		WorkerCount:  getEnvInt("WORKER_COUNT", 1),
		PollInterval: getEnvDuration("POLL_INTERVAL", time.Second),
		Mock:         getEnv("MOCK", "true") == "true",

		STTURL:   getEnv("AI_STT_URL", "http://localhost:8000/v1/audio/transcriptions"),
		STTModel: getEnv("AI_STT_MODEL", "whisper-1"),
		STTKey:   getEnv("AI_STT_KEY", ""),

		OllamaURL:   getEnv("OLLAMA_URL", "http://localhost:11434/api/generate"),
		OllamaModel: getEnv("OLLAMA_MODEL", "qwen3:8b"),

		ArchiveDatabaseURL: getEnv("ARCHIVE_DATABASE_URL", ""),
	}
}

// getEnv 取得環境變數，不存在時返回 fallback 預設值。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// getEnvInt 取得整數環境變數，解析失敗時返回 fallback。
func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvDuration 取得秒數環境變數（純數字視為秒，也接受 Go duration 格式）。
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return fallback
}
