// Package archive 將完成任務的結果長期歸檔至 PostgreSQL。
// 佇列中的任務紀錄會隨營運被清理，歸檔表才是轉錄稿與風險報告的
// 永久儲存；歸檔失敗不影響任務的完成狀態。
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/Jaylaelike/audio-description-s2t/internal/engine"
	"github.com/Jaylaelike/audio-description-s2t/internal/task"
)

// Archive PostgreSQL 歸檔層。
type Archive struct {
	db  *sql.DB
	url string
}

// Connect 建立 PostgreSQL 連線並確認可達。
func Connect(databaseURL string) (*Archive, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach archive database: %v", err)
	}
	return &Archive{db: db, url: databaseURL}, nil
}

// Migrate 套用 migrations 目錄下的 schema 變更。
// 已是最新版本時不是錯誤。
func (a *Archive) Migrate(migrationsDir string) error {
	m, err := migrate.New("file://"+migrationsDir, a.url)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %v", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %v", err)
	}
	return nil
}

// Close 關閉資料庫連線。
func (a *Archive) Close() error {
	return a.db.Close()
}

// SaveTranscription UPSERT 轉錄結果。同一任務重複歸檔
//（例如 retry 後再次完成）以最新結果為準。
func (a *Archive) SaveTranscription(ctx context.Context, t *task.Task, res *engine.Result) error {
	segments, err := json.Marshal(res.Segments)
	if err != nil {
		return fmt.Errorf("failed to encode segments for task %s: %v", t.ID, err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO transcripts (task_id, filename, language, text, segments, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (task_id) DO UPDATE SET
			filename = $2,
			language = $3,
			text = $4,
			segments = $5,
			updated_at = NOW()`,
		t.ID, t.Filename, res.Language, res.Text, segments)
	if err != nil {
		return fmt.Errorf("failed to archive transcript %s: %v", t.ID, err)
	}
	return nil
}

// SaveRiskReport UPSERT 風險分析報告，原始模型回應一併保留以供稽核。
func (a *Archive) SaveRiskReport(ctx context.Context, t *task.Task, verdict task.Verdict, rawResponse string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO risk_reports (task_id, transcription_id, analyzed_text, verdict, raw_response, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (task_id) DO UPDATE SET
			verdict = $4,
			raw_response = $5,
			updated_at = NOW()`,
		t.ID, t.TranscriptionID, t.Text, string(verdict), rawResponse)
	if err != nil {
		return fmt.Errorf("failed to archive risk report %s: %v", t.ID, err)
	}
	return nil
}
