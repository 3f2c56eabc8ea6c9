// Package engine 提供語音轉錄服務的抽象與實作：
// 透過 OpenAI 規範的 HTTP API 上傳音檔取得逐字稿與分段時間軸，
// 並提供 Mock 實作供無模型環境的開發測試。
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Segment 逐字稿的分段，含時間軸與信心分數。
type Segment struct {
	ID         int     `json:"id"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Result 轉錄結果。
type Result struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
	Language string    `json:"language,omitempty"`
}

// Engine 定義語音轉錄為文字的介面。
type Engine interface {
	Transcribe(ctx context.Context, filePath, language string) (*Result, error)
}

// --- Mock 實作 ---

// MockEngine 模擬語音轉錄，用於開發測試環境。
// 模擬真實的處理延遲，並檢查檔案是否存在，
// 以確保 Worker 傳入的路徑是正確的。
type MockEngine struct{}

// Transcribe 隨機延遲 2~4 秒後返回固定的泰文逐字稿。
func (m *MockEngine) Transcribe(ctx context.Context, filePath, language string) (*Result, error) {
	if filePath == "" {
		return nil, fmt.Errorf("mock stt: file path is empty")
	}
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("mock stt: file not found at %s", filePath)
	}

	select {
	case <-time.After(time.Duration(2+rand.Intn(3)) * time.Second):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Result{
		Text:     "สวัสดีครับ นี่คือข้อความทดสอบจากระบบถอดเสียง",
		Language: language,
		Segments: []Segment{
			{ID: 0, Start: 0, End: 2.5, Text: "สวัสดีครับ", Confidence: 0.95},
			{ID: 1, Start: 2.5, End: 6.0, Text: "นี่คือข้อความทดสอบจากระบบถอดเสียง", Confidence: 0.92},
		},
	}, nil
}

// --- HTTP 實作 ---

// HTTPEngine 呼叫 OpenAI 規範的語音轉錄 API。
type HTTPEngine struct {
	URL    string
	Model  string
	APIKey string
}

// Transcribe 使用 multipart/form-data 格式上傳音檔。
// 要求 verbose_json 格式以取得分段時間軸。
func (e *HTTPEngine) Transcribe(ctx context.Context, filePath, language string) (*Result, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, err
	}
	_ = writer.WriteField("model", e.Model)
	_ = writer.WriteField("language", language)
	_ = writer.WriteField("response_format", "verbose_json")
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", e.URL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("stt api failed: %s", string(b))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if result.Language == "" {
		result.Language = language
	}
	return &result, nil
}
