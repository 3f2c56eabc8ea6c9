// Package classifier 提供泰文文字的法律風險分析：
// 呼叫 Ollama 本地模型判讀內容是否涉及違法，並從自由格式的回應中
// 萃取結構化判定結果。
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/Jaylaelike/audio-description-s2t/internal/task"
)

// Classifier 定義文字風險分析的介面。返回模型的原始回應，
// 判定萃取由呼叫端透過 ExtractVerdict 進行，原始回應需一併保留於結果中。
type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

// --- Mock 實作 ---

// MockClassifier 模擬風險分析，用於開發測試環境。
// 依輸入內容返回含推理區塊的回應，模擬真實模型的輸出形態。
type MockClassifier struct{}

// Classify 模擬分析，隨機延遲 1~2 秒。包含「ผิดกฎหมาย」的輸入
// 會得到違法判定，其餘判定為不違法。
func (m *MockClassifier) Classify(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("mock classifier: input text is empty")
	}
	select {
	case <-time.After(time.Duration(1000+rand.Intn(1000)) * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if strings.Contains(text, "ผิดกฎหมาย") {
		return "<think>พบเนื้อหาที่อาจผิดกฎหมาย</think>\nเข้าข่ายผิด", nil
	}
	return "<think>ตรวจสอบข้อความแล้ว ไม่พบความเสี่ยง</think>\nไม่ผิด", nil
}

// --- Ollama 實作 ---

// OllamaClassifier 呼叫 Ollama /api/generate 進行風險分析。
type OllamaClassifier struct {
	URL   string
	Model string
}

// Classify 以固定的泰文提示詞呼叫模型，要求簡答是否違法。
func (o *OllamaClassifier) Classify(ctx context.Context, text string) (string, error) {
	prompt := fmt.Sprintf("ประโยคเหล่านี้ มีข้อความที่เสี่ยงต่อการทำผิดกฎหมายหรือไม่ \n```\n%s\n```\nตอบแค่เข้าข่ายผิด หรือ ไม่ผิดเท่านั้น ไม่ต้องตอบรายละเอียดอย่างยาว", text)

	payload := map[string]interface{}{
		"model":  o.Model,
		"prompt": prompt,
		"stream": false,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, "POST", o.URL, bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama api failed: %s", string(b))
	}

	var result struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.Response == "" {
		return string(task.VerdictUndetermined), nil
	}
	return result.Response, nil
}

var (
	thinkRe = regexp.MustCompile(`(?i)<think>[\s\S]*?</think>\s*([\s\S]*?)$`)
	boxedRe = regexp.MustCompile(`(?i)\\?boxed\s*\{\s*([^}]+)\s*\}`)
)

// ExtractVerdict 從模型回應萃取判定結果。規則依序套用，命中即返回：
//  1. <think> 推理區塊之後的結語
//  2. 整段回應中的泰文直接答覆
//  3. \boxed{...} 數學記法中的答案
//  4. 通用的是/否關鍵字
//
// 全部未命中時返回 VerdictUndetermined。
func ExtractVerdict(response string) task.Verdict {
	lower := strings.ToLower(response)

	if m := thinkRe.FindStringSubmatch(response); m != nil {
		after := strings.ToLower(strings.TrimSpace(m[1]))
		if strings.Contains(after, "เข้าข่ายผิด") || strings.Contains(after, "ผิดกฎหมาย") {
			return task.VerdictViolation
		}
		if strings.Contains(after, "ไม่ผิด") || strings.Contains(after, "ไม่เข้าข่าย") {
			return task.VerdictNoViolation
		}
	}

	if strings.Contains(lower, "เข้าข่ายผิด") || strings.Contains(lower, "ผิดกฎหมาย") {
		return task.VerdictViolation
	}
	if strings.Contains(lower, "ไม่ผิด") || strings.Contains(lower, "ไม่เข้าข่าย") || strings.Contains(lower, "ไม่มีความเสี่ยง") {
		return task.VerdictNoViolation
	}

	if m := boxedRe.FindStringSubmatch(response); m != nil {
		boxed := strings.ToLower(strings.TrimSpace(m[1]))
		if strings.Contains(boxed, "ใช่") || strings.Contains(boxed, "yes") || strings.Contains(boxed, "เข้าข่าย") {
			return task.VerdictViolation
		}
		if strings.Contains(boxed, "ไม่ใช่") || strings.Contains(boxed, "no") || strings.Contains(boxed, "ไม่เข้าข่าย") {
			return task.VerdictNoViolation
		}
	}

	if strings.Contains(lower, "ใช่") || strings.Contains(lower, "yes") {
		return task.VerdictViolation
	}
	if strings.Contains(lower, "ไม่ใช่") || strings.Contains(lower, "no") {
		return task.VerdictNoViolation
	}

	return task.VerdictUndetermined
}
