package task

// Verdict 風險分析的三值結論，沿用既有系統的泰文字面值作為 wire format。
type Verdict string

const (
	// VerdictViolation 內容有觸法風險（เข้าข่ายผิด）。
	VerdictViolation Verdict = "เข้าข่ายผิด"
	// VerdictNoViolation 內容無觸法風險（ไม่ผิด）。
	VerdictNoViolation Verdict = "ไม่ผิด"
	// VerdictUndetermined 無法從模型回應中判讀結論（ไม่สามารถวิเคราะห์ได้）。
	VerdictUndetermined Verdict = "ไม่สามารถวิเคราะห์ได้"
)
