package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// queuectl 佇列營運工具：透過佇列服務的 HTTP API 檢視統計、
// 管理任務與觸發管理操作。
//
// 用法：
//
//	queuectl [-url http://localhost:8002] <command> [args]
//
// 指令：
//
//	stats                     顯示佇列統計
//	list [-status s] [-type t] [-limit n]
//	show <task-id>            顯示任務細節
//	cancel <task-id>          取消佇列中的任務
//	retry <task-id>           重新入列失敗的任務
//	backup                    立即備份
//	cleanup                   清理卡死任務
//	watch [-interval n]       即時監看統計
func main() {
	baseURL := flag.String("url", "http://localhost:8002", "queue service base URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	c := &client{base: strings.TrimRight(*baseURL, "/")}

	var err error
	switch args[0] {
	case "stats":
		err = c.stats()
	case "list":
		err = c.list(args[1:])
	case "show":
		err = withTaskID(args, c.show)
	case "cancel":
		err = withTaskID(args, c.cancel)
	case "retry":
		err = withTaskID(args, c.retry)
	case "backup":
		err = c.backup()
	case "cleanup":
		err = c.cleanup()
	case "watch":
		err = c.watch(args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: queuectl [-url URL] <stats|list|show|cancel|retry|backup|cleanup|watch> [args]")
}

func withTaskID(args []string, fn func(string) error) error {
	if len(args) < 2 {
		return fmt.Errorf("task id is required")
	}
	return fn(args[1])
}

type client struct {
	base string
}

// apiError 服務端的錯誤回應主體。
type apiError struct {
	Detail string `json:"detail"`
}

func (c *client) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var body apiError
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Detail != "" {
			return fmt.Errorf("%s", body.Detail)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type statsResponse struct {
	TotalTasks      int64      `json:"total_tasks"`
	QueuedTasks     int64      `json:"queued_tasks"`
	ProcessingTasks int64      `json:"processing_tasks"`
	CompletedTasks  int64      `json:"completed_tasks"`
	FailedTasks     int64      `json:"failed_tasks"`
	CancelledTasks  int64      `json:"cancelled_tasks"`
	UptimeSeconds   float64    `json:"uptime_seconds"`
	LastBackup      *time.Time `json:"last_backup"`
	RedisConnected  bool       `json:"redis_connected"`
}

func (c *client) stats() error {
	var s statsResponse
	if err := c.do("GET", "/stats", &s); err != nil {
		return err
	}
	printStats(&s)
	return nil
}

func printStats(s *statsResponse) {
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("QUEUE SERVICE STATISTICS - %s\n", time.Now().Format("2006-01-02 15:04:05"))
	fmt.Println(strings.Repeat("=", 60))
	connected := "✗"
	if s.RedisConnected {
		connected = "✓"
	}
	fmt.Printf("Redis Connected: %s\n", connected)
	fmt.Printf("Uptime: %s\n", (time.Duration(s.UptimeSeconds) * time.Second).String())
	lastBackup := "Never"
	if s.LastBackup != nil {
		lastBackup = s.LastBackup.Format("2006-01-02 15:04:05")
	}
	fmt.Printf("Last Backup: %s\n", lastBackup)
	fmt.Println("\nTask Counts:")
	fmt.Printf("  Total Tasks: %d\n", s.TotalTasks)
	fmt.Printf("  Queued: %d\n", s.QueuedTasks)
	fmt.Printf("  Processing: %d\n", s.ProcessingTasks)
	fmt.Printf("  Completed: %d\n", s.CompletedTasks)
	fmt.Printf("  Failed: %d\n", s.FailedTasks)
	fmt.Printf("  Cancelled: %d\n", s.CancelledTasks)
	if done := s.CompletedTasks + s.FailedTasks; done > 0 {
		fmt.Printf("  Success Rate: %.1f%%\n", float64(s.CompletedTasks)/float64(done)*100)
	}
	fmt.Println(strings.Repeat("=", 60))
}

type taskItem struct {
	TaskID       string         `json:"task_id"`
	TaskType     string         `json:"task_type"`
	Status       string         `json:"status"`
	Progress     float64        `json:"progress"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at"`
	Result       map[string]any `json:"result"`
	ErrorMessage string         `json:"error_message"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
}

func (c *client) list(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "filter by status")
	taskType := fs.String("type", "", "filter by task type")
	limit := fs.Int("limit", 10, "limit number of results")
	fs.Parse(args)

	q := url.Values{}
	if *status != "" {
		q.Set("status", *status)
	}
	if *taskType != "" {
		q.Set("task_type", *taskType)
	}
	q.Set("limit", fmt.Sprint(*limit))

	var resp struct {
		Tasks []taskItem `json:"tasks"`
		Total int        `json:"total"`
	}
	if err := c.do("GET", "/tasks?"+q.Encode(), &resp); err != nil {
		return err
	}

	fmt.Printf("\nLIST OF TASKS (limit: %d)\n", *limit)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK ID\tTYPE\tSTATUS\tCREATED\tPROGRESS")
	for _, t := range resp.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\n",
			t.TaskID, t.TaskType, t.Status,
			t.CreatedAt.Format("2006-01-02 15:04:05"), t.Progress*100)
	}
	return w.Flush()
}

func (c *client) show(taskID string) error {
	var t taskItem
	if err := c.do("GET", "/tasks/"+taskID, &t); err != nil {
		return err
	}

	fmt.Printf("\nTASK DETAILS: %s\n", t.TaskID)
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Type: %s\n", t.TaskType)
	fmt.Printf("Status: %s\n", t.Status)
	fmt.Printf("Created: %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.StartedAt != nil {
		fmt.Printf("Started: %s\n", t.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
		if t.StartedAt != nil {
			fmt.Printf("Duration: %s\n", t.CompletedAt.Sub(*t.StartedAt).Round(time.Second))
		}
	}
	fmt.Printf("Progress: %.0f%%\n", t.Progress*100)
	fmt.Printf("Retry Count: %d/%d\n", t.RetryCount, t.MaxRetries)
	if t.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", t.ErrorMessage)
	}
	if t.Result != nil {
		pretty, err := json.MarshalIndent(t.Result, "", "  ")
		if err == nil {
			fmt.Println("Result:")
			fmt.Println(string(pretty))
		}
	}
	return nil
}

func (c *client) cancel(taskID string) error {
	if err := c.do("DELETE", "/tasks/"+taskID, nil); err != nil {
		return err
	}
	fmt.Printf("Task %s cancelled successfully\n", taskID)
	return nil
}

func (c *client) retry(taskID string) error {
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.do("POST", "/admin/tasks/"+taskID+"/retry", &resp); err != nil {
		return err
	}
	fmt.Println(resp.Message)
	return nil
}

func (c *client) backup() error {
	fmt.Println("Forcing backup...")
	if err := c.do("POST", "/admin/backup", nil); err != nil {
		return err
	}
	fmt.Println("Backup completed successfully")
	return nil
}

func (c *client) cleanup() error {
	var resp struct {
		CleanedTasks []string `json:"cleaned_tasks"`
	}
	if err := c.do("POST", "/admin/cleanup-stuck-tasks", &resp); err != nil {
		return err
	}
	fmt.Printf("Stuck tasks cleanup completed (%d tasks)\n", len(resp.CleanedTasks))
	return nil
}

func (c *client) watch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	interval := fs.Int("interval", 5, "refresh interval in seconds")
	fs.Parse(args)

	fmt.Printf("Watching queue (refresh every %ds, Ctrl+C to stop)...\n", *interval)
	for {
		var s statsResponse
		if err := c.do("GET", "/stats", &s); err != nil {
			return err
		}
		// 清除螢幕後重繪
		fmt.Print("\033[2J\033[H")
		printStats(&s)
		fmt.Printf("\nRefreshing in %ds... (Ctrl+C to stop)\n", *interval)
		time.Sleep(time.Duration(*interval) * time.Second)
	}
}
