// Package supervisor 管理多個子服務行程：依序啟動、合併輸出、
// 異常退出時以指數退避重啟，收到關閉信號時反向送出 SIGTERM。
package supervisor

import (
	"bufio"
	"context"
	"io"
	"log"
	"math"
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	baseRestartDelay = 1 * time.Second
	maxRestartDelay  = 30 * time.Second

	// 行程存活超過此時間即視為健康，重啟計數歸零
	stableUptime = 60 * time.Second

	// SIGTERM 後等待行程自行退出的時限，逾時強制 SIGKILL
	terminateTimeout = 10 * time.Second
)

// Process 受監管的子行程定義。
type Process struct {
	Name    string
	Command string
	Args    []string
	Env     []string // 追加於現有環境變數之後
}

// Supervisor 子行程監管者。
type Supervisor struct {
	procs []Process

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// New 建立監管者。procs 的順序即啟動順序，關閉時反向終止，
// 確保佇列服務先於 Worker 啟動、晚於 Worker 結束。
func New(procs ...Process) *Supervisor {
	return &Supervisor{
		procs:   procs,
		running: make(map[string]*exec.Cmd),
	}
}

// Run 啟動所有行程並阻塞至 ctx 取消、全部行程終止後返回。
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range s.procs {
		wg.Add(1)
		go func(p Process) {
			defer wg.Done()
			s.supervise(ctx, p)
		}(p)
		// 稍作間隔，讓前面的服務先完成啟動
		time.Sleep(500 * time.Millisecond)
	}

	<-ctx.Done()
	s.terminate()
	wg.Wait()
	log.Println("All services stopped")
}

// supervise 單一行程的生命週期迴圈：啟動、等待、退避重啟。
func (s *Supervisor) supervise(ctx context.Context, p Process) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		cmd := exec.Command(p.Command, p.Args...)
		cmd.Env = append(os.Environ(), p.Env...)

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			log.Printf("[%s] failed to open stdout pipe: %v", p.Name, err)
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			log.Printf("[%s] failed to open stderr pipe: %v", p.Name, err)
			return
		}
		go forward(p.Name, stdout)
		go forward(p.Name, stderr)

		started := time.Now()
		if err := cmd.Start(); err != nil {
			log.Printf("[%s] failed to start: %v", p.Name, err)
		} else {
			log.Printf("[%s] started (pid %d)", p.Name, cmd.Process.Pid)
			s.register(p.Name, cmd)
			err = cmd.Wait()
			s.unregister(p.Name)

			if ctx.Err() != nil {
				log.Printf("[%s] stopped", p.Name)
				return
			}
			log.Printf("[%s] exited unexpectedly: %v", p.Name, err)
			if time.Since(started) > stableUptime {
				attempt = 0
			}
		}

		delay := backoffDelay(attempt)
		attempt++
		log.Printf("[%s] restarting in %s", p.Name, delay.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// terminate 反向送出 SIGTERM，逾時未退出者強制 SIGKILL。
func (s *Supervisor) terminate() {
	s.mu.Lock()
	var cmds []*exec.Cmd
	for i := len(s.procs) - 1; i >= 0; i-- {
		if cmd, ok := s.running[s.procs[i].Name]; ok {
			cmds = append(cmds, cmd)
		}
	}
	s.mu.Unlock()

	for _, cmd := range cmds {
		if cmd.Process != nil {
			cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	deadline := time.After(terminateTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			s.mu.Lock()
			for name, cmd := range s.running {
				log.Printf("[%s] did not exit in time, killing", name)
				if cmd.Process != nil {
					cmd.Process.Kill()
				}
			}
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.mu.Lock()
			n := len(s.running)
			s.mu.Unlock()
			if n == 0 {
				return
			}
		}
	}
}

func (s *Supervisor) register(name string, cmd *exec.Cmd) {
	s.mu.Lock()
	s.running[name] = cmd
	s.mu.Unlock()
}

func (s *Supervisor) unregister(name string) {
	s.mu.Lock()
	delete(s.running, name)
	s.mu.Unlock()
}

// forward 將子行程輸出逐行轉寫，加上 [name] 前綴方便在合併日誌中辨識。
func forward(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Printf("[%s] %s", name, scanner.Text())
	}
}

// backoffDelay 計算指數退避延遲，含 jitter 防止踩踏效應。
func backoffDelay(attempt int) time.Duration {
	exp := math.Min(
		float64(baseRestartDelay)*math.Pow(2, float64(attempt)),
		float64(maxRestartDelay),
	)
	jitter := rand.Float64() * exp * 0.5
	return time.Duration(exp + jitter)
}
