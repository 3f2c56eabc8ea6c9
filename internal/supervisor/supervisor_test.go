package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStopsProcessesOnCancel(t *testing.T) {
	s := New(Process{Name: "sleeper", Command: "sleep", Args: []string{"60"}})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.running) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(terminateTimeout + 5*time.Second):
		t.Fatal("supervisor did not stop after context cancellation")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.running)
}

func TestCrashedProcessIsRestarted(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "runs")
	s := New(Process{
		Name:    "flaky",
		Command: "sh",
		Args:    []string{"-c", fmt.Sprintf("echo run >> %s; exit 1", marker)},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)

	// 每次啟動都會在 marker 檔追加一行，兩行以上代表發生過重啟
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(marker)
		return err == nil && strings.Count(string(data), "run") >= 2
	}, 15*time.Second, 50*time.Millisecond)
}

func TestBackoffDelayBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, baseRestartDelay)
		assert.LessOrEqual(t, d, maxRestartDelay+maxRestartDelay/2)
	}
}
