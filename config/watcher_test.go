// 文件监听器测试。
package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewFileWatcher_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(f, []byte("key: val"), 0644))

	w, err := NewFileWatcher([]string{f})
	require.NoError(t, err)

	assert.Equal(t, []string{f}, w.Paths())
	assert.False(t, w.IsRunning())
	assert.Equal(t, time.Second, w.pollInterval)
	assert.Equal(t, 100*time.Millisecond, w.debounceDelay)
}

func TestNewFileWatcher_WithOptions(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(f, []byte("key: val"), 0644))

	logger := zap.NewNop()
	w, err := NewFileWatcher([]string{f},
		WithDebounceDelay(30*time.Millisecond),
		WithPollInterval(20*time.Millisecond),
		WithWatcherLogger(logger),
	)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Millisecond, w.debounceDelay)
	assert.Equal(t, 20*time.Millisecond, w.pollInterval)
}

func TestNewFileWatcher_NonExistentPath(t *testing.T) {
	// 不存在的文件只告警，不报错（等待文件被创建）
	w, err := NewFileWatcher([]string{"/non/existent/config.yaml"})
	require.NoError(t, err)
	assert.NotNil(t, w)
}

func TestFileWatcher_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(f, []byte("key: val"), 0644))

	w, err := NewFileWatcher([]string{f}, WithDebounceDelay(50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	assert.False(t, w.IsRunning())

	require.NoError(t, w.Start(ctx))
	assert.True(t, w.IsRunning())

	// 重复启动应该报错
	err = w.Start(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())

	// 已停止后再次 Stop 是空操作
	require.NoError(t, w.Stop())
}

func TestFileWatcher_DetectsWrite(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(f, []byte("v1"), 0644))

	w, err := NewFileWatcher([]string{f},
		WithPollInterval(20*time.Millisecond),
		WithDebounceDelay(30*time.Millisecond),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var events []FileEvent
	w.OnChange(func(evt FileEvent) {
		mu.Lock()
		events = append(events, evt)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop() })

	// 等待监听器初始化
	time.Sleep(100 * time.Millisecond)

	// 修改文件
	require.NoError(t, os.WriteFile(f, []byte("v2"), 0644))

	// 等待轮询 + 去抖
	time.Sleep(500 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(events), 1, "should detect at least one change")
	assert.Equal(t, f, events[0].Path)
	assert.Equal(t, FileOpWrite, events[0].Op)
}

func TestFileWatcher_DetectsCreateAndRemove(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "late.yaml")

	// 文件尚不存在
	w, err := NewFileWatcher([]string{f},
		WithPollInterval(20*time.Millisecond),
		WithDebounceDelay(30*time.Millisecond),
	)
	require.NoError(t, err)

	var mu sync.Mutex
	var ops []FileOp
	w.OnChange(func(evt FileEvent) {
		mu.Lock()
		ops = append(ops, evt.Op)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop() })

	// 创建文件
	require.NoError(t, os.WriteFile(f, []byte("v1"), 0644))
	time.Sleep(300 * time.Millisecond)

	// 删除文件
	require.NoError(t, os.Remove(f))
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(ops), 2)
	assert.Equal(t, FileOpCreate, ops[0])
	assert.Equal(t, FileOpRemove, ops[len(ops)-1])
}

func TestFileWatcher_CoalescesSamePath(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "coalesce.yaml")
	require.NoError(t, os.WriteFile(f, []byte("v0"), 0644))

	w, err := NewFileWatcher([]string{f}, WithDebounceDelay(50*time.Millisecond))
	require.NoError(t, err)

	var mu sync.Mutex
	callCount := 0
	w.OnChange(func(evt FileEvent) {
		mu.Lock()
		callCount++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() { w.Stop() })

	// same path 的连续事件应合并为一次分发
	for i := 0; i < 3; i++ {
		w.eventChan <- FileEvent{
			Path:      f,
			Op:        FileOpWrite,
			Timestamp: time.Now(),
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, callCount,
		"events for the same path should be coalesced into a single dispatch")
}

func TestFileWatcher_ContextCancel(t *testing.T) {
	tmpDir := t.TempDir()
	f := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(f, []byte("v1"), 0644))

	w, err := NewFileWatcher([]string{f}, WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	var mu sync.Mutex
	callCount := 0
	w.OnChange(func(evt FileEvent) {
		mu.Lock()
		callCount++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))

	// 取消上下文后事件不再分发
	cancel()
	time.Sleep(50 * time.Millisecond)

	w.eventChan <- FileEvent{Path: f, Op: FileOpWrite, Timestamp: time.Now()}
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, callCount)
}

func TestFileOp_String(t *testing.T) {
	tests := []struct {
		op       FileOp
		expected string
	}{
		{FileOpCreate, "CREATE"},
		{FileOpWrite, "WRITE"},
		{FileOpRemove, "REMOVE"},
		{FileOp(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.op.String())
		})
	}
}
