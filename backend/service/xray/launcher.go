package xray

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// launcher 抽象进程生命周期，测试里用 fake 替换。
type launcher interface {
	Start(binaryPath, configPath string) (*ProcessHandle, error)
	Stop(handle *ProcessHandle) error
	Wait(handle *ProcessHandle) error
	WaitForReady(handle *ProcessHandle, timeout time.Duration) error
}

type processLauncher struct{}

func (l *processLauncher) Start(binaryPath, configPath string) (*ProcessHandle, error) {
	// Xray CLI 使用 `run -c <config>`。
	cmd := exec.Command(binaryPath, "run", "-c", configPath)
	cmd.Dir = filepath.Dir(configPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	// 将二进制所在目录添加到 PATH（用于加载插件）
	cmd.Env = prependPath(os.Environ(), filepath.Dir(binaryPath))

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn xray: %w", err)
	}

	return &ProcessHandle{
		Cmd:        cmd,
		ConfigPath: configPath,
		BinaryPath: binaryPath,
		StartedAt:  time.Now(),
	}, nil
}

func (l *processLauncher) Stop(handle *ProcessHandle) error {
	if handle == nil || handle.Cmd == nil || handle.Cmd.Process == nil {
		return nil
	}

	// 优先优雅退出，避免留下半写入的状态文件/日志。
	if runtime.GOOS == "windows" {
		_ = handle.Cmd.Process.Kill()
	} else {
		_ = handle.Cmd.Process.Signal(syscall.SIGTERM)
	}

	// 守护协程持有 Wait，这里只等 Done，避免重复 Wait
	if handle.Done != nil {
		select {
		case <-handle.Done:
			return nil
		case <-time.After(5 * time.Second):
		}
		_ = handle.Cmd.Process.Kill()
		<-handle.Done
		return nil
	}

	exited := make(chan struct{})
	go func() {
		_ = handle.Cmd.Wait()
		close(exited)
	}()
	select {
	case <-exited:
		return nil
	case <-time.After(5 * time.Second):
	}
	_ = handle.Cmd.Process.Kill()
	<-exited
	return nil
}

func (l *processLauncher) Wait(handle *ProcessHandle) error {
	if handle == nil || handle.Cmd == nil {
		return nil
	}
	return handle.Cmd.Wait()
}

func (l *processLauncher) WaitForReady(handle *ProcessHandle, timeout time.Duration) error {
	if handle.Port <= 0 {
		time.Sleep(500 * time.Millisecond)
		return nil
	}

	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", handle.Port)

	for time.Now().Before(deadline) {
		// 不用 Dial 做 readiness probe：Dial 会制造一次“入站连接后立刻断开”，
		// 在 debug 日志下很吵。用 Listen 探测端口是否已被占用即可。
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			if errors.Is(err, syscall.EADDRINUSE) {
				return nil
			}
		} else {
			_ = ln.Close()
		}

		// 进程提前退出就不必等到超时
		if handle.Done != nil {
			select {
			case <-handle.Done:
				return errors.New("process exited before listening")
			case <-time.After(100 * time.Millisecond):
			}
		} else {
			time.Sleep(100 * time.Millisecond)
		}
	}

	return fmt.Errorf("timeout waiting for port %d", handle.Port)
}

// prependPath 将目录添加到 PATH 环境变量的前面
func prependPath(env []string, dir string) []string {
	for i, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			env[i] = "PATH=" + dir + string(os.PathListSeparator) + e[5:]
			return env
		}
	}
	return append(env, "PATH="+dir)
}
