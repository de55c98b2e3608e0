package shared

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// EnvUserDataDir 强制后端使用指定的数据目录（便于多实例与测试）。
	EnvUserDataDir = "XMPM_USER_DATA_DIR"

	appDirName = "Xray-Multi-Port-Manager"
)

// UserDataRoot returns the per-user data root directory.
//
// Default (no EnvUserDataDir):
// - Linux: ~/.config/Xray-Multi-Port-Manager
// - macOS: ~/Library/Application Support/Xray-Multi-Port-Manager
// - Windows: %APPDATA%\Xray-Multi-Port-Manager
func UserDataRoot() string {
	if configured := strings.TrimSpace(os.Getenv(EnvUserDataDir)); configured != "" {
		return absPath(configured)
	}

	base, err := os.UserConfigDir()
	if err == nil && strings.TrimSpace(base) != "" {
		return absPath(filepath.Join(base, appDirName))
	}

	home, err := os.UserHomeDir()
	if err == nil && strings.TrimSpace(home) != "" {
		return absPath(filepath.Join(home, "."+strings.ToLower(appDirName)))
	}

	if tmp := strings.TrimSpace(os.TempDir()); tmp != "" {
		return absPath(filepath.Join(tmp, appDirName))
	}

	return ""
}

func DefaultStatePath() string {
	root := UserDataRoot()
	if strings.TrimSpace(root) == "" {
		// Extremely unlikely; keep a relative path as the last fallback.
		return "data/app_state.json"
	}
	return filepath.Join(root, "data", "app_state.json")
}

// DefaultRuntimeDir 每个节点进程的配置与日志落在这里。
func DefaultRuntimeDir() string {
	root := UserDataRoot()
	if strings.TrimSpace(root) == "" {
		return "runtime"
	}
	return filepath.Join(root, "runtime")
}

func absPath(path string) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
