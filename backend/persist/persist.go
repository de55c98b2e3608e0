package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/shared"
)

// SchemaVersion 状态文件格式版本。版本不符直接拒绝加载，
// 避免旧程序悄悄覆盖新格式的数据。
const SchemaVersion = "1"

var ErrSchemaMismatch = errors.New("state schema version mismatch")

// Load 加载状态文件。文件不存在或为空时返回空状态。
func Load(path string) (domain.ServiceState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.ServiceState{SchemaVersion: SchemaVersion}, nil
		}
		return domain.ServiceState{}, err
	}
	if len(data) == 0 {
		return domain.ServiceState{SchemaVersion: SchemaVersion}, nil
	}

	var state domain.ServiceState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.ServiceState{}, fmt.Errorf("parse state file %s: %w", path, err)
	}
	if state.SchemaVersion != SchemaVersion {
		return domain.ServiceState{}, fmt.Errorf("%w: file has %q, this build expects %q (%s)",
			ErrSchemaMismatch, state.SchemaVersion, SchemaVersion, path)
	}
	return state, nil
}

// Save 原子写入状态文件。
func Save(path string, state domain.ServiceState) error {
	state.SchemaVersion = SchemaVersion
	state.GeneratedAt = time.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return shared.WriteFileAtomic(path, data, 0o644)
}
