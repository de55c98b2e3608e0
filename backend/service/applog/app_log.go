// Package applog 提供应用日志文件的增量读取，供前端轮询展示。
package applog

import (
	"errors"
	"io"
	"os"
	"time"
)

// 单次返回的最大字节数，轮询方用 To 作为下次的 since 继续读。
const maxChunkBytes int64 = 512 * 1024

// Chunk 日志文件的一段增量内容。
// From/To 是本段在文件中的字节偏移，Size 是当前文件总长。
// 文件被截断轮转后偏移会回退，此时 Rotated 为 true，读取从头开始。
type Chunk struct {
	Path      string `json:"path,omitempty"`
	StartedAt string `json:"startedAt,omitempty"`

	From    int64  `json:"from"`
	To      int64  `json:"to"`
	Size    int64  `json:"size"`
	Rotated bool   `json:"rotated"`
	Text    string `json:"text"`

	Error string `json:"error,omitempty"`
}

// ReadSince 读取 since 偏移之后的日志内容。
// 读取失败不返回 error 而是记录在 Chunk.Error 上，轮询接口始终有响应体。
func ReadSince(path string, since int64, startedAt time.Time) Chunk {
	chunk := Chunk{Path: path}
	if !startedAt.IsZero() {
		chunk.StartedAt = startedAt.Format(time.RFC3339Nano)
	}
	if path == "" {
		return chunk
	}

	if err := readWindow(path, since, maxChunkBytes, &chunk); err != nil {
		chunk.Error = err.Error()
	}
	return chunk
}

func readWindow(path string, since, maxBytes int64, chunk *Chunk) error {
	if since < 0 {
		since = 0
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	chunk.Size = st.Size()

	chunk.From = since
	if chunk.From > chunk.Size {
		chunk.From = 0
		chunk.Rotated = true
	}
	chunk.To = chunk.From

	remaining := chunk.Size - chunk.From
	if remaining <= 0 {
		return nil
	}
	if remaining > maxBytes {
		remaining = maxBytes
	}

	if _, err := f.Seek(chunk.From, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(f, remaining))
	if err != nil {
		return err
	}
	chunk.To = chunk.From + int64(len(data))
	chunk.Text = string(data)
	return nil
}
