package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	logPrefix  = "subtitle-translate-"
	currentLog = logPrefix + "current.txt"
)

// RotatingFile 将日志行写入目录，按大小轮转。
// 当前文件固定为 subtitle-translate-current.txt；写入将超过 maxBytes 时，
// 当前文件改名为 subtitle-translate-<UTC 时间戳>.txt 并重新创建。
type RotatingFile struct {
	dir      string
	maxBytes int64
	mu       sync.Mutex
	f        *os.File
	size     int64
}

func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &RotatingFile{dir: dir, maxBytes: maxBytes}
}

// WriteLine 追加一行（自动补换行）。
func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.open(); err != nil {
		return err
	}
	n := int64(len(b) + 1)
	if w.size > 0 && w.size+n > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	written, err := w.f.Write(append(b, '\n'))
	w.size += int64(written)
	return err
}

func (w *RotatingFile) open() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, currentLog), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.size = 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f == nil {
		return w.open()
	}
	cur := w.f.Name()
	_ = w.f.Close()
	w.f = nil
	// 纳秒时间戳，避免同秒覆盖
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	if err := os.Rename(cur, filepath.Join(w.dir, fmt.Sprintf("%s%s.txt", logPrefix, ts))); err != nil {
		return fmt.Errorf("rename rotated log: %w", err)
	}
	return w.open()
}

// Close 关闭当前文件句柄。
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
