package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotatingLog subscribes to a Bus and serializes every event to a
// size-capped, N-file-rotated JSONL file.
type RotatingLog struct {
	dir         string
	baseName    string
	maxBytes    int64
	maxFiles    int

	mu      sync.Mutex
	file    *os.File
	written int64
}

// NewRotatingLog opens (or creates) <dir>/<baseName> for appending.
func NewRotatingLog(dir, baseName string, maxBytes int64, maxFiles int) (*RotatingLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventbus: create log dir %s: %w", dir, err)
	}
	rl := &RotatingLog{dir: dir, baseName: baseName, maxBytes: maxBytes, maxFiles: maxFiles}
	if err := rl.open(); err != nil {
		return nil, err
	}
	return rl, nil
}

func (rl *RotatingLog) path() string { return filepath.Join(rl.dir, rl.baseName) }

func (rl *RotatingLog) open() error {
	f, err := os.OpenFile(rl.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventbus: open %s: %w", rl.path(), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	rl.file = f
	rl.written = info.Size()
	return nil
}

// Subscriber returns a Subscriber bound to this log, for Bus.Subscribe.
func (rl *RotatingLog) Subscriber() Subscriber {
	return func(e Event) {
		rl.write(e)
	}
}

func (rl *RotatingLog) write(e Event) {
	line, err := json.Marshal(e)
	if err != nil {
		return
	}
	line = append(line, '\n')

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.written+int64(len(line)) > rl.maxBytes {
		rl.rotate()
	}
	n, err := rl.file.Write(line)
	if err == nil {
		rl.written += int64(n)
	}
}

// rotate shifts <base>.N -> <base>.N+1 up to maxFiles, then reopens a
// fresh <base> file. Caller must hold rl.mu.
func (rl *RotatingLog) rotate() {
	rl.file.Close()

	for i := rl.maxFiles - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", rl.path(), i)
		dst := fmt.Sprintf("%s.%d", rl.path(), i+1)
		if i+1 > rl.maxFiles {
			os.Remove(src)
			continue
		}
		if _, err := os.Stat(src); err == nil {
			os.Rename(src, dst)
		}
	}
	os.Rename(rl.path(), rl.path()+".1")

	if err := rl.open(); err != nil {
		rl.file = nil
	}
}

// Close releases the underlying file.
func (rl *RotatingLog) Close() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.file == nil {
		return nil
	}
	return rl.file.Close()
}
