package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Fallback is the last-resort sink for records the store would not take.
type Fallback interface {
	Write(rec *Record) error
}

// FileFallback appends records as JSON lines and fsyncs after each one.
type FileFallback struct {
	mu   sync.Mutex
	path string
}

// NewFileFallback creates the parent directory if needed. The file itself
// is opened per write so an operator can rotate it.
func NewFileFallback(path string) (*FileFallback, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("audit: fallback dir: %w", err)
	}
	return &FileFallback{path: path}, nil
}

func (f *FileFallback) Path() string { return f.path }

func (f *FileFallback) Write(rec *Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: fallback encode: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("audit: fallback open: %w", err)
	}
	if _, err := file.Write(line); err != nil {
		_ = file.Close()
		return fmt.Errorf("audit: fallback write: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("audit: fallback sync: %w", err)
	}
	return file.Close()
}

// ReadFallback decodes every record in a fallback log, in write order.
func ReadFallback(r io.Reader) ([]*Record, error) {
	var out []*Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return out, fmt.Errorf("audit: fallback line %d: %w", line, err)
		}
		out = append(out, &rec)
	}
	return out, sc.Err()
}
