// Package history records the statements sent to the engine.
//
// FileLog writes a replayable script; SQLiteLog keeps every statement with
// its session id and time so past sessions can be inspected.
package history

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileLog appends statements to a text file, one per line.
type FileLog struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// CreateFile opens path for appending, creating parent directories.
func CreateFile(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("history: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	return &FileLog{f: f, w: bufio.NewWriter(f)}, nil
}

// Record writes the statement and flushes, so the file shows the last
// statement even if the engine dies on it.
func (l *FileLog) Record(_, statement string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.WriteString(strings.TrimRight(statement, "\n") + "\n"); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// Entry is one recorded statement.
type Entry struct {
	ID        int64     `json:"id"`
	Session   string    `json:"session"`
	Statement string    `json:"statement"`
	Time      time.Time `json:"time"`
}

// Recorder is anything that can take a statement.
type Recorder interface {
	Record(session, statement string) error
}

// Tee records to every recorder in order and joins their errors.
type Tee []Recorder

func (t Tee) Record(session, statement string) error {
	var errs []error
	for _, r := range t {
		if err := r.Record(session, statement); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
