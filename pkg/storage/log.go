package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/collective/pkg/log"
)

// RecordLog is one append-only file of CRC-framed records. Appends are
// serialized; replay happens once on open and again on demand for
// compaction.
type RecordLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64
}

// OpenRecordLog opens (or creates) the log at path, truncating any torn
// tail from a previous crash.
func OpenRecordLog(path string) (*RecordLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}

	valid, err := scanFrames(f, func([]byte) error { return nil })
	if err != nil {
		f.Close()
		return nil, err
	}
	truncated, err := truncateTo(path, valid)
	if err != nil {
		f.Close()
		return nil, err
	}
	if truncated {
		lg := log.WithComponent("storage")
		lg.Warn().
			Str("log", path).
			Int64("valid_bytes", valid).
			Msg("dropped torn tail")
	}

	if _, err := f.Seek(valid, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek log %s: %w", path, err)
	}

	return &RecordLog{path: path, f: f, size: valid}, nil
}

// Append durably writes one record. The frame is written in a single
// write call and synced before returning.
func (l *RecordLog) Append(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	frame := encodeFrame(payload)
	if _, err := l.f.Write(frame); err != nil {
		return fmt.Errorf("append to %s: %w", l.path, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", l.path, err)
	}
	l.size += int64(len(frame))
	return nil
}

// Replay streams every valid record to fn from the start of the log.
func (l *RecordLog) Replay(fn func(payload []byte) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open %s for replay: %w", l.path, err)
	}
	defer f.Close()

	_, err = scanFrames(f, fn)
	return err
}

// Rewrite atomically replaces the log contents with the given payloads
// (temp file, sync, rename) and reopens the handle for appends.
func (l *RecordLog) Rewrite(payloads [][]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmpPath := l.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmpPath, err)
	}

	var size int64
	for _, p := range payloads {
		frame := encodeFrame(p)
		if _, err := tmp.Write(frame); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("write %s: %w", tmpPath, err)
		}
		size += int64(len(frame))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	old := l.f
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("swap %s: %w", l.path, err)
	}
	old.Close()

	f, err := os.OpenFile(l.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", l.path, err)
	}
	if _, err := f.Seek(size, 0); err != nil {
		f.Close()
		return fmt.Errorf("seek %s: %w", l.path, err)
	}
	l.f = f
	l.size = size
	return nil
}

// Size returns the current byte size of valid records.
func (l *RecordLog) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Close releases the file handle.
func (l *RecordLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
