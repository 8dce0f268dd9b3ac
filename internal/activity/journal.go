package activity

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// rotationSize is the journal file size that triggers rotation.
	rotationSize = 100 << 20 // 100 MiB

	// maxGenerations is how many rotated journal files are retained.
	maxGenerations = 5

	// fsyncInterval bounds how long unflushed writes may linger.
	fsyncInterval = 10 * time.Second
)

// JournalEntry is one line of the append-only journal.
type JournalEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	Body      json.RawMessage `json:"body"`
}

// Journal is an append-only JSON-lines file with size-based rotation and
// periodic fsync, independent of the indexed store so sequential history
// survives even when the indexed store is unavailable.
type Journal struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	writer    *bufio.Writer
	size      int64
	lastFsync time.Time
}

// OpenJournal opens (creating if necessary) the journal file at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("activity: mkdir journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("activity: open journal %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("activity: stat journal %q: %w", path, err)
	}
	return &Journal{
		path:      path,
		file:      f,
		writer:    bufio.NewWriter(f),
		size:      info.Size(),
		lastFsync: time.Now(),
	}, nil
}

// Append writes one entry as a single JSON-lines record, assembled fully
// in memory before one write call (no partial-line writes observable by
// a concurrent reader).
func (j *Journal) Append(entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("activity: marshal journal entry: %w", err)
	}
	line = append(line, '\n')

	if j.size+int64(len(line)) > rotationSize {
		if err := j.rotateLocked(); err != nil {
			return err
		}
	}

	n, err := j.writer.Write(line)
	if err != nil {
		return fmt.Errorf("activity: write journal entry: %w", err)
	}
	j.size += int64(n)

	if time.Since(j.lastFsync) >= fsyncInterval {
		if err := j.flushLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) flushLocked() error {
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("activity: flush journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("activity: fsync journal: %w", err)
	}
	j.lastFsync = time.Now()
	return nil
}

// Flush forces a buffer flush and fsync, used on graceful shutdown.
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

// rotateLocked closes the current file, shifts generations .5 -> deleted,
// .4->.5, ..., .1->.2, current->.1, and reopens a fresh file at path. Caller must
// hold j.mu.
func (j *Journal) rotateLocked() error {
	if err := j.flushLocked(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("activity: close journal for rotation: %w", err)
	}

	oldest := fmt.Sprintf("%s.%d", j.path, maxGenerations)
	os.Remove(oldest)
	for gen := maxGenerations - 1; gen >= 1; gen-- {
		from := fmt.Sprintf("%s.%d", j.path, gen)
		to := fmt.Sprintf("%s.%d", j.path, gen+1)
		if _, err := os.Stat(from); err == nil {
			os.Rename(from, to)
		}
	}
	os.Rename(j.path, j.path+".1")

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("activity: reopen journal after rotation: %w", err)
	}
	j.file = f
	j.writer = bufio.NewWriter(f)
	j.size = 0
	j.lastFsync = time.Now()
	return nil
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.flushLocked(); err != nil {
		return err
	}
	return j.file.Close()
}
