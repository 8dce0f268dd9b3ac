package activity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	now := time.Unix(1700000000, 0)
	key := IndexKey(now, "1")
	body, _ := json.Marshal(map[string]any{"path": "/tmp/x"})
	if err := s.Put(Record{Kind: KindDecision, Key: key, Body: body}); err != nil {
		t.Fatalf("put: %v", err)
	}

	recs, err := s.Scan(KindDecision)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(recs) != 1 || recs[0].Key != key {
		t.Fatalf("expected 1 record with key %q, got %+v", key, recs)
	}
}

func TestStoreScanChronologicalOrder(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStore(filepath.Join(dir, "store.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	t1 := time.Unix(1000, 0)
	t2 := time.Unix(2000, 0)
	s.Put(Record{Kind: KindError, Key: IndexKey(t2, "a"), Body: json.RawMessage(`{}`)})
	s.Put(Record{Kind: KindError, Key: IndexKey(t1, "b"), Body: json.RawMessage(`{}`)})

	recs, err := s.Scan(KindError)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(recs) != 2 || recs[0].Key != IndexKey(t1, "b") {
		t.Fatalf("expected chronological order, got %+v", recs)
	}
}

func TestJournalAppendAndFlush(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenJournal(filepath.Join(dir, "journal.jsonl"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	for i := 0; i < 5; i++ {
		if err := j.Append(JournalEntry{Timestamp: time.Unix(int64(i), 0), Kind: KindDeletion, Body: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestLoggerEmitIsNonBlockingWhenFull(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(filepath.Join(dir, "store.db"), filepath.Join(dir, "journal.jsonl"))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer l.Close()

	for i := 0; i < channelCapacity*2; i++ {
		l.Emit(KindDecision, IndexKey(time.Now(), "x"), json.RawMessage(`{}`), time.Now())
	}
	// Must return without blocking or panicking regardless of drop count.
}

func TestLoggerDegradesWithoutPanicOnMissingPaths(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := writeFile(blocker, "x"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	// Any path nested under a regular file cannot be created as a directory.
	badStore := filepath.Join(blocker, "nested", "store.db")
	badJournal := filepath.Join(blocker, "nested", "journal.jsonl")

	l, err := NewLogger(badStore, badJournal)
	if err != nil {
		t.Fatalf("expected construction to succeed even with unusable paths, got %v", err)
	}
	defer l.Close()

	if l.Level() == LevelFull {
		t.Fatal("expected degraded level when both store and journal paths are unusable")
	}
	l.Emit(KindError, "k", json.RawMessage(`{}`), time.Now())
}
