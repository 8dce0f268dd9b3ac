package scanner

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWalkSkipsSymlinkTargets(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	if err := os.MkdirAll(target, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "f.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	nodes, err := Walk(WalkOptions{Roots: []string{dir}, Parallelism: 2})
	if err != nil {
		t.Fatal(err)
	}

	for _, n := range nodes {
		if n.Path == link && n.IsDir {
			t.Fatal("walker must not follow symlink into directory contents")
		}
		if n.Path == filepath.Join(link, "f.txt") {
			t.Fatal("walker must never descend through a symlink")
		}
	}
}

func TestWalkCrossDeviceGuardDefaultOff(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	nodes, err := Walk(WalkOptions{Roots: []string{dir}, CrossDevice: false, Parallelism: 2})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, n := range nodes {
		if n.Path == sub {
			found = true
		}
	}
	if !found {
		t.Fatal("expected same-device subdirectory to be walked")
	}
}

func TestIndexUnchangedAcrossIdenticalBuilds(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "a"), 0755); err != nil {
		t.Fatal(err)
	}
	nodes, err := Walk(WalkOptions{Roots: []string{dir}, Parallelism: 2})
	if err != nil {
		t.Fatal(err)
	}

	idx1 := NewIndex()
	idx1.Build(nodes)
	idx2 := NewIndex()
	idx2.Build(nodes)

	if !idx2.Unchanged(idx1, filepath.Join(dir, "a")) {
		t.Fatal("expected identical metadata to produce identical subtree hash")
	}
}

func TestIndexCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	nodes, err := Walk(WalkOptions{Roots: []string{dir}, Parallelism: 1})
	if err != nil {
		t.Fatal(err)
	}
	idx := NewIndex()
	idx.Build(nodes)

	cpPath := filepath.Join(dir, "checkpoint.json")
	if err := idx.SaveCheckpoint(cpPath); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadCheckpoint(cpPath)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Health() != HealthOK {
		t.Fatalf("expected OK health on clean checkpoint, got %v", loaded.Health())
	}
}

func TestLoadCheckpointCorruptionDemotesHealth(t *testing.T) {
	dir := t.TempDir()
	cpPath := filepath.Join(dir, "checkpoint.json")
	if err := os.WriteFile(cpPath, []byte(`{"version":1,"nodes":[{"path":"/x"}],"integrity_sha256":"deadbeef"}`), 0644); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadCheckpoint(cpPath)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Health() != HealthCorrupt {
		t.Fatalf("expected Corrupt health on bad integrity hash, got %v", loaded.Health())
	}
}
