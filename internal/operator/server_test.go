package operator

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeCommands struct{}

func (fakeCommands) Scan(ctx context.Context, root string) (ScanResult, error) {
	return ScanResult{Root: root, NodesWalked: 42}, nil
}
func (fakeCommands) Clean(ctx context.Context, dryRun bool) (CleanResult, error) {
	return CleanResult{Deleted: 1, DryRun: dryRun}, nil
}
func (fakeCommands) Emergency(ctx context.Context, roots []string, targetFreePct float64) (CleanResult, error) {
	return CleanResult{Deleted: 5}, nil
}
func (fakeCommands) Check(ctx context.Context, path string, needBytes int64, targetFreePct float64) (CheckResult, error) {
	return CheckResult{Path: path, Verdict: "ok"}, nil
}
func (fakeCommands) Ballast(ctx context.Context, volumeRoot, op string) (BallastResult, error) {
	return BallastResult{VolumeRoot: volumeRoot, Count: 3}, nil
}
func (fakeCommands) Protect(path string) error   { return nil }
func (fakeCommands) Unprotect(path string) error { return nil }
func (fakeCommands) ListProtected() []string     { return []string{"/a"} }
func (fakeCommands) Explain(id string) (ExplainResult, error) {
	return ExplainResult{DecisionID: id}, nil
}
func (fakeCommands) Stats() StatsResult   { return StatsResult{PolicyMode: "enforce"} }
func (fakeCommands) Blame(topN int) (BlameResult, error) {
	return BlameResult{Entries: []BlameEntry{{Path: "/tmp/x", AttributedBytes: 1024}}}, nil
}
func (fakeCommands) Status() StatusResult { return StatusResult{PressureLevel: "green"} }
func (fakeCommands) Config() json.RawMessage { return json.RawMessage(`{}`) }

func TestDispatchScan(t *testing.T) {
	s := NewServer("/tmp/unused.sock", fakeCommands{}, nil)
	resp := s.dispatch(nil, Request{Cmd: "scan", Root: "/tmp"})
	if !resp.OK || resp.Scan == nil || resp.Scan.Root != "/tmp" {
		t.Fatalf("unexpected scan response: %+v", resp)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	s := NewServer("/tmp/unused.sock", fakeCommands{}, nil)
	resp := s.dispatch(nil, Request{Cmd: "bogus"})
	if resp.OK {
		t.Fatal("expected unknown command to fail")
	}
}

func TestDispatchCheckRequiresPath(t *testing.T) {
	s := NewServer("/tmp/unused.sock", fakeCommands{}, nil)
	resp := s.dispatch(nil, Request{Cmd: "check"})
	if resp.OK {
		t.Fatal("expected check without path to fail")
	}
}

func TestDispatchBlame(t *testing.T) {
	s := NewServer("/tmp/unused.sock", fakeCommands{}, nil)
	resp := s.dispatch(nil, Request{Cmd: "blame", TopN: 5})
	if !resp.OK || resp.Blame == nil || len(resp.Blame.Entries) != 1 || resp.Blame.Entries[0].Path != "/tmp/x" {
		t.Fatalf("unexpected blame response: %+v", resp)
	}
}

func TestDispatchEmergency(t *testing.T) {
	s := NewServer("/tmp/unused.sock", fakeCommands{}, nil)
	resp := s.dispatch(nil, Request{Cmd: "emergency", TargetFreePct: 20})
	if !resp.OK || resp.Clean == nil || resp.Clean.Deleted != 5 {
		t.Fatalf("unexpected emergency response: %+v", resp)
	}
}

func TestDispatchStatusAndConfig(t *testing.T) {
	s := NewServer("/tmp/unused.sock", fakeCommands{}, nil)
	resp := s.dispatch(nil, Request{Cmd: "status"})
	if !resp.OK || resp.Status == nil || resp.Status.PressureLevel != "green" {
		t.Fatalf("unexpected status response: %+v", resp)
	}
	resp = s.dispatch(nil, Request{Cmd: "config"})
	if !resp.OK {
		t.Fatal("expected config command to succeed")
	}
}
