package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sbh-guard/sbh-guard/internal/control"
	"github.com/sbh-guard/sbh-guard/internal/operator"
	"github.com/sbh-guard/sbh-guard/internal/platform"
	"github.com/sbh-guard/sbh-guard/internal/policy"
	"github.com/sbh-guard/sbh-guard/internal/safety"
	"github.com/sbh-guard/sbh-guard/internal/scanner"
	"github.com/sbh-guard/sbh-guard/internal/scoring"
)

// Daemon implements operator.Commands directly, so the socket server and
// any in-process caller share one code path.
var _ operator.Commands = (*Daemon)(nil)

// Scan walks and scores root immediately, outside the regular monitor/VOI
// cadence, and reports the root and elapsed time. NodesWalked is left
// zero; the walked-node count goes to the scan_nodes_walked metric only.
func (d *Daemon) Scan(ctx context.Context, root string) (operator.ScanResult, error) {
	start := time.Now()
	if root == "" {
		for r := range d.roots {
			d.scanRoot(r)
		}
	} else {
		d.scanRoot(root)
	}
	return operator.ScanResult{Root: root, DurationMS: time.Since(start).Milliseconds()}, nil
}

// Clean drains the executor's current candidate backlog; in dry-run mode
// it reports what would have been deleted without calling the executor.
func (d *Daemon) Clean(ctx context.Context, dryRun bool) (operator.CleanResult, error) {
	deleted, reviewed := 0, 0
	var bytesReclaimed int64
	for {
		select {
		case job := <-d.execCh:
			if dryRun {
				reviewed++
				continue
			}
			d.executeOne(job)
			deleted++
			bytesReclaimed += job.candidate.SizeBytes
		default:
			return operator.CleanResult{
				Deleted: deleted, Reviewed: reviewed,
				BytesReclaimed: bytesReclaimed, DryRun: dryRun,
			}, nil
		}
	}
}

// Emergency performs the last-resort reclaim pass of spec.md §6: it walks
// roots (every watched root if roots is empty), scores candidates with a
// decision labeled as Enforce mode without touching the live policy
// engine's actual mode (so the escape hatch never bleeds into ordinary
// operation once it returns), deletes the highest-impact ActionDelete
// candidates first, and stops as soon as a fresh statfs shows
// targetFreePct cleared or candidates run out. It writes nothing to the
// activity log, the decision cache, or the state file — only to stdout
// and stderr — since an operator reaching for this command needs the
// daemon's normal bookkeeping to stay out of the way, not to succeed.
func (d *Daemon) Emergency(ctx context.Context, roots []string, targetFreePct float64) (operator.CleanResult, error) {
	if len(roots) == 0 {
		for r := range d.roots {
			roots = append(roots, r)
		}
	}

	d.mu.RLock()
	opts := scanner.WalkOptions{
		Roots:       roots,
		CrossDevice: d.cfg.Scanner.CrossDevice,
		MaxDepth:    d.cfg.Scanner.MaxDepth,
		Parallelism: d.cfg.Scanner.Parallelism,
	}
	useAvailable := d.cfg.Monitor.FreeMetric == "available"
	d.mu.RUnlock()

	nodes, err := scanner.Walk(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emergency: walk failed: %v\n", err)
		return operator.CleanResult{}, err
	}

	type plan struct {
		c    *scoring.Candidate
		gain float64
	}
	now := time.Now()
	var candidates []plan
	for _, n := range nodes {
		if protected, _ := d.protection.IsProtected(n.Path, os.Lstat); protected {
			continue
		}
		c := &scoring.Candidate{
			Path:             n.Path,
			IsDir:            n.IsDir,
			SizeBytes:        n.SizeBytes,
			EffectiveAgeSecs: n.EffectiveAge(now),
			Children:         n.Children,
			Device:           n.Device,
			Inode:            n.Inode,
		}
		d.scoringEngine.Score(c)
		dec := d.scoringEngine.Decide(c, 1.0, 1.0, 0, policy.ModeEnforce.String(), now)
		if dec.Action != scoring.ActionDelete {
			continue
		}
		candidates = append(candidates, plan{c: c, gain: dec.ExpectedLossKeep - dec.ExpectedLossDelete})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].gain > candidates[j].gain })

	deleted := 0
	var bytesReclaimed int64
	for _, p := range candidates {
		statRoot := p.c.Path
		for _, r := range roots {
			if strings.HasPrefix(p.c.Path, r) {
				statRoot = r
				break
			}
		}
		if stats, err := platform.Statfs(statRoot, time.Now()); err == nil {
			if stats.FreeFraction(useAvailable)*100 >= targetFreePct {
				break
			}
		}

		pre := safety.Preflight(p.c.Path, p.c.Children, d.openFDs.Load(), descendantInodesOf)
		if !pre.OK {
			fmt.Fprintf(os.Stderr, "emergency: skip %s: %s\n", p.c.Path, pre.Reason)
			continue
		}
		if err := os.RemoveAll(p.c.Path); err != nil {
			fmt.Fprintf(os.Stderr, "emergency: delete %s failed: %v\n", p.c.Path, err)
			continue
		}
		deleted++
		bytesReclaimed += p.c.SizeBytes
		fmt.Fprintf(os.Stdout, "emergency: deleted %s (%d bytes)\n", p.c.Path, p.c.SizeBytes)
	}

	return operator.CleanResult{Deleted: deleted, BytesReclaimed: bytesReclaimed, DryRun: false}, nil
}

// Check answers spec.md §6's check(path, need_bytes, target_free_pct)
// contract: "critical" if the path's volume is already below the
// critical pressure band regardless of anything else, "ok" if path is
// not protected, its own size clears needBytes and the projected
// post-deletion free percentage clears targetFreePct, else
// "insufficient".
func (d *Daemon) Check(ctx context.Context, path string, needBytes int64, targetFreePct float64) (operator.CheckResult, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return operator.CheckResult{}, err
	}
	sizeBytes := fi.Size()

	stats, err := platform.Statfs(path, time.Now())
	if err != nil {
		return operator.CheckResult{}, err
	}

	d.mu.RLock()
	useAvailable := d.cfg.Monitor.FreeMetric == "available"
	thresholds := control.Thresholds{
		GreenPct:  d.cfg.Monitor.PressureGreenPct,
		YellowPct: d.cfg.Monitor.PressureYellowPct,
		OrangePct: d.cfg.Monitor.PressureOrangePct,
		RedPct:    d.cfg.Monitor.PressureRedPct,
	}
	d.mu.RUnlock()

	freePct := stats.FreeFraction(useAvailable) * 100
	level := control.ClassifyLevel(freePct, thresholds)

	projectedFreePct := freePct
	if stats.TotalBytes > 0 {
		projectedFreePct = freePct + float64(sizeBytes)/float64(stats.TotalBytes)*100
	}

	var veto string
	if protected, reason := d.protection.IsProtected(path, os.Lstat); protected {
		veto = reason
	}

	verdict := "insufficient"
	switch {
	case level == control.Critical:
		verdict = "critical"
	case veto == "" && sizeBytes >= needBytes && projectedFreePct >= targetFreePct:
		verdict = "ok"
	}

	return operator.CheckResult{
		Path:             path,
		Verdict:          verdict,
		SizeBytes:        sizeBytes,
		NeedBytes:        needBytes,
		ProjectedFreePct: projectedFreePct,
		TargetFreePct:    targetFreePct,
		PressureLevel:    level.String(),
		Veto:             veto,
	}, nil
}

// Ballast dispatches a ballast pool operation ("provision"|"release"|
// "inventory") against volumeRoot.
func (d *Daemon) Ballast(ctx context.Context, volumeRoot string, op string) (operator.BallastResult, error) {
	pool, ok := d.ballastPools[volumeRoot]
	if !ok {
		return operator.BallastResult{}, fmt.Errorf("daemon: unknown volume root %q", volumeRoot)
	}
	switch op {
	case "provision":
		d.mu.RLock()
		useAvailable := d.cfg.Monitor.FreeMetric == "available"
		d.mu.RUnlock()
		freeFraction := func(string) (float64, error) {
			stats, err := platform.Statfs(volumeRoot, time.Now())
			if err != nil {
				return 0, err
			}
			return stats.FreeFraction(useAvailable), nil
		}
		if err := pool.Provision(freeFraction); err != nil {
			return operator.BallastResult{}, err
		}
	case "release":
		if _, err := pool.Release(1); err != nil {
			return operator.BallastResult{}, err
		}
	}
	count, total := pool.Inventory()
	return operator.BallastResult{VolumeRoot: volumeRoot, Count: count, TotalBytes: total}, nil
}

// Protect, Unprotect, ListProtected proxy directly to the protection
// registry.
func (d *Daemon) Protect(path string) error {
	d.protection.Protect(path)
	return nil
}

func (d *Daemon) Unprotect(path string) error {
	d.protection.Unprotect(path)
	return nil
}

func (d *Daemon) ListProtected() []string {
	return d.protection.List()
}

// Explain looks a previously-emitted decision up by id.
func (d *Daemon) Explain(decisionID string) (operator.ExplainResult, error) {
	dec, ok := d.lookupDecision(decisionID)
	if !ok {
		return operator.ExplainResult{}, fmt.Errorf("daemon: unknown decision id %q", decisionID)
	}
	return operator.ExplainResult{
		DecisionID:  dec.DecisionID,
		Path:        dec.CandidatePath,
		Action:      dec.Action.String(),
		Posterior:   dec.Posterior,
		Uncertainty: dec.Uncertainty,
		EmittedAt:   dec.EmittedAt.Format(time.RFC3339),
	}, nil
}

// Stats summarizes current guard/policy/activity state for the operator.
func (d *Daemon) Stats() operator.StatsResult {
	return operator.StatsResult{
		PolicyMode:      d.policyEngine.Current().String(),
		ActivityLevel:   d.activity.Level().String(),
		ActivityDropped: d.activity.DroppedCount(),
		GuardEValue:     d.guardDetector.EValue(),
		GuardAlarmed:    d.guardDetector.Alarmed(),
	}
}

// Blame ranks the top N directories by attributed reclaimable bytes,
// per spec.md §6's blame(top_n) contract: it reuses the candidate
// scoring already computed for scan/clean (the remembered decision
// cache) rather than re-walking, keeping the most recent Delete
// decision per path and sorting by its candidate size descending.
func (d *Daemon) Blame(topN int) (operator.BlameResult, error) {
	if topN <= 0 {
		topN = 10
	}

	type attributed struct {
		bytes      int64
		decisionID string
		emittedAt  time.Time
	}
	byPath := make(map[string]attributed)

	d.lastDecisionsMu.Lock()
	for _, dec := range d.lastDecisions {
		if dec.Action != scoring.ActionDelete {
			continue
		}
		cur, ok := byPath[dec.CandidatePath]
		if !ok || dec.EmittedAt.After(cur.emittedAt) {
			byPath[dec.CandidatePath] = attributed{
				bytes:      dec.SizeBytes,
				decisionID: dec.DecisionID,
				emittedAt:  dec.EmittedAt,
			}
		}
	}
	d.lastDecisionsMu.Unlock()

	entries := make([]operator.BlameEntry, 0, len(byPath))
	for path, a := range byPath {
		entries = append(entries, operator.BlameEntry{
			Path:            path,
			AttributedBytes: a.bytes,
			DecisionID:      a.decisionID,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].AttributedBytes > entries[j].AttributedBytes })
	if len(entries) > topN {
		entries = entries[:topN]
	}
	return operator.BlameResult{Entries: entries}, nil
}

// Status reports the worst pressure level across watched roots.
func (d *Daemon) Status() operator.StatusResult {
	d.levelMu.Lock()
	worst := control.Green
	for _, lvl := range d.levels {
		if lvl > worst {
			worst = lvl
		}
	}
	d.levelMu.Unlock()

	return operator.StatusResult{
		PressureLevel: worst.String(),
		Uptime:        time.Since(d.startedAt).String(),
		Version:       d.version,
	}
}

// Config returns the active config as JSON, for operator inspection.
func (d *Daemon) Config() json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	raw, err := json.Marshal(d.cfg)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
