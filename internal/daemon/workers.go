package daemon

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sbh-guard/sbh-guard/internal/activity"
	"github.com/sbh-guard/sbh-guard/internal/ballast"
	"github.com/sbh-guard/sbh-guard/internal/control"
	"github.com/sbh-guard/sbh-guard/internal/guard"
	"github.com/sbh-guard/sbh-guard/internal/platform"
	"github.com/sbh-guard/sbh-guard/internal/policy"
	"github.com/sbh-guard/sbh-guard/internal/safety"
	"github.com/sbh-guard/sbh-guard/internal/scanner"
	"github.com/sbh-guard/sbh-guard/internal/scoring"
)

// openFDRefreshInterval bounds how stale the open-descriptor set backing
// preflight check (e) may get; it is a veto input, not a realtime one, so
// a coarse refresh cadence is enough.
const openFDRefreshInterval = 30 * time.Second

// openFDLoop periodically refreshes the daemon's open-fd set from
// whatever source SetOpenFDSource wired (bpf fast path or the portable
// /proc walk). A failed refresh just keeps the last-known set rather than
// clearing it, since a stale-but-populated set is safer than an empty one.
func (d *Daemon) openFDLoop(ctx context.Context) {
	refresh := func() {
		set, err := d.openFDFunc()
		if err != nil {
			d.log.Warn("openfd: refresh failed, keeping last known set", zap.Error(err))
			return
		}
		d.openFDs.Store(set)
	}
	refresh()

	ticker := time.NewTicker(openFDRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}

// descendantInodesOf walks root's subtree up to cap entries, for
// safety.Preflight's open-descriptor check. It stats via Lstat so
// symlinks themselves (not their targets) are recorded, matching the
// device/inode pairs the scanner and the open-fd set both use.
func descendantInodesOf(root string, cap int) []platform.Inode {
	var out []platform.Inode
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if len(out) >= cap {
			return filepath.SkipAll
		}
		if err != nil {
			return nil
		}
		fi, err := os.Lstat(path)
		if err != nil {
			return nil
		}
		if st, ok := fi.Sys().(*syscall.Stat_t); ok {
			out = append(out, platform.Inode{Device: uint64(st.Dev), Inode: st.Ino})
		}
		return nil
	})
	return out
}

// monitorLoop samples every watched root's mount stats on the configured
// cadence, updates that root's forecaster and PID controller, drives
// ballast release/replenish, and feeds the calibration window and
// e-process drift detector by comparing the previous cycle's predicted
// rate against what was actually observed.
func (d *Daemon) monitorLoop(ctx context.Context) {
	d.mu.RLock()
	interval := time.Duration(d.cfg.Monitor.SampleIntervalSeconds) * time.Second
	useAvailable := d.cfg.Monitor.FreeMetric == "available"
	d.mu.RUnlock()
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prevPredictedRate := make(map[string]float64)
	consecutiveFailWindows := 0

	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.mu.RLock()
			killSwitch := d.cfg.Policy.KillSwitch
			thresholds := control.Thresholds{
				GreenPct:  d.cfg.Monitor.PressureGreenPct,
				YellowPct: d.cfg.Monitor.PressureYellowPct,
				OrangePct: d.cfg.Monitor.PressureOrangePct,
				RedPct:    d.cfg.Monitor.PressureRedPct,
			}
			d.mu.RUnlock()
			if killSwitch {
				d.policyEngine.Demote(now, "kill switch engaged")
			}

			for root, rs := range d.roots {
				stats, err := platform.Statfs(root, now)
				if err != nil {
					d.log.Warn("monitor: statfs failed", zap.String("root", root), zap.Error(err))
					continue
				}
				freeFrac := stats.FreeFraction(useAvailable)
				rs.forecaster.Observe(now, freeFrac*float64(stats.TotalBytes))

				level := control.ClassifyLevel(freeFrac*100, thresholds)
				errVal := thresholds.GreenPct - freeFrac*100
				urgency := rs.controller.Step(now, errVal)

				if prev, ok := prevPredictedRate[root]; ok {
					est := rs.forecaster.Snapshot()
					good := guard.Observation{
						PredictedRateBps: prev,
						ActualRateBps:    est.RateBps,
						WasConservative:  est.RateBps <= prev,
					}
					d.guardWindow.Add(good)
					d.guardDetector.Update(good.WasConservative || est.Confidence >= 0.5)
					if d.metrics != nil {
						d.metrics.GuardEValue.Set(d.guardDetector.EValue())
						if d.guardDetector.Alarmed() {
							d.metrics.GuardAlarmsTotal.Inc()
						}
					}

					switch d.guardWindow.Status() {
					case guard.StatusFail:
						consecutiveFailWindows++
						if consecutiveFailWindows >= 3 {
							d.policyEngine.Demote(now, "3 consecutive guard calibration failures")
							consecutiveFailWindows = 0
						}
					case guard.StatusPass:
						consecutiveFailWindows = 0
						d.policyEngine.NoteCleanWindow()
					}
				}
				prevPredictedRate[root] = rs.forecaster.Snapshot().RateBps

				if d.guardDetector.Alarmed() {
					d.policyEngine.Demote(now, "guard e-process alarmed")
				}

				d.urgencyMu.Lock()
				d.urgency[root] = urgency
				d.urgencyMu.Unlock()

				d.levelMu.Lock()
				d.levels[root] = level
				d.levelMu.Unlock()

				d.applyBallastPolicy(root, level, urgency, freeFrac, now)

				if d.metrics != nil {
					d.metrics.FreeFractionGauge.WithLabelValues(root).Set(freeFrac)
					d.metrics.PressureLevelGauge.WithLabelValues(root).Set(float64(level))
					if tte, ok := rs.forecaster.TimeToExhaustion(freeFrac*float64(stats.TotalBytes), 0); ok {
						d.metrics.TimeToExhaustionSec.WithLabelValues(root).Set(tte.Seconds())
					} else {
						d.metrics.TimeToExhaustionSec.WithLabelValues(root).Set(-1)
					}
					d.metrics.PolicyModeGauge.Set(float64(d.policyEngine.Current()))
				}

				d.emitActivity(activity.KindPressureSample, root, map[string]any{
					"root":        root,
					"free_frac":   freeFrac,
					"level":       level.String(),
					"urgency":     urgency,
					"policy_mode": d.policyEngine.Current().String(),
				}, now)

				sendDropOldest(d.monitorCh, pressureUpdate{root: root, stats: stats, level: level, urgency: urgency})

				if level >= control.Orange {
					sendDropOldest(d.scanCh, scanRequest{root: root})
				}
			}
		}
	}
}

// applyBallastPolicy runs the per-cycle ballast decision: auto-provision
// when enabled and under target, release tiered by urgency once pressure
// rises, and replenish only during sustained Green intervals.
func (d *Daemon) applyBallastPolicy(root string, level control.PressureLevel, urgency, freeFrac float64, now time.Time) {
	pool, ok := d.ballastPools[root]
	if !ok {
		return
	}
	freeFracFn := func(string) (float64, error) { return freeFrac, nil }

	d.mu.RLock()
	autoProvision := d.cfg.Ballast.AutoProvision
	d.mu.RUnlock()

	if autoProvision {
		if count, _ := pool.Inventory(); count < pool.TargetCount {
			if err := pool.Provision(freeFracFn); err != nil {
				d.log.Debug("ballast: provision deferred", zap.String("root", root), zap.Error(err))
			}
		}
	}

	if level == control.Green {
		pool.NotifyGreenInterval()
		if replenished, err := pool.Replenish(now, freeFracFn); err != nil {
			d.log.Warn("ballast: replenish failed", zap.String("root", root), zap.Error(err))
		} else if replenished && d.metrics != nil {
			d.metrics.BallastReplenishTotal.Inc()
		}
		return
	}

	count, _ := pool.Inventory()
	tier := ballast.ReleaseTier(urgency, count)
	if tier > 0 {
		released, err := pool.Release(tier)
		if err != nil {
			d.log.Error("ballast: release failed", zap.String("root", root), zap.Error(err))
			return
		}
		if released > 0 {
			if d.metrics != nil {
				d.metrics.BallastReleasedTotal.Add(float64(released))
			}
			d.emitActivity(activity.KindBallastOp, root, map[string]any{
				"root": root, "op": "release", "count": released, "urgency": urgency,
			}, now)
		}
	}

	if c, total := pool.Inventory(); d.metrics != nil {
		d.metrics.BallastFilesGauge.WithLabelValues(root).Set(float64(c))
		_ = total
	}
}

// scannerLoop performs a full walk+score pass over a root whenever it is
// requested by the monitor (pressure crossed Orange) or selected by the
// VOI scheduler's own periodic budget tick. On-demand triggers (scanCh,
// Orange-crossing) additionally draw from scanBudget, a token bucket
// refilled once a minute, so a root flapping across the Orange boundary
// can't re-walk itself into the ground between VOI ticks.
func (d *Daemon) scannerLoop(ctx context.Context) {
	voiTicker := time.NewTicker(1 * time.Minute)
	defer voiTicker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case req := <-d.scanCh:
			if d.scanBudget.Consume(1) {
				d.scanRoot(req.root)
			} else {
				d.log.Debug("scanner: on-demand scan budget exhausted", zap.String("root", req.root))
			}
		case pu := <-d.monitorCh:
			if pu.level >= control.Orange {
				if d.scanBudget.Consume(1) {
					d.scanRoot(pu.root)
				} else {
					d.log.Debug("scanner: on-demand scan budget exhausted", zap.String("root", pu.root))
				}
			}
		case now := <-voiTicker.C:
			d.mu.RLock()
			budget := d.cfg.Scheduler.ScanBudgetPerInterval
			schedEnabled := d.cfg.Scheduler.Enabled
			d.mu.RUnlock()
			if !schedEnabled {
				continue
			}
			for _, root := range d.voiSched.Select(budget, now) {
				d.scanRoot(root)
			}
		}
	}
}

func (d *Daemon) scanRoot(root string) {
	rs, ok := d.roots[root]
	if !ok {
		return
	}
	start := time.Now()

	d.mu.RLock()
	opts := scanner.WalkOptions{
		Roots:       []string{root},
		CrossDevice: d.cfg.Scanner.CrossDevice,
		MaxDepth:    d.cfg.Scanner.MaxDepth,
		Parallelism: d.cfg.Scanner.Parallelism,
	}
	d.mu.RUnlock()

	nodes, err := scanner.Walk(opts)
	if err != nil {
		d.log.Error("scanner: walk failed", zap.String("root", root), zap.Error(err))
		d.emitActivity(activity.KindError, root, map[string]any{"op": "walk", "error": err.Error()}, time.Now())
		return
	}

	newIndex := scanner.NewIndex()
	newIndex.Build(nodes)
	reclaimed := int64(0)
	ioCost := float64(len(nodes))

	now := time.Now()
	for _, n := range nodes {
		if newIndex.Unchanged(rs.priorIndex, n.Path) {
			continue
		}
		if protected, reason := d.protection.IsProtected(n.Path, os.Lstat); protected {
			d.log.Debug("scanner: skip protected", zap.String("path", n.Path), zap.String("reason", reason))
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

		d.urgencyMu.Lock()
		urgency := d.urgency[root]
		d.urgencyMu.Unlock()

		sendBlockBriefly(d.execCh, execJob{candidate: c, urgency: urgency})
	}

	rs.priorIndex = newIndex
	d.voiSched.Observe(root, float64(reclaimed), ioCost, 0, now)

	if d.metrics != nil {
		d.metrics.ScanDurationSeconds.Observe(time.Since(start).Seconds())
		d.metrics.ScanNodesWalked.Add(float64(len(nodes)))
		d.metrics.IndexHealthGauge.Set(float64(newIndex.Health()))
	}
}

// sendBlockBriefly pushes a deletion decision job onto execCh, blocking
// up to execSendTimeout so a full executor backpressures the scanner;
// if the channel is still full after that, the job is dropped. Unlike
// the monitor/scan channels, no queued item is evicted to make room.
func sendBlockBriefly(ch chan execJob, job execJob) {
	select {
	case ch <- job:
	case <-time.After(execSendTimeout):
	}
}

// executorLoop consumes scored candidates, runs the decision rule and
// every safety veto layer, and performs (or simulates, depending on
// policy mode) the deletion.
func (d *Daemon) executorLoop(ctx context.Context) {
	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case job := <-d.execCh:
			d.executeOne(job)
		}
	}
}

func (d *Daemon) executeOne(job execJob) {
	now := time.Now()
	c := job.candidate

	if d.breaker.Open(now) {
		d.log.Warn("executor: circuit breaker open, skipping", zap.String("path", c.Path))
		return
	}

	calibration := 1.0
	if d.guardWindow.Status() == guard.StatusFail {
		calibration = 0.5
	}

	decision := d.scoringEngine.Decide(c, job.urgency, calibration, d.guardDetector.Penalty(),
		d.policyEngine.Current().String(), now)

	if d.metrics != nil {
		d.metrics.DecisionsTotal.WithLabelValues(decision.Action.String()).Inc()
		d.metrics.PosteriorHist.Observe(decision.Posterior)
	}

	d.rememberDecision(decision)

	if decision.Action != scoring.ActionDelete {
		return
	}

	if !d.policyEngine.AllowDelete(now) {
		d.log.Debug("executor: policy mode disallows delete", zap.String("path", c.Path),
			zap.String("mode", d.policyEngine.Current().String()))
		if d.policyEngine.Current() == policy.ModeCanary {
			d.policyEngine.Demote(now, "canary delete-rate cap exceeded")
		}
		return
	}

	pre := safety.Preflight(c.Path, c.Children, d.openFDs.Load(), descendantInodesOf)
	if !pre.OK {
		if d.metrics != nil {
			d.metrics.VetoesTotal.WithLabelValues(pre.Reason).Inc()
		}
		d.emitActivity(activity.KindError, c.Path, map[string]any{"veto": pre.Reason}, now)
		return
	}

	bypass := false
	d.levelMu.Lock()
	for root, lvl := range d.levels {
		if lvl >= control.Red && strings.HasPrefix(c.Path, root) {
			bypass = true
		}
	}
	d.levelMu.Unlock()
	if !d.dampener.Allow(c.Path, now, bypass) {
		if d.metrics != nil {
			d.metrics.VetoesTotal.WithLabelValues("repeat_deletion_dampened").Inc()
		}
		return
	}

	if err := os.RemoveAll(c.Path); err != nil {
		d.breaker.RecordError(now)
		if d.breaker.Open(now) && d.metrics != nil {
			d.metrics.CircuitBreakerTrips.Inc()
			d.metrics.CircuitBreakerOpen.Set(1)
		}
		d.log.Error("executor: deletion failed", zap.String("path", c.Path), zap.Error(err))
		d.emitActivity(activity.KindError, c.Path, map[string]any{"op": "delete", "error": err.Error()}, now)
		return
	}

	d.breaker.RecordSuccess()
	d.dampener.RecordDeletion(c.Path, now)
	if d.metrics != nil {
		d.metrics.CircuitBreakerOpen.Set(0)
		d.metrics.BytesReclaimed.Add(float64(c.SizeBytes))
	}
	d.emitActivity(activity.KindDeletion, c.Path, map[string]any{
		"path": c.Path, "bytes": c.SizeBytes, "decision_id": decision.DecisionID,
	}, now)
}

func (d *Daemon) rememberDecision(dec scoring.Decision) {
	d.lastDecisionsMu.Lock()
	defer d.lastDecisionsMu.Unlock()
	const maxRemembered = 4096
	if len(d.lastDecisions) >= maxRemembered {
		for k := range d.lastDecisions {
			delete(d.lastDecisions, k)
			break
		}
	}
	d.lastDecisions[dec.DecisionID] = dec
}

func (d *Daemon) lookupDecision(id string) (scoring.Decision, bool) {
	d.lastDecisionsMu.Lock()
	defer d.lastDecisionsMu.Unlock()
	dec, ok := d.lastDecisions[id]
	return dec, ok
}

// emitActivity marshals body and hands it to the activity logger, never
// blocking the caller (Logger.Emit is itself non-blocking).
func (d *Daemon) emitActivity(kind, key string, body map[string]any, now time.Time) {
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	d.activity.Emit(kind, key, json.RawMessage(raw), now)
}
