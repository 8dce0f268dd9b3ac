// Package daemon wires every leaf package into the running process
// described in spec.md §4.11: a handful of long-lived workers connected
// by small bounded channels, a panic-respawn budget, a self-monitor
// heartbeat, an atomically-written state file, and a signal contract
// (reload / immediate-scan / graceful shutdown) driven by cmd/sbh-guardd.
//
// Grounded on cmd/octoreflex/main.go's overall wiring shape: a root
// context cancelled on shutdown, one goroutine per concern, config
// hot-reload applied to live engine state rather than requiring a
// restart, and a bounded drain window on shutdown.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sbh-guard/sbh-guard/internal/activity"
	"github.com/sbh-guard/sbh-guard/internal/ballast"
	"github.com/sbh-guard/sbh-guard/internal/budget"
	"github.com/sbh-guard/sbh-guard/internal/config"
	"github.com/sbh-guard/sbh-guard/internal/control"
	"github.com/sbh-guard/sbh-guard/internal/forecast"
	"github.com/sbh-guard/sbh-guard/internal/guard"
	"github.com/sbh-guard/sbh-guard/internal/observability"
	"github.com/sbh-guard/sbh-guard/internal/pattern"
	"github.com/sbh-guard/sbh-guard/internal/platform"
	"github.com/sbh-guard/sbh-guard/internal/policy"
	"github.com/sbh-guard/sbh-guard/internal/safety"
	"github.com/sbh-guard/sbh-guard/internal/scanner"
	"github.com/sbh-guard/sbh-guard/internal/scoring"
	"github.com/sbh-guard/sbh-guard/internal/voi"
)

// monitorCap and scanCap are small and drop-oldest: a stale pressure
// reading or scan trigger is worthless once a fresher one exists.
// execCap is larger and block-briefly: a deletion decision backpressures
// the sender for up to execSendTimeout and is dropped only after that.
const (
	monitorCap = 2
	scanCap    = 2
	execCap    = 64

	execSendTimeout = 500 * time.Millisecond

	heartbeatInterval = 10 * time.Second
	heartbeatStale    = 60 * time.Second

	respawnBudget = 3
	respawnWindow = 5 * time.Minute
)

type pressureUpdate struct {
	root  string
	stats platform.MountStats
	level control.PressureLevel
	urgency float64
}

type scanRequest struct {
	root string
}

type execJob struct {
	candidate *scoring.Candidate
	urgency   float64
}

// rootState holds every piece of per-watched-root mutable state: its own
// forecaster, controller, and prior index for incremental diffing.
type rootState struct {
	forecaster *forecast.Estimator
	controller *control.Controller
	priorIndex *scanner.Index
}

// Daemon owns every subsystem and the goroutines connecting them.
type Daemon struct {
	log      *zap.Logger
	metrics  *observability.Metrics
	activity *activity.Logger

	mu  sync.RWMutex
	cfg *config.Config

	roots map[string]*rootState

	scoringEngine *scoring.Engine
	protection    *pattern.ProtectionRegistry
	breaker       *safety.CircuitBreaker
	dampener      *safety.Dampener

	ballastPools map[string]*ballast.Pool

	guardWindow   *guard.Window
	guardDetector *guard.Detector

	policyEngine *policy.Engine
	voiSched     *voi.Scheduler

	// scanBudget caps on-demand full-walk scans (scan-channel requests and
	// Orange-triggered monitor pushes) separately from the VOI scheduler's
	// own periodic allocation, so a flapping root can't re-walk itself
	// into the ground between VOI ticks.
	scanBudget *budget.Bucket

	respawns   map[string][]time.Time
	respawnMu  sync.Mutex

	version       string
	stateFilePath string
	startedAt     time.Time
	lastHeartbeat atomicTime

	lastDecisions   map[string]scoring.Decision // decisionID -> Decision, bounded
	lastDecisionsMu sync.Mutex

	urgencyMu sync.Mutex
	urgency   map[string]float64 // per-root urgency, updated by monitorLoop

	levelMu sync.Mutex
	levels  map[string]control.PressureLevel // per-root level, updated by monitorLoop/scannerLoop

	monitorCh chan pressureUpdate
	scanCh    chan scanRequest
	execCh    chan execJob

	// openFDs backs preflight check (e); openFDFunc is nil unless the
	// caller wires a discovery source via SetOpenFDSource (the bpf fast
	// path with a platform.DiscoverOpenFDs fallback, normally — see
	// cmd/sbh-guardd). With no source wired, Preflight simply skips the
	// open-descriptor check, as it does for any nil OpenFDSet.
	openFDs     atomic.Pointer[platform.OpenFDSet]
	openFDFunc  func() (*platform.OpenFDSet, error)

	done chan struct{}
	wg   sync.WaitGroup
}

// atomicTime is a tiny helper around a mutex-protected time.Time; the
// standard library has no atomic.Value convenience for time.Time that
// also supports a zero-value read before first Store.
type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) Store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) Load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}

// New builds a Daemon from a validated config. It provisions one
// rootState per watched path and one ballast.Pool per volume root
// (watched paths double as volume roots, since both are statfs-able
// directories and the spec does not require a separate mount-root
// resolver).
func New(cfg *config.Config, log *zap.Logger, metrics *observability.Metrics, act *activity.Logger, version, stateFilePath string) (*Daemon, error) {
	d := &Daemon{
		log:           log,
		metrics:       metrics,
		activity:      act,
		cfg:           cfg,
		roots:         make(map[string]*rootState),
		ballastPools:  make(map[string]*ballast.Pool),
		respawns:      make(map[string][]time.Time),
		version:       version,
		stateFilePath: stateFilePath,
		startedAt:     time.Now(),
		lastDecisions: make(map[string]scoring.Decision),
		urgency:       make(map[string]float64),
		levels:        make(map[string]control.PressureLevel),
		monitorCh:     make(chan pressureUpdate, monitorCap),
		scanCh:        make(chan scanRequest, scanCap),
		execCh:        make(chan execJob, execCap),
		done:          make(chan struct{}),
	}

	watched := cfg.Scanner.WatchedPaths
	if len(watched) == 0 {
		return nil, fmt.Errorf("daemon: no watched_paths configured")
	}
	for _, root := range watched {
		d.roots[root] = &rootState{
			forecaster: forecast.New(),
			controller: control.New(control.DefaultGains()),
		}
		count := cfg.Ballast.PerVolumeCount
		if override, ok := cfg.Ballast.VolumeOverrides[root]; ok {
			count = override
		}
		d.ballastPools[root] = ballast.NewPool(root, count, cfg.Ballast.PerVolumeSizeMB,
			time.Duration(cfg.Ballast.ReplenishCooldownSeconds)*time.Second)
	}

	d.protection = pattern.NewProtectionRegistry(cfg.Scanner.ProtectedGlobs)
	d.breaker = safety.NewCircuitBreaker()
	d.dampener = safety.NewDampener(
		time.Duration(cfg.Scanner.RepeatDeletionBaseCooldownSecs)*time.Second,
		time.Duration(cfg.Scanner.RepeatDeletionMaxCooldownSecs)*time.Second,
	)

	d.scoringEngine = scoring.NewEngine(
		scoring.Weights{
			Location:  cfg.Scoring.Weights.Location,
			Name:      cfg.Scoring.Weights.Name,
			Age:       cfg.Scoring.Weights.Age,
			Size:      cfg.Scoring.Weights.Size,
			Structure: cfg.Scoring.Weights.Structure,
		},
		cfg.Scoring.FalsePositiveLoss,
		cfg.Scoring.FalseNegativeLoss,
		cfg.Scoring.MinScore,
		cfg.Scoring.DecisionMargin,
		cfg.Scoring.ReviewUncertainty,
	)

	d.guardWindow = guard.NewWindow()
	d.guardDetector = guard.NewDetector()

	initialMode := policy.ModeObserve
	switch cfg.Policy.Mode {
	case "canary":
		initialMode = policy.ModeCanary
	case "enforce":
		initialMode = policy.ModeEnforce
	}
	d.policyEngine = policy.NewEngine(cfg.Policy.CanaryDeleteCapPerHour, cfg.Policy.RecoveryCleanWindows)
	if initialMode != policy.ModeObserve {
		d.policyEngine.Promote(initialMode)
	}

	d.voiSched = voi.NewScheduler(cfg.Scheduler.WeightIOCost, cfg.Scheduler.WeightFalsePositive)
	for root := range d.roots {
		d.voiSched.Track(root)
	}

	onDemandBudget := cfg.Scheduler.OnDemandScanBudgetPerMinute
	if onDemandBudget <= 0 {
		onDemandBudget = 1
	}
	d.scanBudget = budget.New(onDemandBudget, time.Minute)

	return d, nil
}

// SetOpenFDSource wires a discovery function the executor polls
// periodically to refresh the open-file-descriptor set used by preflight
// check (e). Must be called before Start; a nil source (the default)
// leaves the open-descriptor check disabled rather than failing closed.
func (d *Daemon) SetOpenFDSource(f func() (*platform.OpenFDSet, error)) {
	d.openFDFunc = f
}

// Start launches the worker goroutines. Returns once all are running;
// call Shutdown to stop them.
func (d *Daemon) Start(ctx context.Context) {
	d.wg.Add(4)
	go d.respawning("monitor", func() { d.monitorLoop(ctx) })
	go d.respawning("scanner", func() { d.scannerLoop(ctx) })
	go d.respawning("executor", func() { d.executorLoop(ctx) })
	go d.respawning("heartbeat", func() { d.heartbeatLoop(ctx) })
	if d.openFDFunc != nil {
		d.wg.Add(1)
		go d.respawning("openfd", func() { d.openFDLoop(ctx) })
	}
}

// Shutdown cancels workers via the caller's context and waits up to
// drainFor for the executor to finish in-flight deletions before
// returning, mirroring the teacher's bounded shutdown drain.
func (d *Daemon) Shutdown(drainFor time.Duration) {
	close(d.done)
	doneCh := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		d.log.Info("daemon: all workers drained")
	case <-time.After(drainFor):
		d.log.Warn("daemon: shutdown drain timeout, forcing exit", zap.Duration("waited", drainFor))
	}
	d.scanBudget.Close()
	d.writeStateFile()
}

// respawning wraps a worker loop with panic recovery and a bounded
// respawn budget: 3 panics within a 5-minute window and the worker is
// left dead rather than respawned forever.
func (d *Daemon) respawning(name string, fn func()) {
	defer d.wg.Done()
	for {
		if !d.allowRespawn(name) {
			d.log.Error("daemon: worker exceeded respawn budget, not restarting",
				zap.String("worker", name))
			return
		}
		if d.runOnce(name, fn) {
			return // clean exit (done channel closed)
		}
	}
}

// runOnce runs fn once, recovering from a panic and reporting whether the
// worker exited cleanly (true) vs. panicked and should be respawned
// (false).
func (d *Daemon) runOnce(name string, fn func()) (cleanExit bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("daemon: worker panicked, respawning",
				zap.String("worker", name), zap.Any("panic", r))
			if d.metrics != nil {
				d.metrics.WorkerRespawnsTotal.WithLabelValues(name).Inc()
			}
			d.recordRespawn(name)
			cleanExit = false
		}
	}()
	select {
	case <-d.done:
		return true
	default:
	}
	fn()
	return true
}

func (d *Daemon) recordRespawn(name string) {
	d.respawnMu.Lock()
	defer d.respawnMu.Unlock()
	d.respawns[name] = append(d.respawns[name], time.Now())
}

func (d *Daemon) allowRespawn(name string) bool {
	d.respawnMu.Lock()
	defer d.respawnMu.Unlock()
	cutoff := time.Now().Add(-respawnWindow)
	kept := d.respawns[name][:0]
	for _, t := range d.respawns[name] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	d.respawns[name] = kept
	return len(kept) < respawnBudget
}

// ReloadConfig applies a newly-loaded, already-validated config without
// restarting any worker: scoring weights, losses, min score and margin,
// ballast pool target counts, and the protection registry's static globs
// (explicitly protected paths are carried over). Pressure thresholds and
// the kill switch take effect because the monitor reads them from d.cfg
// on every tick. The repeat-deletion dampener's cooldowns and the policy
// engine's canary cap keep their startup values. Destructive fields
// (storage paths, socket path) are not re-applied here — per config.go's
// doc comment those require a restart.
func (d *Daemon) ReloadConfig(cfg *config.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg

	d.scoringEngine.Weights = scoring.Weights{
		Location:  cfg.Scoring.Weights.Location,
		Name:      cfg.Scoring.Weights.Name,
		Age:       cfg.Scoring.Weights.Age,
		Size:      cfg.Scoring.Weights.Size,
		Structure: cfg.Scoring.Weights.Structure,
	}
	d.scoringEngine.FalsePositiveLoss = cfg.Scoring.FalsePositiveLoss
	d.scoringEngine.FalseNegativeLoss = cfg.Scoring.FalseNegativeLoss
	d.scoringEngine.MinScore = cfg.Scoring.MinScore
	d.scoringEngine.DecisionMargin = cfg.Scoring.DecisionMargin

	old := d.protection
	d.protection = pattern.NewProtectionRegistry(cfg.Scanner.ProtectedGlobs)
	if old != nil {
		for _, p := range old.List() {
			d.protection.Protect(p)
		}
	}

	for root, pool := range d.ballastPools {
		count := cfg.Ballast.PerVolumeCount
		if override, ok := cfg.Ballast.VolumeOverrides[root]; ok {
			count = override
		}
		pool.TargetCount = count
	}

	d.log.Info("daemon: config reloaded")
}

// TriggerImmediateScan enqueues an out-of-cycle scan of every watched
// root, for the SIGUSR1 signal contract.
func (d *Daemon) TriggerImmediateScan() {
	for root := range d.roots {
		sendDropOldest(d.scanCh, scanRequest{root: root})
	}
}

// sendDropOldest pushes v onto ch, discarding the oldest queued item if
// ch is full rather than blocking the sender.
func sendDropOldest[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// watchedRootsSorted returns the watched roots in deterministic order,
// for status output and logging.
func (d *Daemon) watchedRootsSorted() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	roots := make([]string, 0, len(d.roots))
	for r := range d.roots {
		roots = append(roots, r)
	}
	sort.Strings(roots)
	return roots
}

// daemonState is the JSON shape written to stateFilePath.
type daemonState struct {
	StartedAt       time.Time       `json:"started_at"`
	LastHeartbeat   time.Time       `json:"last_heartbeat"`
	PolicyMode      string          `json:"policy_mode"`
	GuardEValue     float64         `json:"guard_e_value"`
	GuardAlarmed    bool            `json:"guard_alarmed"`
	ActivityLevel   string          `json:"activity_level"`
	ActivityDropped uint64          `json:"activity_dropped"`
	WatchedRoots    []string        `json:"watched_roots"`
}

// writeStateFile writes the daemon's liveness snapshot via a temp file
// plus atomic rename, so a concurrent reader (a health-check script)
// never observes a partially-written file. A failure anywhere in this
// path demotes the policy engine to FallbackSafe: a daemon that cannot
// even persist its own liveness snapshot is not trustworthy enough to
// keep deleting.
func (d *Daemon) writeStateFile() {
	if d.stateFilePath == "" {
		return
	}
	st := daemonState{
		StartedAt:       d.startedAt,
		LastHeartbeat:   d.lastHeartbeat.Load(),
		PolicyMode:      d.policyEngine.Current().String(),
		GuardEValue:     d.guardDetector.EValue(),
		GuardAlarmed:    d.guardDetector.Alarmed(),
		ActivityLevel:   d.activity.Level().String(),
		ActivityDropped: d.activity.DroppedCount(),
		WatchedRoots:    d.watchedRootsSorted(),
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		d.log.Error("daemon: marshal state file failed", zap.Error(err))
		d.policyEngine.Demote(time.Now(), "state file write failed: marshal")
		return
	}
	dir := filepath.Dir(d.stateFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.log.Error("daemon: mkdir state file dir failed", zap.Error(err))
		d.policyEngine.Demote(time.Now(), "state file write failed: mkdir")
		return
	}
	tmp := d.stateFilePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		d.log.Error("daemon: write temp state file failed", zap.Error(err))
		d.policyEngine.Demote(time.Now(), "state file write failed: write")
		return
	}
	if err := os.Rename(tmp, d.stateFilePath); err != nil {
		d.log.Error("daemon: rename state file failed", zap.Error(err))
		d.policyEngine.Demote(time.Now(), "state file write failed: rename")
	}
}

// heartbeatLoop updates lastHeartbeat and periodically persists the
// state file; a stale heartbeat (no update in heartbeatStale) is the
// signal an external watchdog uses to declare the daemon wedged.
func (d *Daemon) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.lastHeartbeat.Store(now)
			if d.metrics != nil {
				d.metrics.UpdateUptime(now)
			}
			d.dampener.Prune(now)
			d.writeStateFile()
		}
	}
}

// Stale reports whether the self-monitor heartbeat has not fired within
// heartbeatStale, which an external supervisor can poll to detect a
// wedged daemon without killing it unconditionally.
func (d *Daemon) Stale(now time.Time) bool {
	last := d.lastHeartbeat.Load()
	if last.IsZero() {
		return false // not started long enough to judge yet
	}
	return now.Sub(last) > heartbeatStale
}
