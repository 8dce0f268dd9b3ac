// Package operator implements the Unix domain socket command surface of
// spec.md §6: newline-delimited JSON requests/responses exposing
// scan, clean, emergency, check, ballast, protect/unprotect/list, explain,
// stats, blame, status, and config, in addition to in-process Go function
// calls for the same operations.
//
// Grounded on the teacher's internal/operator/server.go: the protocol
// shape (one JSON request, one JSON response, newline-delimited,
// 0600-permission socket, bounded concurrent connections, per-connection
// read/write deadlines) is kept verbatim; the command set and backing
// Registry interface are replaced with the daemon's own operations.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Commands is the interface the operator server dispatches to. It is
// also the surface an in-process caller (e.g. a future admin UI) can use
// directly without going through the socket at all.
type Commands interface {
	Scan(ctx context.Context, root string) (ScanResult, error)
	Clean(ctx context.Context, dryRun bool) (CleanResult, error)
	Emergency(ctx context.Context, roots []string, targetFreePct float64) (CleanResult, error)
	Check(ctx context.Context, path string, needBytes int64, targetFreePct float64) (CheckResult, error)
	Ballast(ctx context.Context, volumeRoot string, op string) (BallastResult, error)
	Protect(path string) error
	Unprotect(path string) error
	ListProtected() []string
	Explain(decisionID string) (ExplainResult, error)
	Stats() StatsResult
	Blame(topN int) (BlameResult, error)
	Status() StatusResult
	Config() json.RawMessage
}

// ScanResult, CleanResult, etc. are intentionally small, JSON-friendly
// summaries — the daemon's internal types are not exposed over the wire.
type ScanResult struct {
	Root        string `json:"root"`
	NodesWalked int     `json:"nodes_walked"`
	DurationMS  int64   `json:"duration_ms"`
}

type CleanResult struct {
	Deleted        int   `json:"deleted"`
	Reviewed       int   `json:"reviewed"`
	BytesReclaimed int64 `json:"bytes_reclaimed"`
	DryRun         bool  `json:"dry_run"`
}

// CheckResult answers spec.md §6's check(path, need_bytes, target_free_pct)
// contract: a verdict of "ok" (the path is not protected, need_bytes is
// reclaimable here and projected post-deletion free_pct clears
// target_free_pct), "insufficient" (any of those fails; Veto names a
// protection reason), or "critical" (the volume is already below the critical
// pressure band, so the answer is "free space regardless, now").
type CheckResult struct {
	Path             string  `json:"path"`
	Verdict          string  `json:"verdict"`
	SizeBytes        int64   `json:"size_bytes"`
	NeedBytes        int64   `json:"need_bytes"`
	ProjectedFreePct float64 `json:"projected_free_pct"`
	TargetFreePct    float64 `json:"target_free_pct"`
	PressureLevel    string  `json:"pressure_level"`
	Veto             string  `json:"veto,omitempty"`
}

type BallastResult struct {
	VolumeRoot string `json:"volume_root"`
	Count      int    `json:"count"`
	TotalBytes int64  `json:"total_bytes"`
}

type ExplainResult struct {
	DecisionID  string  `json:"decision_id"`
	Path        string  `json:"path"`
	Action      string  `json:"action"`
	Posterior   float64 `json:"posterior"`
	Uncertainty float64 `json:"uncertainty"`
	EmittedAt   string  `json:"emitted_at"`
}

type StatsResult struct {
	PolicyMode       string  `json:"policy_mode"`
	ActivityLevel    string  `json:"activity_level"`
	ActivityDropped  uint64  `json:"activity_dropped"`
	GuardEValue      float64 `json:"guard_e_value"`
	GuardAlarmed     bool    `json:"guard_alarmed"`
}

// BlameEntry is one directory's share of a BlameResult's ranking.
type BlameEntry struct {
	Path            string `json:"path"`
	AttributedBytes int64  `json:"attributed_bytes"`
	DecisionID      string `json:"decision_id,omitempty"`
}

// BlameResult ranks the top N directories by attributed reclaimable bytes,
// per spec.md §6's blame(top_n) contract.
type BlameResult struct {
	Entries []BlameEntry `json:"entries"`
}

type StatusResult struct {
	PressureLevel string `json:"pressure_level"`
	Uptime        string `json:"uptime"`
	Version       string `json:"version"`
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd           string   `json:"cmd"`
	Path          string   `json:"path,omitempty"`
	Root          string   `json:"root,omitempty"`
	Roots         []string `json:"roots,omitempty"`
	DryRun        bool     `json:"dry_run,omitempty"`
	VolumeRoot    string   `json:"volume_root,omitempty"`
	Op            string   `json:"op,omitempty"`
	DecisionID    string   `json:"decision_id,omitempty"`
	NeedBytes     int64    `json:"need_bytes,omitempty"`
	TargetFreePct float64  `json:"target_free_pct,omitempty"`
	TopN          int      `json:"top_n,omitempty"`
}

// Response is the JSON structure for operator command responses. At most
// one of the typed result fields is populated, depending on Cmd; protect
// and unprotect populate none.
type Response struct {
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Scan     *ScanResult     `json:"scan,omitempty"`
	Clean    *CleanResult    `json:"clean,omitempty"`
	Check    *CheckResult    `json:"check,omitempty"`
	Ballast  *BallastResult  `json:"ballast,omitempty"`
	List     []string        `json:"list,omitempty"`
	Explain  *ExplainResult  `json:"explain,omitempty"`
	Stats    *StatsResult    `json:"stats,omitempty"`
	Blame    *BlameResult    `json:"blame,omitempty"`
	Status   *StatusResult   `json:"status,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	cmds       Commands
	log        *zap.Logger
	sem        chan struct{}
}

// NewServer creates an operator Server.
func NewServer(socketPath string, cmds Commands, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		cmds:       cmds,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server. Removes any stale
// socket file before binding. Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(conn.RemoteAddr(), req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(_ net.Addr, req Request) Response {
	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()

	switch req.Cmd {
	case "scan":
		r, err := s.cmds.Scan(ctx, req.Root)
		if err != nil {
			return errResp(err)
		}
		return Response{OK: true, Scan: &r}
	case "clean":
		r, err := s.cmds.Clean(ctx, req.DryRun)
		if err != nil {
			return errResp(err)
		}
		return Response{OK: true, Clean: &r}
	case "emergency":
		r, err := s.cmds.Emergency(ctx, req.Roots, req.TargetFreePct)
		if err != nil {
			return errResp(err)
		}
		return Response{OK: true, Clean: &r}
	case "check":
		if req.Path == "" {
			return Response{OK: false, Error: "path required for check"}
		}
		r, err := s.cmds.Check(ctx, req.Path, req.NeedBytes, req.TargetFreePct)
		if err != nil {
			return errResp(err)
		}
		return Response{OK: true, Check: &r}
	case "ballast":
		r, err := s.cmds.Ballast(ctx, req.VolumeRoot, req.Op)
		if err != nil {
			return errResp(err)
		}
		return Response{OK: true, Ballast: &r}
	case "protect":
		if req.Path == "" {
			return Response{OK: false, Error: "path required for protect"}
		}
		if err := s.cmds.Protect(req.Path); err != nil {
			return errResp(err)
		}
		return Response{OK: true}
	case "unprotect":
		if req.Path == "" {
			return Response{OK: false, Error: "path required for unprotect"}
		}
		if err := s.cmds.Unprotect(req.Path); err != nil {
			return errResp(err)
		}
		return Response{OK: true}
	case "list":
		return Response{OK: true, List: s.cmds.ListProtected()}
	case "explain":
		if req.DecisionID == "" {
			return Response{OK: false, Error: "decision_id required for explain"}
		}
		r, err := s.cmds.Explain(req.DecisionID)
		if err != nil {
			return errResp(err)
		}
		return Response{OK: true, Explain: &r}
	case "stats":
		r := s.cmds.Stats()
		return Response{OK: true, Stats: &r}
	case "blame":
		r, err := s.cmds.Blame(req.TopN)
		if err != nil {
			return errResp(err)
		}
		return Response{OK: true, Blame: &r}
	case "status":
		r := s.cmds.Status()
		return Response{OK: true, Status: &r}
	case "config":
		return Response{OK: true, Config: s.cmds.Config()}
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func errResp(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
