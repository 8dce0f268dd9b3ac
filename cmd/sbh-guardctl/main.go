// Package main — cmd/sbh-guardctl/main.go
//
// sbh-guardctl is a thin client for sbh-guardd's operator Unix socket: it
// marshals one operator.Request from its CLI arguments, writes it to the
// socket, reads back one operator.Response, and prints the result.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Mirrors internal/operator's wire types rather than importing the
// package directly: sbh-guardctl talks to the daemon only over the
// socket, never in-process, so it has no need of the daemon's Go API.
type request struct {
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

const dialTimeout = 5 * time.Second

func main() {
	socketPath := flag.String("socket", "/run/sbh-guard/operator.sock", "Path to the operator Unix socket")
	path := flag.String("path", "", "Target path (check, protect, unprotect)")
	root := flag.String("root", "", "Watched root (scan; empty means all roots)")
	roots := flag.String("roots", "", "Comma-separated watched roots (emergency; empty means all roots)")
	dryRun := flag.Bool("dry-run", false, "Report what clean would do without deleting (clean)")
	volumeRoot := flag.String("volume-root", "", "Ballast volume root (ballast)")
	op := flag.String("op", "inventory", "Ballast operation: provision|release|inventory (ballast)")
	decisionID := flag.String("decision-id", "", "Decision id (explain)")
	needBytes := flag.Int64("need-bytes", 0, "Bytes the caller needs freed (check)")
	targetFreePct := flag.Float64("target-free-pct", 0, "Target free percentage after reclaim (check, emergency)")
	topN := flag.Int("top-n", 10, "Number of top directories to rank (blame)")
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: sbh-guardctl [flags] <scan|clean|emergency|check|ballast|protect|unprotect|list|explain|stats|blame|status|config>")
		os.Exit(1)
	}
	cmd := args[0]

	var rootList []string
	if *roots != "" {
		for _, r := range strings.Split(*roots, ",") {
			rootList = append(rootList, strings.TrimSpace(r))
		}
	}

	req := request{
		Cmd:           cmd,
		Path:          *path,
		Root:          *root,
		Roots:         rootList,
		DryRun:        *dryRun,
		VolumeRoot:    *volumeRoot,
		Op:            *op,
		DecisionID:    *decisionID,
		NeedBytes:     *needBytes,
		TargetFreePct: *targetFreePct,
		TopN:          *topN,
	}

	resp, err := send(*socketPath, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sbh-guardctl: %v\n", err)
		os.Exit(2)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "sbh-guardctl: marshal response: %v\n", err)
		os.Exit(2)
	}
	fmt.Println(string(out))

	if ok, _ := resp["ok"].(bool); !ok {
		os.Exit(1)
	}
}

func send(socketPath string, req request) (map[string]any, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", socketPath, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(dialTimeout))

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if c, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = c.CloseWrite()
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp map[string]any
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return resp, nil
}
