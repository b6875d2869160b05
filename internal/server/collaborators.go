package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/watchloop/agentsup/internal/handoff"
	"github.com/watchloop/agentsup/internal/mux"
	"github.com/watchloop/agentsup/internal/project"
	"github.com/watchloop/agentsup/internal/reviewer"
	"github.com/watchloop/agentsup/internal/store"
	"github.com/watchloop/agentsup/internal/supervisor"
)

// hubPaneOps implements hub.PaneOps by combining the multiplexer adapter
// (zoom/select) with the supervisor's session-to-pane lookup.
type hubPaneOps struct {
	mux *mux.Adapter
	sv  *supervisor.Supervisor
}

func (p *hubPaneOps) SelectPane(paneID string) error       { return p.mux.SelectPane(paneID) }
func (p *hubPaneOps) IsZoomed(paneID string) (bool, error) { return p.mux.IsZoomed(paneID) }
func (p *hubPaneOps) ResizePaneZoom(paneID string) error   { return p.mux.ResizePaneZoom(paneID) }
func (p *hubPaneOps) PaneID(sessionID string) (string, bool) { return p.sv.PaneID(sessionID) }

// reviewerSessionResolver implements reviewer.SessionResolver over the
// supervisor and the project registry.
type reviewerSessionResolver struct {
	sv       *supervisor.Supervisor
	projects *project.Registry
}

func (r *reviewerSessionResolver) ResolveSession(ctx context.Context, sessionID string) (reviewer.SessionInfo, bool) {
	row, err := r.sv.GetSession(ctx, sessionID)
	if err != nil {
		return reviewer.SessionInfo{}, false
	}
	var repoPath string
	if p, ok := r.projects.Get(row.ProjectID); ok {
		repoPath = p.RepoPath
	}
	return reviewer.SessionInfo{SessionID: row.ID, TicketID: row.TicketID, RepoPath: repoPath}, true
}

// cwdResolver implements waiting.SessionResolver, resolving a hook
// payload's cwd to a running session by matching its project's repoPath.
type cwdResolver struct {
	sv       *supervisor.Supervisor
	projects *project.Registry
}

func (r *cwdResolver) ResolveByCwd(ctx context.Context, cwd string) (string, bool) {
	if cwd == "" {
		return "", false
	}
	sessions, err := r.sv.ListSessions(ctx, "")
	if err != nil {
		return "", false
	}
	for _, s := range sessions {
		if s.Status != store.SessionRunning {
			continue
		}
		p, ok := r.projects.Get(s.ProjectID)
		if !ok || p.RepoPath == "" {
			continue
		}
		if cwd == p.RepoPath || strings.HasPrefix(cwd, p.RepoPath+string(filepath.Separator)) {
			return s.ID, true
		}
	}
	return "", false
}

func (r *cwdResolver) AnyRecentSession(ctx context.Context) (string, bool) {
	sessions, err := r.sv.ListSessions(ctx, "")
	if err != nil {
		return "", false
	}
	for _, s := range sessions {
		if s.Status == store.SessionRunning {
			return s.ID, true
		}
	}
	return "", false
}

// handoffSessions adapts the supervisor's StartTicketSession (which takes
// a params struct) to handoff.SessionManager's flat signature.
type handoffSessions struct {
	sv *supervisor.Supervisor
}

func (h *handoffSessions) SendInput(ctx context.Context, sessionID, text string) error {
	return h.sv.SendInput(ctx, sessionID, text)
}

func (h *handoffSessions) StopSession(ctx context.Context, sessionID string, force bool) error {
	return h.sv.StopSession(ctx, sessionID, force)
}

func (h *handoffSessions) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	return h.sv.GetSession(ctx, sessionID)
}

func (h *handoffSessions) StartTicketSession(ctx context.Context, projectID, ticketID, cwd, parentID string) (store.Session, error) {
	return h.sv.StartTicketSession(ctx, supervisor.StartTicketSessionParams{
		ProjectID: projectID, TicketID: ticketID, Cwd: cwd, ParentID: parentID,
	})
}

// contextThresholdHandoff glues the Context Monitor's threshold event to
// the Auto-Handoff Controller; there is no direct dependency between the
// two packages, so the server wires them through the bus.
func contextThresholdHandoff(ctrl *handoff.Controller) func(sessionID string) {
	return func(sessionID string) {
		go ctrl.Start(context.Background(), sessionID)
	}
}

// claudeProjectsDirName encodes a repo path the way Claude Code's own
// transcript directory naming does, grounded on the retrieval pack's
// monitor.encodeProjectPath (mrf-agent-racer): every path separator
// becomes a literal hyphen, including the leading one.
func claudeProjectsDirName(repoPath string) string {
	clean := filepath.Clean(repoPath)
	return strings.ReplaceAll(clean, "/", "-")
}

// transcriptResolver implements contextmon.PathResolver: it locates the
// newest *.jsonl transcript file under a project's Claude directory.
type transcriptResolver struct {
	projects *project.Registry
}

func newTranscriptResolver(p *project.Registry) *transcriptResolver {
	return &transcriptResolver{projects: p}
}

func (t *transcriptResolver) ResolveTranscriptPath(ctx context.Context, sessionID, projectID string) (string, error) {
	p, ok := t.projects.Get(projectID)
	if !ok {
		return "", fmt.Errorf("server: unknown project %q", projectID)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("server: resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".claude", "projects", claudeProjectsDirName(p.RepoPath))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("server: read claude project dir: %w", err)
	}
	var bestPath string
	var bestMod int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mt := info.ModTime().Unix(); mt >= bestMod {
			bestMod = mt
			bestPath = filepath.Join(dir, e.Name())
		}
	}
	if bestPath == "" {
		return "", fmt.Errorf("server: no transcript files found in %s", dir)
	}
	return bestPath, nil
}

// lazySink implements ptybridge.Sink by forwarding to a hub that doesn't
// exist yet at the time the bridge is constructed; New requires both ends
// to reference each other, so this breaks the cycle.
type lazySink struct {
	target ptybridgeSink
}

type ptybridgeSink interface {
	OnPTYData(connectionID string, data []byte)
	OnPTYExit(connectionID string)
}

func (l *lazySink) bind(target ptybridgeSink) { l.target = target }

func (l *lazySink) OnPTYData(connectionID string, data []byte) {
	if l.target != nil {
		l.target.OnPTYData(connectionID, data)
	}
}

func (l *lazySink) OnPTYExit(connectionID string) {
	if l.target != nil {
		l.target.OnPTYExit(connectionID)
	}
}

// fileTestOutputReader implements reviewer.TestOutputReader by reading a
// conventional log path a test runner may have written; this rewrite
// ships no CI integration, so it is a passive read of a path the operator
// controls rather than something that executes tests itself.
type fileTestOutputReader struct{}

func (fileTestOutputReader) ReadTestOutput(ctx context.Context, repoPath string) (string, error) {
	if repoPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Join(repoPath, ".agentsup", "test-output.log"))
	if err != nil {
		return "", nil
	}
	return string(data), nil
}
