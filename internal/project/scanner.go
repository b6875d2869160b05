package project

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/watchloop/agentsup/internal/store"
)

// Scanner discovers ticket markdown files under a project's ticketsPath
// and syncs them into the repository contract. Adapted from the
// teacher's filebrowser path-listing/validation logic (internal/filebrowser
// `Browser.List`/`validatePath`), repurposed from a browse-any-file UI
// helper into a bounded ticket-file walk.
type Scanner struct {
	store  *store.Store
	logger *slog.Logger
}

func NewScanner(st *store.Store, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{store: st, logger: logger}
}

// frontMatter is the minimal `key: value` header block a ticket markdown
// file may start with, delimited by `---` lines. Unlike the teacher's
// filebrowser (which serves arbitrary files read-only), this parsing
// extracts just enough structure to populate a Ticket row.
type frontMatter struct {
	ID         string
	ExternalID string
	Title      string
}

// Scan reads the *.md files directly inside p.TicketsPath (subdirectories
// are not descended into) and upserts one Ticket row per file. It never downgrades an existing
// ticket's state (store.UpsertTicket leaves state alone on conflict) —
// the Ticket State Machine owns that column exclusively.
func (s *Scanner) Scan(ctx context.Context, p Project) (int, error) {
	if p.TicketsPath == "" {
		return 0, nil
	}
	root, err := filepath.Abs(p.TicketsPath)
	if err != nil {
		return 0, fmt.Errorf("project: invalid ticketsPath: %w", err)
	}
	if err := validateUnderRoot(root, p.RepoPath); err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("project: read ticketsPath: %w", err)
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		filePath := filepath.Join(root, e.Name())
		t, err := s.parseTicketFile(filePath)
		if err != nil {
			s.logger.Warn("project: skipping unparseable ticket file", "path", filePath, "err", err)
			continue
		}
		if err := s.store.UpsertTicket(ctx, t); err != nil {
			return count, fmt.Errorf("project: upsert ticket %s: %w", t.ID, err)
		}
		count++
	}
	return count, nil
}

func (s *Scanner) parseTicketFile(path string) (store.Ticket, error) {
	f, err := os.Open(path)
	if err != nil {
		return store.Ticket{}, err
	}
	defer f.Close()

	fm, body, err := parseFrontMatter(f)
	if err != nil {
		return store.Ticket{}, err
	}

	if fm.Title == "" {
		fm.Title = firstHeading(body)
	}
	if fm.ID == "" {
		fm.ID = ticketIDFromPath(path)
	}

	return store.Ticket{
		ID:         fm.ID,
		ExternalID: fm.ExternalID,
		Title:      fm.Title,
		State:      store.TicketBacklog,
		FilePath:   path,
		IsAdhoc:    false,
	}, nil
}

// parseFrontMatter reads an optional `---`-delimited key: value header
// and returns it plus the remaining body lines.
func parseFrontMatter(f *os.File) (frontMatter, []string, error) {
	scanner := bufio.NewScanner(f)
	var fm frontMatter
	var body []string

	if !scanner.Scan() {
		return fm, body, scanner.Err()
	}
	first := scanner.Text()
	if strings.TrimSpace(first) != "---" {
		body = append(body, first)
		for scanner.Scan() {
			body = append(body, scanner.Text())
		}
		return fm, body, scanner.Err()
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "---" {
			break
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		switch strings.ToLower(key) {
		case "id":
			fm.ID = val
		case "externalid", "external_id":
			fm.ExternalID = val
		case "title":
			fm.Title = val
		}
	}
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	return fm, body, scanner.Err()
}

func firstHeading(body []string) string {
	for _, line := range body {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
	}
	return ""
}

// ticketIDFromPath derives a stable id from the file path when the
// markdown has no explicit id field.
func ticketIDFromPath(path string) string {
	sum := sha1.Sum([]byte(path))
	return "tk_" + hex.EncodeToString(sum[:8])
}

// validateUnderRoot mirrors the teacher's filebrowser.validatePath symlink
// -aware prefix check, scoped to the project's own repo tree instead of
// the user's home directory.
func validateUnderRoot(path, allowedRoot string) error {
	if allowedRoot == "" {
		return nil
	}
	resolvedRoot, err := filepath.EvalSymlinks(allowedRoot)
	if err != nil {
		resolvedRoot = allowedRoot
	}
	resolvedPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolvedPath = path
	}
	if resolvedPath == resolvedRoot {
		return nil
	}
	if strings.HasPrefix(resolvedPath+string(filepath.Separator), resolvedRoot+string(filepath.Separator)) {
		return nil
	}
	return fmt.Errorf("project: ticketsPath %q escapes project root %q", path, allowedRoot)
}
