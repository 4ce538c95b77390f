package shard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrBranchNotFound is returned by CloneRepo when the requested branch does
// not exist on the remote.
var ErrBranchNotFound = errors.New("remote branch not found")

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidJobID reports whether id is safe to use as a workspace directory name.
func ValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// agentPermissions is the fixed tool policy written for every run. Runs
// are isolated by process and filesystem, so the agent gets broad tool
// access inside its workspace.
var agentPermissions = map[string][]string{
	"allow": {
		"Bash(*)",
		"Read(*)",
		"Write(*)",
		"Edit(*)",
		"Glob(*)",
		"Grep(*)",
		"WebFetch(*)",
		"WebSearch(*)",
	},
	"deny": {},
}

// Workspace is the per-run sandbox {base}/{jobID}/{repo,.claude}. The base
// directory doubles as the agent's HOME.
type Workspace struct {
	root       string
	basePath   string
	repoPath   string
	configPath string
	cloned     bool
}

// NewWorkspace returns the workspace for jobID under root. Nothing is
// created until Init.
func NewWorkspace(root, jobID string) *Workspace {
	base := filepath.Join(root, jobID)
	return &Workspace{
		root:       filepath.Clean(root),
		basePath:   base,
		repoPath:   filepath.Join(base, "repo"),
		configPath: filepath.Join(base, ".claude"),
	}
}

// contained fails unless the workspace is a direct child of its root.
func (w *Workspace) contained() error {
	if filepath.Dir(w.basePath) != w.root {
		return fmt.Errorf("workspace %s is outside root %s", w.basePath, w.root)
	}
	return nil
}

// Init creates the directory tree.
func (w *Workspace) Init() error {
	if err := w.contained(); err != nil {
		return err
	}
	for _, dir := range []string{w.basePath, w.configPath} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	return nil
}

// WriteAgentSettings writes .claude/settings.json with the fixed permission
// policy and the given MCP server definitions.
func (w *Workspace) WriteAgentSettings(mcpServers map[string]json.RawMessage) error {
	if mcpServers == nil {
		mcpServers = map[string]json.RawMessage{}
	}
	settings := map[string]any{
		"permissions": agentPermissions,
		"mcpServers":  mcpServers,
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encode agent settings: %w", err)
	}

	path := filepath.Join(w.configPath, "settings.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write agent settings: %w", err)
	}
	return nil
}

// CloneRepo performs a shallow single-branch clone into the repo directory.
// The token travels inside the URL, never on the command line of a shell,
// and is scrubbed from any error returned.
func (w *Workspace) CloneRepo(ctx context.Context, repoURL, token, branch string) error {
	authURL, err := authenticatedURL(repoURL, token)
	if err != nil {
		return err
	}

	args := []string{"clone", "--depth", "1", "--single-branch"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, authURL, w.repoPath)

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = w.basePath
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "HOME="+w.basePath)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if token != "" {
			msg = strings.ReplaceAll(msg, token, "***")
		}
		if msg == "" {
			msg = err.Error()
		}
		if branch != "" && isMissingBranch(msg) {
			return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
		}
		return fmt.Errorf("git clone failed: %s", msg)
	}

	w.cloned = true
	return nil
}

func isMissingBranch(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "remote branch") && strings.Contains(lower, "not found")
}

// authenticatedURL injects token as HTTPS basic credentials. Non-HTTPS
// URLs are returned unchanged.
func authenticatedURL(repoURL, token string) (string, error) {
	if token == "" || !strings.HasPrefix(repoURL, "https://") {
		return repoURL, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("parse repo url: %w", err)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

// WorkingDir is the repo directory once cloned, otherwise the base path.
func (w *Workspace) WorkingDir() string {
	if w.cloned {
		return w.repoPath
	}
	if info, err := os.Stat(filepath.Join(w.repoPath, ".git")); err == nil && info.IsDir() {
		return w.repoPath
	}
	return w.basePath
}

// Home is the isolated HOME for the agent subprocess.
func (w *Workspace) Home() string { return w.basePath }

// Cleanup removes the workspace. Missing workspaces are not an error.
func (w *Workspace) Cleanup() error {
	if err := w.contained(); err != nil {
		return err
	}
	if err := os.RemoveAll(w.basePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove workspace %s: %w", w.basePath, err)
	}
	w.cloned = false
	return nil
}
