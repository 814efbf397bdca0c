// Package gitstore provides Git-based storage for change request history.
package gitstore

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"crguard/internal/crguard"
)

const (
	// Directory permissions.
	crDirPerm   = 0o750
	repoDirPerm = 0o750
	// File permissions.
	reportFilePerm = 0o600
	// String replacement constant.
	replacementChar = "-"
	// Longest sanitized path component.
	maxIDLength = 255
	// Retry configuration for git operations.
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	// Git command timeout.
	gitTimeout = 30 * time.Second

	reportsDir      = "reports"
	remediationFile = "remediation.jsonl"
)

// Store keeps CR summaries and remediation histories in a Git repository,
// one directory per change request.
type Store struct {
	gitURL   string
	repoPath string
	clone    bool // repoPath is a temporary clone owned by the store
	mu       sync.Mutex
}

// New opens (or creates) a local repository, or clones a remote one into a
// temporary directory that Close removes.
func New(ctx context.Context, gitURL string) (*Store, error) {
	s := &Store{gitURL: gitURL}
	if !s.local() {
		dir, err := os.MkdirTemp("", "crguard-history-*")
		if err != nil {
			return nil, fmt.Errorf("failed to create clone directory: %w", err)
		}
		s.repoPath, s.clone = dir, true
	}

	if err := s.initialize(ctx); err != nil {
		if closeErr := s.Close(); closeErr != nil {
			log.Printf("[WARN] %v", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize git store: %w", err)
	}

	log.Printf("[INFO] History store initialized: %s (repo: %s)", gitURL, s.repoPath)
	return s, nil
}

// Close removes the temporary clone of a remote repository. Local
// repositories are left alone.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.clone || s.repoPath == "" {
		return nil
	}
	if err := os.RemoveAll(s.repoPath); err != nil {
		return fmt.Errorf("failed to remove clone %s: %w", s.repoPath, err)
	}
	crguard.Debugf("Removed history clone %s", s.repoPath)
	s.repoPath = ""
	return nil
}

func (s *Store) local() bool {
	return filepath.IsAbs(s.gitURL) || strings.HasPrefix(s.gitURL, "./") || strings.HasPrefix(s.gitURL, "../")
}

func (s *Store) initialize(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local() {
		s.repoPath = s.gitURL
		if err := os.MkdirAll(s.repoPath, repoDirPerm); err != nil {
			return fmt.Errorf("failed to create repository directory: %w", err)
		}
		if _, err := os.Stat(filepath.Join(s.repoPath, ".git")); os.IsNotExist(err) {
			log.Printf("[INFO] Initializing new local git repository at %s", s.repoPath)
			if err := s.runGitCommandWithRetry(ctx, "init"); err != nil {
				return fmt.Errorf("failed to init local repository: %w", err)
			}
			if err := s.configureAuthor(ctx); err != nil {
				return err
			}
		} else {
			log.Printf("[INFO] Using existing local git repository %s", s.repoPath)
		}
	} else {
		log.Printf("[INFO] Cloning remote repository: %s", s.gitURL)
		if err := s.runGitCommandInDirWithRetry(ctx, "", "clone", s.gitURL, s.repoPath); err != nil {
			return fmt.Errorf("failed to clone repository: %w", err)
		}
		if err := s.configureAuthor(ctx); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Join(s.repoPath, reportsDir), repoDirPerm); err != nil {
		return fmt.Errorf("failed to create reports directory: %w", err)
	}

	log.Printf("[INFO] History store initialization completed in %v", time.Since(start))
	return nil
}

func (s *Store) configureAuthor(ctx context.Context) error {
	if err := s.runGitCommandWithRetry(ctx, "config", "user.email", "crguard@localhost"); err != nil {
		return err
	}
	return s.runGitCommandWithRetry(ctx, "config", "user.name", "crguard")
}

// crDir returns the directory of a change request, refusing paths that would
// leave the repository.
func (s *Store) crDir(crName string) (string, error) {
	dir := filepath.Join(s.repoPath, reportsDir, sanitizeID(crName))

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve report directory: %w", err)
	}
	absRepoPath, err := filepath.Abs(s.repoPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve repo path: %w", err)
	}
	if !strings.HasPrefix(absDir, absRepoPath+string(filepath.Separator)) {
		return "", errors.New("security error: path traversal detected")
	}
	return dir, nil
}

// SaveSummary writes a CR summary and commits it. The returned path is
// relative to the repository root. Git failures are logged, not returned.
func (s *Store) SaveSummary(ctx context.Context, summary crguard.CRSummary) (string, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.crDir(summary.Name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, crDirPerm); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	id := summary.ID
	if len(id) > 8 {
		id = id[:8]
	}
	name := fmt.Sprintf("%s-%s.json", summary.GeneratedAt.UTC().Format("20060102T150405Z"), sanitizeID(id))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal summary: %w", err)
	}
	changed, err := writeIfChanged(path, data)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(s.repoPath, path)
	if err != nil {
		rel = path
	}
	if !changed {
		log.Printf("[DEBUG] Summary %s unchanged", rel)
		return rel, nil
	}

	s.commit(ctx, fmt.Sprintf("Record CR %s: %.2f%% compliant, successful=%t", summary.Name, summary.OverallCompliance, summary.Successful))
	log.Printf("[INFO] Summary for CR %s saved to %s in %v", summary.Name, rel, time.Since(start))
	return rel, nil
}

// writeIfChanged writes data unless the file already holds the same bytes.
func writeIfChanged(path string, data []byte) (bool, error) {
	existing, err := os.ReadFile(path)
	if err != nil {
		existing = nil
	}
	if existing != nil && sha256.Sum256(existing) == sha256.Sum256(data) {
		return false, nil
	}
	if err := os.WriteFile(path, data, reportFilePerm); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

// ListSummaries loads every stored summary, oldest first. Unreadable files
// are skipped with a warning.
func (s *Store) ListSummaries(ctx context.Context) ([]crguard.CRSummary, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pull(ctx)

	files, err := filepath.Glob(filepath.Join(s.repoPath, reportsDir, "*", "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list summaries: %w", err)
	}

	summaries := make([]crguard.CRSummary, 0, len(files))
	failedCount := 0
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			failedCount++
			log.Printf("[WARN] Failed to read summary %s: %v", f, err)
			continue
		}
		var summary crguard.CRSummary
		if err := json.Unmarshal(data, &summary); err != nil {
			failedCount++
			log.Printf("[WARN] Failed to parse summary %s: %v", f, err)
			continue
		}
		summaries = append(summaries, summary)
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].GeneratedAt.Before(summaries[j].GeneratedAt)
	})

	log.Printf("[INFO] Loaded %d summaries (%d failed) from history in %v",
		len(summaries), failedCount, time.Since(start))
	return summaries, nil
}

// AppendRemediation appends attempts to a CR's remediation log and commits.
func (s *Store) AppendRemediation(ctx context.Context, crName string, attempts []crguard.RemediationAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir, err := s.crDir(crName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, crDirPerm); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, a := range attempts {
		if err := enc.Encode(a); err != nil {
			return fmt.Errorf("failed to marshal remediation attempt: %w", err)
		}
	}

	f, err := os.OpenFile(filepath.Join(dir, remediationFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, reportFilePerm)
	if err != nil {
		return fmt.Errorf("failed to open remediation log: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close() //nolint:errcheck,gosec // already failing
		return fmt.Errorf("failed to append remediation log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close remediation log: %w", err)
	}

	s.commit(ctx, fmt.Sprintf("Record %d remediation attempts for CR %s", len(attempts), crName))
	return nil
}

// LoadRemediation reads a CR's remediation log. A CR without one has no
// history. Malformed lines are skipped.
func (s *Store) LoadRemediation(ctx context.Context, crName string) ([]crguard.RemediationAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pull(ctx)

	dir, err := s.crDir(crName)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(dir, remediationFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []crguard.RemediationAttempt{}, nil
		}
		return nil, fmt.Errorf("failed to open remediation log: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	attempts := []crguard.RemediationAttempt{}
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var a crguard.RemediationAttempt
		if err := json.Unmarshal(scanner.Bytes(), &a); err != nil {
			log.Printf("[WARN] Skipping malformed remediation record %s:%d: %v", crName, line, err)
			continue
		}
		attempts = append(attempts, a)
	}
	if err := scanner.Err(); err != nil {
		return attempts, fmt.Errorf("failed to read remediation log: %w", err)
	}
	return attempts, nil
}

// pull refreshes a cloned repository. Failures leave the local copy in use.
func (s *Store) pull(ctx context.Context) {
	if s.local() {
		return
	}
	if err := retry.Do(func() error {
		return s.runGitCommand(ctx, "pull")
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
		log.Printf("[WARN] Git pull failed: %v (continuing with local data)", err)
	}
}

// commit stages everything, commits when there are changes and pushes cloned
// repositories. The files on disk are already written, so git failures only
// degrade history sharing and are logged.
func (s *Store) commit(ctx context.Context, msg string) {
	if err := retry.Do(func() error {
		return s.runGitCommand(ctx, "add", "-A")
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
		log.Printf("[WARN] Git add failed: %v", err)
		return
	}

	status, err := retry.DoWithData(func() (string, error) {
		return s.runGitCommandOutput(ctx, "status", "--porcelain")
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
	if err != nil {
		log.Printf("[WARN] Git status failed: %v", err)
		return
	}
	if strings.TrimSpace(status) == "" {
		crguard.Debugf("No history changes to commit")
		return
	}

	if err := retry.Do(func() error {
		return s.runGitCommand(ctx, "commit", "-m", msg)
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
		log.Printf("[WARN] Git commit failed: %v", err)
		return
	}

	if s.local() {
		return
	}
	if err := retry.Do(func() error {
		return s.runGitCommand(ctx, "push")
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff)); err != nil {
		log.Printf("[WARN] Git push failed: %v", err)
	} else {
		crguard.Debugf("History pushed to remote repository")
	}
}

func (s *Store) runGitCommand(ctx context.Context, args ...string) error {
	return s.runGitCommandInDir(ctx, s.repoPath, args...)
}

func (s *Store) runGitCommandWithRetry(ctx context.Context, args ...string) error {
	return s.runGitCommandInDirWithRetry(ctx, s.repoPath, args...)
}

func (s *Store) runGitCommandInDirWithRetry(ctx context.Context, dir string, args ...string) error {
	return retry.Do(func() error {
		return s.runGitCommandInDir(ctx, dir, args...)
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
}

func (*Store) runGitCommandInDir(ctx context.Context, dir string, args ...string) error {
	// Add timeout to prevent hanging git operations
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	output, err := cmd.CombinedOutput()
	duration := time.Since(start)

	if err != nil {
		crguard.Debugf("Git command failed in %v: git %v (error: %v, output: %s)",
			duration, args, err, string(output))
		return fmt.Errorf("git %v failed: %w\n%s", args, err, output)
	}

	crguard.Debugf("Git command completed in %v: git %v", duration, args)
	return nil
}

func (s *Store) runGitCommandOutput(ctx context.Context, args ...string) (string, error) {
	// Add timeout to prevent hanging git operations
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.repoPath

	output, err := cmd.Output()
	duration := time.Since(start)

	if err != nil {
		crguard.Debugf("Git output command failed in %v: git %v (error: %v)", duration, args, err)
		return "", fmt.Errorf("git %v failed: %w", args, err)
	}

	crguard.Debugf("Git output command completed in %v: git %v", duration, args)
	return string(output), nil
}

// sanitizeID turns an arbitrary name into a single safe path component.
// Separators and shell-special characters become '-', runs collapse, and
// dot-only segments such as ".." are dropped.
func sanitizeID(id string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, id)

	var parts []string
	for _, part := range strings.Split(mapped, replacementChar) {
		if strings.Trim(part, ".") == "" {
			continue
		}
		parts = append(parts, part)
	}
	out := strings.Join(parts, replacementChar)
	if out == "" {
		return "unknown"
	}
	if len(out) > maxIDLength {
		out = out[:maxIDLength]
	}
	return out
}
