// Package conflict collects live repository state for the orchestrator: which
// files the index reports as unmerged, their marker counts, and focused diff
// excerpts for each side of the merge.
package conflict

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/joescharf/remerge/internal/models"
)

// Diff excerpts are capped so a pathological conflict cannot blow up prompts.
const maxExcerptChars = 8000

// Collector defines the repository snapshot operations the orchestrator
// needs. All methods reflect live on-disk state; the scheduler relies on
// re-reading, not caching.
type Collector interface {
	CollectConflicts(oursRef, theirsRef string) (*models.RepoSnapshot, error)
	ReadWorkingFile(path string) (string, bool)
	ListConflictedPaths() ([]string, error)
	StageFile(path string) error
	CompareRefs(a, b string) (string, error)
}

// GitCollector implements Collector using real git commands against one repo.
type GitCollector struct {
	dir string
}

// NewGitCollector returns a collector bound to the given repository path.
func NewGitCollector(dir string) *GitCollector {
	return &GitCollector{dir: dir}
}

func (c *GitCollector) git(args ...string) (string, error) {
	fullArgs := append([]string{"-C", c.dir}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// CollectConflicts builds the whole-batch snapshot: divergence summary plus a
// ConflictContext per unmerged path.
func (c *GitCollector) CollectConflicts(oursRef, theirsRef string) (*models.RepoSnapshot, error) {
	paths, err := c.ListConflictedPaths()
	if err != nil {
		return nil, fmt.Errorf("list conflicted paths: %w", err)
	}

	snap := &models.RepoSnapshot{OursRef: oursRef, TheirsRef: theirsRef}
	if oursRef != "" && theirsRef != "" {
		snap.Divergence, _ = c.CompareRefs(oursRef, theirsRef)
	}

	for _, path := range paths {
		snap.Conflicts = append(snap.Conflicts, c.collectOne(path))
	}
	return snap, nil
}

func (c *GitCollector) collectOne(path string) *models.ConflictContext {
	cc := &models.ConflictContext{
		Path:        path,
		Language:    LanguageForPath(path),
		LineCount:   -1,
		MarkerCount: -1,
	}

	if content, ok := c.ReadWorkingFile(path); ok {
		cc.LineCount = strings.Count(content, "\n") + 1
		cc.MarkerCount = CountMarkers(content)
		cc.Diffs.Working = truncate(content, maxExcerptChars)
	}

	// Index stages for an unmerged path: :1 base, :2 ours, :3 theirs.
	cc.Diffs.BaseOurs = c.stageDiff(path, "1", "2")
	cc.Diffs.BaseTheirs = c.stageDiff(path, "1", "3")
	cc.Diffs.OursTheirs = c.stageDiff(path, "2", "3")

	if hist, err := c.git("log", "-5", "--oneline", "--", path); err == nil {
		cc.RecentHistory = hist
	}
	return cc
}

// stageDiff diffs two index stages of an unmerged path. Missing stages (file
// added on only one side) yield an empty excerpt.
func (c *GitCollector) stageDiff(path, a, b string) string {
	out, err := c.git("diff", "--no-color", fmt.Sprintf(":%s:%s", a, path), fmt.Sprintf(":%s:%s", b, path))
	if err != nil {
		return ""
	}
	return truncate(out, maxExcerptChars)
}

// ReadWorkingFile returns the working-tree content of path, or ok=false when
// the file does not exist or cannot be read.
func (c *GitCollector) ReadWorkingFile(path string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(c.dir, path))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// ListConflictedPaths returns every path the index currently reports as
// unmerged.
func (c *GitCollector) ListConflictedPaths() ([]string, error) {
	out, err := c.git("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths, nil
}

// StageFile stages path, clearing its unmerged state in the index.
func (c *GitCollector) StageFile(path string) error {
	_, err := c.git("add", "--", path)
	return err
}

// CompareRefs summarizes how two refs diverged as "ahead N, behind M".
func (c *GitCollector) CompareRefs(a, b string) (string, error) {
	out, err := c.git("rev-list", "--left-right", "--count", a+"..."+b)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return "", fmt.Errorf("unexpected rev-list output: %q", out)
	}
	return fmt.Sprintf("%s ahead %s, behind %s", a, fields[0], fields[1]), nil
}

// CountMarkers counts conflict-marker lines in content. Shared by the
// collector, the strategies' post-condition checks, and the scheduler's
// post-group re-verification. Only git's exact marker grammar counts, so a
// setext underline or table rule in legitimate content never reads as a
// conflict: seven-character runs at column zero, the separator alone on its
// line, the side markers followed by a space or end of line.
func CountMarkers(content string) int {
	count := 0
	for _, line := range strings.Split(content, "\n") {
		if isMarkerLine(strings.TrimSuffix(line, "\r")) {
			count++
		}
	}
	return count
}

func isMarkerLine(line string) bool {
	if line == "=======" {
		return true
	}
	for _, p := range []string{"<<<<<<<", ">>>>>>>", "|||||||"} {
		if line == p || strings.HasPrefix(line, p+" ") {
			return true
		}
	}
	return false
}

var extLanguages = map[string]string{
	".go":    "go",
	".rs":    "rust",
	".py":    "python",
	".ts":    "typescript",
	".tsx":   "typescript",
	".js":    "javascript",
	".jsx":   "javascript",
	".rb":    "ruby",
	".java":  "java",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".cs":    "csharp",
	".swift": "swift",
	".kt":    "kotlin",
	".sh":    "shell",
	".sql":   "sql",
	".md":    "markdown",
	".yaml":  "yaml",
	".yml":   "yaml",
	".json":  "json",
	".toml":  "toml",
}

// LanguageForPath infers a language tag from the file extension.
func LanguageForPath(path string) string {
	if lang, ok := extLanguages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "text"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... [truncated]"
}
