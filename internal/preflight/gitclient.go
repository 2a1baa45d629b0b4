package preflight

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joescharf/wt/pkg/gitops"
)

// repoClient implements gitops.Client against one repository path so the wt
// ops package, which expects a single-repo client, can drive the target repo.
type repoClient struct {
	repoPath string
}

func newRepoClient(repoPath string) gitops.Client {
	return &repoClient{repoPath: repoPath}
}

// runGit executes git in dir, preserving stderr in the error.
func runGit(dir string, args ...string) (string, error) {
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// runGitCombined is for operations whose useful diagnostics land on stdout.
func runGitCombined(dir string, args ...string) error {
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *repoClient) git(args ...string) (string, error) { return runGit(c.repoPath, args...) }

func (c *repoClient) RepoRoot() (string, error) { return c.repoPath, nil }
func (c *repoClient) RepoName() (string, error) { return filepath.Base(c.repoPath), nil }
func (c *repoClient) WorktreesDir() (string, error) {
	return c.repoPath + ".worktrees", nil
}

func (c *repoClient) WorktreeList() ([]gitops.WorktreeInfo, error) {
	out, err := c.git("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return gitops.ParseWorktreeListPorcelain(out), nil
}

func (c *repoClient) WorktreeAdd(path, branch, base string, newBranch bool) error {
	if newBranch {
		return runGitCombined(c.repoPath, "worktree", "add", "-b", branch, path, base)
	}
	return runGitCombined(c.repoPath, "worktree", "add", path, branch)
}

func (c *repoClient) WorktreeRemove(path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	return runGitCombined(c.repoPath, append(args, path)...)
}

func (c *repoClient) WorktreePrune() error {
	_, err := c.git("worktree", "prune")
	return err
}

func (c *repoClient) ResolveWorktree(input string) (string, error) {
	return gitops.ResolveWorktreePath(input, c.repoPath+".worktrees")
}

func (c *repoClient) BranchExists(branch string) (bool, error) {
	err := exec.Command("git", "-C", c.repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branch).Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *repoClient) BranchList() ([]string, error) {
	out, err := c.git("branch", "--format=%(refname:short)")
	if err != nil || out == "" {
		return nil, err
	}
	return strings.Split(out, "\n"), nil
}

func (c *repoClient) BranchDelete(branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := c.git("branch", flag, branch)
	return err
}

func (c *repoClient) CurrentBranch(worktreePath string) (string, error) {
	return runGit(worktreePath, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *repoClient) IsWorktreeDirty(path string) (bool, error) {
	out, err := runGit(path, "status", "--porcelain")
	return out != "", err
}

func (c *repoClient) HasUnpushedCommits(path, baseBranch string) (bool, error) {
	out, err := runGit(path, "log", baseBranch+"..HEAD", "--oneline")
	return out != "", err
}

func (c *repoClient) CommitsAhead(worktreePath, baseBranch string) (int, error) {
	out, err := runGit(worktreePath, "rev-list", "--count", baseBranch+"..HEAD")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(out)
}

func (c *repoClient) CommitsBehind(worktreePath, baseBranch string) (int, error) {
	out, err := runGit(worktreePath, "rev-list", "--count", "HEAD.."+baseBranch)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(out)
}

func (c *repoClient) Merge(repoPath, branch string) error {
	return runGitCombined(repoPath, "merge", branch)
}

func (c *repoClient) MergeContinue(repoPath string) error {
	return runGitCombined(repoPath, "merge", "--continue")
}

func (c *repoClient) IsMergeInProgress(repoPath string) (bool, error) {
	_, err := runGit(repoPath, "rev-parse", "MERGE_HEAD")
	return err == nil, nil
}

func (c *repoClient) HasConflicts(repoPath string) (bool, error) {
	out, err := runGit(repoPath, "diff", "--name-only", "--diff-filter=U")
	return out != "", err
}

func (c *repoClient) Rebase(repoPath, branch string) error {
	return runGitCombined(repoPath, "rebase", branch)
}

func (c *repoClient) RebaseContinue(repoPath string) error {
	return runGitCombined(repoPath, "rebase", "--continue")
}

func (c *repoClient) RebaseAbort(repoPath string) error {
	return runGitCombined(repoPath, "rebase", "--abort")
}

func (c *repoClient) IsRebaseInProgress(repoPath string) (bool, error) {
	gitDir, err := runGit(repoPath, "rev-parse", "--git-dir")
	if err != nil {
		return false, err
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(repoPath, gitDir)
	}
	for _, dir := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(gitDir, dir)); err == nil {
			return true, nil
		}
	}
	return false, nil
}

func (c *repoClient) Pull(repoPath string) error {
	return runGitCombined(repoPath, "pull")
}

func (c *repoClient) Push(worktreePath, branch string, setUpstream bool) error {
	args := []string{"push"}
	if setUpstream {
		args = append(args, "-u", "origin", branch)
	} else {
		args = append(args, "origin", branch)
	}
	return runGitCombined(worktreePath, args...)
}

func (c *repoClient) Fetch(repoPath string) error {
	return runGitCombined(repoPath, "fetch")
}

func (c *repoClient) HasRemote() (bool, error) {
	out, err := c.git("remote")
	if err != nil {
		return false, nil
	}
	return out != "", nil
}
