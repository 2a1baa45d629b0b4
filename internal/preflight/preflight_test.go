package preflight

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

// initConflictedRepo builds a repo mid-merge with a conflict in file.txt.
func initConflictedRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err != nil && args[1] != "merge" { // the conflicting merge is expected to fail
			require.NoError(t, err, string(out))
		}
	}
	write := func(content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte(content), 0644))
	}

	run("git", "init", "-b", "main")
	run("git", "config", "user.email", "test@test.com")
	run("git", "config", "user.name", "Test")
	write("base\n")
	run("git", "add", ".")
	run("git", "commit", "-m", "base")
	run("git", "checkout", "-b", "feature")
	write("feature change\n")
	run("git", "commit", "-am", "feature")
	run("git", "checkout", "main")
	write("main change\n")
	run("git", "commit", "-am", "main")
	run("git", "merge", "feature")
	return dir
}

func TestMergeInProgress(t *testing.T) {
	requireGit(t)
	dir := initConflictedRepo(t)

	assert.True(t, New(dir, nil).MergeInProgress())
}

func TestMergeInProgress_CleanRepo(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("git", "init", "-b", "main")

	assert.False(t, New(dir, nil).MergeInProgress())
}

func TestRepoClient_ConflictQueries(t *testing.T) {
	requireGit(t)
	dir := initConflictedRepo(t)
	git := newRepoClient(dir)

	inMerge, err := git.IsMergeInProgress(dir)
	require.NoError(t, err)
	assert.True(t, inMerge)

	conflicts, err := git.HasConflicts(dir)
	require.NoError(t, err)
	assert.True(t, conflicts)

	branch, err := git.CurrentBranch(dir)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestRunGit_PreservesStderr(t *testing.T) {
	requireGit(t)
	_, err := runGit(t.TempDir(), "rev-parse", "HEAD")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git rev-parse HEAD")
}
