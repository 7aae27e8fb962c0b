package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, string(out))
}

func TestCheckDataDirOutsideRepo(t *testing.T) {
	requireGit(t)

	dir := t.TempDir()
	status := CheckDataDir(dir, []string{"wallet.db"})
	require.False(t, status.IsRepo)
	require.False(t, status.Exposed())
	require.Empty(t, FormatStatus(status))
}

func TestCheckDataDirInsideRepo(t *testing.T) {
	requireGit(t)

	repo := t.TempDir()
	gitCmd(t, repo, "init", "-q")

	dataDir := filepath.Join(repo, "wallet")
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "backups"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "wallet.db"), []byte("db"), 0600))

	status := CheckDataDir(dataDir, []string{"wallet.db", "backups"})
	require.True(t, status.IsRepo)
	require.True(t, status.Exposed())
	require.Equal(t, []string{"wallet.db", "backups"}, status.Unignored)
	require.Contains(t, FormatStatus(status), "wallet.db not in .gitignore")

	ignore := []byte("wallet.db\nbackups\n")
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, ".gitignore"), ignore, 0600))
	status = CheckDataDir(dataDir, []string{"wallet.db", "backups"})
	require.False(t, status.Exposed())
	require.Len(t, status.Ignored, 2)
	require.Contains(t, FormatStatus(status), "ok: 2 wallet file(s) in .gitignore")
}

func TestCheckDataDirTracked(t *testing.T) {
	requireGit(t)

	repo := t.TempDir()
	gitCmd(t, repo, "init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "wallet.db"), []byte("db"), 0600))
	gitCmd(t, repo, "add", "wallet.db")

	status := CheckDataDir(repo, []string{"wallet.db"})
	require.Equal(t, []string{"wallet.db"}, status.Tracked)
	require.Contains(t, FormatStatus(status), "git rm --cached wallet.db")
}
