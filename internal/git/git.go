package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// Status describes how git sees the wallet files of a data directory
type Status struct {
	IsRepo    bool
	Tracked   []string // Wallet files tracked by git (bad)
	Unignored []string // Wallet files not in .gitignore (warning)
	Ignored   []string // Wallet files in .gitignore (good)
}

// Exposed reports whether any wallet file could end up in a commit
func (s *Status) Exposed() bool {
	return len(s.Tracked) > 0 || len(s.Unignored) > 0
}

// IsGitRepo checks if dir is inside a git work tree
func IsGitRepo(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	return cmd.Run() == nil
}

// IsTracked checks if a file is tracked by git
func IsTracked(dir, path string) bool {
	cmd := exec.Command("git", "ls-files", "--", path)
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return false
	}

	return len(strings.TrimSpace(string(output))) > 0
}

// IsIgnored checks if a file is ignored by git (handles all .gitignore files)
func IsIgnored(dir, path string) bool {
	cmd := exec.Command("git", "check-ignore", "-q", "--", path)
	cmd.Dir = dir

	// git check-ignore returns exit code 0 if file is ignored
	return cmd.Run() == nil
}

// CheckDataDir reports the git status of files, given relative to dataDir.
// A data directory outside any work tree yields IsRepo false.
func CheckDataDir(dataDir string, files []string) *Status {
	status := &Status{}
	if !IsGitRepo(dataDir) {
		return status
	}
	status.IsRepo = true

	for _, file := range files {
		switch {
		case IsTracked(dataDir, file):
			status.Tracked = append(status.Tracked, file)
		case IsIgnored(dataDir, file):
			status.Ignored = append(status.Ignored, file)
		default:
			status.Unignored = append(status.Unignored, file)
		}
	}
	return status
}

// FormatStatus formats the status for display. It is empty outside a
// work tree.
func FormatStatus(status *Status) string {
	if !status.IsRepo {
		return ""
	}

	var result strings.Builder
	result.WriteString("\nGit:\n")
	result.WriteString("   warning: the data directory is inside a git work tree\n")

	for _, file := range status.Tracked {
		result.WriteString(fmt.Sprintf("   error: %s is tracked by git (run: git rm --cached %s)\n", file, file))
	}
	for _, file := range status.Unignored {
		result.WriteString(fmt.Sprintf("   warning: %s not in .gitignore\n", file))
	}
	if !status.Exposed() && len(status.Ignored) > 0 {
		result.WriteString(fmt.Sprintf("   ok: %d wallet file(s) in .gitignore\n", len(status.Ignored)))
	}

	return result.String()
}
