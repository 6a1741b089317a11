package githubx

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/shanelindsay/orchhub/internal/schedule"
)

var slugInvalidRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases title and collapses everything but letters/digits
// into single hyphens, trimming leading/trailing hyphens.
func Slugify(title string) string {
	s := slugInvalidRe.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "issue"
	}
	const maxSlugLen = 40
	if len(s) > maxSlugLen {
		s = strings.Trim(s[:maxSlugLen], "-")
	}
	return s
}

// BranchName returns the per-issue branch name, e.g. "ai/iss-42-fix-login".
func BranchName(issue int, title string) string {
	return fmt.Sprintf("ai/iss-%d-%s", issue, Slugify(title))
}

// WorktreePath returns the per-issue worktree directory under root.
func WorktreePath(root string, issue int) string {
	return filepath.Join(root, fmt.Sprintf("iss-%d", issue))
}

// EnsureWorktree creates a git worktree for issue at WorktreePath(root,
// issue) on BranchName(issue, title), branching from base. If the
// worktree directory already exists, it is left untouched and its path
// returned as-is.
func EnsureWorktree(repoPath, root, base string, issue int, title string) (branch, worktree string, err error) {
	branch = BranchName(issue, title)
	worktree = WorktreePath(root, issue)

	absWorktree := worktree
	if !filepath.IsAbs(absWorktree) {
		absWorktree = filepath.Join(repoPath, worktree)
	}
	if _, statErr := os.Stat(absWorktree); statErr == nil {
		return branch, worktree, nil
	}
	if err := os.MkdirAll(filepath.Dir(absWorktree), 0o755); err != nil {
		return "", "", fmt.Errorf("mkdir worktree root: %w", err)
	}

	if base == "" {
		base = "HEAD"
	}

	cmd := exec.Command("git", "worktree", "add", "-b", branch, absWorktree, base)
	cmd.Dir = repoPath
	out, runErr := cmd.CombinedOutput()
	if runErr != nil {
		return "", "", fmt.Errorf("git worktree add %s: %w: %s", branch, runErr, trimmed(string(out)))
	}
	return branch, worktree, nil
}

// RemoveWorktree removes a previously created worktree and deletes its
// branch. Used when an issue's agent closes without producing a PR.
func RemoveWorktree(repoPath, worktree, branch string) error {
	cmd := exec.Command("git", "worktree", "remove", "--force", worktree)
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove %s: %w: %s", worktree, err, trimmed(string(out)))
	}
	cmd = exec.Command("git", "branch", "-D", branch)
	cmd.Dir = repoPath
	_ = cmd.Run() // best-effort; branch may already be merged/deleted
	return nil
}

var slaLabelRe = regexp.MustCompile(`^(checkin|budget):(\d+)([smhd])$`)

// ParseSLALabels scans labels for "checkin:<dur>" and "budget:<dur>"
// entries and returns their values in seconds. Single-unit durations
// including days ("budget:2d") are matched directly; anything else falls
// back to Go duration syntax ("checkin:2h30m"), which has no day unit. A
// label not present yields 0.
func ParseSLALabels(labels []string) (checkinSeconds, budgetSeconds int) {
	for _, label := range labels {
		if m := slaLabelRe.FindStringSubmatch(label); m != nil {
			n, err := strconv.Atoi(m[2])
			if err != nil {
				continue
			}
			seconds := n * unitSeconds(m[3])
			switch m[1] {
			case "checkin":
				checkinSeconds = seconds
			case "budget":
				budgetSeconds = seconds
			}
			continue
		}
		if d, ok := schedule.ParseLabelDuration(label, "checkin"); ok {
			checkinSeconds = int(d.Seconds())
		} else if d, ok := schedule.ParseLabelDuration(label, "budget"); ok {
			budgetSeconds = int(d.Seconds())
		}
	}
	return checkinSeconds, budgetSeconds
}

func unitSeconds(unit string) int {
	switch unit {
	case "s":
		return 1
	case "m":
		return 60
	case "h":
		return 3600
	case "d":
		return 86400
	default:
		return 1
	}
}

var blockedByLabelRe = regexp.MustCompile(`^blocked-by:(.+)$`)
var blockedByLineRe = regexp.MustCompile(`(?i)blocked by:?\s*((?:#\d+[,\s]*)+)`)
var issueRefRe = regexp.MustCompile(`#(\d+)`)

// ParseBlockers extracts blocking issue numbers from "blocked-by:#N[,#M]"
// labels and "Blocked by: #N" lines in the issue body.
func ParseBlockers(labels []string, body string) []int {
	seen := map[int]struct{}{}
	var out []int
	add := func(n int) {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}

	for _, label := range labels {
		m := blockedByLabelRe.FindStringSubmatch(label)
		if m == nil {
			continue
		}
		for _, ref := range issueRefRe.FindAllStringSubmatch(m[1], -1) {
			if n, err := strconv.Atoi(ref[1]); err == nil {
				add(n)
			}
		}
	}

	for _, m := range blockedByLineRe.FindAllStringSubmatch(body, -1) {
		for _, ref := range issueRefRe.FindAllStringSubmatch(m[1], -1) {
			if n, err := strconv.Atoi(ref[1]); err == nil {
				add(n)
			}
		}
	}
	return out
}
