package githubx

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Charter is the structured task extracted from an issue body's headings.
type Charter struct {
	Goal       string
	Acceptance []string
	ScopeNotes []string
	Validation string
}

var (
	headingRe   = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*$`)
	nonAlnumRe  = regexp.MustCompile(`[^a-z0-9]+`)
	checkboxRe  = regexp.MustCompile(`^[-*+]\s*(?:\[[ xX*]\]\s*)?(.*)$`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

var sectionKeys = map[string][]string{
	"goal":       {"goal"},
	"acceptance": {"acceptance-checklist", "acceptance", "acceptance-criteria"},
	"scope":      {"scope", "scope-notes"},
	"validation": {"validation", "test-plan", "tests"},
}

func normalizeHeading(text string) string {
	cleaned := nonAlnumRe.ReplaceAllString(strings.ToLower(text), "-")
	return strings.Trim(cleaned, "-")
}

// ParseCharter extracts goal, acceptance checklist, scope, and validation
// sections from an issue body by heading name, tolerating heading variants
// ("Acceptance Criteria", "Test Plan") and prefix matches ("goal-and-background").
func ParseCharter(body string) Charter {
	sections := map[string][]string{"__preamble__": nil}
	current := "__preamble__"
	for _, line := range strings.Split(body, "\n") {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			current = normalizeHeading(m[1])
			if _, ok := sections[current]; !ok {
				sections[current] = nil
			}
			continue
		}
		sections[current] = append(sections[current], strings.TrimRight(line, " \t\r"))
	}

	section := func(keys []string) []string {
		for _, key := range keys {
			if lines, ok := sections[key]; ok {
				return lines
			}
		}
		names := make([]string, 0, len(sections))
		for name := range sections {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			for _, key := range keys {
				if strings.HasPrefix(name, key) {
					return sections[name]
				}
			}
		}
		return nil
	}

	goalLines := cleanLines(section(sectionKeys["goal"]))
	acceptanceLines := section(sectionKeys["acceptance"])
	scopeLines := section(sectionKeys["scope"])
	validationLines := cleanLines(section(sectionKeys["validation"]))

	scopeItems := parseChecklist(scopeLines)
	if len(scopeItems) == 0 {
		scopeItems = cleanLines(scopeLines)
	}

	return Charter{
		Goal:       strings.Join(goalLines, " "),
		Acceptance: parseChecklist(acceptanceLines),
		ScopeNotes: scopeItems,
		Validation: strings.Join(validationLines, "\n"),
	}
}

func cleanLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseChecklist(lines []string) []string {
	items := make([]string, 0, len(lines))
	for _, raw := range lines {
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		candidate := text
		if m := checkboxRe.FindStringSubmatch(text); m != nil {
			candidate = strings.TrimSpace(m[1])
		}
		if candidate != "" {
			items = append(items, candidate)
		}
	}
	return items
}

// FormatPrompt renders issue+charter into the task text handed to a
// newly spawned sub-agent.
func FormatPrompt(issue IssueDetails, charter Charter) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("Work on Issue #%d: %s", issue.Number, issue.Title))

	if charter.Goal != "" {
		goal := whitespaceRe.ReplaceAllString(strings.TrimSpace(charter.Goal), " ")
		lines = append(lines, "Goal: "+goal)
	}
	if len(charter.Acceptance) > 0 {
		lines = append(lines, "Acceptance:")
		for idx, item := range charter.Acceptance {
			cleaned := whitespaceRe.ReplaceAllString(strings.TrimSpace(item), " ")
			lines = append(lines, fmt.Sprintf("%d. %s", idx+1, cleaned))
		}
	}
	if len(charter.ScopeNotes) > 0 {
		lines = append(lines, "Scope: "+strings.Join(charter.ScopeNotes, "; "))
	}
	if v := strings.TrimSpace(charter.Validation); v != "" {
		lines = append(lines, "Validation: "+v)
	}
	if len(issue.Labels) > 0 {
		sorted := append([]string{}, issue.Labels...)
		sort.Strings(sorted)
		lines = append(lines, "Labels: "+strings.Join(sorted, ", "))
	}
	return strings.Join(lines, "\n")
}
