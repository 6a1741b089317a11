package githubx

import (
	"reflect"
	"testing"
)

func TestParseCharterExtractsSections(t *testing.T) {
	body := "## Goal\n" +
		"Ship the thing.\n" +
		"Keep it simple.\n" +
		"## Acceptance Criteria\n" +
		"- [ ] Tests pass\n" +
		"- [x] Docs updated\n" +
		"## Scope\n" +
		"- no db migration\n" +
		"## Validation\n" +
		"run the test suite\n"

	c := ParseCharter(body)
	if c.Goal != "Ship the thing. Keep it simple." {
		t.Errorf("goal: %q", c.Goal)
	}
	if !reflect.DeepEqual(c.Acceptance, []string{"Tests pass", "Docs updated"}) {
		t.Errorf("acceptance: %v", c.Acceptance)
	}
	if !reflect.DeepEqual(c.ScopeNotes, []string{"no db migration"}) {
		t.Errorf("scope: %v", c.ScopeNotes)
	}
	if c.Validation != "run the test suite" {
		t.Errorf("validation: %q", c.Validation)
	}
}

func TestParseCharterPrefixMatchesHeadingVariant(t *testing.T) {
	body := "## Goal and Background\nDo the thing.\n"
	c := ParseCharter(body)
	if c.Goal != "Do the thing." {
		t.Errorf("expected prefix-matched goal, got %q", c.Goal)
	}
}

func TestParseCharterEmptyBody(t *testing.T) {
	c := ParseCharter("")
	if c.Goal != "" || len(c.Acceptance) != 0 || len(c.ScopeNotes) != 0 || c.Validation != "" {
		t.Errorf("expected empty charter, got %+v", c)
	}
}

func TestParseCharterPlainListFallsBackWithoutCheckboxes(t *testing.T) {
	body := "## Scope\nfrontend only\nno backend changes\n"
	c := ParseCharter(body)
	if !reflect.DeepEqual(c.ScopeNotes, []string{"frontend only", "no backend changes"}) {
		t.Errorf("scope: %v", c.ScopeNotes)
	}
}

func TestFormatPromptIncludesAllSections(t *testing.T) {
	issue := IssueDetails{Number: 42, Title: "Fix login", Labels: []string{"bug", "priority:high"}}
	charter := Charter{
		Goal:       "Fix the login bug",
		Acceptance: []string{"repro no longer occurs"},
		ScopeNotes: []string{"auth module only"},
		Validation: "add a regression test",
	}
	prompt := FormatPrompt(issue, charter)

	for _, want := range []string{
		"Work on Issue #42: Fix login",
		"Goal: Fix the login bug",
		"Acceptance:",
		"1. repro no longer occurs",
		"Scope: auth module only",
		"Validation: add a regression test",
		"Labels: bug, priority:high",
	} {
		if !containsLine(prompt, want) {
			t.Errorf("expected prompt to contain %q, got:\n%s", want, prompt)
		}
	}
}

func containsLine(haystack, want string) bool {
	for _, line := range splitLines(haystack) {
		if line == want {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}
