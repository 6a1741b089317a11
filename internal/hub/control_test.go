package hub

import "testing"

func TestExtractOneSpawnBlock(t *testing.T) {
	text := "pre\n```control\n{\"spawn\":{\"name\":\"a\",\"task\":\"t\"}}\n```\npost"
	blocks := ExtractControlBlocks(text)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	spawn, ok := blocks[0]["spawn"].(map[string]any)
	if !ok {
		t.Fatalf("expected spawn key, got %+v", blocks[0])
	}
	if spawn["name"] != "a" || spawn["task"] != "t" {
		t.Errorf("unexpected spawn payload: %+v", spawn)
	}

	stripped := StripControlBlocks(text)
	if stripped != "pre\npost" {
		t.Errorf("expected %q, got %q", "pre\npost", stripped)
	}
}

func TestExtractRoundTripsEmptyAfterStrip(t *testing.T) {
	text := "```control\n{\"close\":{\"agent\":\"a\"}}\n```"
	stripped := StripControlBlocks(text)
	if again := ExtractControlBlocks(stripped); len(again) != 0 {
		t.Errorf("expected no blocks left after stripping, got %+v", again)
	}
}

func TestExtractIgnoresInvalidJSON(t *testing.T) {
	text := "```control\nnot json\n```"
	if blocks := ExtractControlBlocks(text); len(blocks) != 0 {
		t.Errorf("expected no blocks, got %+v", blocks)
	}
}

func TestExtractSuppressesDuplicates(t *testing.T) {
	text := "```control\n{\"close\":{\"agent\":\"a\"}}\n```\n" +
		"```control\n{\"close\":{\"agent\":\"a\"}}\n```"
	blocks := ExtractControlBlocks(text)
	if len(blocks) != 1 {
		t.Fatalf("expected duplicates suppressed to 1 block, got %d", len(blocks))
	}
}

func TestExtractFallbackBareLine(t *testing.T) {
	text := "orchestrator notes\n{\"send\":{\"to\":\"a\",\"task\":\"x\"}}\nmore notes"
	blocks := ExtractControlBlocks(text)
	if len(blocks) != 1 {
		t.Fatalf("expected fallback line recognized, got %d blocks", len(blocks))
	}
}

func TestExtractFallbackIgnoresUnrelatedJSONLine(t *testing.T) {
	text := "{\"foo\":\"bar\"}"
	if blocks := ExtractControlBlocks(text); len(blocks) != 0 {
		t.Errorf("expected unrelated JSON line ignored, got %+v", blocks)
	}
}

func TestExtractPreservesSourceOrder(t *testing.T) {
	text := "```control\n{\"spawn\":{\"name\":\"a\",\"task\":\"1\"}}\n```\n" +
		"```control\n{\"spawn\":{\"name\":\"b\",\"task\":\"2\"}}\n```"
	blocks := ExtractControlBlocks(text)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	first := blocks[0]["spawn"].(map[string]any)
	second := blocks[1]["spawn"].(map[string]any)
	if first["name"] != "a" || second["name"] != "b" {
		t.Errorf("expected source order a,b, got %v,%v", first["name"], second["name"])
	}
}

func TestCanonicalAgentNameIdempotent(t *testing.T) {
	cases := []string{"My Agent!!", "", "already_ok", "--leading-trailing--", "CamelCase123"}
	for _, c := range cases {
		once := CanonicalAgentName(c)
		twice := CanonicalAgentName(once)
		if once != twice {
			t.Errorf("not idempotent for %q: once=%q twice=%q", c, once, twice)
		}
	}
}

func TestCanonicalAgentNameEmptyBecomesAgent(t *testing.T) {
	if got := CanonicalAgentName("!!!"); got != "agent" {
		t.Errorf("expected \"agent\", got %q", got)
	}
}

func TestCanonicalAgentNameLowercasesAndUnderscores(t *testing.T) {
	if got := CanonicalAgentName("Iss 42 / Fix Bug"); got != "iss_42_fix_bug" {
		t.Errorf("unexpected canonicalization: %q", got)
	}
}
