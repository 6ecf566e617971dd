package pagesmith

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

type fakeBackend struct {
	name  string
	reply string
	err   error
	calls int
	last  GenerationRequest
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	b.calls++
	b.last = req
	return b.reply, b.err
}

const validReply = "<html><body>hi</body></html>\n---README---\n# Demo\n"

func TestGeneratorChainUsesPrimaryFirst(t *testing.T) {
	primary := &fakeBackend{name: "primary", reply: validReply}
	backup := &fakeBackend{name: "backup", reply: validReply}
	chain := NewGeneratorChain(GeneratorChainOptions{Primary: primary, Backup: backup})

	result := chain.Generate(context.Background(), GenerateInput{Brief: "a page", Round: 1})
	if result.Tier != TierPrimary {
		t.Fatalf("expected primary tier, got %q", result.Tier)
	}
	if backup.calls != 0 {
		t.Fatalf("backup should not be called when primary succeeds")
	}
	if !strings.Contains(result.Files["index.html"], "<html>") {
		t.Fatalf("unexpected index content: %q", result.Files["index.html"])
	}
	if !strings.Contains(result.Files["README.md"], "# Demo") {
		t.Fatalf("unexpected readme content: %q", result.Files["README.md"])
	}
}

func TestGeneratorChainFallsBackToBackup(t *testing.T) {
	primary := &fakeBackend{name: "primary", err: errors.New("rate limited")}
	backup := &fakeBackend{name: "backup", reply: validReply}
	chain := NewGeneratorChain(GeneratorChainOptions{Primary: primary, Backup: backup})

	result := chain.Generate(context.Background(), GenerateInput{Brief: "a page", Round: 1})
	if result.Tier != TierBackup {
		t.Fatalf("expected backup tier, got %q", result.Tier)
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Fatalf("unexpected call counts: primary=%d backup=%d", primary.calls, backup.calls)
	}
}

func TestGeneratorChainMalformedReplyFallsThrough(t *testing.T) {
	primary := &fakeBackend{name: "primary", reply: "no marker here"}
	backup := &fakeBackend{name: "backup", reply: validReply}
	chain := NewGeneratorChain(GeneratorChainOptions{Primary: primary, Backup: backup})

	result := chain.Generate(context.Background(), GenerateInput{Brief: "a page", Round: 1})
	if result.Tier != TierBackup {
		t.Fatalf("missing marker should fall through to backup, got %q", result.Tier)
	}
}

func TestGeneratorChainTemplateTierNeverFails(t *testing.T) {
	primary := &fakeBackend{name: "primary", err: errors.New("down")}
	chain := NewGeneratorChain(GeneratorChainOptions{Primary: primary})

	result := chain.Generate(context.Background(), GenerateInput{
		Brief:  "a checkout page",
		Checks: []string{"has a total"},
		Round:  1,
	})
	if result.Tier != TierTemplate {
		t.Fatalf("expected template tier, got %q", result.Tier)
	}
	if strings.TrimSpace(result.Files["index.html"]) == "" {
		t.Fatalf("template tier must produce a page")
	}
	if strings.TrimSpace(result.Files["README.md"]) == "" {
		t.Fatalf("template tier must produce a readme")
	}
}

func TestGeneratorChainNilBackendsSkipped(t *testing.T) {
	chain := NewGeneratorChain(GeneratorChainOptions{})
	result := chain.Generate(context.Background(), GenerateInput{Brief: "anything", Round: 1})
	if result.Tier != TierTemplate {
		t.Fatalf("no backends should yield the template tier, got %q", result.Tier)
	}
}

func TestParseArtifact(t *testing.T) {
	files, err := parseArtifact("```html\n<p>x</p>\n```\n---README---\n```markdown\n# T\n```")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if files["index.html"] != "<p>x</p>" {
		t.Fatalf("code fence not stripped from html: %q", files["index.html"])
	}
	if files["README.md"] != "# T" {
		t.Fatalf("code fence not stripped from readme: %q", files["README.md"])
	}

	if _, err := parseArtifact("just text"); err == nil {
		t.Fatalf("missing marker must fail")
	}
	if _, err := parseArtifact("---README---\n# only readme"); err == nil {
		t.Fatalf("empty html section must fail")
	}
	if _, err := parseArtifact("<p>x</p>\n---README---\n   "); err == nil {
		t.Fatalf("empty readme section must fail")
	}
}

func TestBuildPromptCarriesPriorRoundContext(t *testing.T) {
	primary := &fakeBackend{name: "primary", reply: validReply}
	chain := NewGeneratorChain(GeneratorChainOptions{Primary: primary})

	chain.Generate(context.Background(), GenerateInput{
		Brief:      "improve the page",
		Round:      2,
		PrevReadme: "# Old readme",
		PrevHTML:   "<html>old</html>",
	})

	prompt := primary.last.Prompt
	if !strings.Contains(prompt, "# Old readme") {
		t.Fatalf("prompt missing previous readme:\n%s", prompt)
	}
	if !strings.Contains(prompt, "<html>old</html>") {
		t.Fatalf("prompt missing previous page:\n%s", prompt)
	}
}

func TestBuildPromptTruncatesLongPreviousHTML(t *testing.T) {
	primary := &fakeBackend{name: "primary", reply: validReply}
	chain := NewGeneratorChain(GeneratorChainOptions{Primary: primary})

	long := strings.Repeat("x", prevHTMLContextLimit+500)
	chain.Generate(context.Background(), GenerateInput{
		Brief:    "improve",
		Round:    2,
		PrevHTML: long,
	})

	if strings.Contains(primary.last.Prompt, long) {
		t.Fatalf("previous page should be truncated in the prompt")
	}
}

func TestBuildPromptTruncationKeepsRuneBoundary(t *testing.T) {
	primary := &fakeBackend{name: "primary", reply: validReply}
	chain := NewGeneratorChain(GeneratorChainOptions{Primary: primary})

	// Three-byte runes so the byte limit never lands on a rune boundary.
	long := strings.Repeat("€", prevHTMLContextLimit)
	chain.Generate(context.Background(), GenerateInput{
		Brief:    "improve",
		Round:    2,
		PrevHTML: long,
	})

	if !utf8.ValidString(primary.last.Prompt) {
		t.Fatalf("truncated prompt contains a split rune")
	}
}

func TestTruncateUTF8(t *testing.T) {
	cases := []struct {
		in    string
		limit int
		want  string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "h"},
		{"€€", 4, "€"},
	}
	for _, tc := range cases {
		if got := truncateUTF8(tc.in, tc.limit); got != tc.want {
			t.Fatalf("truncateUTF8(%q, %d) = %q, want %q", tc.in, tc.limit, got, tc.want)
		}
	}
}
