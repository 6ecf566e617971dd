package pagesmith

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

type SourceTier string

const (
	TierPrimary  SourceTier = "primary"
	TierBackup   SourceTier = "backup"
	TierTemplate SourceTier = "template"
)

const (
	indexFileName  = "index.html"
	readmeFileName = "README.md"
	readmeMarker   = "---README---"

	// Keep generation predictable: low temperature, bounded output.
	defaultTemperature     = 0.3
	defaultMaxOutputTokens = 32000

	generatorSystemPrompt = "You are an expert web developer. Generate clean, minimal, working HTML/CSS/JS code that meets requirements exactly."

	prevHTMLContextLimit = 10000
)

type GenerationRequest struct {
	System          string
	Prompt          string
	MaxOutputTokens int
	Temperature     float64
}

type GenerationBackend interface {
	Name() string
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// GenerationResult carries the produced artifact files and the tier that
// produced them. Tier is informational; callers log it and nothing else.
type GenerationResult struct {
	Files map[string]string
	Tier  SourceTier
}

type GenerateInput struct {
	Brief       string
	Checks      []string
	Attachments []SavedAttachment
	Round       int
	PrevReadme  string
	PrevHTML    string
}

type GeneratorChainOptions struct {
	Primary         GenerationBackend
	Backup          GenerationBackend
	MaxOutputTokens int
	Temperature     float64
	Timeout         time.Duration
	Logger          *logrus.Logger
}

// GeneratorChain tries the primary backend, then the backup, then a
// deterministic template tier that cannot fail, so Generate is total.
type GeneratorChain struct {
	primary         GenerationBackend
	backup          GenerationBackend
	maxOutputTokens int
	temperature     float64
	timeout         time.Duration
	logger          *logrus.Logger
}

func NewGeneratorChain(opts GeneratorChainOptions) *GeneratorChain {
	maxTokens := opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	temperature := opts.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &GeneratorChain{
		primary:         opts.Primary,
		backup:          opts.Backup,
		maxOutputTokens: maxTokens,
		temperature:     temperature,
		timeout:         timeout,
		logger:          logger,
	}
}

func (c *GeneratorChain) Generate(ctx context.Context, in GenerateInput) GenerationResult {
	prompt := buildPrompt(in)
	req := GenerationRequest{
		System:          generatorSystemPrompt,
		Prompt:          prompt,
		MaxOutputTokens: c.maxOutputTokens,
		Temperature:     c.temperature,
	}

	tiers := []struct {
		tier    SourceTier
		backend GenerationBackend
	}{
		{TierPrimary, c.primary},
		{TierBackup, c.backup},
	}
	for _, candidate := range tiers {
		if candidate.backend == nil {
			continue
		}
		files, err := c.tryBackend(ctx, candidate.backend, req)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"tier":    candidate.tier,
				"backend": candidate.backend.Name(),
			}).WithError(err).Warn("generation tier failed, falling through")
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"tier":    candidate.tier,
			"backend": candidate.backend.Name(),
			"bytes":   len(files[indexFileName]),
		}).Info("artifact generated")
		return GenerationResult{Files: files, Tier: candidate.tier}
	}

	c.logger.Warn("all generation backends failed, using template artifact")
	return GenerationResult{
		Files: templateArtifact(in.Brief, in.Checks),
		Tier:  TierTemplate,
	}
}

func (c *GeneratorChain) tryBackend(ctx context.Context, backend GenerationBackend, req GenerationRequest) (map[string]string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := backend.Generate(attemptCtx, req)
	if err != nil {
		return nil, err
	}
	return parseArtifact(raw)
}

// parseArtifact splits the raw model output into the index and readme
// sections. Both are required; a response missing either fails the attempt.
func parseArtifact(raw string) (map[string]string, error) {
	if !strings.Contains(raw, readmeMarker) {
		return nil, fmt.Errorf("response missing %s marker", readmeMarker)
	}
	parts := strings.SplitN(raw, readmeMarker, 2)
	html := stripCodeFence(parts[0])
	readme := stripCodeFence(parts[1])
	if strings.TrimSpace(html) == "" {
		return nil, fmt.Errorf("response has empty %s section", indexFileName)
	}
	if strings.TrimSpace(readme) == "" {
		return nil, fmt.Errorf("response has empty %s section", readmeFileName)
	}
	return map[string]string{
		indexFileName:  html,
		readmeFileName: readme,
	}, nil
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	lines = lines[1:]
	if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// truncateUTF8 shortens s to at most limit bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

func buildPrompt(in GenerateInput) string {
	var attachmentInfo strings.Builder
	for _, att := range in.Attachments {
		fmt.Fprintf(&attachmentInfo, "- %s (%s): %s\n", att.Name, att.Mime, att.Preview)
	}
	attachments := strings.TrimSpace(attachmentInfo.String())
	if attachments == "" {
		attachments = "None"
	}

	var checkInfo strings.Builder
	for _, check := range in.Checks {
		fmt.Fprintf(&checkInfo, "- %s\n", check)
	}

	prior := ""
	if in.Round >= 2 && (in.PrevReadme != "" || in.PrevHTML != "") {
		var b strings.Builder
		b.WriteString("## Previous Version Context\nThe app already exists. Here's what was generated previously:\n")
		if in.PrevReadme != "" {
			b.WriteString("\n### Previous README:\n" + in.PrevReadme + "\n")
		}
		if in.PrevHTML != "" {
			htmlPreview := in.PrevHTML
			if len(htmlPreview) > prevHTMLContextLimit {
				htmlPreview = truncateUTF8(htmlPreview, prevHTMLContextLimit) + "\n... (truncated) ..."
			}
			b.WriteString("\n### Previous HTML Code:\n```html\n" + htmlPreview + "\n```\n")
		}
		b.WriteString(`
Your task is to UPDATE the existing app based on the new requirements below.
- Maintain the existing structure and styling where appropriate
- Add or modify features as requested in the new brief
- Keep any functionality that's still relevant
`)
		prior = b.String()
	}

	return fmt.Sprintf(`Create a complete single-page web application.

## Round %d

%s
## Brief
%s

## Attachments Available
%s

## Evaluation Checks
%s
## Output Requirements
1. Generate a SINGLE HTML file with inline CSS and JavaScript
2. The app must be fully functional and meet ALL evaluation checks
3. Use CDN links for any libraries (Bootstrap, marked, highlight.js, etc.)
4. After the HTML, add a line "%s" and then provide a complete README.md

## README.md Must Include
- Project title and overview
- Features list
- How to use
- Technical details (libraries used, structure)
- License (MIT)

Generate the code now:`, in.Round, prior, in.Brief, attachments, checkInfo.String(), readmeMarker)
}

// templateArtifact deterministically synthesizes a minimal valid artifact
// from the brief and checks alone. It is the chain's terminal tier and must
// never fail.
func templateArtifact(brief string, checks []string) map[string]string {
	var checksHTML strings.Builder
	var checksList strings.Builder
	for _, check := range checks {
		fmt.Fprintf(&checksHTML, "        <li>%s</li>\n", check)
		fmt.Fprintf(&checksList, "- %s\n", check)
	}

	html := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Fallback App</title>
    <link href="https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/css/bootstrap.min.css" rel="stylesheet">
</head>
<body>
    <div class="container mt-5">
        <h1>Application (Fallback Mode)</h1>
        <div class="alert alert-warning">
            This is a fallback page generated because the generation backends were unavailable.
        </div>
        <h2>Brief</h2>
        <p>%s</p>
        <h2>Checks to Implement</h2>
        <ul>
%s        </ul>
    </div>
</body>
</html>`, brief, checksHTML.String())

	readme := fmt.Sprintf(`# Auto-Generated Application

## Overview
%s

## Evaluation Checks
%s
## Usage
1. Open `+"`index.html`"+` in a web browser
2. The application should be fully functional

## Technical Details
- Single-page application
- No build process required
- All dependencies loaded from CDN

## License
MIT License
`, brief, checksList.String())

	return map[string]string{
		indexFileName:  html,
		readmeFileName: readme,
	}
}
