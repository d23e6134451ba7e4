package standardize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jse-datasphere/standardize-cli/internal/config"
	"github.com/jse-datasphere/standardize-cli/pkg/anthropic"
)

// CanonicalItem is one vocabulary entry the LLM is asked to locate among the
// raw headers of a slice.
type CanonicalItem struct {
	CompanyLineItem      string
	StandardizedLineItem string
}

// Outcome classifies the result of one canonical-to-raw decision.
type Outcome string

const (
	OutcomeMatched   Outcome = "MATCHED"
	OutcomeNone      Outcome = "NONE"
	OutcomeAmbiguous Outcome = "AMBIG"
	OutcomeError     Outcome = "LLM_ERROR"
)

// MatchResult is the validated decision for one canonical item. RawLineItem
// and Similarity are only meaningful when Outcome is OutcomeMatched.
// LowConfidence marks matches whose similarity fell below the configured
// threshold; such matches are still usable, the flag is advisory.
type MatchResult struct {
	Outcome       Outcome
	RawLineItem   string
	Similarity    float64
	LowConfidence bool
	Detail        string
}

// CanonicalMatcher asks a model to pick, for each canonical item, which raw
// header (if any) represents it. A transport-level failure returns an error;
// per-item failures are encoded in the results.
type CanonicalMatcher interface {
	MapCanonicalToRaw(ctx context.Context, items []CanonicalItem, rawHeaders []string) (map[string]MatchResult, error)
}

// Matcher implements CanonicalMatcher against the Anthropic API. One call
// covers every unresolved canonical item of a slice, so the matcher holds no
// per-slice state and is safe for concurrent use.
type Matcher struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	threshold float64
	bias      float64
}

func NewMatcher(client anthropic.Client, cfg config.AnthropicConfig, std config.StandardizeConfig) *Matcher {
	return &Matcher{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		threshold: std.SimilarityThreshold,
		bias:      std.ConfidenceBias,
	}
}

// decision mirrors one element of the JSON array the model must return.
type decision struct {
	Canonical string `json:"canonical"`
	Raw       string `json:"raw"`
}

const matcherSystemPrompt = `You are a financial data analyst mapping line items from Jamaica Stock Exchange company filings onto a curated vocabulary.

You receive a list of canonical line items and a list of raw statement headers. For each canonical item, decide which single raw header represents it.

Rules:
- Respond with ONLY a JSON array, one object per canonical item, in the given order: [{"canonical": "<canonical item>", "raw": "<raw header>"}]
- The "raw" value MUST be copied verbatim from the raw header list, or be exactly "NONE" if no header represents the item, or exactly "AMBIG" if two or more headers are equally plausible.
- Never invent headers and never explain your choices.
- Match only when you are at least %.0f%% confident. When unsure, answer "NONE". A wrong match is far worse than a missed one.`

func (m *Matcher) MapCanonicalToRaw(ctx context.Context, items []CanonicalItem, rawHeaders []string) (map[string]MatchResult, error) {
	temperature := 0.0
	resp, err := m.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       m.model,
		MaxTokens:   m.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(fmt.Sprintf(matcherSystemPrompt, m.bias*100)),
		Messages:    []anthropic.Message{{Role: "user", Content: buildMatcherPrompt(items, rawHeaders)}},
		Temperature: &temperature,
	})
	if err != nil {
		return nil, eris.Wrap(err, "standardize: llm match request")
	}

	decisions, err := parseDecisions(resp.Text())
	if err != nil {
		// A malformed response poisons every item in the batch; record the
		// failure per item rather than aborting the company.
		zap.L().Warn("unparseable llm match response",
			zap.Int("canonical_items", len(items)),
			zap.Error(err))
		results := make(map[string]MatchResult, len(items))
		for _, it := range items {
			results[it.CompanyLineItem] = MatchResult{
				Outcome: OutcomeError,
				Detail:  "unparseable model response",
			}
		}
		return results, nil
	}

	return m.validate(items, rawHeaders, decisions), nil
}

// validate turns raw decisions into results, enforcing that every matched
// header actually came from the slice and scoring matches by similarity.
func (m *Matcher) validate(items []CanonicalItem, rawHeaders []string, decisions []decision) map[string]MatchResult {
	allowed := make(map[string]bool, len(rawHeaders))
	for _, h := range rawHeaders {
		allowed[h] = true
	}
	byCanonical := make(map[string]string, len(decisions))
	for _, d := range decisions {
		byCanonical[d.Canonical] = d.Raw
	}

	results := make(map[string]MatchResult, len(items))
	for _, it := range items {
		raw, ok := byCanonical[it.CompanyLineItem]
		if !ok {
			results[it.CompanyLineItem] = MatchResult{
				Outcome: OutcomeError,
				Detail:  "no decision returned for item",
			}
			continue
		}
		switch raw {
		case "NONE":
			results[it.CompanyLineItem] = MatchResult{Outcome: OutcomeNone}
		case "AMBIG":
			results[it.CompanyLineItem] = MatchResult{Outcome: OutcomeAmbiguous}
		default:
			if !allowed[raw] {
				results[it.CompanyLineItem] = MatchResult{
					Outcome: OutcomeError,
					Detail:  fmt.Sprintf("matched header %q not present in slice", raw),
				}
				continue
			}
			sim := Ratio(Normalize(it.CompanyLineItem), Normalize(raw))
			results[it.CompanyLineItem] = MatchResult{
				Outcome:       OutcomeMatched,
				RawLineItem:   raw,
				Similarity:    sim,
				LowConfidence: sim < m.threshold,
			}
		}
	}
	return results
}

func buildMatcherPrompt(items []CanonicalItem, rawHeaders []string) string {
	var sb strings.Builder
	sb.WriteString("Canonical line items:\n")
	for _, it := range items {
		fmt.Fprintf(&sb, "- %s\n", it.CompanyLineItem)
	}
	sb.WriteString("\nRaw statement headers:\n")
	for _, h := range rawHeaders {
		fmt.Fprintf(&sb, "- %s\n", h)
	}
	sb.WriteString("\nReturn the JSON array now.")
	return sb.String()
}

func parseDecisions(text string) ([]decision, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var decisions []decision
	if err := json.Unmarshal([]byte(cleaned), &decisions); err != nil {
		return nil, eris.Wrap(err, "standardize: decode match decisions")
	}
	return decisions, nil
}
