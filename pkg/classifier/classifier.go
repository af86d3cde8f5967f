// Package classifier implements the Classifier (C8): an LLM-backed
// should-save/category decision for an ingested utterance. See spec §4.8.
package classifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/memoryplane/memoryplane/pkg/provider/llm"
	"github.com/memoryplane/memoryplane/pkg/types"
)

// Categories is the closed label set classify() may assign, plus the
// catch-all "other" used on any parse or schema failure (spec §4.8).
var Categories = []string{
	"personal", "preference", "fact", "task", "relationship", "event", "other",
}

// Result is the outcome of a classify() call.
type Result struct {
	ShouldSave bool
	Category   string
	Confidence float64
}

// rejected is the fixed fallback per spec §4.8: "output is strictly parsed
// and rejected if it fails the schema (should_save=false, category=other)".
var rejected = Result{ShouldSave: false, Category: "other", Confidence: 0}

const systemPrompt = `You classify a single user utterance for a personal memory system.
Respond with a single JSON object and nothing else, in the form:
{"should_save": true|false, "category": "<one of: personal, preference, fact, task, relationship, event, other>", "confidence": <float 0..1>}
Set should_save=false for small talk, questions, or anything with no durable personal content worth remembering.`

// Classifier wraps an [llm.Provider] to implement classify().
type Classifier struct {
	provider llm.Provider
	log      *slog.Logger
}

// New builds a [Classifier]. log may be nil, in which case slog.Default() is used.
func New(provider llm.Provider, log *slog.Logger) *Classifier {
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{provider: provider, log: log}
}

// Classify decides whether utterance should be persisted and, if so, under
// which category. A classifier failure (provider error or unparsable
// response) is never surfaced as an error to the caller — per spec §4.9's
// partial-failure policy it degrades to `rejected` with a logged reason,
// since the ingestion pipeline treats classifier failure as "don't save",
// not as a pipeline abort.
func (c *Classifier) Classify(ctx context.Context, utterance string) Result {
	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []types.Message{
			{Role: "user", Content: utterance},
		},
		SystemPrompt: systemPrompt,
		Temperature:  0,
		MaxTokens:    128,
	})
	if err != nil {
		c.log.Warn("classifier provider call failed", "error", err, "reason", "classifier_error")
		return rejected
	}

	result, ok := parse(resp.Content)
	if !ok {
		c.log.Warn("classifier response failed schema validation", "content", resp.Content, "reason", "classifier_error")
		return rejected
	}
	return result
}

type wireResult struct {
	ShouldSave bool    `json:"should_save"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// parse strictly decodes content as a wireResult and validates it against
// the closed category set and the [0,1] confidence range.
func parse(content string) (Result, bool) {
	content = strings.TrimSpace(extractJSONObject(content))
	if content == "" {
		return Result{}, false
	}

	var w wireResult
	dec := json.NewDecoder(strings.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return Result{}, false
	}

	if !validCategory(w.Category) {
		return Result{}, false
	}
	if w.Confidence < 0 || w.Confidence > 1 {
		return Result{}, false
	}

	return Result{ShouldSave: w.ShouldSave, Category: w.Category, Confidence: w.Confidence}, true
}

func validCategory(cat string) bool {
	for _, c := range Categories {
		if c == cat {
			return true
		}
	}
	return false
}

// extractJSONObject trims any surrounding prose a model might add despite
// instructions, returning the substring from the first '{' to the last '}'.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
