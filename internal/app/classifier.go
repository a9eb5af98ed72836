package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"medibuddy/internal/ai"
	"medibuddy/internal/model"
	"medibuddy/internal/vectorindex"
)

const (
	DefaultClassificationThreshold = 0.7
	DefaultClassificationTopK      = 3

	ReasonNoCatalogMatch = "no matching approved item found"
	ReasonVerifyFailed   = "error verifying safety"
	reasonNotEquivalent  = "not a valid match with the approved list"
)

var errMalformedVerification = errors.New("malformed verification response")

// Generator is a single-prompt text generation provider.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Searcher is the read side of the vector index.
type Searcher interface {
	Search(ctx context.Context, query string, opts vectorindex.SearchOptions) ([]vectorindex.Match, error)
}

type ClassifierConfig struct {
	Namespace string
	// Threshold is exclusive: a candidate must score strictly above it.
	Threshold float64
	TopK      int
}

// Classifier decides per item whether it may be bought without consulting a
// professional. Catalog search narrows candidates; the generator confirms
// brand/generic equivalence.
type Classifier struct {
	index  Searcher
	llm    Generator
	cfg    ClassifierConfig
	logger *zap.Logger
}

func NewClassifier(index Searcher, llm Generator, cfg ClassifierConfig, logger *zap.Logger) *Classifier {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultClassificationTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{
		index:  index,
		llm:    llm,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "classifier")),
	}
}

type Decision int

const (
	DecisionConsult Decision = iota
	DecisionOTC
)

// Classify partitions items into otc and consult lists. A failure on one item
// only affects that item.
func (c *Classifier) Classify(ctx context.Context, items []string) *model.Verdict {
	verdict := model.NewVerdict()
	for _, item := range items {
		decision, entry := c.ClassifyItem(ctx, item)
		if decision == DecisionOTC {
			verdict.OTCItems = append(verdict.OTCItems, entry)
		} else {
			verdict.ConsultItems = append(verdict.ConsultItems, entry)
		}
	}
	return verdict
}

func (c *Classifier) ClassifyItem(ctx context.Context, item string) (Decision, model.VerdictItem) {
	name := displayName(item)

	matches, err := c.index.Search(ctx, item, vectorindex.SearchOptions{
		Namespace: c.cfg.Namespace,
		TopK:      c.cfg.TopK,
	})
	if err != nil {
		c.logger.Error("catalog search failed", zap.String("item", name), zap.Error(err))
		return DecisionConsult, model.VerdictItem{Name: name, Reason: ReasonVerifyFailed}
	}

	candidates := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.Score > c.cfg.Threshold {
			candidates = append(candidates, m.Text)
		}
	}
	if len(candidates) == 0 {
		return DecisionConsult, model.VerdictItem{Name: name, Reason: ReasonNoCatalogMatch}
	}

	v, err := c.verify(ctx, item, candidates)
	if err != nil {
		c.logger.Error("verify item failed", zap.String("item", name), zap.Error(err))
		return DecisionConsult, model.VerdictItem{Name: name, Reason: ReasonVerifyFailed}
	}
	if *v.IsMatch {
		return DecisionOTC, model.VerdictItem{Name: name, Reason: "matched with " + *v.MatchedCandidate}
	}
	reason := strings.TrimSpace(v.Reason)
	if reason == "" {
		reason = reasonNotEquivalent
	}
	return DecisionConsult, model.VerdictItem{Name: name, Reason: reason}
}

type verification struct {
	IsMatch          *bool   `json:"is_match"`
	MatchedCandidate *string `json:"matched_candidate"`
	Reason           string  `json:"reason"`
}

func (c *Classifier) verify(ctx context.Context, item string, candidates []string) (*verification, error) {
	if c.llm == nil {
		return nil, ai.ErrNotConfigured
	}
	raw, err := c.llm.Generate(ctx, verificationPrompt(item, candidates))
	if err != nil {
		return nil, err
	}
	var v verification
	if err := ai.DecodeJSONObject(raw, &v); err != nil {
		return nil, err
	}
	if v.IsMatch == nil {
		return nil, fmt.Errorf("%w: is_match missing", errMalformedVerification)
	}
	if *v.IsMatch && (v.MatchedCandidate == nil || strings.TrimSpace(*v.MatchedCandidate) == "") {
		return nil, fmt.Errorf("%w: match without matched_candidate", errMalformedVerification)
	}
	return &v, nil
}

func verificationPrompt(item string, candidates []string) string {
	var b strings.Builder
	b.WriteString("You are a medical assistant. Verify whether the extracted medicine is strictly equivalent to any of the approved over-the-counter candidates.\n\n")
	fmt.Fprintf(&b, "Extracted medicine: %q\n\n", item)
	b.WriteString("Approved candidates:\n")
	for _, c := range candidates {
		b.WriteString("- ")
		b.WriteString(c)
		b.WriteString("\n")
	}
	b.WriteString(`
Instructions:
1. Decide whether the extracted medicine matches an approved candidate by brand or generic name.
2. The match must be safe and exact, not merely similar in spelling (e.g. "Crocin" matches "Paracetamol").
3. Respond with JSON only.

Output format:
{"is_match": true or false, "matched_candidate": "name of the matched candidate" or null, "reason": "brief explanation"}
`)
	return b.String()
}

// displayName reduces a details line such as
// "- Crocin (Qty: 10): Morning: Yes, ..." to "Crocin".
func displayName(item string) string {
	name := item
	if i := strings.IndexAny(name, ":("); i >= 0 {
		name = name[:i]
	}
	name = strings.Trim(name, "- \t")
	if name == "" {
		return strings.TrimSpace(item)
	}
	return name
}
