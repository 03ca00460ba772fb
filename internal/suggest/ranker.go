package suggest

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/taskflow/internal/registry"
	"github.com/rendis/taskflow/internal/trigger"
	"github.com/rendis/taskflow/pkg/schema"
)

// Score weights.
const (
	AffinityWeight    = 0.5
	TagOverlapWeight  = 0.3
	SuccessRateWeight = 0.2
)

// Affinity values for partial matches.
const (
	kindOnlyAffinity       = 0.5
	phraseKindOnlyAffinity = 0.25
	capabilityAffinity     = 0.6
)

// Context describes what the caller is doing right now.
type Context struct {
	FilePath     string   `json:"file_path,omitempty"`
	Phrase       string   `json:"phrase,omitempty"`
	Capability   string   `json:"capability,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	ErrorType    string   `json:"error_type,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

// Suggestion is one ranked workflow. Suggestions are advisory only.
type Suggestion struct {
	Workflow *schema.WorkflowDefinition `json:"workflow"`
	Score    float64                    `json:"score"`
	Reason   string                     `json:"reason"`
}

// Source lists candidate definitions. Satisfied by *registry.Registry.
type Source interface {
	List(ctx context.Context, filter registry.Filter) ([]*schema.WorkflowDefinition, error)
}

// Ranker scores registered workflows against a Context.
type Ranker struct {
	source  Source
	matcher *trigger.Matcher
}

// NewRanker creates a Ranker over the definitions of source.
func NewRanker(source Source, matcher *trigger.Matcher) *Ranker {
	if matcher == nil {
		matcher = trigger.NewMatcher()
	}
	return &Ranker{source: source, matcher: matcher}
}

// Suggest returns up to limit suggestions, best first. limit <= 0 returns all.
func (r *Ranker) Suggest(ctx context.Context, c Context, limit int) ([]Suggestion, error) {
	defs, err := r.source.List(ctx, registry.Filter{})
	if err != nil {
		return nil, err
	}
	out := r.Rank(defs, c)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Rank scores defs against c. Workflows with neither trigger affinity nor
// tag overlap are omitted. Ties fall back to success rate, then to the most
// recently updated, then to id.
func (r *Ranker) Rank(defs []*schema.WorkflowDefinition, c Context) []Suggestion {
	keywords := contextKeywords(c)

	out := make([]Suggestion, 0, len(defs))
	for _, def := range defs {
		affinity, reasons := r.affinity(def, c)
		overlap, matched := tagOverlap(def.Tags, keywords)
		if affinity == 0 && overlap == 0 {
			continue
		}
		if len(matched) > 0 {
			reasons = append(reasons, "tags "+strings.Join(matched, ", "))
		}
		rate := def.Metadata.SuccessRate
		if def.Metadata.RunCount > 0 {
			reasons = append(reasons, fmt.Sprintf("%.0f%% success over recent runs", rate*100))
		}
		out = append(out, Suggestion{
			Workflow: def,
			Score:    AffinityWeight*affinity + TagOverlapWeight*overlap + SuccessRateWeight*rate,
			Reason:   strings.Join(reasons, "; "),
		})
	}

	slices.SortFunc(out, func(a, b Suggestion) int {
		if a.Score != b.Score {
			return cmpDesc(a.Score, b.Score)
		}
		if ar, br := a.Workflow.Metadata.SuccessRate, b.Workflow.Metadata.SuccessRate; ar != br {
			return cmpDesc(ar, br)
		}
		if c := b.Workflow.UpdatedAt.Compare(a.Workflow.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Workflow.ID, b.Workflow.ID)
	})
	return out
}

// affinity returns the strongest match between the context and the
// workflow's trigger or capabilities, with a reason per contribution.
func (r *Ranker) affinity(def *schema.WorkflowDefinition, c Context) (float64, []string) {
	var best float64
	var reasons []string
	take := func(v float64, reason string) {
		best = max(best, v)
		reasons = append(reasons, reason)
	}

	t := def.Trigger
	if c.FilePath != "" && t.Kind == schema.TriggerFileChange {
		if r.matcher.MatchPath(t.FileChange, c.FilePath) {
			take(1, "watches "+c.FilePath)
		} else {
			take(kindOnlyAffinity, "runs on file changes")
		}
	}
	if c.Phrase != "" && t.Kind == schema.TriggerPhrase {
		conf := 0.0
		if t.Phrase != nil {
			conf = trigger.PhraseConfidence(t.Phrase.Keywords, c.Phrase)
		}
		take(max(conf, phraseKindOnlyAffinity), fmt.Sprintf("phrase match %.2f", conf))
	}
	if (c.ErrorType != "" || c.ErrorMessage != "") && t.Kind == schema.TriggerErrorSignature {
		ev := &schema.Event{Kind: schema.TriggerErrorSignature, ErrorType: c.ErrorType, Message: c.ErrorMessage}
		if r.matcher.Matches(t, ev) {
			take(1, "handles this error")
		} else {
			take(kindOnlyAffinity, "runs on errors")
		}
	}
	if c.Capability != "" && slices.Contains(def.Capabilities(), c.Capability) {
		take(capabilityAffinity, "uses "+c.Capability)
	}
	return best, reasons
}

// contextKeywords gathers explicit keywords, phrase tokens and path segments.
func contextKeywords(c Context) map[string]bool {
	kw := make(map[string]bool)
	for _, k := range c.Keywords {
		kw[strings.ToLower(strings.TrimSpace(k))] = true
	}
	for _, tok := range trigger.Tokenize(c.Phrase) {
		kw[tok] = true
	}
	for _, tok := range trigger.Tokenize(c.FilePath) {
		kw[tok] = true
	}
	delete(kw, "")
	return kw
}

// tagOverlap returns the share of tags found among keywords, and those tags.
func tagOverlap(tags []string, keywords map[string]bool) (float64, []string) {
	if len(tags) == 0 || len(keywords) == 0 {
		return 0, nil
	}
	var matched []string
	for _, tag := range tags {
		if keywords[strings.ToLower(tag)] {
			matched = append(matched, tag)
		}
	}
	return float64(len(matched)) / float64(len(tags)), matched
}

func cmpDesc(a, b float64) int {
	if a > b {
		return -1
	}
	return 1
}
