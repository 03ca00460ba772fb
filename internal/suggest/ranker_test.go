package suggest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/internal/registry"
	"github.com/rendis/taskflow/pkg/schema"
)

// staticSource serves a fixed definition list.
type staticSource struct {
	defs []*schema.WorkflowDefinition
	err  error
}

func (s staticSource) List(context.Context, registry.Filter) ([]*schema.WorkflowDefinition, error) {
	return s.defs, s.err
}

var epoch = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

func wf(id string, trig schema.Trigger, tags []string, rate float64) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:        id,
		Name:      id,
		Tags:      tags,
		Trigger:   trig,
		Steps:     []schema.Step{{ID: "s", Capability: "echo"}},
		Metadata:  schema.WorkflowMetadata{SuccessRate: rate, RunCount: 10},
		UpdatedAt: epoch,
	}
}

func fileTrigger(include ...string) schema.Trigger {
	return schema.Trigger{Kind: schema.TriggerFileChange, FileChange: &schema.FileChangeTrigger{Include: include}}
}

func phraseTrigger(keywords ...string) schema.Trigger {
	return schema.Trigger{Kind: schema.TriggerPhrase, Phrase: &schema.PhraseTrigger{Keywords: keywords}}
}

func ids(s []Suggestion) []string {
	out := make([]string, 0, len(s))
	for _, x := range s {
		out = append(out, x.Workflow.ID)
	}
	return out
}

func TestRank_FileContext(t *testing.T) {
	r := NewRanker(nil, nil)
	defs := []*schema.WorkflowDefinition{
		wf("lint-go", fileTrigger("**/*.go"), nil, 0.5),
		wf("lint-docs", fileTrigger("docs/**"), nil, 0.5),
		wf("manual", schema.Trigger{Kind: schema.TriggerManual}, nil, 1),
	}

	got := r.Rank(defs, Context{FilePath: "internal/api/handler.go"})
	require.Equal(t, []string{"lint-go", "lint-docs"}, ids(got))
	assert.InDelta(t, 0.5*1+0.2*0.5, got[0].Score, 1e-9)
	assert.InDelta(t, 0.5*0.5+0.2*0.5, got[1].Score, 1e-9)
	assert.Contains(t, got[0].Reason, "watches internal/api/handler.go")
}

func TestRank_PhraseContext(t *testing.T) {
	r := NewRanker(nil, nil)
	defs := []*schema.WorkflowDefinition{
		wf("deploy", phraseTrigger("deploy", "production"), nil, 0),
		wf("review", phraseTrigger("review", "pull", "request"), nil, 0),
	}

	got := r.Rank(defs, Context{Phrase: "please deploy to production"})
	require.Equal(t, []string{"deploy", "review"}, ids(got))
	assert.InDelta(t, 0.5, got[0].Score, 1e-9)
	assert.InDelta(t, 0.5*0.25, got[1].Score, 1e-9, "kind-only phrase affinity has a floor")
}

func TestRank_ErrorAndCapabilityContext(t *testing.T) {
	r := NewRanker(nil, nil)
	oom := wf("oom", schema.Trigger{Kind: schema.TriggerErrorSignature,
		ErrorSignature: &schema.ErrorSignatureTrigger{ErrorTypes: []string{"OutOfMemory"}}}, nil, 0)
	other := wf("panic", schema.Trigger{Kind: schema.TriggerErrorSignature,
		ErrorSignature: &schema.ErrorSignatureTrigger{Patterns: []string{"nil pointer"}}}, nil, 0)
	shell := wf("shell", schema.Trigger{Kind: schema.TriggerManual}, nil, 0)
	shell.Steps[0].Capability = "shell.exec"

	got := r.Rank([]*schema.WorkflowDefinition{shell, other, oom}, Context{ErrorType: "outofmemory", Capability: "shell.exec"})
	assert.Equal(t, []string{"oom", "shell", "panic"}, ids(got))
}

func TestRank_TagOverlap(t *testing.T) {
	r := NewRanker(nil, nil)
	defs := []*schema.WorkflowDefinition{
		wf("full", schema.Trigger{Kind: schema.TriggerManual}, []string{"release", "Go"}, 0),
		wf("half", schema.Trigger{Kind: schema.TriggerManual}, []string{"release", "python"}, 0),
		wf("none", schema.Trigger{Kind: schema.TriggerManual}, []string{"docs"}, 1),
	}

	got := r.Rank(defs, Context{Keywords: []string{"go"}, Phrase: "cut a release"})
	require.Equal(t, []string{"full", "half"}, ids(got), "no affinity and no overlap is omitted")
	assert.InDelta(t, 0.3, got[0].Score, 1e-9)
	assert.InDelta(t, 0.15, got[1].Score, 1e-9)
	assert.Contains(t, got[0].Reason, "tags release, Go")
}

func TestRank_TieBreaks(t *testing.T) {
	r := NewRanker(nil, nil)
	trig := fileTrigger()

	// Identical scores and success rates.
	a := wf("a", trig, nil, 0.5)
	b := wf("b", trig, nil, 0.5)
	b.UpdatedAt = epoch.Add(time.Hour)
	c := wf("c", trig, nil, 0.5)

	got := r.Rank([]*schema.WorkflowDefinition{c, a, b}, Context{FilePath: "x.txt"})
	assert.Equal(t, []string{"b", "a", "c"}, ids(got), "newer first, then id")
}

func TestRank_NoContext(t *testing.T) {
	r := NewRanker(nil, nil)
	got := r.Rank([]*schema.WorkflowDefinition{wf("a", fileTrigger(), []string{"x"}, 1)}, Context{})
	assert.Empty(t, got)
}

func TestSuggest_Limit(t *testing.T) {
	src := staticSource{defs: []*schema.WorkflowDefinition{
		wf("a", fileTrigger(), nil, 0.9),
		wf("b", fileTrigger(), nil, 0.5),
		wf("c", fileTrigger(), nil, 0.1),
	}}
	r := NewRanker(src, nil)

	got, err := r.Suggest(context.Background(), Context{FilePath: "main.go"}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))

	got, err = r.Suggest(context.Background(), Context{FilePath: "main.go"}, 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestSuggest_SourceError(t *testing.T) {
	r := NewRanker(staticSource{err: errors.New("store down")}, nil)
	_, err := r.Suggest(context.Background(), Context{Phrase: "x"}, 0)
	assert.Error(t, err)
}
