// Package trigger decides whether ingested events activate workflow triggers.
package trigger

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/rendis/taskflow/pkg/schema"
)

// Matcher evaluates one trigger variant against one event. It holds no
// state and is safe for concurrent use.
type Matcher struct{}

// NewMatcher creates a Matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Matches reports whether ev activates t. Schedule triggers never match
// ingested events; the scheduler owns them.
func (m *Matcher) Matches(t schema.Trigger, ev *schema.Event) bool {
	if ev == nil || ev.Kind != t.Kind {
		return false
	}
	switch t.Kind {
	case schema.TriggerManual:
		return true
	case schema.TriggerVersionControl:
		return matchVersionControl(t.VersionControl, ev)
	case schema.TriggerFileChange:
		return matchFileChange(t.FileChange, ev.Path)
	case schema.TriggerPhrase:
		if t.Phrase == nil {
			return false
		}
		return PhraseConfidence(t.Phrase.Keywords, ev.Text) >= t.Phrase.Floor()
	case schema.TriggerErrorSignature:
		return matchErrorSignature(t.ErrorSignature, ev)
	default:
		return false
	}
}

// Confidence returns the keyword overlap for phrase triggers and 1 or 0 for
// every other kind.
func (m *Matcher) Confidence(t schema.Trigger, ev *schema.Event) float64 {
	if ev == nil || ev.Kind != t.Kind {
		return 0
	}
	if t.Kind == schema.TriggerPhrase {
		if t.Phrase == nil {
			return 0
		}
		return PhraseConfidence(t.Phrase.Keywords, ev.Text)
	}
	if m.Matches(t, ev) {
		return 1
	}
	return 0
}

// MatchPath reports whether path is selected by a file-change config.
func (m *Matcher) MatchPath(cfg *schema.FileChangeTrigger, path string) bool {
	return matchFileChange(cfg, path)
}

func matchVersionControl(cfg *schema.VersionControlTrigger, ev *schema.Event) bool {
	if cfg == nil {
		return true
	}
	if len(cfg.Events) > 0 && !containsFold(cfg.Events, ev.Name) {
		return false
	}
	if len(cfg.Branches) == 0 {
		return true
	}
	return matchAny(cfg.Branches, ev.Branch)
}

func matchFileChange(cfg *schema.FileChangeTrigger, path string) bool {
	if path == "" {
		return false
	}
	path = normalizePath(path)
	if cfg == nil {
		return true
	}
	if len(cfg.Include) > 0 && !matchAny(cfg.Include, path) {
		return false
	}
	return !matchAny(cfg.Exclude, path)
}

// matchErrorSignature matches on a case-insensitive error type or a pattern
// contained in the message. A signature with neither matches nothing.
func matchErrorSignature(cfg *schema.ErrorSignatureTrigger, ev *schema.Event) bool {
	if cfg == nil {
		return false
	}
	if ev.ErrorType != "" && containsFold(cfg.ErrorTypes, ev.ErrorType) {
		return true
	}
	msg := strings.ToLower(ev.Message)
	if msg == "" {
		return false
	}
	for _, p := range cfg.Patterns {
		if p != "" && strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// PhraseConfidence is the fraction of keywords found in text on word
// boundaries. Multi-word keywords must appear as a contiguous phrase.
func PhraseConfidence(keywords []string, text string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	haystack := " " + strings.Join(Tokenize(text), " ") + " "
	if haystack == "  " {
		return 0
	}
	matched, total := 0, 0
	for _, kw := range keywords {
		tokens := Tokenize(kw)
		if len(tokens) == 0 {
			continue
		}
		total++
		if strings.Contains(haystack, " "+strings.Join(tokens, " ")+" ") {
			matched++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(matched) / float64(total)
}

// Tokenize lower-cases s and splits it on anything that is not a letter or digit.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// CheckPatterns returns the globs of t that doublestar cannot parse.
func CheckPatterns(t schema.Trigger) []string {
	var patterns []string
	if t.VersionControl != nil {
		patterns = append(patterns, t.VersionControl.Branches...)
	}
	if t.FileChange != nil {
		patterns = append(patterns, t.FileChange.Include...)
		patterns = append(patterns, t.FileChange.Exclude...)
	}
	var bad []string
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			bad = append(bad, p)
		}
	}
	return bad
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func normalizePath(p string) string {
	p = filepath.ToSlash(p)
	return strings.TrimPrefix(p, "./")
}
