package schema

import (
	"fmt"
	"time"
)

// TriggerKind tags the variant held by a Trigger and the kind of an ingested Event.
type TriggerKind string

const (
	TriggerManual         TriggerKind = "manual"
	TriggerVersionControl TriggerKind = "version_control"
	TriggerFileChange     TriggerKind = "file_change"
	TriggerSchedule       TriggerKind = "schedule"
	TriggerPhrase         TriggerKind = "phrase"
	TriggerErrorSignature TriggerKind = "error_signature"
)

// ValidTriggerKinds lists every accepted trigger kind.
var ValidTriggerKinds = []TriggerKind{
	TriggerManual, TriggerVersionControl, TriggerFileChange,
	TriggerSchedule, TriggerPhrase, TriggerErrorSignature,
}

// IsValid reports whether k is a known trigger kind.
func (k TriggerKind) IsValid() bool {
	for _, v := range ValidTriggerKinds {
		if v == k {
			return true
		}
	}
	return false
}

// Trigger selects what starts a workflow. Exactly the config field matching
// Kind is consulted.
type Trigger struct {
	Kind           TriggerKind            `json:"kind" yaml:"kind"`
	VersionControl *VersionControlTrigger `json:"version_control,omitempty" yaml:"version_control,omitempty"`
	FileChange     *FileChangeTrigger     `json:"file_change,omitempty" yaml:"file_change,omitempty"`
	Schedule       *ScheduleTrigger       `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Phrase         *PhraseTrigger         `json:"phrase,omitempty" yaml:"phrase,omitempty"`
	ErrorSignature *ErrorSignatureTrigger `json:"error_signature,omitempty" yaml:"error_signature,omitempty"`
}

// VersionControlTrigger matches repository events such as push or pull_request.
type VersionControlTrigger struct {
	Events   []string `json:"events,omitempty" yaml:"events,omitempty"`
	Branches []string `json:"branches,omitempty" yaml:"branches,omitempty"`
}

// FileChangeTrigger matches changed paths against include and exclude globs.
type FileChangeTrigger struct {
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// ScheduleTrigger fires on a cron expression evaluated in Timezone (UTC when empty).
type ScheduleTrigger struct {
	Cron     string `json:"cron" yaml:"cron"`
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// DefaultPhraseConfidence is the floor used when a phrase trigger sets none.
const DefaultPhraseConfidence = 0.5

// PhraseTrigger matches free text by keyword overlap.
type PhraseTrigger struct {
	Keywords      []string `json:"keywords" yaml:"keywords"`
	MinConfidence float64  `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty"`
}

// Floor returns the effective confidence floor.
func (p *PhraseTrigger) Floor() float64 {
	if p.MinConfidence <= 0 {
		return DefaultPhraseConfidence
	}
	return p.MinConfidence
}

// ErrorSignatureTrigger matches reported errors by type or message substring.
type ErrorSignatureTrigger struct {
	ErrorTypes []string `json:"error_types,omitempty" yaml:"error_types,omitempty"`
	Patterns   []string `json:"patterns,omitempty" yaml:"patterns,omitempty"`
}

// Event is an external occurrence fed through the ingestion surface.
type Event struct {
	Kind TriggerKind `json:"kind"`
	// Name is the version-control event kind or the file operation.
	Name       string         `json:"name,omitempty"`
	Branch     string         `json:"branch,omitempty"`
	Path       string         `json:"path,omitempty"`
	Text       string         `json:"text,omitempty"`
	ErrorType  string         `json:"error_type,omitempty"`
	Message    string         `json:"message,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// eventAliases lets notify payloads use the natural key for each kind.
var eventAliases = map[string][]string{
	"name":       {"name", "event", "operation", "op"},
	"branch":     {"branch", "ref"},
	"path":       {"path", "file"},
	"text":       {"text", "phrase", "query"},
	"error_type": {"error_type", "type"},
	"message":    {"message", "error"},
}

// ParseEvent builds an Event from a notify payload.
func ParseEvent(kind TriggerKind, payload map[string]any) (*Event, error) {
	if !kind.IsValid() {
		return nil, NewErrorf(ErrCodeValidation, "unknown event kind %q", kind)
	}
	ev := &Event{Kind: kind, Payload: payload, ReceivedAt: time.Now().UTC()}
	ev.Name = firstString(payload, eventAliases["name"])
	ev.Branch = trimRef(firstString(payload, eventAliases["branch"]))
	ev.Path = firstString(payload, eventAliases["path"])
	ev.Text = firstString(payload, eventAliases["text"])
	ev.ErrorType = firstString(payload, eventAliases["error_type"])
	ev.Message = firstString(payload, eventAliases["message"])
	ev.WorkflowID = firstString(payload, []string{"workflow_id"})

	switch kind {
	case TriggerFileChange:
		if ev.Path == "" {
			return nil, NewError(ErrCodeValidation, "file_change event requires a path")
		}
	case TriggerPhrase:
		if ev.Text == "" {
			return nil, NewError(ErrCodeValidation, "phrase event requires text")
		}
	case TriggerErrorSignature:
		if ev.ErrorType == "" && ev.Message == "" {
			return nil, NewError(ErrCodeValidation, "error_signature event requires an error type or message")
		}
	case TriggerVersionControl:
		if ev.Name == "" {
			return nil, NewError(ErrCodeValidation, "version_control event requires an event name")
		}
	}
	return ev, nil
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			return s
		case fmt.Stringer:
			return s.String()
		}
	}
	return ""
}

func trimRef(ref string) string {
	const heads = "refs/heads/"
	if len(ref) > len(heads) && ref[:len(heads)] == heads {
		return ref[len(heads):]
	}
	return ref
}

// TriggerSource records how an execution was started.
type TriggerSource string

const (
	SourceManual   TriggerSource = "manual"
	SourceEvent    TriggerSource = "event"
	SourceSchedule TriggerSource = "schedule"
)

// TriggerContext is the trigger information captured on an execution.
type TriggerContext struct {
	Kind       TriggerKind   `json:"kind"`
	Source     TriggerSource `json:"source"`
	Event      *Event        `json:"event,omitempty"`
	ScheduleID string        `json:"schedule_id,omitempty"`
	FiredAt    time.Time     `json:"fired_at"`
}

// ManualTrigger returns the context for a direct start call.
func ManualTrigger() TriggerContext {
	return TriggerContext{Kind: TriggerManual, Source: SourceManual, FiredAt: time.Now().UTC()}
}

// AsMap renders the context for expression and mapping data.
func (t TriggerContext) AsMap() map[string]any {
	m := map[string]any{
		"kind":     string(t.Kind),
		"source":   string(t.Source),
		"fired_at": t.FiredAt.Format(time.RFC3339),
	}
	if t.ScheduleID != "" {
		m["schedule_id"] = t.ScheduleID
	}
	if t.Event != nil {
		ev := map[string]any{"kind": string(t.Event.Kind)}
		for k, v := range map[string]string{
			"name": t.Event.Name, "branch": t.Event.Branch, "path": t.Event.Path,
			"text": t.Event.Text, "error_type": t.Event.ErrorType, "message": t.Event.Message,
		} {
			if v != "" {
				ev[k] = v
			}
		}
		if t.Event.Payload != nil {
			ev["payload"] = t.Event.Payload
		}
		m["event"] = ev
	}
	return m
}
