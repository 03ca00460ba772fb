package engine

import (
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// PolicyAction is what the controller does after a step's final failure.
type PolicyAction string

const (
	ActionStop     PolicyAction = "stop"
	ActionContinue PolicyAction = "continue"
	ActionRetry    PolicyAction = "retry"
	ActionFallback PolicyAction = "fallback"
)

// PolicyDecision describes the outcome of resolving an error policy.
type PolicyDecision struct {
	Action PolicyAction
	// Attempt is the 1-based policy retry number when Action is retry.
	Attempt int
	// Delay is the wait before the retry is dispatched.
	Delay time.Duration
	// FallbackStepID is set when Action is fallback.
	FallbackStepID string
	// Escalated is true when the configured strategy could not be applied
	// (retries exhausted, fallback missing or already used) and the
	// decision fell through to stop.
	Escalated bool
}

// Payload renders the decision for the execution history.
func (d PolicyDecision) Payload(strategy schema.ErrorStrategy, err *schema.TaskflowError) map[string]any {
	p := map[string]any{
		"strategy": string(strategy),
		"action":   string(d.Action),
	}
	if d.Action == ActionRetry {
		p["attempt"] = d.Attempt
		p["delay_ms"] = d.Delay.Milliseconds()
	}
	if d.FallbackStepID != "" {
		p["fallback_step_id"] = d.FallbackStepID
	}
	if d.Escalated {
		p["escalated"] = true
	}
	if err != nil {
		p["error"] = map[string]any{"code": err.Code, "message": err.Message}
	}
	return p
}

// ResolvePolicy decides how a run reacts to the final failure of a step.
// retries is the number of policy retries already made for that step and
// fallbackUsed reports whether the run has already dispatched its fallback.
func ResolvePolicy(policy schema.ErrorHandlingPolicy, retries int, fallbackUsed bool, err *schema.TaskflowError) PolicyDecision {
	if err != nil && (err.Code == schema.ErrCodeCancelled || err.Code == schema.ErrCodeTimeout) {
		return PolicyDecision{Action: ActionStop}
	}

	switch policy.EffectiveStrategy() {
	case schema.StrategyContinue:
		return PolicyDecision{Action: ActionContinue}

	case schema.StrategyRetry:
		if retries >= policy.MaxRetries {
			return PolicyDecision{Action: ActionStop, Escalated: true}
		}
		attempt := retries + 1
		return PolicyDecision{
			Action:  ActionRetry,
			Attempt: attempt,
			Delay:   PolicyBackoff(policy, attempt),
		}

	case schema.StrategyFallback:
		if policy.FallbackStepID == "" || fallbackUsed {
			return PolicyDecision{Action: ActionStop, Escalated: true}
		}
		return PolicyDecision{Action: ActionFallback, FallbackStepID: policy.FallbackStepID}

	default:
		return PolicyDecision{Action: ActionStop}
	}
}
