package protocol

import "time"

// HookEvent names a lifecycle point where hook actions run.
type HookEvent string

const (
	HookBeforeEach      HookEvent = "before_each"
	HookAfterEach       HookEvent = "after_each"
	HookOnPlanGenerated HookEvent = "on_plan_generated"
	HookOnApproval      HookEvent = "on_approval"
	HookOnComplete      HookEvent = "on_complete"
	HookOnError         HookEvent = "on_error"
)

// HookEvents lists every known event in a stable order.
var HookEvents = []HookEvent{
	HookBeforeEach,
	HookOnPlanGenerated,
	HookOnApproval,
	HookOnComplete,
	HookOnError,
	HookAfterEach,
}

// Known reports whether e is one of HookEvents.
func (e HookEvent) Known() bool {
	for _, k := range HookEvents {
		if e == k {
			return true
		}
	}
	return false
}

// ActionType selects how a hook action is carried out.
type ActionType string

const (
	ActionShell  ActionType = "shell"
	ActionPrompt ActionType = "prompt"
)

// HookAction is one step of a hook list. Shell actions run Command;
// prompt actions hand Prompt back to the caller untouched.
type HookAction struct {
	Type    ActionType    `json:"type" yaml:"type"`
	Command string        `json:"command,omitempty" yaml:"command,omitempty"`
	Prompt  string        `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Hooks maps lifecycle events to ordered action lists.
type Hooks map[HookEvent][]HookAction
