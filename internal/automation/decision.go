package automation

import "fmt"

// NoActivityPolicy decides what happens when an auto-continuable task goes
// idle without the tracker tool ever having been invoked. The agent may have
// finished a turn by only asking a clarifying question; restarting keeps the
// policy uniform with "tracker reported incomplete work" and avoids a stuck
// pending-forever state, but the correct default is genuinely ambiguous, so
// it stays configurable.
type NoActivityPolicy string

const (
	PolicyRestart NoActivityPolicy = "restart"
	PolicyPause   NoActivityPolicy = "pause"
)

// Engine turns (agent state, workflow status, auto-continue) into a single
// task decision. First matching rule wins.
type Engine struct {
	NoActivity NoActivityPolicy
}

// NewEngine creates a decision engine (PolicyRestart when policy is empty).
func NewEngine(policy NoActivityPolicy) Engine {
	if policy == "" {
		policy = PolicyRestart
	}
	return Engine{NoActivity: policy}
}

// Decide implements the decision table:
//
//	error   | *           | *     -> complete (fail-safe: agent error is a terminal signal, not a crash)
//	running | *           | *     -> continue (still streaming, no decision)
//	idle    | completed   | *     -> complete
//	idle    | in_progress | true  -> restart
//	idle    | in_progress | false -> pause
//	idle    | no_activity | true  -> restart (policy knob may pick pause)
//	idle    | no_activity | false -> pause
//	idle    | unknown     | *     -> pause
func (e Engine) Decide(state AgentState, ws WorkflowStatus, canAutoContinue bool) TaskDecision {
	switch state {
	case AgentError:
		return TaskDecision{
			Action:        ActionComplete,
			Reason:        "agent reported an error; treating the session as finished",
			ShouldExecute: true,
		}
	case AgentRunning:
		return TaskDecision{
			Action:        ActionContinue,
			Reason:        "agent is still streaming",
			ShouldExecute: false,
		}
	case AgentIdle:
		return e.decideIdle(ws, canAutoContinue)
	default:
		return TaskDecision{
			Action:        ActionPause,
			Reason:        fmt.Sprintf("unrecognized agent state %q; pausing for attention", state),
			ShouldExecute: true,
		}
	}
}

func (e Engine) decideIdle(ws WorkflowStatus, canAutoContinue bool) TaskDecision {
	switch ws {
	case WorkflowCompleted:
		return TaskDecision{
			Action:        ActionComplete,
			Reason:        "all tracked work reported complete",
			ShouldExecute: true,
		}

	case WorkflowInProgress:
		if canAutoContinue {
			return TaskDecision{
				Action:        ActionRestart,
				Reason:        "tracked work incomplete; restarting in a fresh session",
				ShouldExecute: true,
			}
		}
		return TaskDecision{
			Action:        ActionPause,
			Reason:        "tracked work incomplete; waiting for user input",
			ShouldExecute: true,
		}

	case WorkflowNoActivity:
		if canAutoContinue && e.NoActivity == PolicyRestart {
			return TaskDecision{
				Action:        ActionRestart,
				Reason:        "agent went idle without invoking the tracker; restarting in a fresh session",
				ShouldExecute: true,
			}
		}
		return TaskDecision{
			Action:        ActionPause,
			Reason:        "agent went idle without invoking the tracker; waiting for user input",
			ShouldExecute: true,
		}

	case WorkflowUnknown:
		fallthrough
	default:
		return TaskDecision{
			Action:        ActionPause,
			Reason:        "progress could not be determined; pausing for attention",
			ShouldExecute: true,
		}
	}
}
