package change

import "fmt"

// Event names a state-machine input. Events, not target states, are the
// registry's transition vocabulary: callers request begin_deploy, they do
// not write DEPLOYING.
type Event string

const (
	EventBeginTesting      Event = "begin_testing"
	EventTestsPassed       Event = "tests_passed"
	EventTestsFailed       Event = "tests_failed"
	EventRequestApproval   Event = "request_approval"
	EventApprove           Event = "approve"
	EventReject            Event = "reject"
	EventBeginDeploy       Event = "begin_deploy"
	EventDeploySucceeded   Event = "deploy_succeeded"
	EventDeployFailed      Event = "deploy_failed"
	EventBeginRollback     Event = "begin_rollback"
	EventRollbackSucceeded Event = "rollback_succeeded"
	EventRollbackFailed    Event = "rollback_failed"
	EventCancel            Event = "cancel"
)

// TransitionRule defines one allowed edge of the lifecycle machine.
type TransitionRule struct {
	Event Event
	From  State
	To    State
}

// DefaultRules enumerates every legal edge. Anything not listed here is an
// invalid transition.
var DefaultRules = []TransitionRule{
	{Event: EventBeginTesting, From: StatePending, To: StateTesting},
	{Event: EventTestsPassed, From: StateTesting, To: StateTestingPassed},
	{Event: EventTestsFailed, From: StateTesting, To: StateTestingFailed},
	{Event: EventRequestApproval, From: StateTestingPassed, To: StateAwaitingApproval},
	{Event: EventApprove, From: StateTestingPassed, To: StateApproved},
	{Event: EventApprove, From: StateAwaitingApproval, To: StateApproved},
	{Event: EventReject, From: StateAwaitingApproval, To: StateRejected},
	{Event: EventBeginDeploy, From: StateApproved, To: StateDeploying},
	{Event: EventDeploySucceeded, From: StateDeploying, To: StateDeployed},
	{Event: EventDeployFailed, From: StateDeploying, To: StateDeployFailed},
	{Event: EventBeginRollback, From: StateDeployFailed, To: StateRollingBack},
	{Event: EventRollbackSucceeded, From: StateRollingBack, To: StateRolledBack},
	{Event: EventRollbackFailed, From: StateRollingBack, To: StateRollbackFailed},
	{Event: EventCancel, From: StatePending, To: StateCancelled},
	{Event: EventCancel, From: StateTesting, To: StateCancelled},
	{Event: EventCancel, From: StateTestingPassed, To: StateCancelled},
	{Event: EventCancel, From: StateAwaitingApproval, To: StateCancelled},
	{Event: EventCancel, From: StateApproved, To: StateCancelled},
	{Event: EventCancel, From: StateDeployFailed, To: StateCancelled},
}

// Machine validates lifecycle events against the transition rules.
type Machine struct {
	rules []TransitionRule
}

// NewMachine creates a machine with the default rules.
func NewMachine() *Machine {
	return &Machine{rules: DefaultRules}
}

// Next returns the target state for applying event in state from.
// Returns a *TransitionError with a machine-readable code if the event is
// not legal from that state.
func (m *Machine) Next(from State, event Event) (State, error) {
	for _, r := range m.rules {
		if r.Event == event && r.From == from {
			return r.To, nil
		}
	}
	code := CodeInvalidTransition
	if event == EventCancel && (from == StateDeploying || from == StateRollingBack) {
		// Half-executed deploy and rollback steps must run to completion.
		code = CodeCancellationNotAllowed
	}
	return "", &TransitionError{
		ErrCode: code,
		From:    from,
		Event:   event,
		Message: fmt.Sprintf("event %s is not allowed from state %s", event, from),
	}
}

// Events returns all events applicable from the given state.
func (m *Machine) Events(from State) []Event {
	var out []Event
	for _, r := range m.rules {
		if r.From == from {
			out = append(out, r.Event)
		}
	}
	return out
}
