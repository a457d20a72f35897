package domain

import "github.com/smallbiznis/rebill/internal/workflow"

// WorkflowGroup scopes subscription guards and transition events.
const WorkflowGroup = "subscription"

// BuildWorkflow defines the subscription lifecycle state machine:
//
//	pending|trial --activate--> active --renew--> active
//	active --expire--> expired
//	pending|trial|active --cancel--> canceled
func BuildWorkflow(reg *workflow.GuardRegistry) *workflow.Workflow {
	w := workflow.New("subscription_default", WorkflowGroup, reg)
	must(w.AddState(StatePending, "Pending"))
	must(w.AddState(StateTrial, "Trial"))
	must(w.AddState(StateActive, "Active"))
	must(w.AddState(StateCanceled, "Canceled"))
	must(w.AddState(StateExpired, "Expired"))
	must(w.AddTransition(TransitionStartTrial, "Start trial", []string{StatePending}, StateTrial))
	must(w.AddTransition(TransitionActivate, "Activate", []string{StatePending, StateTrial}, StateActive))
	must(w.AddTransition(TransitionRenew, "Renew", []string{StateActive}, StateActive))
	must(w.AddTransition(TransitionExpire, "Expire", []string{StateActive}, StateExpired))
	must(w.AddTransition(TransitionCancel, "Cancel", []string{StatePending, StateTrial, StateActive}, StateCanceled))
	return w
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
