package orchestrator

import (
	"context"

	"github.com/qmuntal/stateless"

	"github.com/mpataki/courier/internal/models"
)

type trigger string

const (
	triggerStart   trigger = "start"
	triggerWait    trigger = "wait"
	triggerResume  trigger = "resume"
	triggerSucceed trigger = "succeed"
	triggerFail    trigger = "fail"
	triggerCancel  trigger = "cancel"
)

// newMachine binds the run transition table to run.State. Terminal states
// permit nothing.
func newMachine(run *models.WorkflowRun) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return run.State, nil
		},
		func(_ context.Context, s stateless.State) error {
			run.State = s.(models.RunState)
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(models.RunQueued).
		Permit(triggerStart, models.RunRunning).
		Permit(triggerFail, models.RunFailed).
		Permit(triggerCancel, models.RunCanceled)

	sm.Configure(models.RunRunning).
		Permit(triggerWait, models.RunWaiting).
		Permit(triggerSucceed, models.RunSucceeded).
		Permit(triggerFail, models.RunFailed).
		Permit(triggerCancel, models.RunCanceled)

	sm.Configure(models.RunWaiting).
		Permit(triggerResume, models.RunRunning).
		Permit(triggerCancel, models.RunCanceled)

	sm.Configure(models.RunSucceeded)
	sm.Configure(models.RunFailed)
	sm.Configure(models.RunCanceled)

	return sm
}

// fire applies t to the run or explains why it cannot.
func fire(run *models.WorkflowRun, t trigger) error {
	from := run.State
	if err := newMachine(run).Fire(t); err != nil {
		if from.Terminal() {
			return models.Errorf(models.KindRunFinished, string(t), "run %s already %s", run.RunID, from)
		}
		return models.Errorf(models.KindInvalidInput, string(t), "run %s cannot %s while %s", run.RunID, t, from)
	}
	return nil
}
