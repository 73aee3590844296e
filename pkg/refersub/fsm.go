package refersub

import "github.com/looplab/fsm"

// notifyState tracks the progress reported by successive REFER NOTIFYs
// on the subscribing side, so each new sipfrag status code can be
// mapped to the progress/started/failed event a Session emits.
const (
	notifyPending    = "pending"
	notifyTrying     = "trying"
	notifyProceeding = "proceeding"
	notifyCompleted  = "completed"
	notifyFailed     = "failed"
	notifyTerminated = "terminated"
)

// newNotifyFSM builds the state machine a notify-sequence tracker
// drives: 100 moves to trying, 1xx to proceeding, a final code below
// 300 to completed, and at or above 300 to failed.
func newNotifyFSM() *fsm.FSM {
	return fsm.NewFSM(
		notifyPending,
		fsm.Events{
			{Name: "notify100", Src: []string{notifyPending}, Dst: notifyTrying},
			{Name: "notify1xx", Src: []string{notifyPending, notifyTrying}, Dst: notifyProceeding},
			{Name: "notifySuccess", Src: []string{notifyPending, notifyTrying, notifyProceeding}, Dst: notifyCompleted},
			{Name: "notifyFailure", Src: []string{notifyPending, notifyTrying, notifyProceeding}, Dst: notifyFailed},
			{Name: "terminate", Src: []string{notifyCompleted, notifyFailed}, Dst: notifyTerminated},
		},
		nil,
	)
}
