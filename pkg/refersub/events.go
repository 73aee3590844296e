package refersub

import (
	"github.com/crocodilertc/sipua/pkg/sipcore"
)

// Event is the tagged union of application-facing Subscription events.
type Event interface {
	isReferEvent()
}

// Accepted fires once a REFER is answered with a 2xx. Only meaningful
// on the subscribing side; the dialog is not yet formed.
type Accepted struct{}

func (Accepted) isReferEvent() {}

// Progress reports a non-final sipfrag status (<200) carried by a
// NOTIFY, mirroring a Session's Progress event for the referred call.
type Progress struct {
	StatusCode int
}

func (Progress) isReferEvent() {}

// Started reports a successful final sipfrag status (2xx) carried by
// a NOTIFY.
type Started struct {
	StatusCode int
}

func (Started) isReferEvent() {}

// Failed reports the subscription's terminal failure, whether from
// the REFER itself, a failing sipfrag NOTIFY, or a NOTIFY-arrival
// timeout.
type Failed struct {
	Cause      sipcore.Cause
	StatusCode int
}

func (Failed) isReferEvent() {}

// Closed fires exactly once when the subscription is torn down,
// whatever the reason.
type Closed struct{}

func (Closed) isReferEvent() {}
