package oneshot

import "github.com/crocodilertc/sipua/pkg/sipcore"

// Event is the tagged union of application-facing MessageApplicant
// events.
type Event interface {
	isMessageEvent()
}

// Succeeded fires once, when an outgoing MESSAGE receives a 2xx.
type Succeeded struct {
	StatusCode int
}

func (Succeeded) isMessageEvent() {}

// Failed fires once, on a final failure: a >=300 response, a
// transaction timeout, or a transport error. Provisionals never
// produce this event.
type Failed struct {
	Cause      sipcore.Cause
	StatusCode int
	Originator sipcore.Originator
}

func (Failed) isMessageEvent() {}
