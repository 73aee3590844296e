package ua

import (
	"github.com/crocodilertc/sipua/pkg/oneshot"
	"github.com/crocodilertc/sipua/pkg/refersub"
	"github.com/crocodilertc/sipua/pkg/session"
)

// Event is the tagged union of the UA façade's own top-level events:
// one per newly created entity, emitted exactly once regardless of
// which dialog or transaction subsequently carries that entity's
// traffic.
type Event interface {
	isUAEvent()
}

// NewRTCSession reports a freshly constructed Session, incoming or
// outgoing, the instant it exists — before any provisional response.
type NewRTCSession struct {
	Session   *session.Session
	Direction session.Direction
}

func (NewRTCSession) isUAEvent() {}

// NewMessage reports an incoming out-of-dialog MESSAGE. The
// application may call Accept/Reject on it synchronously from its
// listener; if it does neither, the façade auto-accepts with 200.
type NewMessage struct {
	Message *oneshot.IncomingMessage
}

func (NewMessage) isUAEvent() {}

// NewRefer reports an incoming REFER, out-of-dialog or in-dialog,
// the instant its Subscription is constructed.
type NewRefer struct {
	Subscription *refersub.Subscription
}

func (NewRefer) isUAEvent() {}
