package session

import (
	"github.com/emiago/sipgo/sip"

	"github.com/crocodilertc/sipua/pkg/sipcore"
)

// Event is the tagged union of application-facing Session events,
// one explicit variant per kind rather than a single catch-all struct.
type Event interface {
	isSessionEvent()
}

// Progress corresponds to a 1xx-with-to-tag response or an equivalent
// local milestone while ringing.
type Progress struct {
	Response   *sip.Response
	Originator sipcore.Originator
}

func (Progress) isSessionEvent() {}

// Started fires exactly once, when the session reaches Confirmed.
type Started struct {
	Response   *sip.Response
	Originator sipcore.Originator
}

func (Started) isSessionEvent() {}

// Ended fires when a previously-Confirmed session terminates normally.
type Ended struct {
	Cause      sipcore.Cause
	Originator sipcore.Originator
}

func (Ended) isSessionEvent() {}

// Failed fires when the session never reached Confirmed.
type Failed struct {
	Cause      sipcore.Cause
	Response   *sip.Response
	Originator sipcore.Originator
}

func (Failed) isSessionEvent() {}

// NewDTMF reports an inbound INFO DTMF-relay tone.
type NewDTMF struct {
	Tone       string
	Duration   int
	Originator sipcore.Originator
}

func (NewDTMF) isSessionEvent() {}

// Reinvite is delivered once per incoming re-INVITE; the application
// must call Accept/Reject on the returned *ReInvite handle.
type Reinvite struct {
	ReInvite *ReInvite
}

func (Reinvite) isSessionEvent() {}

// Refresh asks the application to refresh the session (send a
// refreshing re-INVITE or UPDATE) because we are the local session
// timer refresher.
type Refresh struct{}

func (Refresh) isSessionEvent() {}

// Update is delivered once per incoming UPDATE.
type Update struct {
	Update *UpdateTx
}

func (Update) isSessionEvent() {}
