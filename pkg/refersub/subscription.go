// Package refersub implements the RFC 3515/4488 REFER implicit
// subscription: the out-of-dialog and in-dialog flavors, NOTIFY
// generation and reception, sipfrag parsing, and the Pending/Active/
// Terminated subscription lifecycle. A Subscription lives in its own
// package so it can outlive (and be independent of) any one Session.
package refersub

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/crocodilertc/sipua/pkg/dialog"
	"github.com/crocodilertc/sipua/pkg/metrics"
	"github.com/crocodilertc/sipua/pkg/sipcore"
	"github.com/crocodilertc/sipua/pkg/timer"
)

// SubscriptionState is the three-value lifecycle from the data model.
type SubscriptionState int

const (
	Pending SubscriptionState = iota
	Active
	Terminated
)

func (s SubscriptionState) String() string {
	switch s {
	case Active:
		return "Active"
	case Terminated:
		return "Terminated"
	default:
		return "Pending"
	}
}

// Direction distinguishes which side originated the REFER.
type Direction int

const (
	// Outgoing means we sent the REFER; we are the subscriber.
	Outgoing Direction = iota
	// Incoming means we received the REFER; we are the notifier.
	Incoming
)

// Flavor distinguishes an out-of-dialog REFER (owns its own dialog)
// from an in-dialog REFER (reuses a Session's confirmed dialog).
type Flavor int

const (
	OutOfDialog Flavor = iota
	InDialog
)

// DefaultExpiry is the subscription lifetime every accepted incoming
// REFER is granted; an Expires header on the REFER is not read. It is
// also the fallback when a SUBSCRIBE or Subscription-State carries no
// expires.
const DefaultExpiry = 3 * time.Minute

// Config wires a Subscription's collaborators.
type Config struct {
	Registry *dialog.Registry
	Timers   *timer.Service
	Sender   RequestSender
	Logger   zerolog.Logger
	Metrics  *metrics.Collector
}

// Subscription is the REFER implicit subscription: the Pending/
// Active/Terminated lifecycle that tracks a single REFER's progress
// from either side.
type Subscription struct {
	mu sync.Mutex

	id        string
	flavor    Flavor
	direction Direction
	state     SubscriptionState

	registry *dialog.Registry
	timers   *timer.Service
	sender   RequestSender
	log      zerolog.Logger
	metrics  *metrics.Collector

	dlg        *dialog.Dialog
	ownsDialog bool

	referReq   *sip.Request
	referToURI sip.Uri
	replaces   string
	eventID    string // Event: refer;id=<cseq>, set for in-dialog refers

	cseq uint32

	targetDialog *dialog.Dialog

	expiresAt     time.Time
	lastNotifyBody []byte

	notifyFSM      *fsm.FSM
	notifyTimerTok timer.Token
	expiryTimerTok timer.Token

	// finalDelivered marks that a Started/Failed event already reached
	// listeners (a real NOTIFY carried a final sipfrag status), so
	// Close must not synthesize a second one.
	finalDelivered bool

	emitter sipcore.Emitter[Event]
}

func newSubscription(id string, flavor Flavor, direction Direction, cfg Config) *Subscription {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(metrics.Config{Enabled: false})
	}
	return &Subscription{
		id:        id,
		flavor:    flavor,
		direction: direction,
		state:     Pending,
		registry:  cfg.Registry,
		timers:    cfg.Timers,
		sender:    cfg.Sender,
		log:       cfg.Logger.With().Str("refer_id", id).Logger(),
		metrics:   cfg.Metrics,
		notifyFSM: newNotifyFSM(),
	}
}

// setStateLocked records a subscription lifecycle transition. Callers
// hold s.mu.
func (s *Subscription) setStateLocked(to SubscriptionState) {
	if s.state == to {
		return
	}
	s.metrics.StateTransition("subscription", s.state.String()+"->"+to.String())
	s.log.Debug().Str("from", s.state.String()).Str("to", to.String()).Msg("subscription state transition")
	s.state = to
}

// ID returns the stable identifier the UA façade registers this
// subscription under.
func (s *Subscription) ID() string { return s.id }

// State reports the current subscription lifecycle state.
func (s *Subscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dialog returns the SIP dialog backing this subscription, or nil if
// one has not yet formed.
func (s *Subscription) Dialog() *dialog.Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dlg
}

// OnEvent registers a listener for this subscription's events.
func (s *Subscription) OnEvent(fn func(Event)) sipcore.Unsubscribe {
	return s.emitter.Subscribe(fn)
}

func (s *Subscription) emit(e Event) {
	s.emitter.Emit(e)
}

// OnDialogRefresh implements dialog.Owner. REFER dialogs do not carry
// a session timer; this is a no-op.
func (s *Subscription) OnDialogRefresh(*dialog.Dialog) {}

// OnSessionTimerExpired implements dialog.Owner. REFER dialogs do not
// carry a session timer; this is a no-op.
func (s *Subscription) OnSessionTimerExpired(*dialog.Dialog) {}

// Close tears the subscription down. Per the close-with-active
// semantics: closing an Active incoming subscription first sends a
// terminating NOTIFY; closing an Active outgoing subscription
// synthesizes a final Failed event for listeners before teardown.
func (s *Subscription) Close(reason string) {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return
	}
	wasActive := s.state == Active
	alreadyFinal := s.finalDelivered
	s.setStateLocked(Terminated)
	s.timers.CancelAll(s.notifyTimerTok, s.expiryTimerTok)
	direction := s.direction
	ownsDialog := s.ownsDialog
	d := s.dlg
	s.mu.Unlock()

	if wasActive && direction == Incoming {
		_ = s.sendNotify(context.Background(), 487, "Request Terminated", true, reason)
	}
	if wasActive && direction == Outgoing && !alreadyFinal {
		s.emit(Failed{Cause: sipcore.Cause(reason), StatusCode: 0})
	}

	if ownsDialog && d != nil {
		d.Terminate()
	}
	s.log.Info().Str("reason", reason).Msg("subscription closed")
	s.emit(Closed{})
}
