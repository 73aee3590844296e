// Package ua implements the User-Agent façade of §4.5: the
// process-wide registries for dialogs, sessions, and REFER
// subscriptions, routing of incoming requests/responses to the
// correct owner, and the top-level newRTCSession/newMessage/newRefer
// events.
package ua

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crocodilertc/sipua/pkg/dialog"
	"github.com/crocodilertc/sipua/pkg/metrics"
	"github.com/crocodilertc/sipua/pkg/oneshot"
	"github.com/crocodilertc/sipua/pkg/refersub"
	"github.com/crocodilertc/sipua/pkg/session"
	"github.com/crocodilertc/sipua/pkg/sipcore"
	"github.com/crocodilertc/sipua/pkg/timer"
)

// Sender is the single seam every owner package (session, refersub,
// oneshot) depends on for sending requests; their RequestSender
// interfaces are structurally identical to this one; one adapter
// around *sipgo.Client satisfies all of them.
type Sender interface {
	TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request) error
}

// Config carries the collaborators and tunables the façade and
// everything it constructs need.
type Config struct {
	Sender Sender
	Media  session.MediaHandler

	// Contact is the Contact header this UA attaches to responses it
	// builds without an application callback in the loop — the 202 to
	// an incoming out-of-dialog REFER and the NOTIFYs that follow it.
	Contact sip.ContactHeader

	// NoAnswerTimeout bounds how long an incoming INVITE rings before
	// the façade auto-declines it with 487.
	NoAnswerTimeout time.Duration
	// DefaultMinSE is carried in Config but not passed on: dialogs
	// apply dialog.DefaultMinSE when a peer omits Min-SE.
	DefaultMinSE time.Duration
	// DefaultReferExpiry is carried in Config but not passed on:
	// incoming REFERs are granted refersub.DefaultExpiry.
	DefaultReferExpiry time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Collector
}

// DefaultConfig fills in every tunable the host glue left zero.
func DefaultConfig() Config {
	return Config{
		NoAnswerTimeout:    180 * time.Second,
		DefaultMinSE:       90 * time.Second,
		DefaultReferExpiry: refersub.DefaultExpiry,
		Logger:             zerolog.Nop(),
		Metrics:            metrics.New(metrics.Config{Enabled: false}),
	}
}

// UA is the User-Agent façade: it owns the dialog registry and the
// session/subscription/pending-message registries, and is the single
// entry point host transport/transaction glue calls to deliver
// incoming requests.
type UA struct {
	mu sync.Mutex

	cfg      Config
	dialogs  *dialog.Registry
	timers   *timer.Service
	log      zerolog.Logger
	metrics  *metrics.Collector

	sessions      map[string]*session.Session
	subscriptions map[string]*refersub.Subscription
	messages      map[string]*oneshot.MessageApplicant

	// branchToSession matches an incoming CANCEL to the Session whose
	// INVITE server transaction shares its top Via branch, per §4.5
	// "CANCEL targets Session via branch" — populated when an incoming
	// INVITE is registered, cleared when the session is removed
	// (RemoveSession).
	branchToSession map[string]*session.Session

	emitter sipcore.Emitter[Event]
}

// New creates an empty UA façade sharing a single Timer Service and
// Dialog Registry across every entity it constructs.
func New(cfg Config) *UA {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(metrics.Config{Enabled: false})
	}
	ts := timer.NewService()
	dialogs := dialog.NewRegistry(ts)
	dialogs.SetMetrics(cfg.Metrics)
	dialogs.SetLogger(cfg.Logger)
	return &UA{
		cfg:             cfg,
		dialogs:         dialogs,
		timers:          ts,
		log:             cfg.Logger,
		metrics:         cfg.Metrics,
		sessions:        make(map[string]*session.Session),
		subscriptions:   make(map[string]*refersub.Subscription),
		messages:        make(map[string]*oneshot.MessageApplicant),
		branchToSession: make(map[string]*session.Session),
	}
}

// OnEvent subscribes a listener to every newRTCSession/newMessage/
// newRefer event the façade emits.
func (u *UA) OnEvent(fn func(Event)) sipcore.Unsubscribe {
	return u.emitter.Subscribe(fn)
}

// Dialogs returns the shared dialog registry, for host glue that needs
// to resolve a Target-Dialog header itself.
func (u *UA) Dialogs() *dialog.Registry { return u.dialogs }

// Timers returns the shared timer service.
func (u *UA) Timers() *timer.Service { return u.timers }

// sessionID is the stable session registry key: call-id+from-tag,
// per §4.5.
func sessionID(callID, fromTag string) string {
	return callID + "|" + fromTag
}

// referID is the stable subscription registry key, mirroring
// sessionID's shape.
func referID(callID, fromTag string) string {
	return "refer:" + callID + "|" + fromTag
}

// NewSession constructs and registers an outgoing Session, emitting
// newRTCSession once before returning it so the application can attach
// listeners before Connect sends anything.
func (u *UA) NewSession() *session.Session {
	callID := u.nextCorrelationID()
	id := sessionID(callID, "")
	s := session.New(id, session.Outgoing, session.Config{
		Registry:        u.dialogs,
		Timers:          u.timers,
		Sender:          u.cfg.Sender,
		Media:           u.cfg.Media,
		NoAnswerTimeout: u.cfg.NoAnswerTimeout,
		Logger:          u.log,
		Metrics:         u.metrics,
	})
	u.log.Info().Str("session_id", id).Msg("outgoing session created")
	u.mu.Lock()
	u.sessions[id] = s
	u.mu.Unlock()
	u.metrics.SessionStarted()
	u.emitter.Emit(NewRTCSession{Session: s, Direction: session.Outgoing})
	return s
}

// NewOutgoingMessage constructs and registers an outgoing MESSAGE
// applicant.
func (u *UA) NewOutgoingMessage() *oneshot.MessageApplicant {
	id := "msg:" + u.nextCorrelationID()
	m := oneshot.NewMessageApplicant(id, u.cfg.Sender)
	u.mu.Lock()
	u.messages[id] = m
	u.mu.Unlock()
	return m
}

// NewOutgoingRefer constructs and registers an out-of-dialog REFER
// subscription.
func (u *UA) NewOutgoingRefer() *refersub.Subscription {
	callID := u.nextCorrelationID()
	id := referID(callID, "")
	sub := refersub.NewOutgoingRefer(id, refersub.Config{
		Registry: u.dialogs,
		Timers:   u.timers,
		Sender:   u.cfg.Sender,
		Logger:   u.log,
		Metrics:  u.metrics,
	})
	u.mu.Lock()
	u.subscriptions[id] = sub
	u.mu.Unlock()
	u.metrics.SubscriptionActive()
	return sub
}

// NewInDialogRefer constructs and registers a REFER subscription
// riding an existing Session's confirmed dialog.
func (u *UA) NewInDialogRefer(owner *session.Session, eventCSeq string) (*refersub.Subscription, error) {
	d := owner.ConfirmedDialog()
	if d == nil {
		return nil, sipcore.NewError("ua.indialog_refer.state", "session has no confirmed dialog", sipcore.ErrorCategoryState)
	}
	id := referID(d.ID().CallID, d.ID().LocalTag) + ";id=" + eventCSeq
	sub := refersub.NewInDialogRefer(id, d, eventCSeq, refersub.Config{
		Registry: u.dialogs,
		Timers:   u.timers,
		Sender:   u.cfg.Sender,
		Logger:   u.log,
		Metrics:  u.metrics,
	})
	u.mu.Lock()
	u.subscriptions[id] = sub
	u.mu.Unlock()
	u.metrics.SubscriptionActive()
	return sub, nil
}

// nextCorrelationID hands out process-unique ids for applicant/session
// registry keys where no Call-ID exists yet (the caller is about to
// generate one as part of building its first request).
func (u *UA) nextCorrelationID() string {
	return uuid.NewString()
}

// RemoveSession drops a session from the registry once it has
// reported Terminated; the UA does not watch session events itself
// (that would require a second subscription per session for no
// benefit) — host glue that already listens for Ended/Failed to relay
// to its own application should call this from there.
func (u *UA) RemoveSession(id string) {
	u.mu.Lock()
	dead := u.sessions[id]
	delete(u.sessions, id)
	for branch, s := range u.branchToSession {
		if s != nil && s == dead {
			delete(u.branchToSession, branch)
		}
	}
	u.mu.Unlock()

	var confirmedAt time.Time
	if dead != nil {
		confirmedAt = dead.ConfirmedAt()
	}
	u.metrics.SessionEnded(confirmedAt)
	u.log.Debug().Str("session_id", id).Msg("session removed from registry")
}

// RemoveSubscription drops a subscription from the registry once it
// has reported Closed.
func (u *UA) RemoveSubscription(id string) {
	u.mu.Lock()
	delete(u.subscriptions, id)
	u.mu.Unlock()
	u.metrics.SubscriptionClosed()
}

// RemoveMessage drops a MESSAGE applicant once it has reported
// Succeeded/Failed.
func (u *UA) RemoveMessage(id string) {
	u.mu.Lock()
	delete(u.messages, id)
	u.mu.Unlock()
}
