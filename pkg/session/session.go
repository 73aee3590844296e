// Package session implements the INVITE session lifecycle: the
// ten-state machine driving a call from Null through Confirmed or
// Terminated, the re-INVITE and UPDATE sub-state machines hanging off
// a confirmed dialog, and the DTMF queue.
//
// Built on github.com/looplab/fsm for named-state/event machines,
// generalized from a five-state INVITE dialog FSM into the full
// ten-state session lifecycle, which this package drives directly
// rather than folding into the dialog's own Early/Confirmed state
// (pkg/dialog).
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	mathrand "math/rand"
	"strings"
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

// State names for the INVITE session lifecycle.
const (
	Null              = "Null"
	InviteSent        = "InviteSent"
	OneXXReceived     = "1xxReceived"
	InviteReceived    = "InviteReceived"
	WaitingForAnswer  = "WaitingForAnswer"
	WaitingForAck     = "WaitingForAck"
	Canceled          = "Canceled"
	Terminated        = "Terminated"
	Confirmed         = "Confirmed"
)

// Direction distinguishes an outgoing (UAC) from an incoming (UAS) call.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// Session is the INVITE state machine.
type Session struct {
	mu sync.Mutex

	id        string
	direction Direction

	fsm *fsm.FSM

	registry *dialog.Registry
	timers   *timer.Service
	sender   RequestSender
	media    MediaHandler
	log      zerolog.Logger
	metrics  *metrics.Collector

	bgCtx    context.Context
	bgCancel context.CancelFunc

	// Outgoing call bookkeeping.
	inviteReq *sip.Request
	inviteTx  sip.ClientTransaction

	// Incoming call bookkeeping.
	serverTx   sip.ServerTransaction
	incomingReq *sip.Request

	confirmedDialog *dialog.Dialog
	// earlyDialogs is keyed by the prospective confirmed dialog id
	// string.
	earlyDialogs map[string]*dialog.Dialog

	currentReInvite *ReInvite
	currentUpdate   *UpdateTx

	anonymous   bool
	received100 bool
	isCanceled  bool
	cancelCode  int
	cancelReason string

	allowedMethods map[sip.RequestMethod]bool

	noAnswerTimer timer.Token
	expiresTimer  timer.Token
	ackWaitTimer  timer.Token
	retransmitTok timer.Token
	retransmitN   int
	finalResponse *sip.Response
	confirmedAt   time.Time

	dtmf *dtmfQueue

	emitter sipcore.Emitter[Event]

	noAnswerTimeout time.Duration
}

// Config carries the collaborators and tunables a Session needs.
type Config struct {
	Registry        *dialog.Registry
	Timers          *timer.Service
	Sender          RequestSender
	Media           MediaHandler
	NoAnswerTimeout time.Duration // default configured by the UA,
	Logger          zerolog.Logger
	Metrics         *metrics.Collector

	// Anonymous hides the caller identity on outgoing INVITEs: the
	// From header carries the RFC 3323 anonymous URI and the real
	// identity moves to P-Preferred-Identity alongside Privacy: id.
	Anonymous bool
}

// New creates a Session in the Null state. Call Connect (outgoing) or
// InitIncoming (incoming) to drive its first transition.
func New(id string, direction Direction, cfg Config) *Session {
	if cfg.NoAnswerTimeout == 0 {
		cfg.NoAnswerTimeout = 180 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(metrics.Config{Enabled: false})
	}
	s := &Session{
		id:              id,
		direction:       direction,
		registry:        cfg.Registry,
		timers:          cfg.Timers,
		sender:          cfg.Sender,
		media:           cfg.Media,
		log:             cfg.Logger.With().Str("session_id", id).Logger(),
		metrics:         cfg.Metrics,
		earlyDialogs:    make(map[string]*dialog.Dialog),
		allowedMethods:  make(map[sip.RequestMethod]bool),
		anonymous:       cfg.Anonymous,
		noAnswerTimeout: cfg.NoAnswerTimeout,
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.dtmf = newDTMFQueue(s)
	s.initFSM()
	return s
}

func (s *Session) initFSM() {
	s.fsm = fsm.NewFSM(
		Null,
		fsm.Events{
			{Name: "connect", Src: []string{Null}, Dst: InviteSent},
			{Name: "acceptIncoming", Src: []string{Null}, Dst: InviteReceived},
			{Name: "rejectIncoming", Src: []string{Null}, Dst: Terminated},
			{Name: "mediaSuccess", Src: []string{InviteReceived}, Dst: WaitingForAnswer},
			{Name: "recv1xxTag", Src: []string{InviteSent, OneXXReceived}, Dst: OneXXReceived},
			{Name: "recv2xx", Src: []string{InviteSent, OneXXReceived}, Dst: Confirmed},
			{Name: "recvFinalFailure", Src: []string{InviteSent, OneXXReceived}, Dst: Terminated},
			{Name: "dup2xx", Src: []string{Confirmed}, Dst: Confirmed},
			{Name: "answer", Src: []string{WaitingForAnswer}, Dst: WaitingForAck},
			{Name: "recvAck", Src: []string{WaitingForAck}, Dst: Confirmed},
			{Name: "ackTimeout", Src: []string{WaitingForAck}, Dst: Terminated},
			{Name: "cancelReceived", Src: []string{WaitingForAnswer}, Dst: Canceled},
			{Name: "cancelComplete", Src: []string{Canceled}, Dst: Terminated},
			{Name: "terminate", Src: []string{Confirmed}, Dst: Terminated},
			{Name: "byeReceived", Src: []string{Confirmed}, Dst: Terminated},
			{Name: "transportError", Src: []string{InviteSent, OneXXReceived, InviteReceived, WaitingForAnswer, WaitingForAck, Confirmed}, Dst: Terminated},
		},
		fsm.Callbacks{},
	)
}

// State returns the current Session state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}

// OnEvent subscribes a listener to every Session event.
func (s *Session) OnEvent(fn func(Event)) sipcore.Unsubscribe {
	return s.emitter.Subscribe(fn)
}

func (s *Session) emit(e Event) {
	s.emitter.Emit(e)
}

func (s *Session) fire(ctx context.Context, event string) error {
	from := s.fsm.Current()
	err := s.fsm.Event(ctx, event)
	if err == nil {
		s.metrics.StateTransition("session", event)
		s.log.Debug().Str("event", event).Str("from", from).Str("to", s.fsm.Current()).Msg("session state transition")
	}
	if s.fsm.Current() == Terminated {
		s.bgCancel()
	}
	return err
}

// absorbAllow replaces the remote allowed-methods set from a message's
// Allow header, when one is present. Callers hold s.mu.
func (s *Session) absorbAllow(msg sip.Message) {
	h := msg.GetHeader("Allow")
	if h == nil {
		return
	}
	s.allowedMethods = make(map[sip.RequestMethod]bool)
	for _, m := range strings.Split(h.Value(), ",") {
		m = strings.TrimSpace(m)
		if m != "" {
			s.allowedMethods[sip.RequestMethod(strings.ToUpper(m))] = true
		}
	}
}

// RemoteAllows reports whether the peer advertised the method in an
// Allow header. With no Allow seen yet, every method is assumed
// allowed.
func (s *Session) RemoteAllows(method sip.RequestMethod) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.allowedMethods) == 0 {
		return true
	}
	return s.allowedMethods[method]
}

// ConfirmedDialog returns the dialog backing an established session,
// or nil if none yet exists.
func (s *Session) ConfirmedDialog() *dialog.Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmedDialog
}

// ConfirmedAt reports when the session entered Confirmed, zero if it
// never did. Feeds the UA's session-duration histogram.
func (s *Session) ConfirmedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmedAt
}

// ---- Outgoing call ----------------------------------------------------

// Connect starts an outgoing INVITE. The offer must already be built
// by the caller via MediaHandler before Connect is invoked; the INVITE
// is sent with that body attached.
func (s *Session) Connect(ctx context.Context, target sip.Uri, localURI sip.Uri, contact sip.ContactHeader, body []byte, contentType string, extraHeaders ...sip.Header) error {
	s.mu.Lock()
	if err := s.fire(ctx, "connect"); err != nil {
		s.mu.Unlock()
		return sipcore.Wrap(err, "session.connect.state", "cannot connect in current state", sipcore.ErrorCategoryState)
	}

	callID := generateCallID()
	fromTag := generateTag()

	req := sip.NewRequest(sip.INVITE, target)
	req.AppendHeader(&sip.CallIDHeader{Value: callID})
	if s.anonymous {
		anon := sip.Uri{Scheme: "sip", User: "anonymous", Host: "anonymous.invalid"}
		req.AppendHeader(&sip.FromHeader{DisplayName: "Anonymous", Address: anon, Params: sip.HeaderParams{{K: "tag", V: fromTag}}})
		req.AppendHeader(sip.NewHeader("P-Preferred-Identity", "<"+localURI.String()+">"))
		req.AppendHeader(sip.NewHeader("Privacy", "id"))
	} else {
		req.AppendHeader(&sip.FromHeader{Address: localURI, Params: sip.HeaderParams{{K: "tag", V: fromTag}}})
	}
	req.AppendHeader(&sip.ToHeader{Address: target})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: uint32(mathrand.Intn(10000)), MethodName: sip.INVITE})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(&contact)
	if body != nil {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	for _, h := range extraHeaders {
		req.AppendHeader(h)
	}

	s.inviteReq = req
	s.mu.Unlock()

	tx, err := s.sender.TransactionRequest(ctx, req)
	if err != nil {
		s.mu.Lock()
		_ = s.fire(ctx, "transportError")
		s.mu.Unlock()
		s.metrics.ErrorObserved(string(sipcore.ErrorCategoryTransport))
		s.log.Error().Err(err).Str("call_id", callID).Msg("failed to send INVITE")
		s.emit(Failed{Cause: sipcore.CauseConnectionError, Originator: sipcore.OriginatorSystem})
		return sipcore.Wrap(err, "session.connect.transport", "failed to send INVITE", sipcore.ErrorCategoryTransport)
	}
	s.log.Info().Str("call_id", callID).Str("target", target.String()).Msg("INVITE sent")

	s.mu.Lock()
	s.inviteTx = tx
	s.mu.Unlock()

	go s.watchInviteResponses(ctx, tx)
	return nil
}

func (s *Session) watchInviteResponses(ctx context.Context, tx sip.ClientTransaction) {
	for {
		select {
		case resp, ok := <-tx.Responses():
			if !ok {
				return
			}
			s.handleInviteResponse(ctx, resp)
			if resp.StatusCode >= 200 {
				return
			}
		case <-tx.Done():
			s.mu.Lock()
			state := s.fsm.Current()
			if state == InviteSent || state == OneXXReceived {
				_ = s.fire(ctx, "recvFinalFailure")
			}
			s.mu.Unlock()
			if state == InviteSent || state == OneXXReceived {
				s.emit(Failed{Cause: sipcore.CauseRequestTimeout, Originator: sipcore.OriginatorSystem})
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handleInviteResponse(ctx context.Context, resp *sip.Response) {
	switch {
	case resp.StatusCode == 100:
		s.mu.Lock()
		s.received100 = true
		s.mu.Unlock()
		return

	case resp.StatusCode >= 100 && resp.StatusCode < 200:
		toHdr, ok := resp.To()
		if !ok || toHdr.Params.GetOr("tag", "") == "" {
			return // no to-tag, no dialog yet — not a real progress milestone.
		}
		s.handleProvisionalWithTag(ctx, resp)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		s.handleInvite2xx(ctx, resp)

	default:
		s.handleInviteFailure(ctx, resp)
	}
}

func (s *Session) handleProvisionalWithTag(ctx context.Context, resp *sip.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isCanceled {
		//"InviteSent | terminate() before 100": send
		// CANCEL now that a provisional response has arrived.
		s.sendCancelLocked(ctx)
	}

	d, err := s.registry.CreateUAC(s.inviteReq, resp, s)
	if err == nil {
		s.earlyDialogs[d.ID().String()] = d
	}

	_ = s.fire(ctx, "recv1xxTag")
	s.mu.Unlock()
	s.log.Debug().Int("status", resp.StatusCode).Msg("call progress")
	s.emit(Progress{Response: resp, Originator: sipcore.OriginatorRemote})
	s.mu.Lock()
}

func (s *Session) handleInvite2xx(ctx context.Context, resp *sip.Response) {
	s.mu.Lock()
	s.absorbAllow(resp)

	toHdr, toOk := resp.To()
	toTag := ""
	if toOk {
		toTag = toHdr.Params.GetOr("tag", "")
	}

	if s.confirmedDialog != nil {
		if toTag == s.confirmedDialog.ID().RemoteTag {
			// Retransmission of the 2xx we already confirmed: resend ACK.
			ack := s.buildACK(s.confirmedDialog, resp)
			s.mu.Unlock()
			s.log.Debug().Msg("duplicate 2xx, resending ACK")
			_ = s.sender.WriteRequest(ack)
			return
		}
		// Forked 2xx: ACK then BYE on a
		// throwaway dialog built from this response.
		fd, err := s.registry.CreateUAC(s.inviteReq, resp, s)
		s.mu.Unlock()
		s.log.Info().Str("to_tag", toTag).Msg("forked 2xx, absorbing with ACK+BYE")
		if err == nil {
			ack := s.buildACK(fd, resp)
			_ = s.sender.WriteRequest(ack)
			s.sendByeOnThrowaway(ctx, fd)
		}
		return
	}

	// No confirmed dialog yet: promote the matching early dialog, or
	// create one fresh.
	var d *dialog.Dialog
	for _, ed := range s.earlyDialogs {
		if ed.ID().RemoteTag == toTag {
			d = ed
			break
		}
	}
	if d == nil {
		nd, err := s.registry.CreateUAC(s.inviteReq, resp, s)
		if err != nil {
			s.mu.Unlock()
			return
		}
		d = nd
	} else {
		newID := dialog.ID{CallID: d.ID().CallID, LocalTag: d.ID().LocalTag, RemoteTag: toTag}
		_ = s.registry.Promote(d, newID)
	}
	delete(s.earlyDialogs, d.ID().String())
	s.confirmedDialog = d
	s.confirmedAt = time.Now()

	wasCanceled := s.isCanceled
	_ = s.fire(ctx, "recv2xx")
	s.mu.Unlock()
	if !wasCanceled {
		s.log.Info().Str("dialog_id", d.ID().String()).Int("status", resp.StatusCode).Msg("INVITE answered, session confirmed")
	}

	ack := s.buildACK(d, resp)
	_ = s.sender.WriteRequest(ack)

	if wasCanceled {
		//"CANCEL racing 2xx": accept then tear down via
		// ACK+BYE, without ever emitting started.
		s.log.Info().Str("dialog_id", d.ID().String()).Msg("2xx raced local CANCEL, accepting then tearing down")
		s.sendByeOnThrowaway(ctx, d)
		s.mu.Lock()
		_ = s.fire(ctx, "terminate")
		s.mu.Unlock()
		s.emit(Failed{Cause: sipcore.CauseCanceled, Originator: sipcore.OriginatorLocal})
		return
	}

	if ct := resp.GetHeader("Content-Type"); ct != nil && resp.Body() != nil {
		_ = s.media.RemoteDescription(ct.Value(), resp.Body())
	}
	s.emit(Started{Response: resp, Originator: sipcore.OriginatorRemote})
}

func (s *Session) handleInviteFailure(ctx context.Context, resp *sip.Response) {
	s.mu.Lock()
	_ = s.fire(ctx, "recvFinalFailure")
	s.mu.Unlock()

	cause := sipcore.CauseRejected
	if s.isCanceled && resp.StatusCode == 487 {
		cause = sipcore.CauseCanceled
	}
	s.metrics.ErrorObserved(string(sipcore.ErrorCategoryProtocol))
	s.log.Warn().Int("status", resp.StatusCode).Str("cause", string(cause)).Msg("INVITE failed")
	s.emit(Failed{Cause: cause, Response: resp, Originator: sipcore.OriginatorRemote})
}

func (s *Session) sendByeOnThrowaway(ctx context.Context, d *dialog.Dialog) {
	req := d.CreateRequest(sip.BYE)
	tx, err := s.sender.TransactionRequest(ctx, req)
	if err != nil {
		return
	}
	go func() {
		select {
		case <-tx.Responses():
		case <-tx.Done():
		case <-ctx.Done():
		}
		d.Terminate()
	}()
}

func (s *Session) buildACK(d *dialog.Dialog, resp *sip.Response) *sip.Request {
	ack := d.CreateRequest(sip.ACK)
	return ack
}

// Terminate ends the session, however far it got: CANCEL before an
// answer, BYE once Confirmed, or just a rejection response while
// still ringing. Idempotent once Terminated. In InviteReceived,
// WaitingForAck and Canceled it returns a state error instead.
func (s *Session) Terminate(ctx context.Context, statusCode int, reason string) error {
	s.mu.Lock()
	state := s.fsm.Current()

	switch state {
	case Terminated:
		s.mu.Unlock()
		return nil

	case Null, InviteSent:
		// CANCEL requires a provisional response carrying a To-tag to
		// target (RFC 3261 §9.1); goes out from handleProvisionalWithTag
		// once one arrives.
		s.isCanceled = true
		s.cancelCode = statusCode
		s.cancelReason = reason
		s.mu.Unlock()
		return nil

	case OneXXReceived:
		s.isCanceled = true
		s.cancelCode = statusCode
		s.cancelReason = reason
		s.sendCancelLocked(ctx)
		s.mu.Unlock()
		return nil

	case WaitingForAnswer:
		s.timers.CancelAll(s.noAnswerTimer, s.expiresTimer)
		_ = s.fire(ctx, "cancelReceived")
		_ = s.fire(ctx, "cancelComplete")
		s.mu.Unlock()
		if s.serverTx != nil && s.incomingReq != nil {
			resp487 := sip.NewResponseFromRequest(s.incomingReq, 487, "Request Terminated", nil)
			_ = s.serverTx.Respond(resp487)
		}
		s.emit(Failed{Cause: sipcore.CauseCanceled, Originator: sipcore.OriginatorLocal})
		return nil

	case Confirmed:
		d := s.confirmedDialog
		s.mu.Unlock()
		if d != nil {
			s.log.Info().Str("dialog_id", d.ID().String()).Msg("terminating session with BYE")
			req := d.CreateRequest(sip.BYE, sip.NewHeader("Reason", fmt.Sprintf("SIP;cause=%d;text=%q", statusCode, reason)))
			_, _ = s.sender.TransactionRequest(ctx, req)
			d.Terminate()
		}
		s.mu.Lock()
		s.timers.CancelAll(s.ackWaitTimer, s.retransmitTok)
		s.reapModifiersLocked()
		_ = s.fire(ctx, "terminate")
		s.mu.Unlock()
		s.emit(Ended{Cause: sipcore.CauseBye, Originator: sipcore.OriginatorLocal})
		return nil

	default:
		s.mu.Unlock()
		return sipcore.NewError("session.terminate.state", fmt.Sprintf("cannot terminate in state %s", state), sipcore.ErrorCategoryState)
	}
}

// reapModifiersLocked silently retires an in-flight re-INVITE when the
// session terminates: its timers are cancelled and it emits nothing of
// its own afterward. Callers hold s.mu.
func (s *Session) reapModifiersLocked() {
	ri := s.currentReInvite
	if ri == nil {
		return
	}
	ri.mu.Lock()
	if ri.state != ReInviteSucceeded && ri.state != ReInviteFailed {
		ri.state = ReInviteFailed
		s.timers.CancelAll(ri.provisionalTok, ri.retransmitTok, ri.ackWaitTok)
	}
	ri.mu.Unlock()
}

func (s *Session) sendCancelLocked(ctx context.Context) {
	if s.inviteReq == nil {
		return
	}
	cancel := sip.NewRequest(sip.CANCEL, s.inviteReq.Recipient)
	if h, ok := s.inviteReq.CallID(); ok {
		cancel.AppendHeader(h)
	}
	if h, ok := s.inviteReq.From(); ok {
		cancel.AppendHeader(h)
	}
	if h, ok := s.inviteReq.To(); ok {
		cancel.AppendHeader(h)
	}
	if cseq, ok := s.inviteReq.CSeq(); ok {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	_, _ = s.sender.TransactionRequest(ctx, cancel)
}

// ---- Incoming call -----------------------------------------------------

// InitIncoming processes an incoming INVITE. dialogFailStatus should be
// nonzero if dialog creation failed (no Contact) or the offer is
// unacceptable, driving the Terminated transition with a response of
// that status instead.
func (s *Session) InitIncoming(ctx context.Context, req *sip.Request, serverTx sip.ServerTransaction, dialogFailStatus int, dialogFailReason string) error {
	s.mu.Lock()
	s.incomingReq = req
	s.serverTx = serverTx
	s.absorbAllow(req)

	if dialogFailStatus != 0 {
		_ = s.fire(ctx, "rejectIncoming")
		s.mu.Unlock()
		resp := sip.NewResponseFromRequest(req, dialogFailStatus, dialogFailReason, nil)
		_ = serverTx.Respond(resp)
		s.emit(Failed{Cause: sipcore.CauseBadMediaDescription, Originator: sipcore.OriginatorLocal})
		return nil
	}

	if err := s.fire(ctx, "acceptIncoming"); err != nil {
		s.mu.Unlock()
		return sipcore.Wrap(err, "session.init_incoming.state", "cannot init_incoming in current state", sipcore.ErrorCategoryState)
	}
	s.mu.Unlock()
	return nil
}

// MediaReady signals the media handler accepted the offer: the
// session replies 180 Ringing and starts the no-answer timer.
func (s *Session) MediaReady(ctx context.Context, expiresSeconds int) error {
	s.mu.Lock()
	if err := s.fire(ctx, "mediaSuccess"); err != nil {
		s.mu.Unlock()
		return sipcore.Wrap(err, "session.media_ready.state", "cannot signal media ready in current state", sipcore.ErrorCategoryState)
	}

	ringing := sip.NewResponseFromRequest(s.incomingReq, 180, "Ringing", nil)
	s.noAnswerTimer = s.timers.After(s.noAnswerTimeout, func() { s.onNoAnswer(ctx) })
	if expiresSeconds > 0 {
		s.expiresTimer = s.timers.After(time.Duration(expiresSeconds)*time.Second, func() { s.onExpires(ctx) })
	}
	s.mu.Unlock()

	return s.serverTx.Respond(ringing)
}

func (s *Session) onNoAnswer(ctx context.Context) {
	s.mu.Lock()
	if s.fsm.Current() != WaitingForAnswer {
		s.mu.Unlock()
		return
	}
	_ = s.fire(ctx, "cancelReceived")
	_ = s.fire(ctx, "cancelComplete")
	s.mu.Unlock()

	s.metrics.TimerFired("no_answer")
	s.log.Info().Msg("no answer in time, declining call with 487")
	resp := sip.NewResponseFromRequest(s.incomingReq, 487, "Request Terminated", nil)
	_ = s.serverTx.Respond(resp)
	s.emit(Failed{Cause: sipcore.CauseNoAnswer, Originator: sipcore.OriginatorLocal})
}

func (s *Session) onExpires(ctx context.Context) {
	s.metrics.TimerFired("expires")
	s.onNoAnswer(ctx)
}

// Answer accepts an incoming call: replies 200 with SDP, starts 2xx
// retransmission and the ACK-wait timer (Timer H).
func (s *Session) Answer(ctx context.Context, contentType string, body []byte, localContact sip.ContactHeader) error {
	s.mu.Lock()
	if err := s.fire(ctx, "answer"); err != nil {
		s.mu.Unlock()
		return sipcore.Wrap(err, "session.answer.state", "cannot answer in current state", sipcore.ErrorCategoryState)
	}
	s.timers.CancelAll(s.noAnswerTimer, s.expiresTimer)

	resp := sip.NewResponseFromRequest(s.incomingReq, 200, "OK", nil)
	resp.AppendHeader(&localContact)
	if body != nil {
		resp.SetBody(body)
		resp.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	s.finalResponse = resp
	s.retransmitN = 0
	s.mu.Unlock()

	toHdr, _ := resp.To()
	localTag := extractTag(toHdr)
	d, err := s.registry.CreateUAS(s.incomingReq, localTag, localContact, s)
	if err != nil {
		return sipcore.Wrap(err, "session.answer.dialog", "failed to create dialog", sipcore.ErrorCategoryDialog)
	}

	s.mu.Lock()
	s.confirmedDialog = d
	s.armRetransmitLocked(ctx)
	s.ackWaitTimer = s.timers.After(timer.TimerH, func() { s.onAckTimeout(ctx) })
	s.mu.Unlock()
	s.log.Info().Str("dialog_id", d.ID().String()).Msg("call answered, waiting for ACK")

	return s.serverTx.Respond(resp)
}

func (s *Session) armRetransmitLocked(ctx context.Context) {
	delay := timer.Backoff(s.retransmitN)
	s.retransmitTok = s.timers.After(delay, func() { s.retransmit2xx(ctx) })
}

func (s *Session) retransmit2xx(ctx context.Context) {
	s.mu.Lock()
	if s.fsm.Current() != WaitingForAck {
		s.mu.Unlock()
		return
	}
	resp := s.finalResponse
	s.retransmitN++
	n := s.retransmitN
	s.armRetransmitLocked(ctx)
	s.mu.Unlock()

	s.metrics.TimerFired("invite_2xx_retransmit")
	s.log.Debug().Int("attempt", n).Msg("retransmitting 200 OK")
	if s.serverTx != nil {
		_ = s.serverTx.Respond(resp)
	}
}

// RecvAck processes the ACK confirming our 2xx — the initial INVITE's
// while WaitingForAck, or an accepted re-INVITE's while the top-level
// FSM is already Confirmed.
func (s *Session) RecvAck(ctx context.Context) {
	s.mu.Lock()
	if s.fsm.Current() == Confirmed {
		ri := s.currentReInvite
		s.mu.Unlock()
		if ri != nil {
			ri.recvAck()
		}
		return
	}
	if s.fsm.Current() != WaitingForAck {
		s.mu.Unlock()
		return
	}
	s.timers.CancelAll(s.retransmitTok, s.ackWaitTimer)
	resp := s.finalResponse
	s.confirmedAt = time.Now()
	_ = s.fire(ctx, "recvAck")
	s.mu.Unlock()

	s.log.Info().Msg("ACK received, session confirmed")
	if ct := resp.GetHeader("Content-Type"); ct != nil && resp.Body() != nil {
		_ = s.media.RemoteDescription(ct.Value(), resp.Body())
	}
	s.emit(Started{Response: resp, Originator: sipcore.OriginatorLocal})
}

func (s *Session) onAckTimeout(ctx context.Context) {
	s.mu.Lock()
	if s.fsm.Current() != WaitingForAck {
		s.mu.Unlock()
		return
	}
	s.timers.Cancel(s.retransmitTok)
	d := s.confirmedDialog
	_ = s.fire(ctx, "ackTimeout")
	s.mu.Unlock()

	s.metrics.TimerFired("ack_wait")
	s.log.Warn().Msg("no ACK for 200 OK, sending BYE")
	if d != nil {
		req := d.CreateRequest(sip.BYE)
		_, _ = s.sender.TransactionRequest(ctx, req)
		d.Terminate()
	}
	s.emit(Ended{Cause: sipcore.CauseNoAck, Originator: sipcore.OriginatorRemote})
}

// Reject declines an incoming call while InviteReceived or
// WaitingForAnswer.
func (s *Session) Reject(ctx context.Context, statusCode int, reason string) error {
	s.mu.Lock()
	state := s.fsm.Current()
	if state != InviteReceived && state != WaitingForAnswer {
		s.mu.Unlock()
		return sipcore.NewError("session.reject.state", fmt.Sprintf("cannot reject in state %s", state), sipcore.ErrorCategoryState)
	}
	s.timers.CancelAll(s.noAnswerTimer, s.expiresTimer)
	// InviteReceived/WaitingForAnswer -> Terminated has no dedicated
	// named transition (those are reached only from an incoming call
	// the application is actively rejecting); force the state directly.
	s.fsm.SetState(Terminated)
	s.bgCancel()
	s.mu.Unlock()

	resp := sip.NewResponseFromRequest(s.incomingReq, statusCode, reason, nil)
	err := s.serverTx.Respond(resp)
	s.emit(Failed{Cause: sipcore.CauseRejected, Originator: sipcore.OriginatorLocal})
	return err
}

// RecvCancel handles a CANCEL for an incoming call still ringing:
// reply 487 to the INVITE, 200 to the CANCEL itself.
func (s *Session) RecvCancel(ctx context.Context, cancelReq *sip.Request, cancelTx sip.ServerTransaction) {
	s.mu.Lock()
	if s.fsm.Current() != WaitingForAnswer && s.fsm.Current() != InviteReceived {
		s.mu.Unlock()
		return
	}
	s.timers.CancelAll(s.noAnswerTimer, s.expiresTimer)
	s.fsm.SetState(Terminated)
	s.bgCancel()
	s.mu.Unlock()

	s.log.Info().Msg("CANCEL received, declining call with 487")
	inviteResp := sip.NewResponseFromRequest(s.incomingReq, 487, "Request Terminated", nil)
	_ = s.serverTx.Respond(inviteResp)
	cancelResp := sip.NewResponseFromRequest(cancelReq, 200, "OK", nil)
	_ = cancelTx.Respond(cancelResp)

	s.emit(Failed{Cause: sipcore.CauseCanceled, Originator: sipcore.OriginatorRemote})
}

// RecvBye handles a peer-initiated BYE on the confirmed dialog: reply
// 200, cancel any outstanding 2xx-retransmit/ACK-wait timers, and
// terminate with Ended(BYE, remote).
func (s *Session) RecvBye(ctx context.Context, req *sip.Request, serverTx sip.ServerTransaction) {
	s.mu.Lock()
	if s.fsm.Current() != Confirmed {
		s.mu.Unlock()
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = serverTx.Respond(resp)
		return
	}
	d := s.confirmedDialog
	s.timers.CancelAll(s.ackWaitTimer, s.retransmitTok)
	s.reapModifiersLocked()
	_ = s.fire(ctx, "byeReceived")
	s.mu.Unlock()

	s.log.Info().Msg("BYE received, session ended")
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_ = serverTx.Respond(resp)
	if d != nil {
		d.Terminate()
	}
	s.emit(Ended{Cause: sipcore.CauseBye, Originator: sipcore.OriginatorRemote})
}

// ---- dialog.Owner --------------------------------------------------

// OnDialogRefresh implements dialog.Owner: fired when our dialog's
// session timer elects us the local refresher.
func (s *Session) OnDialogRefresh(d *dialog.Dialog) {
	s.metrics.TimerFired("session_refresh")
	s.log.Debug().Str("dialog_id", d.ID().String()).Msg("session timer refresh due")
	s.emit(Refresh{})
}

// OnSessionTimerExpired implements dialog.Owner: the remote refresher
// never refreshed in time, so we tear the session down.
func (s *Session) OnSessionTimerExpired(d *dialog.Dialog) {
	ctx := context.Background()
	s.metrics.TimerFired("session_timer")
	s.log.Warn().Str("dialog_id", d.ID().String()).Msg("session timer expired without refresh, sending BYE")
	req := d.CreateRequest(sip.BYE, sip.NewHeader("Reason", `SIP;cause=408;text="Session Timer"`))
	_, _ = s.sender.TransactionRequest(ctx, req)
	d.Terminate()

	s.mu.Lock()
	_ = s.fire(ctx, "terminate")
	s.mu.Unlock()
	s.emit(Ended{Cause: sipcore.CauseSessionTimer, Originator: sipcore.OriginatorSystem})
}

func extractTag(h *sip.ToHeader) string {
	if h == nil {
		return ""
	}
	return h.Params.GetOr("tag", "")
}

func generateCallID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func generateTag() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
