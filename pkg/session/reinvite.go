package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/crocodilertc/sipua/pkg/dialog"
	"github.com/crocodilertc/sipua/pkg/sipcore"
	"github.com/crocodilertc/sipua/pkg/timer"
)

func secondsToDuration(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ReInvite tracks one re-INVITE exchange on an already-Confirmed
// session. Unlike the top-level Session, a single modifier exchange
// does not need a named-state machine of its own, only a small result
// type the application resolves.
type ReInvite struct {
	mu sync.Mutex

	session *Session
	dlg     *dialog.Dialog

	state string // one of InviteSent/OneXXReceived/WaitingForAnswer/WaitingForAck/"Succeeded"/"Failed"

	outgoing bool
	req      *sip.Request
	tx       sip.ClientTransaction

	serverTx       sip.ServerTransaction
	provisionalTok timer.Token

	// 2xx retransmission and ACK-wait bookkeeping for the incoming
	// side, mirroring the Session's own Answer machinery: the
	// transaction layer tears down on the first 2xx, so the re-INVITE
	// owns its 200 retransmit (T1 doubling to T2) and Timer H.
	finalResponse *sip.Response
	retransmitTok timer.Token
	retransmitN   int
	ackWaitTok    timer.Token
}

const (
	ReInviteSucceeded = "Succeeded"
	ReInviteFailed    = "Failed"
)

// State reports the current state of this re-INVITE exchange.
func (r *ReInvite) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SendReInvite starts an outgoing re-INVITE and returns once it is
// sent. A background goroutine waits for the final response (or ctx
// cancellation) and applies the resulting remote-target refresh and
// session-timer renegotiation on the dialog.
func (s *Session) SendReInvite(ctx context.Context, contentType string, body []byte) (*ReInvite, error) {
	s.mu.Lock()
	if s.fsm.Current() != Confirmed {
		s.mu.Unlock()
		return nil, sipcore.NewError("session.reinvite.state", "can only re-INVITE a confirmed session", sipcore.ErrorCategoryState)
	}
	d := s.confirmedDialog
	if s.currentReInvite != nil && s.currentReInvite.State() != ReInviteSucceeded && s.currentReInvite.State() != ReInviteFailed {
		s.mu.Unlock()
		return nil, sipcore.NewError("session.reinvite.overlap", "a modifier transaction is already in progress", sipcore.ErrorCategoryState)
	}
	s.mu.Unlock()

	req := d.CreateRequest(sip.INVITE)
	if body != nil {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}

	ri := &ReInvite{session: s, dlg: d, state: InviteSent, outgoing: true, req: req}
	s.mu.Lock()
	s.currentReInvite = ri
	s.mu.Unlock()

	tx, err := s.sender.TransactionRequest(ctx, req)
	if err != nil {
		ri.mu.Lock()
		ri.state = ReInviteFailed
		ri.mu.Unlock()
		return ri, sipcore.Wrap(err, "session.reinvite.transport", "failed to send re-INVITE", sipcore.ErrorCategoryTransport)
	}
	ri.tx = tx

	go ri.watch(ctx)
	return ri, nil
}

func (r *ReInvite) watch(ctx context.Context) {
	for {
		select {
		case resp, ok := <-r.tx.Responses():
			if !ok {
				return
			}
			if resp.StatusCode >= 100 && resp.StatusCode < 200 {
				r.mu.Lock()
				r.state = OneXXReceived
				r.mu.Unlock()
				continue
			}
			r.finish(ctx, resp)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *ReInvite) finish(ctx context.Context, resp *sip.Response) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		ack := r.dlg.CreateRequest(sip.ACK)
		_ = r.session.sender.WriteRequest(ack)

		if ct := resp.GetHeader("Content-Type"); ct != nil && resp.Body() != nil {
			_ = r.session.media.RemoteDescription(ct.Value(), resp.Body())
		}
		if contactHdr, ok := sessionExtractContact(resp); ok {
			r.dlg.RefreshTarget(sip.INVITE, contactHdr, true)
		}

		headers := dialogSessionTimerHeaders(resp)
		r.dlg.ProcessSessionTimerHeaders(headers, func() { r.session.emit(Refresh{}) }, func() {
			r.session.OnSessionTimerExpired(r.dlg)
		})

		r.mu.Lock()
		r.state = ReInviteSucceeded
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.state = ReInviteFailed
	r.mu.Unlock()
}

// RecvReInvite handles an incoming re-INVITE on a confirmed dialog. If
// the Session is not Confirmed, or a prior re-INVITE on it has not yet
// reached Succeeded/Failed, the re-INVITE is refused with 491 and nil
// is returned (RFC 3261 §14.1, tested by §8's "∀ re-INVITEs while a
// prior re-INVITE is active: the core replies 491"). Otherwise the
// application must call Accept or Reject on the returned handle; a
// provisional 180 is scheduled for +1s in case the app does neither
// promptly.
func (s *Session) RecvReInvite(ctx context.Context, req *sip.Request, serverTx sip.ServerTransaction) *ReInvite {
	s.mu.Lock()
	if s.fsm.Current() != Confirmed || (s.currentReInvite != nil && s.currentReInvite.State() != ReInviteSucceeded && s.currentReInvite.State() != ReInviteFailed) {
		s.mu.Unlock()
		resp := sip.NewResponseFromRequest(req, 491, "Request Pending", nil)
		_ = serverTx.Respond(resp)
		return nil
	}
	d := s.confirmedDialog
	ri := &ReInvite{session: s, dlg: d, state: WaitingForAnswer, outgoing: false, req: req, serverTx: serverTx}
	s.currentReInvite = ri
	s.mu.Unlock()

	ri.provisionalTok = s.timers.After(time.Second, func() { ri.sendProvisional() })

	s.emit(Reinvite{ReInvite: ri})
	return ri
}

// sendProvisional fires at +1s if the application has not already
// resolved the re-INVITE, sending a courtesy 180 Ringing.
func (r *ReInvite) sendProvisional() {
	r.mu.Lock()
	if r.outgoing || r.state != WaitingForAnswer {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	resp := sip.NewResponseFromRequest(r.req, 180, "Ringing", nil)
	_ = r.serverTx.Respond(resp)
}

// Accept answers an incoming re-INVITE with 200 OK plus the given
// body, applies the negotiated session-timer interval, and starts 2xx
// retransmission and the ACK-wait timer (Timer H) exactly as the
// Session does for the initial INVITE.
func (r *ReInvite) Accept(ctx context.Context, contentType string, body []byte, localContact sip.ContactHeader) error {
	r.mu.Lock()
	if r.outgoing || r.state != WaitingForAnswer {
		r.mu.Unlock()
		return sipcore.NewError("session.reinvite.accept.state", "no incoming re-INVITE awaiting an answer", sipcore.ErrorCategoryState)
	}
	r.mu.Unlock()
	r.session.timers.Cancel(r.provisionalTok)

	resp := sip.NewResponseFromRequest(r.req, 200, "OK", nil)
	resp.AppendHeader(&localContact)
	if body != nil {
		resp.SetBody(body)
		resp.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}

	headers := dialogSessionTimerHeaders(r.req)
	r.dlg.ProcessSessionTimerHeaders(headers, func() { r.session.emit(Refresh{}) }, func() {
		r.session.OnSessionTimerExpired(r.dlg)
	})

	err := r.serverTx.Respond(resp)

	r.mu.Lock()
	r.state = WaitingForAck
	r.finalResponse = resp
	r.retransmitN = 0
	r.armRetransmitLocked()
	r.ackWaitTok = r.session.timers.After(timer.TimerH, func() { r.onAckTimeout(ctx) })
	r.mu.Unlock()
	r.session.log.Debug().Str("dialog_id", r.dlg.ID().String()).Msg("re-INVITE answered, waiting for ACK")

	if ct := r.req.GetHeader("Content-Type"); ct != nil && r.req.Body() != nil {
		_ = r.session.media.RemoteDescription(ct.Value(), r.req.Body())
	}
	if contactHdr, ok := sessionExtractContact(r.req); ok {
		r.dlg.RefreshTarget(sip.INVITE, contactHdr, true)
	}
	return err
}

func (r *ReInvite) armRetransmitLocked() {
	delay := timer.Backoff(r.retransmitN)
	r.retransmitTok = r.session.timers.After(delay, r.retransmit2xx)
}

func (r *ReInvite) retransmit2xx() {
	r.mu.Lock()
	if r.state != WaitingForAck {
		r.mu.Unlock()
		return
	}
	resp := r.finalResponse
	r.retransmitN++
	r.armRetransmitLocked()
	r.mu.Unlock()

	r.session.metrics.TimerFired("reinvite_2xx_retransmit")
	_ = r.serverTx.Respond(resp)
}

// recvAck confirms our re-INVITE 200: retransmission stops, Timer H
// is disarmed, and the dialog is freed for the next modifier.
func (r *ReInvite) recvAck() {
	r.mu.Lock()
	if r.state != WaitingForAck {
		r.mu.Unlock()
		return
	}
	r.session.timers.CancelAll(r.retransmitTok, r.ackWaitTok)
	r.state = ReInviteSucceeded
	r.mu.Unlock()

	r.dlg.CompleteInviteTx()
	r.session.log.Debug().Str("dialog_id", r.dlg.ID().String()).Msg("re-INVITE ACK received")
}

// onAckTimeout fires Timer H without an ACK: the modified session is
// in an unknown state on the peer, so the whole call is torn down
// with BYE, as for the initial INVITE.
func (r *ReInvite) onAckTimeout(ctx context.Context) {
	r.mu.Lock()
	if r.state != WaitingForAck {
		r.mu.Unlock()
		return
	}
	r.session.timers.Cancel(r.retransmitTok)
	r.state = ReInviteFailed
	r.mu.Unlock()

	r.session.metrics.TimerFired("reinvite_ack_wait")
	r.dlg.CompleteInviteTx()
	r.session.log.Warn().Str("dialog_id", r.dlg.ID().String()).Msg("no ACK for re-INVITE 200, sending BYE")

	s := r.session
	s.mu.Lock()
	if s.fsm.Current() != Confirmed {
		s.mu.Unlock()
		return
	}
	_ = s.fire(ctx, "terminate")
	s.mu.Unlock()

	req := r.dlg.CreateRequest(sip.BYE)
	_, _ = s.sender.TransactionRequest(ctx, req)
	r.dlg.Terminate()
	s.emit(Ended{Cause: sipcore.CauseNoAck, Originator: sipcore.OriginatorRemote})
}

// Reject declines an incoming re-INVITE, leaving the session
// unchanged in Confirmed.
func (r *ReInvite) Reject(statusCode int, reason string) error {
	r.mu.Lock()
	if r.outgoing || r.state != WaitingForAnswer {
		r.mu.Unlock()
		return sipcore.NewError("session.reinvite.reject.state", "no incoming re-INVITE awaiting an answer", sipcore.ErrorCategoryState)
	}
	r.state = ReInviteFailed
	r.mu.Unlock()
	r.session.timers.Cancel(r.provisionalTok)
	r.session.log.Debug().Str("dialog_id", r.dlg.ID().String()).Int("status", statusCode).Msg("re-INVITE rejected")

	resp := sip.NewResponseFromRequest(r.req, statusCode, reason, nil)
	err := r.serverTx.Respond(resp)
	r.dlg.CompleteInviteTx()
	return err
}

func sessionExtractContact(msg sip.Message) (sip.Uri, bool) {
	return dialog.ExtractRemoteTarget(msg)
}

func dialogSessionTimerHeaders(msg sip.Message) dialog.SessionTimerHeaders {
	h := dialog.SessionTimerHeaders{}
	if se := msg.GetHeader("Session-Expires"); se != nil {
		var interval int
		var refresher string
		_, _ = fmt.Sscanf(se.Value(), "%d;refresher=%s", &interval, &refresher)
		if interval == 0 {
			_, _ = fmt.Sscanf(se.Value(), "%d", &interval)
		}
		if interval > 0 {
			h.HasSessionExpires = true
			h.Interval = secondsToDuration(interval)
			h.Refresher = refresher
		}
	}
	if minSE := msg.GetHeader("Min-SE"); minSE != nil {
		var interval int
		_, _ = fmt.Sscanf(minSE.Value(), "%d", &interval)
		if interval > 0 {
			h.HasMinSE = true
			h.MinSE = secondsToDuration(interval)
		}
	}
	_, isResponse := msg.(*sip.Response)
	h.FromResponse = isResponse
	return h
}
