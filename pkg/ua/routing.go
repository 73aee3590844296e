package ua

import (
	"context"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/crocodilertc/sipua/pkg/dialog"
	"github.com/crocodilertc/sipua/pkg/oneshot"
	"github.com/crocodilertc/sipua/pkg/refersub"
	"github.com/crocodilertc/sipua/pkg/session"
)

// HandleRequest is the single entry point host transport/transaction
// glue calls to deliver an incoming request, matching sipgo's
// RequestHandler shape (*sip.Request, sip.ServerTransaction). It
// routes CANCEL to its Session via branch, every other in-dialog
// request through the owning Dialog's gatekeeper to its owner, and
// out-of-dialog INVITE/MESSAGE/REFER to fresh owners.
func (u *UA) HandleRequest(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h, ok := req.CallID(); ok {
		callID = h.Value()
	}
	u.log.Debug().Str("method", string(req.Method)).Str("call_id", callID).Msg("incoming request")

	switch req.Method {
	case sip.INVITE:
		u.handleInvite(ctx, req, tx)
	case sip.CANCEL:
		u.handleCancel(ctx, req, tx)
	case sip.ACK:
		u.handleAck(ctx, req, tx)
	case sip.BYE:
		u.handleBye(ctx, req, tx)
	case sip.UPDATE:
		u.handleUpdate(req, tx)
	case sip.INFO:
		u.handleInfo(req, tx)
	case sip.MESSAGE:
		u.handleMessage(req, tx)
	case sip.REFER:
		u.handleRefer(req, tx)
	case sip.NOTIFY:
		u.handleNotify(req, tx)
	case sip.SUBSCRIBE:
		u.handleSubscribe(req, tx)
	default:
		u.log.Warn().Str("method", string(req.Method)).Str("call_id", callID).Msg("unsupported method, replying 405")
		resp := sip.NewResponseFromRequest(req, 405, "Method Not Allowed", nil)
		_ = tx.Respond(resp)
	}
}

// inDialogID computes the id an in-dialog request matches, uniformly
// for dialogs we formed as UAC or UAS: the request's own To-tag is
// always our local tag (the peer is echoing it back to us) and its
// From-tag is always the peer's tag.
func inDialogID(req *sip.Request) (dialog.ID, bool) {
	callIDHdr, ok := req.CallID()
	if !ok {
		return dialog.ID{}, false
	}
	toHdr, ok := req.To()
	if !ok {
		return dialog.ID{}, false
	}
	fromHdr, ok := req.From()
	if !ok {
		return dialog.ID{}, false
	}
	return dialog.ID{
		CallID:    callIDHdr.Value(),
		LocalTag:  toHdr.Params.GetOr("tag", ""),
		RemoteTag: fromHdr.Params.GetOr("tag", ""),
	}, true
}

func branchOf(req *sip.Request) string {
	via, ok := req.Via()
	if !ok {
		return ""
	}
	return via.Params.GetOr("branch", "")
}

// lookupInDialog resolves the dialog an in-dialog request targets and
// runs it through the gatekeeper, replying on the caller's behalf for
// every rejection case so callers only need to handle the accepted
// path. The second return reports whether the owner should proceed.
func (u *UA) lookupInDialog(req *sip.Request, tx sip.ServerTransaction) (*dialog.Dialog, bool) {
	id, ok := inDialogID(req)
	if !ok {
		resp := sip.NewResponseFromRequest(req, 400, "Bad Request", nil)
		_ = tx.Respond(resp)
		return nil, false
	}
	d, ok := u.dialogs.Get(id)
	if !ok {
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(resp)
		return nil, false
	}

	res := d.CheckInDialogRequest(req, tx)
	if res.Accepted {
		return d, true
	}
	if req.Method == sip.ACK {
		return d, false
	}
	u.metrics.ErrorObserved("PROTOCOL")
	switch res.Reject {
	case dialog.RejectStaleCSeq:
		u.log.Warn().Str("method", string(req.Method)).Str("dialog_id", id.String()).Msg("stale CSeq, replying 500")
		resp := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(resp)
	case dialog.RejectOverlappingModifier:
		u.log.Warn().Str("method", string(req.Method)).Str("dialog_id", id.String()).Msg("overlapping modifier, replying 500 with Retry-After")
		resp := sip.NewResponseFromRequest(req, 500, "Retry Later", nil)
		resp.AppendHeader(sip.NewHeader("Retry-After", fmt.Sprintf("%d", int(res.RetryAfter.Seconds()))))
		_ = tx.Respond(resp)
	}
	return d, false
}

func (u *UA) handleInvite(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	if toHdr, ok := req.To(); ok && toHdr.Params.GetOr("tag", "") != "" {
		// In-dialog: a re-INVITE.
		d, ok := u.lookupInDialog(req, tx)
		if !ok {
			return
		}
		s, ok := d.Owner().(*session.Session)
		if !ok {
			resp := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
			_ = tx.Respond(resp)
			return
		}
		s.RecvReInvite(ctx, req, tx)
		return
	}

	// Out-of-dialog: a fresh incoming call.
	callIDHdr, ok := req.CallID()
	fromHdr, fromOk := req.From()
	if !ok || !fromOk {
		resp := sip.NewResponseFromRequest(req, 400, "Bad Request", nil)
		_ = tx.Respond(resp)
		return
	}
	id := sessionID(callIDHdr.Value(), fromHdr.Params.GetOr("tag", ""))

	s := session.New(id, session.Incoming, session.Config{
		Registry:        u.dialogs,
		Timers:          u.timers,
		Sender:          u.cfg.Sender,
		Media:           u.cfg.Media,
		NoAnswerTimeout: u.cfg.NoAnswerTimeout,
		Logger:          u.log,
		Metrics:         u.metrics,
	})
	u.log.Info().Str("session_id", id).Msg("incoming INVITE, session created")

	u.mu.Lock()
	u.sessions[id] = s
	if branch := branchOf(req); branch != "" {
		u.branchToSession[branch] = s
	}
	u.mu.Unlock()

	u.metrics.SessionStarted()
	u.emitter.Emit(NewRTCSession{Session: s, Direction: session.Incoming})

	dialogFailStatus := 0
	dialogFailReason := ""
	if _, hasContact := dialog.ExtractRemoteTarget(req); !hasContact {
		dialogFailStatus, dialogFailReason = 400, "Missing Contact"
	}
	_ = s.InitIncoming(ctx, req, tx, dialogFailStatus, dialogFailReason)
}

func (u *UA) handleCancel(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	branch := branchOf(req)
	u.mu.Lock()
	s := u.branchToSession[branch]
	u.mu.Unlock()
	if s == nil {
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(resp)
		return
	}
	s.RecvCancel(ctx, req, tx)
}

func (u *UA) handleAck(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	id, ok := inDialogID(req)
	if !ok {
		return
	}
	d, ok := u.dialogs.Get(id)
	if !ok {
		return // stray ACK: nothing to do, and nothing replies to ACK.
	}
	d.CheckInDialogRequest(req, tx)
	if s, ok := d.Owner().(*session.Session); ok {
		s.RecvAck(ctx)
	}
}

func (u *UA) handleBye(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	id, ok := inDialogID(req)
	if !ok {
		resp := sip.NewResponseFromRequest(req, 400, "Bad Request", nil)
		_ = tx.Respond(resp)
		return
	}
	d, ok := u.dialogs.Get(id)
	if !ok {
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(resp)
		return
	}
	if s, ok := d.Owner().(*session.Session); ok {
		s.RecvBye(ctx, req, tx)
		return
	}
	// A dialog owned by a Subscription (e.g. an out-of-dialog REFER's
	// formed dialog) has no Session semantics for BYE; just tear it
	// down and acknowledge.
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_ = tx.Respond(resp)
	d.Terminate()
}

func (u *UA) handleUpdate(req *sip.Request, tx sip.ServerTransaction) {
	d, ok := u.lookupInDialog(req, tx)
	if !ok {
		return
	}
	s, ok := d.Owner().(*session.Session)
	if !ok {
		resp := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(resp)
		return
	}
	s.RecvUpdate(req, tx)
}

func (u *UA) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	d, ok := u.lookupInDialog(req, tx)
	if !ok {
		return
	}
	s, ok := d.Owner().(*session.Session)
	if !ok {
		resp := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(resp)
		return
	}
	s.RecvInfoDTMF(req, tx)
}

func (u *UA) handleMessage(req *sip.Request, tx sip.ServerTransaction) {
	if toHdr, ok := req.To(); ok && toHdr.Params.GetOr("tag", "") != "" {
		// In-dialog MESSAGE: acknowledged but otherwise out of scope
		// for the Session/Subscription owners this module defines.
		resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
		_ = tx.Respond(resp)
		return
	}
	msg := oneshot.NewIncomingMessage(req, tx)
	u.emitter.Emit(NewMessage{Message: msg})
	_ = msg.AutoAccept()
}

func (u *UA) handleRefer(req *sip.Request, tx sip.ServerTransaction) {
	if toHdr, ok := req.To(); ok && toHdr.Params.GetOr("tag", "") != "" {
		u.handleInDialogRefer(req, tx)
		return
	}

	fromHdr, fromOk := req.From()
	callIDHdr, callOk := req.CallID()
	if !fromOk || !callOk {
		resp := sip.NewResponseFromRequest(req, 400, "Bad Request", nil)
		_ = tx.Respond(resp)
		return
	}
	id := referID(callIDHdr.Value(), fromHdr.Params.GetOr("tag", ""))
	sub := refersub.NewIncomingRefer(id, refersub.Config{
		Registry: u.dialogs,
		Timers:   u.timers,
		Sender:   u.cfg.Sender,
		Logger:   u.log,
		Metrics:  u.metrics,
	})

	localTag := u.generateLocalTag()
	if err := sub.RecvRefer(req, tx, localTag, u.cfg.Contact); err != nil {
		return
	}

	u.mu.Lock()
	u.subscriptions[id] = sub
	u.mu.Unlock()
	u.metrics.SubscriptionActive()
	u.emitter.Emit(NewRefer{Subscription: sub})
}

func (u *UA) handleInDialogRefer(req *sip.Request, tx sip.ServerTransaction) {
	id, ok := inDialogID(req)
	if !ok {
		resp := sip.NewResponseFromRequest(req, 400, "Bad Request", nil)
		_ = tx.Respond(resp)
		return
	}
	d, ok := u.dialogs.Get(id)
	if !ok {
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(resp)
		return
	}
	if _, ok := d.Owner().(*session.Session); !ok {
		resp := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(resp)
		return
	}

	eventID := ""
	if cseq, ok := req.CSeq(); ok {
		eventID = fmt.Sprintf("%d", cseq.SeqNo)
	}

	subID := referID(d.ID().CallID, d.ID().LocalTag) + ";id=" + eventID
	sub := refersub.NewIncomingInDialogRefer(subID, d, eventID, refersub.Config{
		Registry: u.dialogs,
		Timers:   u.timers,
		Sender:   u.cfg.Sender,
		Logger:   u.log,
		Metrics:  u.metrics,
	})
	if err := sub.RecvReferInDialog(req, tx); err != nil {
		return
	}

	u.mu.Lock()
	u.subscriptions[subID] = sub
	u.mu.Unlock()
	u.metrics.SubscriptionActive()
	u.emitter.Emit(NewRefer{Subscription: sub})
}

func (u *UA) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	id, ok := inDialogID(req)
	if !ok {
		resp := sip.NewResponseFromRequest(req, 400, "Bad Request", nil)
		_ = tx.Respond(resp)
		return
	}
	d, ok := u.dialogs.Get(id)
	if ok {
		if sub, ok := d.Owner().(*refersub.Subscription); ok {
			_ = sub.RecvInDialogNotify(req, tx)
			if contact, hasContact := dialog.ExtractRemoteTarget(req); hasContact {
				d.RefreshTarget(sip.NOTIFY, contact, true)
			}
			return
		}
		if _, ok := d.Owner().(*session.Session); ok {
			// An in-dialog REFER's NOTIFY rides the Session's dialog;
			// the Event header's id= parameter picks out which
			// subscription on that dialog it belongs to.
			sub := u.lookupInDialogRefer(d, eventIDOf(req))
			if sub == nil {
				u.log.Warn().Str("dialog_id", id.String()).Msg("NOTIFY matches no subscription on this dialog")
				resp := sip.NewResponseFromRequest(req, 481, "Subscription Does Not Exist", nil)
				_ = tx.Respond(resp)
				return
			}
			_ = sub.RecvInDialogNotify(req, tx)
			return
		}
	}

	// No existing dialog: this is the first NOTIFY of an out-of-dialog
	// REFER, which forms the dialog itself. Find the subscription by
	// the REFER's own call-id+from-tag (the NOTIFY's Event header
	// carries no identifying correlation beyond the dialog it's
	// racing to create, so the façade matches on Call-ID instead).
	if _, ok := req.CallID(); !ok {
		resp := sip.NewResponseFromRequest(req, 481, "Subscription Does Not Exist", nil)
		_ = tx.Respond(resp)
		return
	}
	u.mu.Lock()
	var sub *refersub.Subscription
	for _, s := range u.subscriptions {
		if s.Dialog() == nil && s.State() == refersub.Active {
			sub = s
			break
		}
	}
	u.mu.Unlock()
	if sub == nil {
		resp := sip.NewResponseFromRequest(req, 481, "Subscription Does Not Exist", nil)
		_ = tx.Respond(resp)
		return
	}
	_ = sub.RecvNotify(req, tx)
}

func (u *UA) handleSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	id, ok := inDialogID(req)
	if !ok {
		resp := sip.NewResponseFromRequest(req, 400, "Bad Request", nil)
		_ = tx.Respond(resp)
		return
	}
	d, ok := u.dialogs.Get(id)
	if !ok {
		resp := sip.NewResponseFromRequest(req, 481, "Subscription Does Not Exist", nil)
		_ = tx.Respond(resp)
		return
	}
	sub, ok := d.Owner().(*refersub.Subscription)
	if !ok {
		resp := sip.NewResponseFromRequest(req, 481, "Subscription Does Not Exist", nil)
		_ = tx.Respond(resp)
		return
	}
	_ = sub.RecvSubscribe(req, tx)
}

// eventIDOf extracts the id= parameter from a NOTIFY's Event header
// ("refer;id=123"), or "" when absent.
func eventIDOf(req *sip.Request) string {
	h := req.GetHeader("Event")
	if h == nil {
		return ""
	}
	for _, part := range strings.Split(h.Value(), ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "id="); ok {
			return v
		}
	}
	return ""
}

// lookupInDialogRefer resolves the subscription a NOTIFY on a
// Session-owned dialog belongs to. With an Event id the registry key
// is exact; without one, a lone subscription riding the dialog still
// matches.
func (u *UA) lookupInDialogRefer(d *dialog.Dialog, eventID string) *refersub.Subscription {
	prefix := referID(d.ID().CallID, d.ID().LocalTag) + ";id="
	u.mu.Lock()
	defer u.mu.Unlock()
	if eventID != "" {
		return u.subscriptions[prefix+eventID]
	}
	var found *refersub.Subscription
	for id, sub := range u.subscriptions {
		if strings.HasPrefix(id, prefix) {
			if found != nil {
				return nil // ambiguous without an Event id
			}
			found = sub
		}
	}
	return found
}

func (u *UA) generateLocalTag() string {
	return strings.ReplaceAll(u.nextCorrelationID(), "-", "")
}
