package refersub

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo/sip"

	"github.com/crocodilertc/sipua/pkg/sipcore"
	"github.com/crocodilertc/sipua/pkg/timer"
)

// NewOutgoingRefer creates an out-of-dialog REFER subscription in the
// Pending state, ready for SendRefer.
func NewOutgoingRefer(id string, cfg Config) *Subscription {
	return newSubscription(id, OutOfDialog, Outgoing, cfg)
}

// SendRefer validates the target and Refer-To URIs, then sends a
// REFER establishing this subscription. referToHeaderValue is the raw
// Refer-To header value (may carry a Replaces query parameter).
// targetDialogValue, if non-empty, is attached as Target-Dialog and
// triggers Require: tdialog.
func (s *Subscription) SendRefer(ctx context.Context, target, localURI sip.Uri, contact sip.ContactHeader, referToHeaderValue, targetDialogValue string) error {
	referToURI, replaces, err := ParseReferTo(referToHeaderValue)
	if err != nil {
		s.emit(Failed{Cause: sipcore.CauseInvalidReferToTarget})
		return sipcore.Wrap(err, "refersub.send.referto", "invalid Refer-To", sipcore.ErrorCategoryValidation)
	}
	if target.Host == "" {
		s.emit(Failed{Cause: sipcore.CauseInvalidTarget})
		return sipcore.NewError("refersub.send.target", "invalid REFER target", sipcore.ErrorCategoryValidation)
	}

	s.mu.Lock()
	s.referToURI = referToURI
	s.replaces = replaces

	callID := generateCallID()
	fromTag := generateTag()

	req := sip.NewRequest(sip.REFER, target)
	req.AppendHeader(&sip.CallIDHeader{Value: callID})
	req.AppendHeader(&sip.FromHeader{Address: localURI, Params: sip.HeaderParams{{K: "tag", V: fromTag}}})
	req.AppendHeader(&sip.ToHeader{Address: target})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REFER})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(&contact)
	req.AppendHeader(sip.NewHeader("Refer-To", referToHeaderValue))
	if targetDialogValue != "" {
		req.AppendHeader(sip.NewHeader("Target-Dialog", targetDialogValue))
		req.AppendHeader(sip.NewHeader("Require", "tdialog"))
	}

	s.referReq = req
	s.mu.Unlock()

	tx, err := s.sender.TransactionRequest(ctx, req)
	if err != nil {
		s.metrics.ErrorObserved(string(sipcore.ErrorCategoryTransport))
		s.log.Error().Err(err).Str("call_id", callID).Msg("failed to send REFER")
		s.emit(Failed{Cause: sipcore.CauseConnectionError})
		return sipcore.Wrap(err, "refersub.send.transport", "failed to send REFER", sipcore.ErrorCategoryTransport)
	}
	s.log.Info().Str("call_id", callID).Str("refer_to", referToHeaderValue).Msg("REFER sent")

	go s.watchReferResponses(tx)
	return nil
}

func (s *Subscription) watchReferResponses(tx sip.ClientTransaction) {
	for {
		select {
		case resp, ok := <-tx.Responses():
			if !ok {
				return
			}
			if resp.StatusCode < 200 {
				continue
			}
			if resp.StatusCode < 300 {
				s.onReferAccepted()
			} else {
				s.onReferRejected()
			}
			return
		case <-tx.Done():
			s.onReferRejected()
			return
		}
	}
}

func (s *Subscription) onReferAccepted() {
	s.mu.Lock()
	s.setStateLocked(Active)
	s.notifyTimerTok = s.timers.After(timer.TimerF, s.onNotifyTimeout)
	s.mu.Unlock()
	s.log.Info().Msg("REFER accepted, waiting for NOTIFY")
	s.emit(Accepted{})
}

func (s *Subscription) onReferRejected() {
	s.mu.Lock()
	s.setStateLocked(Terminated)
	s.mu.Unlock()
	s.metrics.ErrorObserved(string(sipcore.ErrorCategoryProtocol))
	s.log.Warn().Msg("REFER rejected by peer")
	s.emit(Failed{Cause: sipcore.CauseRejected})
	s.emit(Closed{})
}

// onNotifyTimeout fires when no NOTIFY arrives in time: Timer F after
// an accepted REFER, or the subscription's expires plus T4 after a
// non-final NOTIFY. Synthesize a 100 Trying final notify and close.
func (s *Subscription) onNotifyTimeout() {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return
	}
	s.finalDelivered = true
	s.mu.Unlock()
	s.metrics.TimerFired("notify_wait")
	s.log.Warn().Msg("no NOTIFY before Timer F, closing subscription")
	s.emit(Failed{Cause: sipcore.CauseRequestTimeout, StatusCode: 100})
	s.Close(string(sipcore.CauseRequestTimeout))
}

// RecvNotify processes an in-subscription NOTIFY on the subscribing
// side. The first NOTIFY forms the dialog (its From-tag becomes our
// remote tag); later NOTIFYs must match it.
func (s *Subscription) RecvNotify(req *sip.Request, serverTx sip.ServerTransaction) error {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		resp := sip.NewResponseFromRequest(req, 481, "Subscription Does Not Exist", nil)
		return serverTx.Respond(resp)
	}

	if s.emitter.ListenerCount() == 0 {
		s.setStateLocked(Terminated)
		s.mu.Unlock()
		s.log.Debug().Msg("no notify listeners, declining NOTIFY with 603")
		resp := sip.NewResponseFromRequest(req, 603, "Decline", nil)
		err := serverTx.Respond(resp)
		s.emit(Closed{})
		return err
	}

	eventHdr := req.GetHeader("Event")
	if eventHdr == nil || !startsWith(eventHdr.Value(), "refer") {
		s.mu.Unlock()
		resp := sip.NewResponseFromRequest(req, 489, "Bad Event", nil)
		return serverTx.Respond(resp)
	}
	subState := req.GetHeader("Subscription-State")
	if subState == nil {
		s.mu.Unlock()
		resp := sip.NewResponseFromRequest(req, 400, "Missing Subscription-State", nil)
		return serverTx.Respond(resp)
	}
	if ct := req.GetHeader("Content-Type"); ct != nil && ct.Value() != "message/sipfrag" {
		s.mu.Unlock()
		resp := sip.NewResponseFromRequest(req, 415, "Unsupported Media Type", nil)
		return serverTx.Respond(resp)
	}

	firstNotify := s.dlg == nil
	d := s.dlg
	referReq := s.referReq
	registry := s.registry
	s.mu.Unlock()

	if firstNotify {
		var err error
		d, err = registry.CreateFromNotify(referReq, req, s)
		if err != nil {
			resp := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
			return serverTx.Respond(resp)
		}
		s.mu.Lock()
		s.dlg = d
		s.ownsDialog = true
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.timers.Cancel(s.notifyTimerTok)
	s.mu.Unlock()

	body := req.Body()
	code := parseSipfragStatusCode(body)
	s.log.Debug().Int("sipfrag_status", code).Str("subscription_state", subState.Value()).Msg("NOTIFY received")
	s.applyNotifyStatus(code)

	s.mu.Lock()
	s.lastNotifyBody = body
	terminated := startsWith(subState.Value(), "terminated")
	var expSeconds int
	if !terminated {
		expSeconds, _ = parseExpiresParam(subState.Value())
	}
	s.mu.Unlock()

	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	err := serverTx.Respond(resp)

	if terminated {
		s.Close("")
		return err
	}

	s.mu.Lock()
	s.timers.Cancel(s.expiryTimerTok)
	s.expiryTimerTok = s.timers.After(secondsToDuration(expSeconds)+timer.T4, s.onNotifyTimeout)
	s.mu.Unlock()
	return err
}

func (s *Subscription) applyNotifyStatus(code int) {
	s.mu.Lock()
	fsm := s.notifyFSM
	s.mu.Unlock()

	switch {
	case code == 100:
		_ = fsm.Event(context.Background(), "notify100")
		s.emit(Progress{StatusCode: code})
	case code >= 101 && code < 200:
		_ = fsm.Event(context.Background(), "notify1xx")
		s.emit(Progress{StatusCode: code})
	case code >= 200 && code < 300:
		_ = fsm.Event(context.Background(), "notifySuccess")
		s.mu.Lock()
		s.finalDelivered = true
		s.mu.Unlock()
		s.emit(Started{StatusCode: code})
	case code >= 300:
		_ = fsm.Event(context.Background(), "notifyFailure")
		s.mu.Lock()
		s.finalDelivered = true
		s.mu.Unlock()
		s.emit(Failed{Cause: sipcore.CauseRejected, StatusCode: code})
	}
}

func startsWith(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func parseExpiresParam(subscriptionState string) (int, error) {
	const key = "expires="
	idx := indexOf(subscriptionState, key)
	if idx < 0 {
		return int(DefaultExpiry.Seconds()), nil
	}
	rest := subscriptionState[idx+len(key):]
	end := len(rest)
	for i, c := range rest {
		if c == ';' || c == ' ' {
			end = i
			break
		}
	}
	var seconds int
	_, err := fmt.Sscanf(rest[:end], "%d", &seconds)
	if err != nil {
		return int(DefaultExpiry.Seconds()), nil
	}
	return seconds, nil
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
