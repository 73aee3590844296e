package refersub

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/crocodilertc/sipua/pkg/dialog"
	"github.com/crocodilertc/sipua/pkg/sipcore"
	"github.com/crocodilertc/sipua/pkg/timer"
)

// NewInDialogRefer creates a REFER subscription that rides an existing
// confirmed dialog (an attended-transfer REFER sent inside an active
// call) instead of forming its own. eventID disambiguates this
// subscription's NOTIFYs (Event: refer;id=<cseq>) from any other REFER
// sharing the dialog, per RFC 3515 §2.4.1.
func NewInDialogRefer(id string, d *dialog.Dialog, eventID string, cfg Config) *Subscription {
	s := newSubscription(id, InDialog, Outgoing, cfg)
	s.dlg = d
	s.ownsDialog = false
	s.eventID = eventID
	return s
}

// NewIncomingInDialogRefer creates a REFER subscription notifying over
// an existing confirmed dialog in response to a REFER the peer sent
// inside that dialog, instead of the out-of-dialog flow's own UAS
// dialog.
func NewIncomingInDialogRefer(id string, d *dialog.Dialog, eventID string, cfg Config) *Subscription {
	s := newSubscription(id, InDialog, Incoming, cfg)
	s.dlg = d
	s.ownsDialog = false
	s.eventID = eventID
	return s
}

// RecvReferInDialog accepts a REFER the peer sent inside an existing
// dialog: validates Refer-To, replies 202, and sends the initial
// NOTIFY over that same dialog.
func (s *Subscription) RecvReferInDialog(req *sip.Request, serverTx sip.ServerTransaction) error {
	referToHdrs := req.GetHeaders("Refer-To")
	if len(referToHdrs) != 1 {
		resp := sip.NewResponseFromRequest(req, 400, "Missing or Duplicate Refer-To", nil)
		return serverTx.Respond(resp)
	}
	referToURI, replaces, err := ParseReferTo(referToHdrs[0].Value())
	if err != nil {
		resp := sip.NewResponseFromRequest(req, 400, "Invalid Refer-To", nil)
		return serverTx.Respond(resp)
	}

	s.mu.Lock()
	s.referReq = req
	s.referToURI = referToURI
	s.replaces = replaces
	s.setStateLocked(Active)
	s.expiresAt = time.Now().Add(DefaultExpiry)
	s.expiryTimerTok = s.timers.After(DefaultExpiry, s.onSubscriptionExpired)
	s.mu.Unlock()

	resp := sip.NewResponseFromRequest(req, 202, "Accepted", nil)
	resp.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(DefaultExpiry.Seconds()))))
	if err := serverTx.Respond(resp); err != nil {
		return err
	}

	return s.NotifyProgress(context.Background())
}

// SendInDialogRefer builds and sends the in-dialog REFER over the
// subscription's existing dialog, then watches for its final response
// on a background goroutine exactly like the out-of-dialog flow.
func (s *Subscription) SendInDialogRefer(ctx context.Context, referToHeaderValue, targetDialogValue string) error {
	referToURI, replaces, err := ParseReferTo(referToHeaderValue)
	if err != nil {
		s.emit(Failed{Cause: sipcore.CauseInvalidReferToTarget})
		return sipcore.Wrap(err, "refersub.send.referto", "invalid Refer-To", sipcore.ErrorCategoryValidation)
	}

	s.mu.Lock()
	if s.dlg == nil {
		s.mu.Unlock()
		return sipcore.NewError("refersub.send.nodialog", "in-dialog REFER requires an existing dialog", sipcore.ErrorCategoryState)
	}
	s.referToURI = referToURI
	s.replaces = replaces
	eventID := s.eventID

	extra := []sip.Header{sip.NewHeader("Refer-To", referToHeaderValue)}
	if eventID != "" {
		extra = append(extra, sip.NewHeader("Event", fmt.Sprintf("refer;id=%s", eventID)))
	} else {
		extra = append(extra, sip.NewHeader("Event", "refer"))
	}
	if targetDialogValue != "" {
		extra = append(extra, sip.NewHeader("Target-Dialog", targetDialogValue), sip.NewHeader("Require", "tdialog"))
	}
	req := s.dlg.CreateRequest(sip.REFER, extra...)
	s.referReq = req
	s.mu.Unlock()

	tx, err := s.sender.TransactionRequest(ctx, req)
	if err != nil {
		s.emit(Failed{Cause: sipcore.CauseConnectionError})
		return sipcore.Wrap(err, "refersub.send.transport", "failed to send REFER", sipcore.ErrorCategoryTransport)
	}

	go s.watchReferResponses(tx)
	return nil
}

// RecvInDialogNotify processes a NOTIFY arriving over the same dialog
// the in-dialog REFER rode. Unlike the out-of-dialog flow, the dialog
// already exists and is never formed from the NOTIFY; the Event
// header's id= parameter (when this subscription was given one) is the
// only disambiguator between concurrent REFERs on one dialog, so
// callers are expected to have already routed by that id before
// calling this.
func (s *Subscription) RecvInDialogNotify(req *sip.Request, serverTx sip.ServerTransaction) error {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		resp := sip.NewResponseFromRequest(req, 481, "Subscription Does Not Exist", nil)
		return serverTx.Respond(resp)
	}
	s.mu.Unlock()

	return s.RecvNotify(req, serverTx)
}
