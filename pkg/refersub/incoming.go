package refersub

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/crocodilertc/sipua/pkg/dialog"
	"github.com/crocodilertc/sipua/pkg/sipcore"
)

// NewIncomingRefer creates an out-of-dialog REFER subscription on the
// notifier side, in the Pending state, ready for RecvRefer.
func NewIncomingRefer(id string, cfg Config) *Subscription {
	return newSubscription(id, OutOfDialog, Incoming, cfg)
}

// RecvRefer accepts an incoming out-of-dialog REFER: validates the
// single Refer-To header, resolves an optional Target-Dialog, creates
// the UAS dialog, replies 202, and sends the initial NOTIFY.
// localContact is attached to the 202 and to every NOTIFY this
// subscription sends afterward.
func (s *Subscription) RecvRefer(req *sip.Request, serverTx sip.ServerTransaction, localTag string, localContact sip.ContactHeader) error {
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
	if tdHdr := req.GetHeader("Target-Dialog"); tdHdr != nil {
		if d, err := s.registry.LookupTargetDialog(tdHdr.Value()); err == nil {
			s.targetDialog = d
		}
	}
	s.mu.Unlock()

	d, err := s.registry.CreateUAS(req, localTag, localContact, s)
	if err != nil {
		resp := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		return serverTx.Respond(resp)
	}

	s.mu.Lock()
	s.dlg = d
	s.ownsDialog = true
	s.setStateLocked(Active)
	s.expiresAt = time.Now().Add(DefaultExpiry)
	s.expiryTimerTok = s.timers.After(DefaultExpiry, s.onSubscriptionExpired)
	s.mu.Unlock()
	s.log.Info().Str("dialog_id", d.ID().String()).Str("refer_to", referToURI.String()).Msg("incoming REFER accepted")

	resp := sip.NewResponseFromRequest(req, 202, "Accepted", nil)
	resp.AppendHeader(&localContact)
	resp.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(DefaultExpiry.Seconds()))))
	if err := serverTx.Respond(resp); err != nil {
		return err
	}

	return s.NotifyProgress(context.Background())
}

// ReferToURI returns the target of the REFER this subscription
// notifies about.
func (s *Subscription) ReferToURI() sip.Uri {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.referToURI
}

// Replaces returns the raw Replaces parameter carried by Refer-To, or
// "" if none was present.
func (s *Subscription) Replaces() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaces
}

// TargetDialog returns the dialog a Target-Dialog header resolved to,
// or nil if the REFER carried none or it did not resolve.
func (s *Subscription) TargetDialog() *dialog.Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetDialog
}

func (s *Subscription) onSubscriptionExpired() {
	s.metrics.TimerFired("subscription_expiry")
	s.log.Info().Msg("subscription expired")
	s.Close("noresource")
}

// NotifyProgress sends a non-final "100 Trying" NOTIFY.
func (s *Subscription) NotifyProgress(ctx context.Context) error {
	return s.Notify(ctx, 100, "Trying", false, "")
}

// NotifyRinging sends a non-final "180 Ringing" NOTIFY.
func (s *Subscription) NotifyRinging(ctx context.Context) error {
	return s.Notify(ctx, 180, "Ringing", false, "")
}

// NotifySuccess sends the final "200 OK" NOTIFY and terminates the
// subscription normally.
func (s *Subscription) NotifySuccess(ctx context.Context) error {
	return s.Notify(ctx, 200, "OK", true, "")
}

// NotifyFailure sends the final failure NOTIFY and terminates the
// subscription.
func (s *Subscription) NotifyFailure(ctx context.Context, statusCode int, reason string) error {
	return s.Notify(ctx, statusCode, reason, true, "noresource")
}

// Notify emits a NOTIFY carrying the given sipfrag status. final flips
// the subscription to Terminated with the given terminateReason
// (defaulting to "noresource" when empty and final is true). When the
// subscription is not Active no NOTIFY is sent and a state error is
// returned.
func (s *Subscription) Notify(ctx context.Context, statusCode int, reason string, final bool, terminateReason string) error {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return sipcore.NewError("refersub.notify.state", "subscription is not active", sipcore.ErrorCategoryState)
	}
	s.mu.Unlock()

	if err := s.sendNotify(ctx, statusCode, reason, final, terminateReason); err != nil {
		return err
	}

	if final {
		s.mu.Lock()
		s.setStateLocked(Terminated)
		s.timers.CancelAll(s.notifyTimerTok, s.expiryTimerTok)
		s.mu.Unlock()
		s.emit(Closed{})
	}
	return nil
}

// sendNotify builds and sends the NOTIFY regardless of subscription
// state; callers (Notify, Close) are responsible for the state check
// and for updating state once the send completes.
func (s *Subscription) sendNotify(ctx context.Context, statusCode int, reason string, final bool, terminateReason string) error {
	s.mu.Lock()
	d := s.dlg
	eventID := s.eventID
	remaining := int(time.Until(s.expiresAt).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	s.mu.Unlock()

	event := "refer"
	if eventID != "" {
		event = fmt.Sprintf("refer;id=%s", eventID)
	}

	req := d.CreateRequest(sip.NOTIFY, sip.NewHeader("Event", event))
	if final {
		if terminateReason == "" {
			terminateReason = "noresource"
		}
		req.AppendHeader(sip.NewHeader("Subscription-State", fmt.Sprintf("terminated;reason=%s", terminateReason)))
	} else {
		req.AppendHeader(sip.NewHeader("Subscription-State", fmt.Sprintf("active;expires=%d", remaining)))
	}
	body := formatSipfrag(statusCode, reason)
	req.SetBody(body)
	req.AppendHeader(sip.NewHeader("Content-Type", "message/sipfrag"))

	s.mu.Lock()
	s.lastNotifyBody = body
	s.mu.Unlock()

	tx, err := s.sender.TransactionRequest(ctx, req)
	if err != nil {
		s.metrics.ErrorObserved(string(sipcore.ErrorCategoryTransport))
		s.log.Error().Err(err).Msg("failed to send NOTIFY")
		return sipcore.Wrap(err, "refersub.notify.transport", "failed to send NOTIFY", sipcore.ErrorCategoryTransport)
	}
	s.log.Debug().Int("sipfrag_status", statusCode).Bool("final", final).Msg("NOTIFY sent")
	select {
	case resp, ok := <-tx.Responses():
		if ok && resp.StatusCode >= 300 {
			return sipcore.NewError("refersub.notify.rejected", fmt.Sprintf("NOTIFY rejected: %d", resp.StatusCode), sipcore.ErrorCategoryProtocol)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// RecvSubscribe handles an in-dialog SUBSCRIBE refreshing (or
// terminating) this subscription.
func (s *Subscription) RecvSubscribe(req *sip.Request, serverTx sip.ServerTransaction) error {
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := serverTx.Respond(resp); err != nil {
		return err
	}

	expiresHdr := req.GetHeader("Expires")
	if expiresHdr == nil {
		s.mu.Lock()
		s.timers.Cancel(s.expiryTimerTok)
		s.expiresAt = time.Now().Add(DefaultExpiry)
		s.expiryTimerTok = s.timers.After(DefaultExpiry, s.onSubscriptionExpired)
		s.mu.Unlock()
		return nil
	}

	seconds, err := strconv.Atoi(expiresHdr.Value())
	if err != nil || seconds < 0 {
		seconds = int(DefaultExpiry.Seconds())
	}
	if seconds == 0 {
		s.Close("timeout")
		return nil
	}

	s.mu.Lock()
	s.timers.Cancel(s.expiryTimerTok)
	s.expiresAt = time.Now().Add(secondsToDuration(seconds))
	s.expiryTimerTok = s.timers.After(secondsToDuration(seconds), s.onSubscriptionExpired)
	s.mu.Unlock()
	return nil
}
