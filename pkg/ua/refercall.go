package ua

import (
	"context"

	"github.com/emiago/sipgo/sip"

	"github.com/crocodilertc/sipua/pkg/refersub"
	"github.com/crocodilertc/sipua/pkg/session"
	"github.com/crocodilertc/sipua/pkg/sipcore"
)

// CallReferTarget places the call an accepted incoming REFER asks for:
// it constructs a new outgoing Session to the subscription's Refer-To
// URI and wires the session's progress/started/failed milestones to
// automatic NOTIFYs on the subscription. The final NOTIFY (success or
// failure) terminates the subscription.
//
// The subscription must be Active and its Refer-To target must be a
// sip/sips URI; anything else is rejected before any request goes out.
func (u *UA) CallReferTarget(ctx context.Context, sub *refersub.Subscription, localURI sip.Uri, contact sip.ContactHeader, body []byte, contentType string, extraHeaders ...sip.Header) (*session.Session, error) {
	if sub.State() != refersub.Active {
		return nil, sipcore.NewError("ua.refer_call.state", "subscription is not active", sipcore.ErrorCategoryState)
	}
	target := sub.ReferToURI()
	if target.Scheme != "sip" && target.Scheme != "sips" {
		return nil, sipcore.NewError("ua.refer_call.target", "Refer-To is not a sip/sips URI", sipcore.ErrorCategoryValidation)
	}

	s := u.NewSession()
	s.OnEvent(func(e session.Event) {
		switch ev := e.(type) {
		case session.Progress:
			code, reason := 180, "Ringing"
			if ev.Response != nil {
				code, reason = ev.Response.StatusCode, ev.Response.Reason
			}
			if err := sub.Notify(context.Background(), code, reason, false, ""); err != nil {
				u.log.Debug().Str("refer_id", sub.ID()).Err(err).Msg("refer progress NOTIFY not sent")
			}
		case session.Started:
			if err := sub.NotifySuccess(context.Background()); err != nil {
				u.log.Debug().Str("refer_id", sub.ID()).Err(err).Msg("refer success NOTIFY not sent")
			}
		case session.Failed:
			code, reason := 500, "Internal Server Error"
			if ev.Response != nil {
				code, reason = ev.Response.StatusCode, ev.Response.Reason
			} else if ev.Cause == sipcore.CauseCanceled {
				code, reason = 487, "Request Terminated"
			}
			if err := sub.NotifyFailure(context.Background(), code, reason); err != nil {
				u.log.Debug().Str("refer_id", sub.ID()).Err(err).Msg("refer failure NOTIFY not sent")
			}
		}
	})

	if replaces := sub.Replaces(); replaces != "" {
		extraHeaders = append(extraHeaders, sip.NewHeader("Replaces", replaces))
	}

	if err := s.Connect(ctx, target, localURI, contact, body, contentType, extraHeaders...); err != nil {
		return nil, err
	}
	return s, nil
}
