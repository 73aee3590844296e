package session

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

// RequestSender is the thin adapter around sipgo's client this package
// needs: start a client transaction, or fire a request with no
// transaction (ACK). The transaction/transport layer itself stays out
// of this package, so the core depends only on this narrow seam.
type RequestSender interface {
	TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request) error
}

// MediaHandler is the Session's media collaborator. SDP negotiation, codec
// selection, and RTP itself are out of scope; the core
// only needs to know when local media is ready to answer/offer and
// what body to attach.
type MediaHandler interface {
	// LocalOffer returns the body to attach to an outgoing INVITE/UPDATE.
	LocalOffer(ctx context.Context) (contentType string, body []byte, err error)
	// LocalAnswer returns the body to attach to a 200 OK / UPDATE
	// response once the remote offer has been accepted.
	LocalAnswer(ctx context.Context, remoteOfferType string, remoteOffer []byte) (contentType string, body []byte, err error)
	// RemoteDescription delivers a remote SDP body to the media
	// handler for negotiation (answer or offer depending on direction).
	RemoteDescription(contentType string, body []byte) error
}
