package refersub

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

// RequestSender is the thin adapter around sipgo's client this package
// needs to send REFER, NOTIFY, and final responses. Mirrors the seam
// pkg/session depends on so both layers stay unit-testable against
// fakes without reaching into the transaction/transport layer directly.
type RequestSender interface {
	TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request) error
}
