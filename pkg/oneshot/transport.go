package oneshot

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

// RequestSender is the thin adapter around sipgo's client this
// package needs. Mirrors the seam pkg/session and pkg/refersub depend
// on so every layer stays unit-testable against fakes without
// reaching into the transaction/transport layer directly.
type RequestSender interface {
	TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request) error
}
