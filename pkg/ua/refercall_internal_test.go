package ua

import (
	"context"
	"sync"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crocodilertc/sipua/pkg/refersub"
)

// fakeClientTx answers every request with a single 200 so subscription
// NOTIFY sends and the outgoing INVITE both complete.
type fakeClientTx struct {
	responses chan *sip.Response
	done      chan struct{}
}

func newFakeClientTx(req *sip.Request, statusCode int) *fakeClientTx {
	tx := &fakeClientTx{responses: make(chan *sip.Response, 1), done: make(chan struct{})}
	resp := sip.NewResponseFromRequest(req, statusCode, "OK", nil)
	if statusCode == 200 && req.Method == sip.INVITE {
		resp.AppendHeader(sip.NewHeader("Contact", "<sip:carol@10.0.0.3:5060>"))
	}
	tx.responses <- resp
	return tx
}

func (f *fakeClientTx) Responses() <-chan *sip.Response          { return f.responses }
func (f *fakeClientTx) OnRetransmission(sip.FnTxResponse) bool   { return true }
func (f *fakeClientTx) Terminate()                               {}
func (f *fakeClientTx) OnTerminate(fn sip.FnTxTerminate) bool    { return true }
func (f *fakeClientTx) Done() <-chan struct{}                    { return f.done }
func (f *fakeClientTx) Err() error                               { return nil }

// recordingSender captures every outgoing request and hands back a
// fakeClientTx that immediately answers 200.
type recordingSender struct {
	mu       sync.Mutex
	requests []*sip.Request
	written  []*sip.Request
}

func (r *recordingSender) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	return newFakeClientTx(req, 200), nil
}

func (r *recordingSender) WriteRequest(req *sip.Request) error {
	r.mu.Lock()
	r.written = append(r.written, req)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) sent() []*sip.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*sip.Request, len(r.requests))
	copy(out, r.requests)
	return out
}

type fakeReferServerTx struct {
	responded []*sip.Response
	done      chan struct{}
	acks      chan *sip.Request
}

func newFakeReferServerTx() *fakeReferServerTx {
	return &fakeReferServerTx{done: make(chan struct{}), acks: make(chan *sip.Request)}
}

func (f *fakeReferServerTx) Respond(res *sip.Response) error {
	f.responded = append(f.responded, res)
	return nil
}
func (f *fakeReferServerTx) Acks() <-chan *sip.Request             { return f.acks }
func (f *fakeReferServerTx) OnCancel(fn sip.FnTxCancel) bool       { return true }
func (f *fakeReferServerTx) Terminate()                            {}
func (f *fakeReferServerTx) OnTerminate(fn sip.FnTxTerminate) bool { return true }
func (f *fakeReferServerTx) Done() <-chan struct{}                 { return f.done }
func (f *fakeReferServerTx) Err() error                            { return nil }

func buildReferRequest(referTo string) *sip.Request {
	req := sip.NewRequest(sip.REFER, sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"})
	req.AppendHeader(sip.NewHeader("From", "Alice <sip:alice@example.com>;tag=reffrom1"))
	req.AppendHeader(sip.NewHeader("To", "Bob <sip:bob@example.com>"))
	req.AppendHeader(sip.NewHeader("Call-ID", "call-refer-bridge-1"))
	req.AppendHeader(sip.NewHeader("CSeq", "1 REFER"))
	req.AppendHeader(sip.NewHeader("Contact", "<sip:alice@10.0.0.1:5060>"))
	req.AppendHeader(sip.NewHeader("Refer-To", referTo))
	return req
}

func newBridgeUA(sender *recordingSender) *UA {
	cfg := DefaultConfig()
	cfg.Sender = sender
	cfg.Contact = sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.2", Port: 5060}}
	return New(cfg)
}

func acceptedIncomingRefer(t *testing.T, u *UA, referTo string) *refersub.Subscription {
	t.Helper()
	sub := refersub.NewIncomingRefer("refer:call-refer-bridge-1|reffrom1", refersub.Config{
		Registry: u.dialogs,
		Timers:   u.timers,
		Sender:   u.cfg.Sender,
	})
	tx := newFakeReferServerTx()
	require.NoError(t, sub.RecvRefer(buildReferRequest(referTo), tx, "reflocal1", u.cfg.Contact))
	require.Equal(t, refersub.Active, sub.State())
	return sub
}

func TestCallReferTarget_SendsInviteToReferTo(t *testing.T) {
	sender := &recordingSender{}
	u := newBridgeUA(sender)
	sub := acceptedIncomingRefer(t, u, "<sip:carol@example.com>")

	localURI := sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"}
	s, err := u.CallReferTarget(context.Background(), sub, localURI, u.cfg.Contact, nil, "")
	require.NoError(t, err)
	require.NotNil(t, s)

	var invite *sip.Request
	for _, req := range sender.sent() {
		if req.Method == sip.INVITE {
			invite = req
		}
	}
	require.NotNil(t, invite)
	assert.Equal(t, "carol", invite.Recipient.User)
}

func TestCallReferTarget_RejectsNonSIPTarget(t *testing.T) {
	sender := &recordingSender{}
	u := newBridgeUA(sender)
	sub := acceptedIncomingRefer(t, u, "<tel:+15551234567>")

	localURI := sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"}
	_, err := u.CallReferTarget(context.Background(), sub, localURI, u.cfg.Contact, nil, "")
	assert.Error(t, err)
}

func TestLookupInDialogRefer_ByEventID(t *testing.T) {
	sender := &recordingSender{}
	u := newBridgeUA(sender)

	invite := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"})
	invite.AppendHeader(sip.NewHeader("From", "Alice <sip:alice@example.com>;tag=remote9"))
	invite.AppendHeader(sip.NewHeader("To", "Bob <sip:bob@example.com>"))
	invite.AppendHeader(sip.NewHeader("Call-ID", "call-indialog-9"))
	invite.AppendHeader(sip.NewHeader("CSeq", "1 INVITE"))
	invite.AppendHeader(sip.NewHeader("Contact", "<sip:alice@10.0.0.1:5060>"))
	d, err := u.dialogs.CreateUAS(invite, "local9", u.cfg.Contact, nil)
	require.NoError(t, err)

	sub := refersub.NewOutgoingRefer("x", refersub.Config{Registry: u.dialogs, Timers: u.timers, Sender: sender})
	key := referID(d.ID().CallID, d.ID().LocalTag) + ";id=3"
	u.mu.Lock()
	u.subscriptions[key] = sub
	u.mu.Unlock()

	assert.Same(t, sub, u.lookupInDialogRefer(d, "3"))
	assert.Nil(t, u.lookupInDialogRefer(d, "4"))
	assert.Same(t, sub, u.lookupInDialogRefer(d, ""), "a lone subscription matches even without an Event id")
}

func TestCallReferTarget_RejectsClosedSubscription(t *testing.T) {
	sender := &recordingSender{}
	u := newBridgeUA(sender)
	sub := acceptedIncomingRefer(t, u, "<sip:carol@example.com>")
	sub.Close("noresource")

	localURI := sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"}
	_, err := u.CallReferTarget(context.Background(), sub, localURI, u.cfg.Contact, nil, "")
	assert.Error(t, err)
}
