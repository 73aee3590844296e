package session

import (
	"context"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crocodilertc/sipua/pkg/dialog"
	"github.com/crocodilertc/sipua/pkg/timer"
)

type fakeReinviteServerTx struct {
	responded []*sip.Response
	done      chan struct{}
	acks      chan *sip.Request
}

func newFakeReinviteServerTx() *fakeReinviteServerTx {
	return &fakeReinviteServerTx{done: make(chan struct{}), acks: make(chan *sip.Request)}
}

func (f *fakeReinviteServerTx) Respond(res *sip.Response) error {
	f.responded = append(f.responded, res)
	return nil
}
func (f *fakeReinviteServerTx) Acks() <-chan *sip.Request             { return f.acks }
func (f *fakeReinviteServerTx) OnCancel(fn sip.FnTxCancel) bool       { return true }
func (f *fakeReinviteServerTx) Terminate()                            {}
func (f *fakeReinviteServerTx) OnTerminate(fn sip.FnTxTerminate) bool { return true }
func (f *fakeReinviteServerTx) Done() <-chan struct{}                 { return f.done }
func (f *fakeReinviteServerTx) Err() error                            { return nil }

// fakeSender is a no-op RequestSender: every call succeeds and returns
// a nil transaction, enough to exercise state transitions that
// fire-and-forget a request (BYE, CANCEL).
type fakeSender struct{}

func (fakeSender) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	return nil, nil
}
func (fakeSender) WriteRequest(req *sip.Request) error { return nil }

// fakeMedia is a no-op MediaHandler that accepts every remote body.
type fakeMedia struct{}

func (fakeMedia) LocalOffer(ctx context.Context) (string, []byte, error) { return "", nil, nil }
func (fakeMedia) LocalAnswer(ctx context.Context, remoteOfferType string, remoteOffer []byte) (string, []byte, error) {
	return "", nil, nil
}
func (fakeMedia) RemoteDescription(contentType string, body []byte) error { return nil }

func newConfirmedTestSession(t *testing.T) *Session {
	t.Helper()
	s := New("sess-reinvite", Incoming, Config{
		Registry: dialog.NewRegistry(timer.NewService()),
		Timers:   timer.NewService(),
		Sender:   fakeSender{},
		Media:    fakeMedia{},
	})
	s.fsm.SetState(Confirmed)

	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"})
	req.AppendHeader(sip.NewHeader("From", "Alice <sip:alice@example.com>;tag=from1"))
	req.AppendHeader(sip.NewHeader("To", "Bob <sip:bob@example.com>;tag=to1"))
	req.AppendHeader(sip.NewHeader("Call-ID", "call-reinvite-1"))
	req.AppendHeader(sip.NewHeader("CSeq", "1 INVITE"))
	req.AppendHeader(sip.NewHeader("Contact", "<sip:alice@10.0.0.1:5060>"))
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	resp.AppendHeader(sip.NewHeader("Contact", "<sip:bob@10.0.0.2:5060>"))

	d, err := s.registry.CreateUAC(req, resp, s)
	require.NoError(t, err)
	s.confirmedDialog = d
	return s
}

func TestSendReInvite_RejectedOutsideConfirmed(t *testing.T) {
	s := New("sess-not-confirmed", Outgoing, Config{
		Registry: dialog.NewRegistry(timer.NewService()),
		Timers:   timer.NewService(),
	})
	_, err := s.SendReInvite(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestSendReInvite_RejectedWhileOverlapping(t *testing.T) {
	s := newConfirmedTestSession(t)
	s.currentReInvite = &ReInvite{state: WaitingForAnswer}

	_, err := s.SendReInvite(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestRecvReInvite_Rejected491WhileOverlapping(t *testing.T) {
	s := newConfirmedTestSession(t)
	s.currentReInvite = &ReInvite{state: WaitingForAnswer}

	tx := newFakeReinviteServerTx()
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"})
	ri := s.RecvReInvite(context.Background(), req, tx)

	assert.Nil(t, ri)
	require.Len(t, tx.responded, 1)
	assert.Equal(t, 491, tx.responded[0].StatusCode)
}

func TestRecvReInvite_AcceptedWhenConfirmedAndNoOverlap(t *testing.T) {
	s := newConfirmedTestSession(t)

	tx := newFakeReinviteServerTx()
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"})
	ri := s.RecvReInvite(context.Background(), req, tx)

	require.NotNil(t, ri)
	assert.Equal(t, WaitingForAnswer, ri.State())
	assert.Empty(t, tx.responded, "no immediate response until the app accepts/rejects or the +1s provisional fires")
}

func TestReInviteAccept_StartsAckWait(t *testing.T) {
	s := newConfirmedTestSession(t)

	tx := newFakeReinviteServerTx()
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"})
	ri := s.RecvReInvite(context.Background(), req, tx)
	require.NotNil(t, ri)

	contact := sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.2", Port: 5060}}
	require.NoError(t, ri.Accept(context.Background(), "", nil, contact))

	assert.Equal(t, WaitingForAck, ri.State(), "accepted re-INVITE retransmits its 200 until the ACK lands")
	require.Len(t, tx.responded, 1)
	assert.Equal(t, 200, tx.responded[0].StatusCode)

	s.RecvAck(context.Background())
	assert.Equal(t, ReInviteSucceeded, ri.State())
	assert.Equal(t, Confirmed, s.State(), "the session itself never leaves Confirmed across a re-INVITE")
}

func TestSession_Terminate_IdempotentFromConfirmed(t *testing.T) {
	s := newConfirmedTestSession(t)

	err1 := s.Terminate(context.Background(), 0, "")
	assert.NoError(t, err1)
	assert.Equal(t, Terminated, s.State())

	err2 := s.Terminate(context.Background(), 0, "")
	assert.NoError(t, err2, "terminate on an already-Terminated session is a no-op, not an error")
}
