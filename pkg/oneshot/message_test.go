package oneshot_test

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crocodilertc/sipua/pkg/oneshot"
)

// fakeServerTx is a minimal sip.ServerTransaction double that records
// the response it was asked to send, enough to drive
// IncomingMessage.Accept/Reject without a real transport.
type fakeServerTx struct {
	responded []*sip.Response
	done      chan struct{}
	acks      chan *sip.Request
}

func newFakeServerTx() *fakeServerTx {
	return &fakeServerTx{done: make(chan struct{}), acks: make(chan *sip.Request)}
}

func (f *fakeServerTx) Respond(res *sip.Response) error {
	f.responded = append(f.responded, res)
	return nil
}
func (f *fakeServerTx) Acks() <-chan *sip.Request            { return f.acks }
func (f *fakeServerTx) OnCancel(fn sip.FnTxCancel) bool      { return true }
func (f *fakeServerTx) Terminate()                           {}
func (f *fakeServerTx) OnTerminate(fn sip.FnTxTerminate) bool { return true }
func (f *fakeServerTx) Done() <-chan struct{}                { return f.done }
func (f *fakeServerTx) Err() error                           { return nil }

func buildMessageRequest() *sip.Request {
	req := sip.NewRequest(sip.MESSAGE, sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"})
	req.AppendHeader(sip.NewHeader("From", "Alice <sip:alice@example.com>;tag=from1"))
	req.AppendHeader(sip.NewHeader("To", "Bob <sip:bob@example.com>"))
	req.AppendHeader(sip.NewHeader("Call-ID", "call-msg-1"))
	req.AppendHeader(sip.NewHeader("CSeq", "1 MESSAGE"))
	return req
}

func TestIncomingMessage_Accept(t *testing.T) {
	tx := newFakeServerTx()
	msg := oneshot.NewIncomingMessage(buildMessageRequest(), tx)

	err := msg.Accept(0, "OK")
	require.NoError(t, err)
	require.Len(t, tx.responded, 1)
	assert.Equal(t, 200, tx.responded[0].StatusCode)
}

func TestIncomingMessage_Accept_TwiceRejected(t *testing.T) {
	tx := newFakeServerTx()
	msg := oneshot.NewIncomingMessage(buildMessageRequest(), tx)

	require.NoError(t, msg.Accept(0, "OK"))
	err := msg.Reject(488, "Not Acceptable")
	assert.Error(t, err, "a message already resolved by Accept cannot be Rejected")
}

func TestIncomingMessage_Reject(t *testing.T) {
	tx := newFakeServerTx()
	msg := oneshot.NewIncomingMessage(buildMessageRequest(), tx)

	err := msg.Reject(488, "Not Acceptable Here")
	require.NoError(t, err)
	require.Len(t, tx.responded, 1)
	assert.Equal(t, 488, tx.responded[0].StatusCode)
}

func TestIncomingMessage_Reject_InvalidStatus(t *testing.T) {
	tx := newFakeServerTx()
	msg := oneshot.NewIncomingMessage(buildMessageRequest(), tx)

	err := msg.Reject(200, "OK")
	assert.Error(t, err, "Reject requires a 3xx-6xx status")
}

func TestIncomingMessage_AutoAccept_SkipsIfResolved(t *testing.T) {
	tx := newFakeServerTx()
	msg := oneshot.NewIncomingMessage(buildMessageRequest(), tx)

	require.NoError(t, msg.Reject(403, "Forbidden"))
	require.NoError(t, msg.AutoAccept())
	assert.Len(t, tx.responded, 1, "AutoAccept must not double-respond once resolved")
}

func TestIncomingMessage_AutoAccept_DefaultsTo200(t *testing.T) {
	tx := newFakeServerTx()
	msg := oneshot.NewIncomingMessage(buildMessageRequest(), tx)

	require.NoError(t, msg.AutoAccept())
	require.Len(t, tx.responded, 1)
	assert.Equal(t, 200, tx.responded[0].StatusCode)
}
