package dialog_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crocodilertc/sipua/pkg/dialog"
	"github.com/crocodilertc/sipua/pkg/timer"
)

type noopOwner struct{}

func (noopOwner) OnDialogRefresh(d *dialog.Dialog)      {}
func (noopOwner) OnSessionTimerExpired(d *dialog.Dialog) {}

func TestRegistry_CreateUAC_EarlyThenConfirmed(t *testing.T) {
	reg := dialog.NewRegistry(timer.NewService())
	req := buildInvite("call-1", "from-tag-1")

	resp180 := buildResponseWithTag(req, 180, "Ringing", "to-tag-1", "<sip:bob@10.0.0.1:5060>")
	d, err := reg.CreateUAC(req, resp180, noopOwner{})
	require.NoError(t, err)
	assert.Equal(t, dialog.Early, d.State())
	assert.Equal(t, dialog.ID{CallID: "call-1", LocalTag: "from-tag-1", RemoteTag: "to-tag-1"}, d.ID())

	d.Confirm()
	assert.Equal(t, dialog.Confirmed, d.State())
}

func TestRegistry_CreateUAC_RequiresContact(t *testing.T) {
	reg := dialog.NewRegistry(timer.NewService())
	req := buildInvite("call-2", "from-tag-2")
	resp := buildResponseWithTag(req, 200, "OK", "to-tag-2", "")

	_, err := reg.CreateUAC(req, resp, noopOwner{})
	assert.Error(t, err)
}

func TestRegistry_CreateUAC_DuplicateIDRejected(t *testing.T) {
	reg := dialog.NewRegistry(timer.NewService())
	req := buildInvite("call-3", "from-tag-3")
	resp := buildResponseWithTag(req, 200, "OK", "to-tag-3", "<sip:bob@10.0.0.1:5060>")

	_, err := reg.CreateUAC(req, resp, noopOwner{})
	require.NoError(t, err)

	_, err = reg.CreateUAC(req, resp, noopOwner{})
	assert.Error(t, err)
}

func TestDialog_CreateRequest_CSeqPolicy(t *testing.T) {
	reg := dialog.NewRegistry(timer.NewService())
	req := buildInvite("call-4", "from-tag-4")
	resp := buildResponseWithTag(req, 200, "OK", "to-tag-4", "<sip:bob@10.0.0.1:5060>")
	d, err := reg.CreateUAC(req, resp, noopOwner{})
	require.NoError(t, err)

	bye1 := d.CreateRequest(sip.BYE)
	cseq1, _ := bye1.CSeq()
	bye2 := d.CreateRequest(sip.BYE)
	cseq2, _ := bye2.CSeq()
	assert.Equal(t, cseq1.SeqNo+1, cseq2.SeqNo, "non-ACK/CANCEL methods increment CSeq")

	invite := d.CreateRequest(sip.INVITE)
	inviteCseq, _ := invite.CSeq()
	ack := d.CreateRequest(sip.ACK)
	ackCseq, _ := ack.CSeq()
	assert.Equal(t, inviteCseq.SeqNo, ackCseq.SeqNo, "ACK reuses the current local seqnum")

	cancel := d.CreateRequest(sip.CANCEL)
	cancelCseq, _ := cancel.CSeq()
	assert.Equal(t, inviteCseq.SeqNo, cancelCseq.SeqNo, "CANCEL reuses the current local seqnum")
}

func TestDialog_CheckInDialogRequest_StaleCSeqRejected(t *testing.T) {
	reg := dialog.NewRegistry(timer.NewService())
	req := buildInvite("call-5", "from-tag-5")
	resp := buildResponseWithTag(req, 200, "OK", "to-tag-5", "<sip:bob@10.0.0.1:5060>")
	d, err := reg.CreateUAC(req, resp, noopOwner{})
	require.NoError(t, err)

	first := buildInDialogRequest(sip.BYE, "call-5", "from-tag-5", "to-tag-5", 5)
	result := d.CheckInDialogRequest(first, nil)
	assert.True(t, result.Accepted)

	stale := buildInDialogRequest(sip.BYE, "call-5", "from-tag-5", "to-tag-5", 3)
	result = d.CheckInDialogRequest(stale, nil)
	assert.False(t, result.Accepted)
	assert.Equal(t, dialog.RejectStaleCSeq, result.Reject)
}

func TestDialog_CheckInDialogRequest_OverlappingInvite(t *testing.T) {
	reg := dialog.NewRegistry(timer.NewService())
	req := buildInvite("call-6", "from-tag-6")
	resp := buildResponseWithTag(req, 200, "OK", "to-tag-6", "<sip:bob@10.0.0.1:5060>")
	d, err := reg.CreateUAC(req, resp, noopOwner{})
	require.NoError(t, err)

	reinvite1 := buildInDialogRequest(sip.INVITE, "call-6", "from-tag-6", "to-tag-6", 5)
	result := d.CheckInDialogRequest(reinvite1, nil)
	assert.True(t, result.Accepted)

	reinvite2 := buildInDialogRequest(sip.INVITE, "call-6", "from-tag-6", "to-tag-6", 6)
	result = d.CheckInDialogRequest(reinvite2, nil)
	assert.False(t, result.Accepted)
	assert.Equal(t, dialog.RejectOverlappingModifier, result.Reject)
	assert.True(t, result.RetryAfter > 0 && result.RetryAfter <= 10*time.Second)

	d.CompleteInviteTx()
	reinvite3 := buildInDialogRequest(sip.INVITE, "call-6", "from-tag-6", "to-tag-6", 7)
	result = d.CheckInDialogRequest(reinvite3, nil)
	assert.True(t, result.Accepted)
}

func buildInDialogRequest(method sip.RequestMethod, callID, localTag, remoteTag string, cseq int) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"})
	req.AppendHeader(sip.NewHeader("From", "Bob <sip:bob@example.com>;tag="+remoteTag))
	req.AppendHeader(sip.NewHeader("To", "Alice <sip:alice@example.com>;tag="+localTag))
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(sip.NewHeader("CSeq", fmt.Sprintf("%d %s", cseq, method)))
	return req
}
