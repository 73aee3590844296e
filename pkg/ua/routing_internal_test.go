package ua

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
)

func buildRoutingRequest() *sip.Request {
	req := sip.NewRequest(sip.BYE, sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"})
	req.AppendHeader(sip.NewHeader("From", "Bob <sip:bob@example.com>;tag=remote1"))
	req.AppendHeader(sip.NewHeader("To", "Alice <sip:alice@example.com>;tag=local1"))
	req.AppendHeader(sip.NewHeader("Call-ID", "call-xyz"))
	req.AppendHeader(sip.NewHeader("CSeq", "2 BYE"))
	req.AppendHeader(sip.NewHeader("Via", "SIP/2.0/UDP host.example.com;branch=z9hG4bKabc123"))
	return req
}

func TestInDialogID(t *testing.T) {
	req := buildRoutingRequest()
	id, ok := inDialogID(req)
	assert.True(t, ok)
	assert.Equal(t, "call-xyz", id.CallID)
	assert.Equal(t, "local1", id.LocalTag)
	assert.Equal(t, "remote1", id.RemoteTag)
}

func TestInDialogID_MissingCallID(t *testing.T) {
	req := sip.NewRequest(sip.BYE, sip.Uri{Scheme: "sip", Host: "example.com"})
	req.AppendHeader(sip.NewHeader("From", "Bob <sip:bob@example.com>;tag=remote1"))
	req.AppendHeader(sip.NewHeader("To", "Alice <sip:alice@example.com>;tag=local1"))

	_, ok := inDialogID(req)
	assert.False(t, ok)
}

func TestBranchOf(t *testing.T) {
	req := buildRoutingRequest()
	assert.Equal(t, "z9hG4bKabc123", branchOf(req))
}

func TestBranchOf_NoVia(t *testing.T) {
	req := sip.NewRequest(sip.BYE, sip.Uri{Scheme: "sip", Host: "example.com"})
	assert.Equal(t, "", branchOf(req))
}

func TestEventIDOf(t *testing.T) {
	req := sip.NewRequest(sip.NOTIFY, sip.Uri{Scheme: "sip", Host: "example.com"})
	req.AppendHeader(sip.NewHeader("Event", "refer;id=7"))
	assert.Equal(t, "7", eventIDOf(req))
}

func TestEventIDOf_NoID(t *testing.T) {
	req := sip.NewRequest(sip.NOTIFY, sip.Uri{Scheme: "sip", Host: "example.com"})
	req.AppendHeader(sip.NewHeader("Event", "refer"))
	assert.Equal(t, "", eventIDOf(req))

	bare := sip.NewRequest(sip.NOTIFY, sip.Uri{Scheme: "sip", Host: "example.com"})
	assert.Equal(t, "", eventIDOf(bare))
}
