package dialog_test

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// buildInvite constructs a minimal out-of-dialog INVITE with From/To/
// Call-ID/CSeq/Contact headers.
func buildInvite(callID, fromTag string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"})
	req.AppendHeader(sip.NewHeader("From", fmt.Sprintf("Alice <sip:alice@example.com>;tag=%s", fromTag)))
	req.AppendHeader(sip.NewHeader("To", "Bob <sip:bob@example.com>"))
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(sip.NewHeader("CSeq", "1 INVITE"))
	req.AppendHeader(sip.NewHeader("Contact", "<sip:alice@192.168.1.100:5060>"))
	return req
}

func buildResponseWithTag(req *sip.Request, status int, reason, toTag, contact string) *sip.Response {
	resp := sip.NewResponseFromRequest(req, status, reason, nil)
	toHdr, _ := resp.To()
	if toTag != "" {
		toHdr.Params.Add("tag", toTag)
	}
	if contact != "" {
		resp.AppendHeader(sip.NewHeader("Contact", contact))
	}
	return resp
}
