// Package oneshot implements the transient, dialog-less request
// facades of §4.4: out-of-dialog MESSAGE. Each facade is a short-lived
// object wrapping a single client or server transaction; unlike
// Session and Subscription it owns no dialog and is dropped once its
// one exchange completes.
package oneshot

import (
	"context"
	"fmt"

	"github.com/emiago/sipgo/sip"

	mathrand "math/rand"

	"github.com/crocodilertc/sipua/pkg/sipcore"
)

// MessageApplicant is an outgoing out-of-dialog MESSAGE: build,
// register, watch for the final response. Provisionals are ignored;
// a 2xx emits Succeeded, anything else (>=300, transaction timeout,
// transport error) emits Failed.
type MessageApplicant struct {
	id     string
	sender RequestSender

	emitter sipcore.Emitter[Event]
}

// NewMessageApplicant creates an outgoing MESSAGE applicant identified
// by id (the stable key the UA façade's pending-applicants table uses).
func NewMessageApplicant(id string, sender RequestSender) *MessageApplicant {
	return &MessageApplicant{id: id, sender: sender}
}

// ID returns the applicant's stable identifier.
func (m *MessageApplicant) ID() string { return m.id }

// OnEvent subscribes a listener to this applicant's events.
func (m *MessageApplicant) OnEvent(fn func(Event)) sipcore.Unsubscribe {
	return m.emitter.Subscribe(fn)
}

// Send builds and sends a MESSAGE to target with the given body, then
// watches for its final response on a background goroutine.
func (m *MessageApplicant) Send(ctx context.Context, target, localURI sip.Uri, contentType string, body []byte, extraHeaders ...sip.Header) error {
	callID := generateCallID()
	fromTag := generateTag()

	req := sip.NewRequest(sip.MESSAGE, target)
	req.AppendHeader(&sip.CallIDHeader{Value: callID})
	req.AppendHeader(&sip.FromHeader{Address: localURI, Params: sip.HeaderParams{{K: "tag", V: fromTag}}})
	req.AppendHeader(&sip.ToHeader{Address: target})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: uint32(mathrand.Intn(10000)), MethodName: sip.MESSAGE})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	if body != nil {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	for _, h := range extraHeaders {
		req.AppendHeader(h)
	}

	tx, err := m.sender.TransactionRequest(ctx, req)
	if err != nil {
		m.emit(Failed{Cause: sipcore.CauseConnectionError, Originator: sipcore.OriginatorSystem})
		return sipcore.Wrap(err, "oneshot.message.transport", "failed to send MESSAGE", sipcore.ErrorCategoryTransport)
	}

	go m.watch(tx)
	return nil
}

func (m *MessageApplicant) watch(tx sip.ClientTransaction) {
	for {
		select {
		case resp, ok := <-tx.Responses():
			if !ok {
				return
			}
			if resp.StatusCode < 200 {
				continue // provisionals ignored, per §4.4.
			}
			if resp.StatusCode < 300 {
				m.emit(Succeeded{StatusCode: resp.StatusCode})
			} else {
				m.emit(Failed{Cause: sipcore.CauseRejected, StatusCode: resp.StatusCode, Originator: sipcore.OriginatorRemote})
			}
			return
		case <-tx.Done():
			m.emit(Failed{Cause: sipcore.CauseRequestTimeout, Originator: sipcore.OriginatorSystem})
			return
		}
	}
}

func (m *MessageApplicant) emit(e Event) { m.emitter.Emit(e) }

// IncomingMessage wraps an incoming out-of-dialog MESSAGE. The UA
// façade auto-replies 200 as soon as the server transaction is still
// Trying/Proceeding when no application listener overrides the
// outcome; Accept/Reject let the app choose a different final status
// once.
type IncomingMessage struct {
	req      *sip.Request
	serverTx sip.ServerTransaction

	resolved bool
}

// NewIncomingMessage wraps req/serverTx for delivery as a newMessage
// event.
func NewIncomingMessage(req *sip.Request, serverTx sip.ServerTransaction) *IncomingMessage {
	return &IncomingMessage{req: req, serverTx: serverTx}
}

// Request returns the inbound MESSAGE.
func (m *IncomingMessage) Request() *sip.Request { return m.req }

// Accept replies with a 2xx (200 by default via statusCode=0).
func (m *IncomingMessage) Accept(statusCode int, reason string) error {
	if m.resolved {
		return sipcore.NewError("oneshot.message.accept.state", "message already resolved", sipcore.ErrorCategoryState)
	}
	if statusCode == 0 {
		statusCode = 200
	}
	if statusCode < 200 || statusCode >= 300 {
		return sipcore.NewError("oneshot.message.accept.status", fmt.Sprintf("Accept requires a 2xx status, got %d", statusCode), sipcore.ErrorCategoryValidation)
	}
	m.resolved = true
	resp := sip.NewResponseFromRequest(m.req, statusCode, reason, nil)
	return m.serverTx.Respond(resp)
}

// Reject replies with the given 3xx-6xx status, overriding the
// default auto-accept.
func (m *IncomingMessage) Reject(statusCode int, reason string) error {
	if m.resolved {
		return sipcore.NewError("oneshot.message.reject.state", "message already resolved", sipcore.ErrorCategoryState)
	}
	if statusCode < 300 || statusCode > 699 {
		return sipcore.NewError("oneshot.message.reject.status", fmt.Sprintf("Reject requires a 3xx-6xx status, got %d", statusCode), sipcore.ErrorCategoryValidation)
	}
	m.resolved = true
	resp := sip.NewResponseFromRequest(m.req, statusCode, reason, nil)
	return m.serverTx.Respond(resp)
}

// AutoAccept sends the default 200 OK if the application has not
// already resolved the message via Accept/Reject. Called by the UA
// façade once its newMessage listeners have run.
func (m *IncomingMessage) AutoAccept() error {
	if m.resolved {
		return nil
	}
	return m.Accept(200, "OK")
}
