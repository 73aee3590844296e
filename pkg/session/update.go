package session

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/crocodilertc/sipua/pkg/dialog"
	"github.com/crocodilertc/sipua/pkg/sipcore"
)

// UpdateTx states.
const (
	UpdateNull      = "Null"
	UpdateSent      = "Sent"
	UpdateReceived  = "Received"
	UpdateSucceeded = "Succeeded"
	UpdateFailed    = "Failed"
)

// UpdateTx tracks one RFC 3311 UPDATE exchange on a confirmed session.
type UpdateTx struct {
	mu sync.Mutex

	session *Session
	dlg     *dialog.Dialog

	state    string
	outgoing bool
	req      *sip.Request
	tx       sip.ClientTransaction
	serverTx sip.ServerTransaction
}

// State reports the current state of this UPDATE exchange.
func (u *UpdateTx) State() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// SendUpdate starts an outgoing UPDATE.
func (s *Session) SendUpdate(ctx context.Context, contentType string, body []byte) (*UpdateTx, error) {
	s.mu.Lock()
	if s.fsm.Current() != Confirmed {
		s.mu.Unlock()
		return nil, sipcore.NewError("session.update.state", "can only send UPDATE on a confirmed session", sipcore.ErrorCategoryState)
	}
	d := s.confirmedDialog
	s.mu.Unlock()

	req := d.CreateRequest(sip.UPDATE)
	if body != nil {
		req.SetBody(body)
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}

	ut := &UpdateTx{session: s, dlg: d, state: UpdateSent, outgoing: true, req: req}
	s.mu.Lock()
	s.currentUpdate = ut
	s.mu.Unlock()

	tx, err := s.sender.TransactionRequest(ctx, req)
	if err != nil {
		ut.mu.Lock()
		ut.state = UpdateFailed
		ut.mu.Unlock()
		return ut, sipcore.Wrap(err, "session.update.transport", "failed to send UPDATE", sipcore.ErrorCategoryTransport)
	}
	ut.tx = tx

	go ut.watch(ctx)
	return ut, nil
}

func (u *UpdateTx) watch(ctx context.Context) {
	select {
	case resp, ok := <-u.tx.Responses():
		if !ok {
			return
		}
		u.finish(resp)
	case <-ctx.Done():
	}
}

func (u *UpdateTx) finish(resp *sip.Response) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if ct := resp.GetHeader("Content-Type"); ct != nil && resp.Body() != nil {
			_ = u.session.media.RemoteDescription(ct.Value(), resp.Body())
		}
		if contactHdr, ok := sessionExtractContact(resp); ok {
			u.dlg.RefreshTarget(sip.UPDATE, contactHdr, true)
		}
		headers := dialogSessionTimerHeaders(resp)
		u.dlg.ProcessSessionTimerHeaders(headers, func() { u.session.emit(Refresh{}) }, func() {
			u.session.OnSessionTimerExpired(u.dlg)
		})
		u.mu.Lock()
		u.state = UpdateSucceeded
		u.mu.Unlock()
		return
	}
	u.mu.Lock()
	u.state = UpdateFailed
	u.mu.Unlock()
}

// RecvUpdate handles an incoming UPDATE per RFC 3311 §5.3: a bodyless
// UPDATE only refreshes session timers and is auto-accepted with no
// application involvement. One carrying a body may change the session
// description, so it is rejected 488 by default unless the
// application calls Accept (or Reject) on the handle carried by the
// Update event from within its listener.
func (s *Session) RecvUpdate(req *sip.Request, serverTx sip.ServerTransaction) *UpdateTx {
	s.mu.Lock()
	d := s.confirmedDialog
	ut := &UpdateTx{session: s, dlg: d, state: UpdateReceived, outgoing: false, req: req, serverTx: serverTx}
	s.currentUpdate = ut
	s.mu.Unlock()

	if req.Body() == nil {
		_ = ut.autoAccept()
		return ut
	}

	s.emit(Update{Update: ut})

	ut.mu.Lock()
	stillPending := ut.state == UpdateReceived
	ut.mu.Unlock()
	if stillPending {
		_ = ut.Reject(488, "Not Acceptable Here")
	}
	return ut
}

// autoAccept answers a bodyless UPDATE with 200 OK, refreshing session
// timers without emitting an Update event for the application to
// resolve.
func (u *UpdateTx) autoAccept() error {
	resp := sip.NewResponseFromRequest(u.req, 200, "OK", nil)
	contact := u.dlg.LocalContact()
	resp.AppendHeader(&contact)

	headers := dialogSessionTimerHeaders(u.req)
	u.dlg.ProcessSessionTimerHeaders(headers, func() { u.session.emit(Refresh{}) }, func() {
		u.session.OnSessionTimerExpired(u.dlg)
	})

	err := u.serverTx.Respond(resp)

	u.mu.Lock()
	u.state = UpdateSucceeded
	u.mu.Unlock()
	u.dlg.CompleteUpdateTx()
	u.session.log.Debug().Str("dialog_id", u.dlg.ID().String()).Msg("bodyless UPDATE auto-accepted")
	return err
}

// Accept answers an incoming UPDATE with 200 OK.
func (u *UpdateTx) Accept(contentType string, body []byte, localContact sip.ContactHeader) error {
	u.mu.Lock()
	if u.outgoing || u.state != UpdateReceived {
		u.mu.Unlock()
		return sipcore.NewError("session.update.accept.state", "no incoming UPDATE awaiting an answer", sipcore.ErrorCategoryState)
	}
	u.mu.Unlock()

	resp := sip.NewResponseFromRequest(u.req, 200, "OK", nil)
	resp.AppendHeader(&localContact)
	if body != nil {
		resp.SetBody(body)
		resp.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}

	headers := dialogSessionTimerHeaders(u.req)
	u.dlg.ProcessSessionTimerHeaders(headers, func() { u.session.emit(Refresh{}) }, func() {
		u.session.OnSessionTimerExpired(u.dlg)
	})

	err := u.serverTx.Respond(resp)

	u.mu.Lock()
	u.state = UpdateSucceeded
	u.mu.Unlock()
	u.dlg.CompleteUpdateTx()

	if ct := u.req.GetHeader("Content-Type"); ct != nil && u.req.Body() != nil {
		_ = u.session.media.RemoteDescription(ct.Value(), u.req.Body())
	}
	if contactHdr, ok := sessionExtractContact(u.req); ok {
		u.dlg.RefreshTarget(sip.UPDATE, contactHdr, true)
	}
	return err
}

// Reject declines an incoming UPDATE.
func (u *UpdateTx) Reject(statusCode int, reason string) error {
	u.mu.Lock()
	if u.outgoing || u.state != UpdateReceived {
		u.mu.Unlock()
		return sipcore.NewError("session.update.reject.state", "no incoming UPDATE awaiting an answer", sipcore.ErrorCategoryState)
	}
	u.state = UpdateFailed
	u.mu.Unlock()

	resp := sip.NewResponseFromRequest(u.req, statusCode, reason, nil)
	err := u.serverTx.Respond(resp)
	u.dlg.CompleteUpdateTx()
	return err
}
