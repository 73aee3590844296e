// Package dialog implements the RFC 3261 §12 dialog abstraction: the
// peer-to-peer SIP relationship identified by (Call-ID, local-tag,
// remote-tag), its request builder, its in-dialog request gatekeeper,
// and the RFC 4028 session-timer sub-state that keeps it alive. It
// tracks only the plain two-state Early/Confirmed model — the richer
// INVITE lifecycle (Trying/Ringing/...) lives one layer up, in
// pkg/session, which owns a Dialog rather than being one.
package dialog

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/crocodilertc/sipua/pkg/timer"
)

// State is the dialog lifecycle state.
type State int

const (
	Early State = iota
	Confirmed
)

func (s State) String() string {
	if s == Confirmed {
		return "Confirmed"
	}
	return "Early"
}

// Role distinguishes which side of the dialog we are.
type Role int

const (
	UAC Role = iota
	UAS
)

// TxState is the dialog's own bookkeeping of an in-dialog server
// transaction's progress, used solely to enforce the "one in-progress
// modifier" rule — it does not reach into the
// transaction layer's internal state machine.
type TxState int

const (
	TxTrying TxState = iota
	TxProceeding
	TxDone
)

// PendingTx remembers the most recent INVITE or UPDATE server
// transaction on a dialog, so a second overlapping request of the same
// method can be rejected per RFC 3261 §14.2 / RFC 3311 §5.2.
type PendingTx struct {
	Request  *sip.Request
	ServerTx sip.ServerTransaction
	State    TxState
}

// SessionTimerState is the RFC 4028 refresh sub-state.
type SessionTimerState struct {
	Interval      time.Duration
	MinInterval   time.Duration
	LocalRefresher bool
	enabled       bool
	timerTok      timer.Token
	armed         bool
}

// Owner is the non-owning back-reference a Dialog holds to whichever
// Session or Subscription created it.
type Owner interface {
	// OnDialogRefresh is invoked when the dialog's session timer fires
	// and this side is the local refresher: the owner must send a
	// refreshing re-INVITE or UPDATE.
	OnDialogRefresh(d *Dialog)
	// OnSessionTimerExpired is invoked when the remote-refresher timer
	// elapses with no refresh observed: the owner must send BYE.
	OnSessionTimerExpired(d *Dialog)
}

// Dialog is the RFC 3261 §12 per-dialog state: route set, sequence
// numbers, remote target, and session-timer sub-state, plus the
// request builder and in-dialog request gatekeeper.
type Dialog struct {
	mu sync.Mutex

	id    ID
	state State
	role  Role

	localURI  sip.Uri
	remoteURI sip.Uri

	remoteTarget sip.Uri
	localContact sip.ContactHeader
	routeSet     []sip.Uri

	localSeqSet bool
	localSeq    uint32
	remoteSeqSet bool
	remoteSeq   uint32

	lastInviteTx *PendingTx
	lastUpdateTx *PendingTx

	sessionTimer SessionTimerState

	owner Owner

	registry *Registry
	timers   *timer.Service
}

// newDialog is unexported: dialogs are always created through
// Registry.CreateUAC / Registry.CreateUAS so that they are registered
// atomically with creation.
func newDialog(id ID, role Role, state State, localURI, remoteURI, remoteTarget sip.Uri, routeSet []sip.Uri, owner Owner, registry *Registry, timers *timer.Service) *Dialog {
	return &Dialog{
		id:           id,
		state:        state,
		role:         role,
		localURI:     localURI,
		remoteURI:    remoteURI,
		remoteTarget: remoteTarget,
		routeSet:     routeSet,
		owner:        owner,
		registry:     registry,
		timers:       timers,
	}
}

func (d *Dialog) ID() ID { return d.id }

func (d *Dialog) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dialog) Role() Role {
	return d.role
}

// Owner returns the Session or Subscription that created this dialog.
func (d *Dialog) Owner() Owner {
	return d.owner
}

func (d *Dialog) RemoteTarget() sip.Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTarget
}

// SetLocalContact records the Contact header this side attaches to its
// own in-dialog requests, per RFC 3261 §12.2.1.1. Registry.CreateUAC/
// CreateUAS/CreateFromNotify call this once, right after creation.
func (d *Dialog) SetLocalContact(c sip.ContactHeader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localContact = c
}

// LocalContact returns the Contact header this side attaches to its
// own in-dialog requests, for callers that build a response outside
// CreateRequest (e.g. a bodyless UPDATE's auto-accepted 200 OK).
func (d *Dialog) LocalContact() sip.ContactHeader {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.localContact
}

func (d *Dialog) RouteSet() []sip.Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sip.Uri, len(d.routeSet))
	copy(out, d.routeSet)
	return out
}

// Confirm upgrades an Early dialog to Confirmed.
func (d *Dialog) Confirm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = Confirmed
}

// CreateRequest builds an in-dialog request per RFC 3261 §12.2.1.1:
// lazily seeds the local CSeq, applies the CANCEL/ACK CSeq-reuse
// policy, and for INVITE/UPDATE attaches Session-Expires/Min-SE.
func (d *Dialog) CreateRequest(method sip.RequestMethod, extraHeaders ...sip.Header) *sip.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.localSeqSet {
		d.localSeq = uint32(rand.Intn(10000))
		d.localSeqSet = true
	}

	var cseq uint32
	if method == sip.CANCEL || method == sip.ACK {
		cseq = d.localSeq
	} else {
		d.localSeq++
		cseq = d.localSeq
	}

	req := sip.NewRequest(method, d.remoteTarget)
	callID := sip.CallIDHeader(d.id.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.FromHeader{
		Address: d.localURI,
		Params:  sip.HeaderParams{"tag": d.id.LocalTag},
	})
	toHeader := &sip.ToHeader{Address: d.remoteURI}
	if d.id.RemoteTag != "" {
		toHeader.Params.Add("tag", d.id.RemoteTag)
	}
	req.AppendHeader(toHeader)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	if d.localContact.Address.Host != "" {
		req.AppendHeader(&d.localContact)
	}

	for _, r := range d.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: r})
	}

	if method == sip.INVITE || method == sip.UPDATE {
		d.applySessionTimerHeaders(req)
	}

	for _, h := range extraHeaders {
		req.AppendHeader(h)
	}

	return req
}

func (d *Dialog) applySessionTimerHeaders(req *sip.Request) {
	if d.sessionTimer.Interval <= 0 {
		return
	}
	refresher := "uac"
	if !d.sessionTimer.LocalRefresher {
		refresher = "uas"
	}
	if d.role == UAS {
		// UAS builds its own requests (re-INVITE) as the owner of the
		// dialog irrespective of original role; the refresher param
		// always reflects who is actually refreshing.
		if d.sessionTimer.LocalRefresher {
			refresher = "uas"
		} else {
			refresher = "uac"
		}
	}
	req.AppendHeader(sip.NewHeader("Session-Expires", fmt.Sprintf("%d;refresher=%s", int(d.sessionTimer.Interval.Seconds()), refresher)))
	minSE := d.sessionTimer.MinInterval
	if minSE <= 0 {
		minSE = DefaultMinSE
	}
	req.AppendHeader(sip.NewHeader("Min-SE", fmt.Sprintf("%d", int(minSE.Seconds()))))
}

// DefaultMinSE is the floor applied to Min-SE when the peer omits it.
const DefaultMinSE = 90 * time.Second

// RejectKind distinguishes the two reasons CheckInDialogRequest rejects
// a request, so the UA façade knows which status to send.
type RejectKind int

const (
	RejectNone RejectKind = iota
	RejectStaleCSeq
	RejectOverlappingModifier
)

// GatekeeperResult is the outcome of CheckInDialogRequest.
type GatekeeperResult struct {
	Accepted bool
	Reject   RejectKind
	// RetryAfter is populated for RejectOverlappingModifier (1..10s,
	// RFC 3261 §14.2 / RFC 3311 §5.2).
	RetryAfter time.Duration
}

// CheckInDialogRequest is the in-dialog request gatekeeper. It must be called before the owner (Session/Subscription)
// sees the request.
func (d *Dialog) CheckInDialogRequest(req *sip.Request, serverTx sip.ServerTransaction) GatekeeperResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cseq uint32
	if cseqHdr := req.CSeq(); cseqHdr != nil {
		cseq = cseqHdr.SeqNo
	}

	if !d.remoteSeqSet {
		d.remoteSeq = cseq
		d.remoteSeqSet = true
	} else if cseq < d.remoteSeq {
		// The caller never replies when req.Method == ACK.
		return GatekeeperResult{Accepted: false, Reject: RejectStaleCSeq}
	} else if cseq > d.remoteSeq {
		d.remoteSeq = cseq
	}

	switch req.Method {
	case sip.INVITE:
		if d.lastInviteTx != nil && d.lastInviteTx.State == TxProceeding {
			return GatekeeperResult{Accepted: false, Reject: RejectOverlappingModifier, RetryAfter: retryAfterDelay()}
		}
		d.lastInviteTx = &PendingTx{Request: req, ServerTx: serverTx, State: TxProceeding}
	case sip.UPDATE:
		if d.lastUpdateTx != nil && (d.lastUpdateTx.State == TxTrying || d.lastUpdateTx.State == TxProceeding) {
			return GatekeeperResult{Accepted: false, Reject: RejectOverlappingModifier, RetryAfter: retryAfterDelay()}
		}
		d.lastUpdateTx = &PendingTx{Request: req, ServerTx: serverTx, State: TxTrying}
	}

	return GatekeeperResult{Accepted: true}
}

func retryAfterDelay() time.Duration {
	return time.Duration(1+rand.Intn(10)) * time.Second
}

// CompleteInviteTx marks the cached INVITE server transaction done,
// freeing the dialog to accept the next re-INVITE.
func (d *Dialog) CompleteInviteTx() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastInviteTx != nil {
		d.lastInviteTx.State = TxDone
	}
}

// CompleteUpdateTx marks the cached UPDATE server transaction done.
func (d *Dialog) CompleteUpdateTx() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastUpdateTx != nil {
		d.lastUpdateTx.State = TxDone
	}
}

// RefreshTarget applies RFC 3261 §12.2.1.2 / RFC 6665 §4.5.3 target
// refresh: after the owner accepts an INVITE, UPDATE, or NOTIFY that
// carries a Contact, the remote target is replaced.
func (d *Dialog) RefreshTarget(method sip.RequestMethod, contact sip.Uri, hasContact bool) {
	if !hasContact {
		return
	}
	switch method {
	case sip.INVITE, sip.UPDATE, sip.NOTIFY:
		d.mu.Lock()
		d.remoteTarget = contact
		d.mu.Unlock()
	}
}

// SessionTimerHeaders carries the parsed Session-Expires/Min-SE values
// from a request or response, in the shape ProcessSessionTimerHeaders
// needs to decide refresher role.
type SessionTimerHeaders struct {
	HasSessionExpires bool
	Interval          time.Duration
	// Refresher is "uac", "uas", or "" if omitted.
	Refresher string
	HasMinSE  bool
	MinSE     time.Duration
	// FromResponse distinguishes a 2xx response (refresher required,
	// local=true iff refresher=uac) from a request (local=false only
	// for refresher=uac; uas or an omitted refresher gives local=true).
	FromResponse bool
}

// ProcessSessionTimerHeaders implements the RFC 4028 session-timer
// negotiation: called for a 2xx on INVITE/UPDATE, sent or received,
// to decide the refresh interval, the refresher role, and rearm the
// refresh/expiry timer accordingly.
func (d *Dialog) ProcessSessionTimerHeaders(h SessionTimerHeaders, onRefresh func(), onExpire func()) {
	d.mu.Lock()

	if h.HasMinSE && h.MinSE > d.sessionTimer.MinInterval {
		d.sessionTimer.MinInterval = h.MinSE
	}

	if !h.HasSessionExpires {
		d.disableSessionTimerLocked()
		d.mu.Unlock()
		return
	}

	d.sessionTimer.Interval = h.Interval
	d.sessionTimer.enabled = true

	if h.FromResponse {
		d.sessionTimer.LocalRefresher = h.Refresher == "uac"
	} else {
		if h.Refresher == "uas" {
			d.sessionTimer.LocalRefresher = true
		} else if h.Refresher == "uac" {
			d.sessionTimer.LocalRefresher = false
		} else {
			// omission leaves local=true
			d.sessionTimer.LocalRefresher = true
		}
	}

	d.rearmSessionTimerLocked(onRefresh, onExpire)
	d.mu.Unlock()
}

func (d *Dialog) disableSessionTimerLocked() {
	if d.sessionTimer.armed {
		d.timers.Cancel(d.sessionTimer.timerTok)
		d.sessionTimer.armed = false
	}
	d.sessionTimer.enabled = false
}

func (d *Dialog) rearmSessionTimerLocked(onRefresh, onExpire func()) {
	if d.sessionTimer.armed {
		d.timers.Cancel(d.sessionTimer.timerTok)
		d.sessionTimer.armed = false
	}
	if !d.sessionTimer.enabled || d.timers == nil {
		return
	}

	interval := d.sessionTimer.Interval
	var delay time.Duration
	var fire func()
	if d.sessionTimer.LocalRefresher {
		delay = interval / 2
		fire = onRefresh
	} else {
		margin := interval / 3
		if margin < 32*time.Second {
			margin = 32 * time.Second
		}
		delay = interval - margin
		fire = onExpire
	}
	if delay < 0 {
		delay = 0
	}
	d.sessionTimer.timerTok = d.timers.After(delay, fire)
	d.sessionTimer.armed = true
}

// Terminate cancels the refresh timer and removes the dialog from its
// registry.
func (d *Dialog) Terminate() {
	d.mu.Lock()
	d.disableSessionTimerLocked()
	d.mu.Unlock()

	if d.registry != nil {
		d.registry.Remove(d.id)
	}
}

// ExtractRemoteTarget pulls the Contact URI out of a request/response,
// reporting whether one was present, for callers feeding RefreshTarget.
func ExtractRemoteTarget(msg sip.Message) (sip.Uri, bool) {
	hs := msg.GetHeaders("Contact")
	if len(hs) == 0 {
		return sip.Uri{}, false
	}
	h := hs[0]
	raw := h.Value()
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "<")
	if i := strings.Index(raw, ">"); i >= 0 {
		raw = raw[:i]
	}
	var u sip.Uri
	if err := sip.ParseUri(raw, &u); err != nil {
		return sip.Uri{}, false
	}
	return u, true
}
