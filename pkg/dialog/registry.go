package dialog

import (
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/crocodilertc/sipua/pkg/metrics"
	"github.com/crocodilertc/sipua/pkg/timer"
)

// Registry is the process-wide mapping from dialog-id to dialog. It
// also resolves the RFC 4538 Target-Dialog header so an incoming REFER
// can be matched back to the Session it targets.
type Registry struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog
	timers  *timer.Service
	metrics *metrics.Collector
	log     zerolog.Logger
}

// NewRegistry creates an empty dialog registry.
func NewRegistry(timers *timer.Service) *Registry {
	return &Registry{
		dialogs: make(map[string]*Dialog),
		timers:  timers,
		metrics: metrics.New(metrics.Config{Enabled: false}),
		log:     zerolog.Nop(),
	}
}

// SetMetrics attaches the collector the registry reports dialog
// creation/closure to; host glue that wants real dialog counts calls
// this once after construction. A registry with none stays a no-op.
func (r *Registry) SetMetrics(m *metrics.Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// SetLogger attaches the logger the registry reports dialog
// creation/closure to, the same way SetMetrics attaches the collector.
func (r *Registry) SetLogger(log zerolog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = log
}

// Get looks up a dialog by its canonical id.
func (r *Registry) Get(id ID) (*Dialog, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dialogs[id.String()]
	return d, ok
}

// LookupTargetDialog resolves an RFC 4538 Target-Dialog header value
// against this registry, from our perspective (the header's
// remote-tag/local-tag are swapped relative to the sender).
func (r *Registry) LookupTargetDialog(raw string) (*Dialog, error) {
	callID, theirRemoteTag, theirLocalTag, err := ParseTargetDialog(raw)
	if err != nil {
		return nil, err
	}
	id := ID{CallID: callID, LocalTag: theirRemoteTag, RemoteTag: theirLocalTag}
	d, ok := r.Get(id)
	if !ok {
		return nil, errors.Errorf("dialog: no dialog matching Target-Dialog %q", raw)
	}
	return d, nil
}

// Remove deletes a dialog from the registry (called by Dialog.Terminate).
func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	key := id.String()
	_, existed := r.dialogs[key]
	delete(r.dialogs, key)
	r.mu.Unlock()
	if existed {
		r.metrics.DialogClosed()
		r.log.Debug().Str("dialog_id", key).Msg("dialog removed")
	}
}

// Count reports how many dialogs are currently registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dialogs)
}

func (r *Registry) register(d *Dialog) error {
	r.mu.Lock()
	key := d.id.String()
	if _, exists := r.dialogs[key]; exists {
		r.mu.Unlock()
		return errors.Errorf("dialog: id %q already registered", key)
	}
	r.dialogs[key] = d
	r.mu.Unlock()
	r.metrics.DialogCreated()
	r.log.Debug().Str("dialog_id", key).Str("state", d.State().String()).Msg("dialog registered")
	return nil
}

// CreateUAC creates a dialog from a UAC's perspective given the
// original INVITE/SUBSCRIBE/REFER request and a response that carries
// a To-tag (1xx or 2xx), per RFC 3261 §12.1.1. A response below 200
// yields an Early dialog; 200 and above yields Confirmed directly.
func (r *Registry) CreateUAC(req *sip.Request, resp *sip.Response, owner Owner) (*Dialog, error) {
	contact, ok := ExtractRemoteTarget(resp)
	if !ok {
		return nil, errors.New("dialog: response has no Contact header, cannot create dialog")
	}

	toHdr := resp.To()
	toOk := toHdr != nil
	toTag := ""
	if toOk {
		toTag = paramGetOr(toHdr.Params, "tag", "")
	}
	fromHdr := req.From()
	fromOk := fromHdr != nil
	fromTag := ""
	var localURI sip.Uri
	if fromOk {
		fromTag = paramGetOr(fromHdr.Params, "tag", "")
		localURI = fromHdr.Address
	}
	var remoteURI sip.Uri
	if toOk {
		remoteURI = toHdr.Address
	}

	id := ID{CallID: callIDOf(req), LocalTag: fromTag, RemoteTag: toTag}

	state := Confirmed
	if resp.StatusCode < 200 {
		state = Early
	}

	routeSet := reverseRoutes(extractRecordRoute(resp))

	d := newDialog(id, UAC, state, localURI, remoteURI, contact, routeSet, owner, r, r.timers)
	if ownContact, ok := ExtractRemoteTarget(req); ok {
		d.SetLocalContact(sip.ContactHeader{Address: ownContact})
	}
	if err := r.register(d); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateUAS creates a dialog from a UAS's perspective when a
// dialog-creating request is accepted. localTag is the tag this side
// generates for the To header of its response; localContact is the
// Contact this side attaches to that response and to every subsequent
// in-dialog request it sends.
func (r *Registry) CreateUAS(req *sip.Request, localTag string, localContact sip.ContactHeader, owner Owner) (*Dialog, error) {
	contact, ok := ExtractRemoteTarget(req)
	if !ok {
		return nil, errors.New("dialog: request has no Contact header, cannot create dialog")
	}

	fromHdr := req.From()
	fromOk := fromHdr != nil
	remoteTag := ""
	var remoteURI sip.Uri
	if fromOk {
		remoteTag = paramGetOr(fromHdr.Params, "tag", "")
		remoteURI = fromHdr.Address
	}
	toHdr := req.To()
	toOk := toHdr != nil
	var localURI sip.Uri
	if toOk {
		localURI = toHdr.Address
	}

	id := ID{CallID: callIDOf(req), LocalTag: localTag, RemoteTag: remoteTag}

	routeSet := extractRecordRoute(req)

	d := newDialog(id, UAS, Confirmed, localURI, remoteURI, contact, routeSet, owner, r, r.timers)
	d.SetLocalContact(localContact)
	if cseqHdr := req.CSeq(); cseqHdr != nil {
		d.remoteSeq = cseqHdr.SeqNo
		d.remoteSeqSet = true
	}
	if err := r.register(d); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateFromNotify forms a dialog on the REFER-subscriber side from the
// first NOTIFY a subscription receives (RFC 4488 §3): the remote tag
// comes from the NOTIFY's own From header rather than the REFER 2xx's
// To-tag, since a forking notifier may answer the REFER itself from
// one tag but send NOTIFYs from another. localTag is the original
// REFER request's From-tag.
func (r *Registry) CreateFromNotify(referReq *sip.Request, notifyReq *sip.Request, owner Owner) (*Dialog, error) {
	contact, ok := ExtractRemoteTarget(notifyReq)
	if !ok {
		return nil, errors.New("dialog: NOTIFY has no Contact header, cannot create dialog")
	}

	fromHdr := notifyReq.From()
	fromOk := fromHdr != nil
	remoteTag := ""
	var remoteURI sip.Uri
	if fromOk {
		remoteTag = paramGetOr(fromHdr.Params, "tag", "")
		remoteURI = fromHdr.Address
	}

	referFromHdr := referReq.From()
	referFromOk := referFromHdr != nil
	localTag := ""
	var localURI sip.Uri
	if referFromOk {
		localTag = paramGetOr(referFromHdr.Params, "tag", "")
		localURI = referFromHdr.Address
	}

	id := ID{CallID: callIDOf(referReq), LocalTag: localTag, RemoteTag: remoteTag}

	routeSet := reverseRoutes(extractRecordRoute(notifyReq))

	d := newDialog(id, UAC, Confirmed, localURI, remoteURI, contact, routeSet, owner, r, r.timers)
	if ownContact, ok := ExtractRemoteTarget(referReq); ok {
		d.SetLocalContact(sip.ContactHeader{Address: ownContact})
	}
	if cseqHdr := notifyReq.CSeq(); cseqHdr != nil {
		d.remoteSeq = cseqHdr.SeqNo
		d.remoteSeqSet = true
	}
	if err := r.register(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Promote re-keys an Early UAC dialog to its confirmed id once the 2xx
// arrives with a (possibly different) To-tag, then marks it Confirmed.
// Returns an error if the new id collides with an already-registered
// dialog (a genuine fork race).
func (r *Registry) Promote(d *Dialog, newID ID) error {
	r.mu.Lock()
	if _, exists := r.dialogs[newID.String()]; exists && newID != d.id {
		r.mu.Unlock()
		return errors.Errorf("dialog: id %q already registered", newID.String())
	}
	delete(r.dialogs, d.id.String())
	d.mu.Lock()
	d.id = newID
	d.state = Confirmed
	d.mu.Unlock()
	r.dialogs[newID.String()] = d
	r.mu.Unlock()
	return nil
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

func paramGetOr(p sip.HeaderParams, key, def string) string {
	if v, ok := p.Get(key); ok {
		return v
	}
	return def
}

func extractRecordRoute(msg sip.Message) []sip.Uri {
	var routes []sip.Uri
	for _, h := range msg.GetHeaders("Record-Route") {
		var u sip.Uri
		raw := trimURIBrackets(h.Value())
		if err := sip.ParseUri(raw, &u); err == nil {
			routes = append(routes, u)
		}
	}
	return routes
}

func trimURIBrackets(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "<")
	if i := strings.IndexByte(raw, '>'); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

func reverseRoutes(routes []sip.Uri) []sip.Uri {
	out := make([]sip.Uri, len(routes))
	for i, r := range routes {
		out[len(routes)-1-i] = r
	}
	return out
}
