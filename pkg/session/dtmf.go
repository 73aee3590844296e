package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/crocodilertc/sipua/pkg/sipcore"
)

// DTMF pacing bounds.
const (
	DTMFMinDuration     = 70 * time.Millisecond
	DTMFDefaultDuration = 100 * time.Millisecond
	DTMFMaxDuration     = 6000 * time.Millisecond
	DTMFMinInterToneGap = 50 * time.Millisecond
	DTMFDefaultGap      = 500 * time.Millisecond
	DTMFCommaPause      = 2000 * time.Millisecond
)

const dtmfValidTones = "0123456789ABCD#*"

// DTMFOptions tunes a single SendDTMF call; zero values fall back to
// the package defaults.
type DTMFOptions struct {
	Duration     time.Duration
	InterToneGap time.Duration
}

type dtmfJob struct {
	tone     string
	duration time.Duration
	gap      time.Duration
}

// dtmfQueue serializes outbound DTMF-relay INFO requests (RFC 2976)
// on a confirmed session one tone at a time, honoring inter-tone
// pacing and an abandon-on-failure rule so a rejected tone doesn't
// leave the rest of the queue firing into a dead dialog.
type dtmfQueue struct {
	session *Session
	jobs    chan dtmfJob
	started bool
	cancel  context.CancelFunc
}

func newDTMFQueue(s *Session) *dtmfQueue {
	return &dtmfQueue{session: s, jobs: make(chan dtmfJob, 64)}
}

// SendDTMF validates and enqueues a string of tones.
// Each tone is sent as its own in-dialog INFO with
// application/dtmf-relay body, paced by the prior tone's duration plus
// the configured inter-tone gap.
func (s *Session) SendDTMF(ctx context.Context, tones string, opts DTMFOptions) error {
	s.mu.Lock()
	if s.fsm.Current() != Confirmed {
		s.mu.Unlock()
		return sipcore.NewError("session.dtmf.state", "can only send DTMF on a confirmed session", sipcore.ErrorCategoryState)
	}
	s.mu.Unlock()

	duration := clampDuration(opts.Duration, DTMFDefaultDuration, DTMFMinDuration, DTMFMaxDuration)
	gap := clampInterToneGap(opts.InterToneGap)

	for _, r := range tones {
		tone := string(r)
		if tone == "," {
			s.dtmf.jobs <- dtmfJob{tone: ",", gap: DTMFCommaPause}
			continue
		}
		if !strings.ContainsRune(dtmfValidTones, toUpperTone(r)) {
			return sipcore.NewError("session.dtmf.invalid_tone", fmt.Sprintf("invalid DTMF tone %q", tone), sipcore.ErrorCategoryValidation)
		}
		s.dtmf.jobs <- dtmfJob{tone: strings.ToUpper(tone), duration: duration, gap: gap}
	}

	s.dtmf.ensureRunning(s.bgCtx)
	return nil
}

func toUpperTone(r rune) rune {
	if r >= 'a' && r <= 'd' {
		return r - 'a' + 'A'
	}
	return r
}

func (q *dtmfQueue) ensureRunning(ctx context.Context) {
	q.session.mu.Lock()
	if q.started {
		q.session.mu.Unlock()
		return
	}
	q.started = true
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.session.mu.Unlock()

	go q.run(runCtx)
}

func (q *dtmfQueue) run(ctx context.Context) {
	for {
		select {
		case job := <-q.jobs:
			if job.tone == "," {
				time.Sleep(job.gap)
				continue
			}
			if !q.sendOne(ctx, job) {
				q.drain()
				continue
			}
			time.Sleep(job.duration + job.gap)
		case <-ctx.Done():
			q.session.mu.Lock()
			q.started = false
			q.session.mu.Unlock()
			return
		}
	}
}

// drain discards whatever tones remain after a failed tone, so a
// rejected tone doesn't leave the rest of the queue firing blindly.
func (q *dtmfQueue) drain() {
	for {
		select {
		case <-q.jobs:
		default:
			return
		}
	}
}

func (q *dtmfQueue) sendOne(ctx context.Context, job dtmfJob) bool {
	s := q.session
	s.mu.Lock()
	d := s.confirmedDialog
	s.mu.Unlock()
	if d == nil {
		return false
	}

	body := []byte(fmt.Sprintf("Signal=%s\r\nDuration=%d\r\n", job.tone, job.duration.Milliseconds()))
	req := d.CreateRequest(sip.INFO, sip.NewHeader("Content-Type", "application/dtmf-relay"))
	req.SetBody(body)

	tx, err := s.sender.TransactionRequest(ctx, req)
	if err != nil {
		return false
	}

	select {
	case resp, ok := <-tx.Responses():
		if !ok {
			return false
		}
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	case <-tx.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// clampInterToneGap applies DTMFDefaultGap only to an unset (zero) gap;
// any nonzero value below DTMFMinInterToneGap is raised to that floor
// rather than replaced by the default.
func clampInterToneGap(v time.Duration) time.Duration {
	if v == 0 {
		v = DTMFDefaultGap
	}
	if v < DTMFMinInterToneGap {
		v = DTMFMinInterToneGap
	}
	return v
}

func clampDuration(v, def, min, max time.Duration) time.Duration {
	if v == 0 {
		v = def
	}
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return v
}

// RecvInfoDTMF parses an inbound DTMF-relay INFO body and emits a
// NewDTMF event.
func (s *Session) RecvInfoDTMF(req *sip.Request, serverTx sip.ServerTransaction) {
	tone, durationMs, ok := parseDTMFRelayBody(req.Body())
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_ = serverTx.Respond(resp)
	if !ok {
		return
	}
	s.emit(NewDTMF{Tone: tone, Duration: durationMs, Originator: sipcore.OriginatorRemote})
}

func parseDTMFRelayBody(body []byte) (tone string, durationMs int, ok bool) {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Signal="):
			tone = strings.TrimPrefix(line, "Signal=")
			ok = true
		case strings.HasPrefix(line, "Duration="):
			fmt.Sscanf(strings.TrimPrefix(line, "Duration="), "%d", &durationMs)
		}
	}
	return tone, durationMs, ok
}
