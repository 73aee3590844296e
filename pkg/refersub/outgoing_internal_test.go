package refersub

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crocodilertc/sipua/pkg/dialog"
	"github.com/crocodilertc/sipua/pkg/timer"
)

func newTestOutgoingSubscription() *Subscription {
	return NewOutgoingRefer("refer-1", Config{
		Registry: dialog.NewRegistry(timer.NewService()),
		Timers:   timer.NewService(),
	})
}

func TestApplyNotifyStatus_ProgressOnProvisional(t *testing.T) {
	s := newTestOutgoingSubscription()
	var got []Event
	s.OnEvent(func(e Event) { got = append(got, e) })

	s.applyNotifyStatus(100)

	assert.Len(t, got, 1)
	p, ok := got[0].(Progress)
	assert.True(t, ok)
	assert.Equal(t, 100, p.StatusCode)
}

func TestApplyNotifyStatus_StartedOnFinalSuccess(t *testing.T) {
	s := newTestOutgoingSubscription()
	var got []Event
	s.OnEvent(func(e Event) { got = append(got, e) })

	s.applyNotifyStatus(200)

	assert.Len(t, got, 1)
	_, ok := got[0].(Started)
	assert.True(t, ok)
	assert.True(t, s.finalDelivered)
}

func TestApplyNotifyStatus_FailedOnFinalFailure(t *testing.T) {
	s := newTestOutgoingSubscription()
	var got []Event
	s.OnEvent(func(e Event) { got = append(got, e) })

	s.applyNotifyStatus(503)

	assert.Len(t, got, 1)
	f, ok := got[0].(Failed)
	assert.True(t, ok)
	assert.Equal(t, 503, f.StatusCode)
	assert.True(t, s.finalDelivered)
}

func TestParseExpiresParam(t *testing.T) {
	seconds, err := parseExpiresParam("active;expires=120")
	assert.NoError(t, err)
	assert.Equal(t, 120, seconds)
}

func TestParseExpiresParam_Missing(t *testing.T) {
	seconds, err := parseExpiresParam("active")
	assert.NoError(t, err)
	assert.Equal(t, int(DefaultExpiry.Seconds()), seconds)
}

func TestParseExpiresParam_AfterOtherParams(t *testing.T) {
	seconds, err := parseExpiresParam("terminated;reason=noresource;expires=0")
	assert.NoError(t, err)
	assert.Equal(t, 0, seconds)
}
