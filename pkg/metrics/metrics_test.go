package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crocodilertc/sipua/pkg/metrics"
)

func TestCollector_Disabled_IsNoOp(t *testing.T) {
	c := metrics.New(metrics.Config{Enabled: false})
	assert.NotPanics(t, func() {
		c.DialogCreated()
		c.DialogClosed()
		c.SessionStarted()
		c.SessionEnded(time.Now())
		c.SubscriptionActive()
		c.SubscriptionClosed()
		c.StateTransition("session", "connect->InviteSent")
		c.TimerFired("ackWait")
		c.ErrorObserved("STATE")
	})
}

func TestCollector_Enabled_RegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.New(metrics.Config{
		Enabled:    true,
		Namespace:  "sipua",
		Subsystem:  "test",
		Registerer: reg,
	})
	require.NotNil(t, c)

	assert.NotPanics(t, func() {
		c.DialogCreated()
		c.SessionStarted()
		c.StateTransition("session", "connect->InviteSent")
	})

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
