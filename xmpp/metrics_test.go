package xmpp

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Account: "a", Token: "t"})
	require.NoError(t, err)
	c.Stat().Notifications.Add(3)
	c.Backoff().Failure()

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(c, "notify")))
	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			name := f.GetName()
			for _, l := range m.GetLabel() {
				name += "{" + l.GetValue() + "}"
			}
			switch {
			case m.GetCounter() != nil:
				values[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[name] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, values["notify_xmpp_notifications_total"])
	assert.Equal(t, 0.0, values["notify_xmpp_failures_total"])
	assert.Equal(t, 1.0, values["notify_xmpp_state{NotStarted}"])
	assert.Equal(t, 0.0, values["notify_xmpp_state{Subscribed}"])
	assert.Equal(t, 1.0, values["notify_xmpp_backoff_failures"])
	assert.Equal(t, 2.0, values["notify_xmpp_backoff_next_seconds"])
}
