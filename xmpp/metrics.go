package xmpp

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports channel Stat, state and backoff to prometheus.
type Collector struct {
	ch *Channel

	counters []counterDesc
	state    *prometheus.Desc
	failures *prometheus.Desc
	next     *prometheus.Desc
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(*Stat) *expvar.Int
}

var _ prometheus.Collector = &Collector{}

func NewCollector(ch *Channel, namespace string) *Collector {
	counter := func(name, help string, value func(*Stat) *expvar.Int) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, Name, name), help, nil, nil),
			value: value,
		}
	}
	return &Collector{
		ch: ch,
		counters: []counterDesc{
			counter("connects_total", "Connection attempts.", func(s *Stat) *expvar.Int { return &s.Connects }),
			counter("subscribes_total", "Successful push subscriptions.", func(s *Stat) *expvar.Int { return &s.Subscribes }),
			counter("failures_total", "Connection failures.", func(s *Stat) *expvar.Int { return &s.Failures }),
			counter("auth_failures_total", "Rejected access tokens.", func(s *Stat) *expvar.Int { return &s.AuthFailures }),
			counter("notifications_total", "Delivered push notifications.", func(s *Stat) *expvar.Int { return &s.Notifications }),
			counter("keepalives_total", "Whitespace keepalives sent.", func(s *Stat) *expvar.Int { return &s.Keepalives }),
			counter("recv_stanzas_total", "Received stanzas.", func(s *Stat) *expvar.Int { return &s.Recv.Count }),
			counter("recv_bytes_total", "Received bytes.", func(s *Stat) *expvar.Int { return &s.Recv.Size }),
			counter("send_messages_total", "Sent messages.", func(s *Stat) *expvar.Int { return &s.Send.Count }),
			counter("send_bytes_total", "Sent bytes.", func(s *Stat) *expvar.Int { return &s.Send.Size }),
		},
		state: prometheus.NewDesc(prometheus.BuildFQName(namespace, Name, "state"),
			"Current channel state, 1 for active state.", []string{"state"}, nil),
		failures: prometheus.NewDesc(prometheus.BuildFQName(namespace, Name, "backoff_failures"),
			"Consecutive failures since last subscribe.", nil, nil),
		next: prometheus.NewDesc(prometheus.BuildFQName(namespace, Name, "backoff_next_seconds"),
			"Reconnect delay after next failure, without jitter.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	ch <- c.state
	ch <- c.failures
	ch <- c.next
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stat := c.ch.Stat()
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.value(stat).Value()))
	}
	current := c.ch.State()
	for s := NotStarted; s <= Subscribed; s++ {
		v := 0.0
		if s == current {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, s.String())
	}
	b := c.ch.Backoff()
	ch <- prometheus.MustNewConstMetric(c.failures, prometheus.GaugeValue, float64(b.Failures()))
	ch <- prometheus.MustNewConstMetric(c.next, prometheus.GaugeValue, b.Next().Seconds())
}
