package xmpp

// Values are modified atomically, but not consistently with each other.

import (
	"expvar"
	"fmt"
)

type Stat struct {
	Connects      expvar.Int
	Subscribes    expvar.Int
	Failures      expvar.Int
	AuthFailures  expvar.Int
	Notifications expvar.Int
	Keepalives    expvar.Int
	Recv          CountSizePair // stanzas and bytes
	Send          CountSizePair // messages and bytes
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"connects":%d,"subscribes":%d,"failures":%d,"auth_failures":%d,"notifications":%d,"keepalives":%d,"recv":%s,"send":%s}`,
		s.Connects.Value(), s.Subscribes.Value(), s.Failures.Value(), s.AuthFailures.Value(),
		s.Notifications.Value(), s.Keepalives.Value(), s.Recv.String(), s.Send.String())
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (csp *CountSizePair) String() string {
	return fmt.Sprintf(`{"count":%d,"size":%d}`, csp.Count.Value(), csp.Size.Value())
}
