package xmpp

import "fmt"

type State uint32

const (
	NotStarted State = iota
	Started
	TlsStarted
	TlsCompleted
	AuthenticationStarted
	AuthenticationFailed
	StreamRestartedPostAuthentication
	BindSent
	SessionStarted
	SubscribeStarted
	Subscribed
)

var stateNames = [...]string{
	NotStarted:                        "NotStarted",
	Started:                           "Started",
	TlsStarted:                        "TlsStarted",
	TlsCompleted:                      "TlsCompleted",
	AuthenticationStarted:             "AuthenticationStarted",
	AuthenticationFailed:              "AuthenticationFailed",
	StreamRestartedPostAuthentication: "StreamRestartedPostAuthentication",
	BindSent:                          "BindSent",
	SessionStarted:                    "SessionStarted",
	SubscribeStarted:                  "SubscribeStarted",
	Subscribed:                        "Subscribed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// expectsReply states wait for specific server stanza, bounded by step timeout.
func (s State) expectsReply() bool {
	switch s {
	case Started, TlsStarted, TlsCompleted, AuthenticationStarted,
		StreamRestartedPostAuthentication, BindSent, SessionStarted, SubscribeStarted:
		return true
	}
	return false
}

// Forward edges. Any state may go to NotStarted.
var stateNext = map[State][]State{
	NotStarted:                        {Started},
	Started:                           {TlsStarted},
	TlsStarted:                        {TlsCompleted},
	TlsCompleted:                      {AuthenticationStarted},
	AuthenticationStarted:             {AuthenticationFailed, StreamRestartedPostAuthentication},
	StreamRestartedPostAuthentication: {BindSent},
	BindSent:                          {SessionStarted},
	SessionStarted:                    {SubscribeStarted},
	SubscribeStarted:                  {Subscribed},
}

func ValidTransition(from, to State) bool {
	if to == NotStarted {
		return true
	}
	for _, next := range stateNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// session is connection state owned by channel goroutine.
type session struct {
	state        State
	readPending  bool
	writePending bool
	upgrading    bool
	streamOpen   bool // server opened current stream
}

func (s *session) transition(to State) State {
	from := s.state
	if !ValidTransition(from, to) {
		panic(fmt.Sprintf("code error xmpp invalid state transition %s -> %s", from, to))
	}
	s.state = to
	return from
}

// reset keeps nothing from previous connection attempt.
func (s *session) reset() State {
	from := s.transition(NotStarted)
	*s = session{}
	return from
}
