package xmpp

import "github.com/juju/errors"

var (
	ErrAlreadyStarted   = errors.New("xmpp channel already started")
	ErrNotAuthorized    = errors.New("xmpp authentication failed, token not authorized")
	ErrUnexpectedStanza = errors.New("unexpected stanza")
	ErrStreamClosed     = errors.New("stream closed by server")
	ErrTLSRequired      = errors.New("server does not offer starttls")
	ErrStanzaTooLarge   = errors.New("stanza too large")
)
