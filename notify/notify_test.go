package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeChannel struct{}

func (fakeChannel) Name() string           { return "fake" }
func (fakeChannel) AddParameters(p Params) { p["fakeVersion"] = "2" }
func (fakeChannel) Start(d Delegate) error { return nil }
func (fakeChannel) Stop()                  {}

func TestChannelParams(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Params{ParamSupportedType: "fake", "fakeVersion": "2"}, ChannelParams(fakeChannel{}))
}

func TestDelegateFuncs(t *testing.T) {
	t.Parallel()

	var calls []string
	d := DelegateFuncs{
		Connected:    func(name string) { calls = append(calls, "connected "+name) },
		Notification: func(name string, payload []byte) { calls = append(calls, name+" "+string(payload)) },
	}
	d.OnConnected("xmpp")
	d.OnNotification("xmpp", []byte("data"))
	// unset funcs are no-op
	d.OnDisconnected()
	d.OnAuthFailure("xmpp")
	assert.Equal(t, []string{"connected xmpp", "xmpp data"}, calls)
}
