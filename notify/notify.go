// Package notify connects device to cloud push notification services.
// Channel is a transport, e.g. XMPP, registrar starts it with a Delegate.
package notify

const ParamSupportedType = "supportedType"

// Params is channel description sent with device registration.
type Params map[string]string

type Channel interface {
	Name() string
	// AddParameters contributes channel specific registration keys.
	AddParameters(p Params)
	Start(d Delegate) error
	// Stop must not be called from Delegate methods.
	Stop()
}

// Delegate methods are called on channel goroutine and must not block.
type Delegate interface {
	OnConnected(channelName string)
	OnDisconnected()
	OnAuthFailure(channelName string)
	OnNotification(channelName string, payload []byte)
}

func ChannelParams(ch Channel) Params {
	p := Params{ParamSupportedType: ch.Name()}
	ch.AddParameters(p)
	return p
}

// DelegateFuncs adapts optional functions to Delegate.
type DelegateFuncs struct {
	Connected    func(channelName string)
	Disconnected func()
	AuthFailure  func(channelName string)
	Notification func(channelName string, payload []byte)
}

var _ Delegate = DelegateFuncs{}

func (d DelegateFuncs) OnConnected(channelName string) {
	if d.Connected != nil {
		d.Connected(channelName)
	}
}

func (d DelegateFuncs) OnDisconnected() {
	if d.Disconnected != nil {
		d.Disconnected()
	}
}

func (d DelegateFuncs) OnAuthFailure(channelName string) {
	if d.AuthFailure != nil {
		d.AuthFailure(channelName)
	}
}

func (d DelegateFuncs) OnNotification(channelName string, payload []byte) {
	if d.Notification != nil {
		d.Notification(channelName, payload)
	}
}
