// Package xmpp is push notification channel over XMPP with Google push extension.
//
// Connection sequence: stream header, starttls, TLS upgrade, stream restart,
// SASL X-OAUTH2, stream restart, resource bind, session, push subscribe.
// Any error tears connection down and schedules one reconnect with backoff.
package xmpp

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/notify/helpers"
	"github.com/temoto/notify/log2"
	"github.com/temoto/notify/notify"
)

type Channel struct {
	opt     Options
	log     *log2.Log
	backoff *helpers.Backoff
	stat    Stat
	state   uint32 // State

	mu  sync.Mutex // protects run, held during Stop
	run *machine
}

var _ notify.Channel = &Channel{}

func New(opt Options) (*Channel, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	opt.setDefaults()
	c := &Channel{
		opt:     opt,
		log:     opt.Log,
		backoff: opt.Backoff,
	}
	return c, nil
}

func (c *Channel) Name() string { return Name }

// AddParameters adds nothing, registration needs only supportedType.
func (c *Channel) AddParameters(notify.Params) {}

func (c *Channel) State() State              { return State(atomic.LoadUint32(&c.state)) }
func (c *Channel) Stat() *Stat               { return &c.stat }
func (c *Channel) Backoff() *helpers.Backoff { return c.backoff }
func (c *Channel) Options() Options          { return c.opt }
func (c *Channel) String() string            { return "xmpp state=" + c.State().String() }
func (c *Channel) setState(s State)          { atomic.StoreUint32(&c.state, uint32(s)) }

func (c *Channel) running() *machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run
}

// Start begins connecting in background and returns immediately.
func (c *Channel) Start(d notify.Delegate) error {
	if d == nil {
		return errors.NotValidf("xmpp delegate=nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run != nil {
		return ErrAlreadyStarted
	}
	m := newMachine(c, d)
	c.run = m
	m.alive.Add(1)
	go m.loop()
	return nil
}

// Stop closes connection, cancels pending reconnect and waits for background work.
// Channel may be started again after Stop.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return
	}
	c.run.stop()
	c.run = nil
}

// Reconnect skips remaining delay of pending reconnect.
// Returns false if channel is not started or connection attempt is in progress.
func (c *Channel) Reconnect() bool {
	m := c.running()
	if m == nil {
		return false
	}
	result := make(chan bool, 1)
	if !m.do(func() { result <- m.reconnectNow() }) {
		return false
	}
	return <-result
}
