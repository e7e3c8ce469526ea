package xmpp

import (
	"net"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/notify/helpers"
	"github.com/temoto/notify/log2"
	xmpp_config "github.com/temoto/notify/xmpp/config"
)

const (
	Name                  = "xmpp"
	DefaultNetworkTimeout = 30 * time.Second
)

type Options struct {
	Account string
	Token   string
	Host    string
	Port    int
	Domain  string

	Dialer Dialer
	Log    *log2.Log

	NetworkTimeout time.Duration
	StepTimeout    time.Duration // waiting for each handshake reply, default NetworkTimeout
	Keepalive      time.Duration // whitespace ping when idle, 0 disables

	Backoff *helpers.Backoff

	// OnStateChange is called on channel goroutine, must not block.
	OnStateChange func(from, to State)
}

func (o *Options) validate() error {
	if o.Account == "" {
		return errors.NotValidf("xmpp account=empty")
	}
	if o.Token == "" {
		return errors.NotValidf("xmpp token=empty")
	}
	if o.Port < 0 || o.Port > 65535 {
		return errors.NotValidf("xmpp port=%d", o.Port)
	}
	if o.NetworkTimeout < 0 || o.StepTimeout < 0 || o.Keepalive < 0 {
		return errors.NotValidf("xmpp negative timeout")
	}
	return nil
}

func (o *Options) setDefaults() {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Domain == "" {
		o.Domain = DefaultDomain
	}
	if o.NetworkTimeout == 0 {
		o.NetworkTimeout = DefaultNetworkTimeout
	}
	if o.StepTimeout == 0 {
		o.StepTimeout = o.NetworkTimeout
	}
	if o.Dialer == nil {
		o.Dialer = &NetDialer{Dialer: net.Dialer{Timeout: o.NetworkTimeout}}
	}
	if o.Backoff == nil {
		o.Backoff = helpers.NewBackoff(helpers.DefaultBackoffMin, helpers.DefaultBackoffMax,
			helpers.DefaultBackoffK, helpers.DefaultBackoffJitter)
	}
}

func (o *Options) address() string { return net.JoinHostPort(o.Host, strconv.Itoa(o.Port)) }

// OptionsFromConfig maps config file section to channel options.
// log may be nil. Level is raised to debug with log_debug=true.
func OptionsFromConfig(c *xmpp_config.Config, log *log2.Log) (Options, error) {
	networkTimeout := helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
	tlsConfig, err := NewTLSConfig(c.TLSCAFile, c.TLSServerName)
	if err != nil {
		return Options{}, errors.Annotate(err, "xmpp config")
	}
	if c.LogDebug {
		log = log.Clone(log2.LDebug)
	}
	opt := Options{
		Account:        c.Account,
		Token:          c.AccessToken,
		Host:           c.Host,
		Port:           c.Port,
		Domain:         c.Domain,
		Dialer:         &NetDialer{Dialer: net.Dialer{Timeout: networkTimeout}, TLSConfig: tlsConfig},
		Log:            log,
		NetworkTimeout: networkTimeout,
		StepTimeout:    helpers.IntSecondDefault(c.StepTimeoutSec, networkTimeout),
		Keepalive:      helpers.IntSecondDefault(c.KeepaliveSec, 0),
		Backoff: helpers.NewBackoff(
			helpers.IntMillisecondDefault(c.BackoffMinMs, helpers.DefaultBackoffMin),
			helpers.IntSecondDefault(c.BackoffMaxSec, helpers.DefaultBackoffMax),
			helpers.DefaultBackoffK, helpers.DefaultBackoffJitter),
	}
	if err := opt.validate(); err != nil {
		return Options{}, errors.Annotate(err, "xmpp config")
	}
	return opt, nil
}
