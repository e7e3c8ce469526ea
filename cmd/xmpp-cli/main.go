package main

import (
	"flag"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/notify/helpers/cli"
	"github.com/temoto/notify/log2"
	"github.com/temoto/notify/notify"
	"github.com/temoto/notify/xmpp"
	xmpp_config "github.com/temoto/notify/xmpp/config"
)

const usage = `syntax: one command per line
- start       connect and subscribe
- stop        disconnect, cancel pending reconnect
- reconnect   skip remaining reconnect delay
- state       show channel state
- stat        show counters and backoff
- log=debug   show wire traffic
- log=info    hide wire traffic
- help        this text
`

var log = log2.NewStderr(log2.LDebug)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	c := xmpp_config.Config{}
	cmdline.StringVar(&c.Account, "account", "", "device account (JID)")
	cmdline.StringVar(&c.AccessToken, "token", os.Getenv("XMPP_TOKEN"), "OAuth2 access token, default $XMPP_TOKEN")
	cmdline.StringVar(&c.Host, "host", xmpp.DefaultHost, "")
	cmdline.IntVar(&c.Port, "port", xmpp.DefaultPort, "")
	cmdline.StringVar(&c.Domain, "domain", xmpp.DefaultDomain, "")
	cmdline.StringVar(&c.TLSCAFile, "tls-ca", "", "PEM file with trusted CA, default system roots")
	cmdline.IntVar(&c.KeepaliveSec, "keepalive", 0, "whitespace keepalive seconds, 0 disables")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)
	c.LogDebug = true
	opt, err := xmpp.OptionsFromConfig(&c, log)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	opt.OnStateChange = func(from, to xmpp.State) { log.Infof("state %s -> %s", from, to) }
	ch, err := xmpp.New(opt)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	s := &session{ch: ch, log: opt.Log, delegate: printDelegate(log)}
	if err = cli.MainLoop("xmpp-cli", s.exec, newCompleter(), ch.Stop); err != nil {
		log.Error(errors.ErrorStack(err))
	}
	ch.Stop()
}

type session struct {
	ch       *xmpp.Channel
	log      *log2.Log // channel logger, level switched by log=
	delegate notify.Delegate
}

func (s *session) exec(line string) {
	for _, word := range strings.Fields(line) {
		if err := s.do(word); err != nil {
			log.Error(errors.ErrorStack(err))
			return
		}
	}
}

func (s *session) do(word string) error {
	switch word {
	case "help":
		s.log.Info(usage)
	case "start":
		return s.ch.Start(s.delegate)
	case "stop":
		s.ch.Stop()
	case "reconnect":
		if !s.ch.Reconnect() {
			s.log.Info("no pending reconnect")
		}
	case "state":
		s.log.Info(s.ch)
	case "stat":
		s.log.Infof("stat=%s backoff: %s", s.ch.Stat(), s.ch.Backoff())
	case "log=debug":
		s.log.SetLevel(log2.LDebug)
	case "log=info":
		s.log.SetLevel(log2.LInfo)
	default:
		return errors.NotFoundf("command=%s, try help", word)
	}
	return nil
}

func printDelegate(log *log2.Log) notify.Delegate {
	return notify.DelegateFuncs{
		Connected:    func(name string) { log.Infof("%s connected", name) },
		Disconnected: func() { log.Infof("disconnected") },
		AuthFailure:  func(name string) { log.Errorf("%s authentication failed, token expired?", name) },
		Notification: func(name string, payload []byte) {
			log.Infof("%s notification payload=%q", name, payload)
		},
	}
}

func newCompleter() cli.Completer {
	suggests := []prompt.Suggest{
		{Text: "start", Description: "connect and subscribe"},
		{Text: "stop", Description: "disconnect"},
		{Text: "reconnect", Description: "skip reconnect delay"},
		{Text: "state", Description: "show channel state"},
		{Text: "stat", Description: "show counters"},
		{Text: "log=debug", Description: "show wire traffic"},
		{Text: "log=info", Description: "hide wire traffic"},
		{Text: "help", Description: "usage"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return cli.Complete(d, suggests)
	}
}
