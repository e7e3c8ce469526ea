package xmpp

import (
	"bytes"
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/meszmate/xmpp-go/stanza"
	"github.com/temoto/alive/v2"
	"github.com/temoto/notify/helpers"
	"github.com/temoto/notify/helpers/atomic_clock"
	"github.com/temoto/notify/log2"
	"github.com/temoto/notify/notify"
)

const readBufferSize = 4096

type eventKind uint8

const (
	evDial eventKind = iota + 1
	evRead
	evWrite
	evTLS
	evStepTimeout
	evReconnect
	evKeepalive
	evFunc
)

// event is completion of background operation, processed by loop goroutine.
// Events from torn down connection (gen mismatch) are discarded.
type event struct {
	kind   eventKind
	gen    uint64
	seq    uint64
	n      int
	stream Stream
	err    error
	fn     func()
}

// machine is one Start..Stop cycle of Channel.
// All fields below evch are owned by loop goroutine.
type machine struct {
	ch       *Channel
	opt      *Options
	log      *log2.Log
	delegate notify.Delegate
	alive    *alive.Alive
	ctx      context.Context
	cancel   context.CancelFunc
	evch     chan event

	// attempt is cancelled by teardown, aborts Dial and StartTLS of abandoned connection.
	attempt       context.Context
	attemptCancel context.CancelFunc

	gen        uint64
	stepSeq    uint64
	sess       session
	stream     Stream
	parser     *StreamParser
	readBuf    []byte
	queue      [][]byte
	stepTimer  *time.Timer
	retryTimer *time.Timer
	keepTimer  *time.Timer
	lastRecv   atomic_clock.Clock
	lastSend   atomic_clock.Clock
}

func newMachine(c *Channel, d notify.Delegate) *machine {
	ctx, cancel := context.WithCancel(context.Background())
	return &machine{
		ch:       c,
		opt:      &c.opt,
		log:      c.log,
		delegate: d,
		alive:    alive.NewAlive(),
		ctx:      ctx,
		cancel:   cancel,
		evch:     make(chan event),
	}
}

func (m *machine) loop() {
	defer m.alive.Done()
	m.connect()
	for {
		select {
		case ev := <-m.evch:
			m.handle(ev)
		case <-m.alive.StopChan():
			m.teardown()
			return
		}
	}
}

func (m *machine) stop() {
	m.alive.Stop()
	m.cancel()
	m.alive.Wait()
}

// do runs f on loop goroutine.
func (m *machine) do(f func()) bool { return m.post(event{kind: evFunc, fn: f}) }

func (m *machine) post(ev event) bool {
	select {
	case m.evch <- ev:
		return true
	case <-m.alive.StopChan():
		return false
	}
}

// postStream closes stream nobody is going to receive.
func (m *machine) postStream(ev event) {
	if !m.post(ev) && ev.stream != nil {
		_ = ev.stream.Close()
	}
}

func (m *machine) spawn(f func()) bool {
	if !m.alive.Add(1) {
		return false
	}
	go func() {
		defer m.alive.Done()
		f()
	}()
	return true
}

func (m *machine) after(d time.Duration, ev event) *time.Timer {
	return time.AfterFunc(d, func() { m.post(ev) })
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *machine) handle(ev event) {
	if ev.kind == evFunc {
		ev.fn()
		return
	}
	if ev.gen != m.gen {
		if ev.stream != nil {
			_ = ev.stream.Close()
		}
		return
	}
	switch ev.kind {
	case evDial:
		m.onDial(ev.stream, ev.err)
	case evRead:
		m.onRead(ev.n, ev.err)
	case evWrite:
		m.onWrite(ev.n, ev.err)
	case evTLS:
		m.onTLS(ev.stream, ev.err)
	case evStepTimeout:
		if ev.seq == m.stepSeq {
			m.fail(errors.Timeoutf("xmpp state=%s waiting reply", m.sess.state))
		}
	case evReconnect:
		if m.retryTimer != nil {
			m.retryTimer = nil
			m.connect()
		}
	case evKeepalive:
		m.onKeepalive()
	default:
		panic(errors.Errorf("code error xmpp unknown event=%d", ev.kind))
	}
}

func (m *machine) setState(to State) {
	from := m.sess.transition(to)
	m.changed(from, to)
	if to.expectsReply() {
		m.armStep()
	} else {
		m.stopStep()
	}
}

func (m *machine) changed(from, to State) {
	m.ch.setState(to)
	if from == to {
		return
	}
	m.log.Debugf("xmpp: state %s -> %s", from, to)
	if m.opt.OnStateChange != nil {
		m.opt.OnStateChange(from, to)
	}
}

func (m *machine) armStep() {
	m.stopStep()
	m.stepTimer = m.after(m.opt.StepTimeout, event{kind: evStepTimeout, gen: m.gen, seq: m.stepSeq})
}

// stopStep also invalidates already fired step timer.
func (m *machine) stopStep() {
	stopTimer(&m.stepTimer)
	m.stepSeq++
}

func (m *machine) connect() {
	m.setState(Started)
	m.ch.stat.Connects.Add(1)
	m.attempt, m.attemptCancel = context.WithCancel(m.ctx)
	gen, attempt := m.gen, m.attempt
	address := m.opt.address()
	m.log.Debugf("xmpp: connect %s", address)
	m.spawn(func() {
		ctx, cancel := context.WithTimeout(attempt, m.opt.NetworkTimeout)
		defer cancel()
		s, err := m.opt.Dialer.Dial(ctx, address)
		m.postStream(event{kind: evDial, gen: gen, stream: s, err: err})
	})
}

func (m *machine) onDial(s Stream, err error) {
	if err == nil && s == nil {
		err = errors.New("dialer returned nil stream")
	}
	if err != nil {
		m.fail(errors.Annotate(err, "xmpp connect"))
		return
	}
	m.stream = s
	m.parser = NewStreamParser(parserDelegate{m: m, gen: m.gen})
	m.readBuf = make([]byte, readBufferSize)
	m.lastRecv.SetNow()
	m.startStream()
	m.read()
}

// startStream opens new stream after connect, TLS upgrade and authentication.
func (m *machine) startStream() {
	m.parser.Reset()
	m.sess.streamOpen = false
	m.send(StreamHeader(m.opt.Domain))
}

func (m *machine) read() {
	if m.stream == nil || m.sess.readPending || m.sess.upgrading {
		return
	}
	s, buf, gen := m.stream, m.readBuf, m.gen
	if m.spawn(func() {
		n, err := s.Read(buf)
		m.post(event{kind: evRead, gen: gen, n: n, err: err})
	}) {
		m.sess.readPending = true
	}
}

func (m *machine) onRead(n int, err error) {
	m.sess.readPending = false
	gen := m.gen
	if n > 0 {
		m.lastRecv.SetNow()
		m.ch.stat.Recv.Size.Add(int64(n))
		m.log.Debugf("xmpp: recv %q", m.readBuf[:n])
		perr := m.parser.ParseData(m.readBuf[:n])
		if gen != m.gen {
			// torn down by stanza handler
			return
		}
		if perr != nil {
			m.fail(errors.Annotate(perr, "xmpp stream"))
			return
		}
	}
	if err != nil {
		m.fail(errors.Annotate(err, "xmpp read"))
		return
	}
	m.read()
}

func (m *machine) send(b []byte) {
	m.log.Debugf("xmpp: send %q", b)
	m.enqueue(b)
}

func (m *machine) enqueue(b []byte) {
	m.ch.stat.Send.Count.Add(1)
	m.queue = append(m.queue, b)
	m.flush()
}

// flush writes all queued messages at once, unless write is in progress.
func (m *machine) flush() {
	if len(m.queue) == 0 || m.sess.writePending || m.stream == nil {
		return
	}
	var b []byte
	if len(m.queue) == 1 {
		b = m.queue[0]
	} else {
		b = bytes.Join(m.queue, nil)
	}
	m.queue = nil
	s, gen, timeout := m.stream, m.gen, m.opt.NetworkTimeout
	if m.spawn(func() {
		err := helpers.WriteAllTimeout(s, b, timeout)
		m.post(event{kind: evWrite, gen: gen, n: len(b), err: err})
	}) {
		m.sess.writePending = true
	}
}

func (m *machine) onWrite(n int, err error) {
	m.sess.writePending = false
	if err != nil {
		m.fail(errors.Annotate(err, "xmpp write"))
		return
	}
	m.lastSend.SetNow()
	m.ch.stat.Send.Size.Add(int64(n))
	m.flush()
}

// startTLS hands plain stream to dialer. No reads until upgrade completes.
func (m *machine) startTLS() {
	plain := m.stream
	m.stream = nil
	m.sess.upgrading = true
	gen, attempt := m.gen, m.attempt
	m.log.Debugf("xmpp: starttls")
	if !m.spawn(func() {
		ctx, cancel := context.WithTimeout(attempt, m.opt.NetworkTimeout)
		defer cancel()
		s, err := m.opt.Dialer.StartTLS(ctx, plain, m.opt.Host)
		m.postStream(event{kind: evTLS, gen: gen, stream: s, err: err})
	}) {
		_ = plain.Close()
	}
}

func (m *machine) onTLS(s Stream, err error) {
	m.sess.upgrading = false
	if err == nil && s == nil {
		err = errors.New("starttls returned nil stream")
	}
	if err != nil {
		m.fail(errors.Annotate(err, "xmpp starttls"))
		return
	}
	m.stream = s
	m.setState(TlsCompleted)
	m.startStream()
	m.read()
}

// fail is the only error path: teardown, backoff, reconnect.
func (m *machine) fail(err error) {
	state := m.sess.state
	m.log.Errorf("xmpp: state=%s err=%s", state, helpers.ShortNetError(err))
	m.teardown()
	m.ch.backoff.Failure()
	m.ch.stat.Failures.Add(1)
	if state == Subscribed {
		m.delegate.OnDisconnected()
	}
	m.scheduleReconnect()
}

func (m *machine) teardown() {
	m.gen++
	if m.attemptCancel != nil {
		m.attemptCancel()
		m.attemptCancel = nil
	}
	m.stopStep()
	stopTimer(&m.keepTimer)
	stopTimer(&m.retryTimer)
	if m.stream != nil {
		if err := m.stream.Close(); err != nil {
			m.log.Debugf("xmpp: close err=%v", err)
		}
		m.stream = nil
	}
	m.parser = nil
	m.readBuf = nil
	m.queue = nil
	from := m.sess.reset()
	m.changed(from, NotStarted)
}

func (m *machine) scheduleReconnect() {
	delay := m.ch.backoff.Delay()
	m.log.Infof("xmpp: reconnect in %s failures=%d", delay, m.ch.backoff.Failures())
	m.retryTimer = m.after(delay, event{kind: evReconnect, gen: m.gen})
}

func (m *machine) reconnectNow() bool {
	if m.retryTimer == nil {
		return false
	}
	stopTimer(&m.retryTimer)
	m.connect()
	return true
}

func (m *machine) armKeepalive(d time.Duration) {
	if m.opt.Keepalive == 0 {
		return
	}
	stopTimer(&m.keepTimer)
	m.keepTimer = m.after(d, event{kind: evKeepalive, gen: m.gen})
}

// onKeepalive writes whitespace if connection was idle for Keepalive.
func (m *machine) onKeepalive() {
	m.keepTimer = nil
	if m.sess.state != Subscribed {
		return
	}
	next := m.opt.Keepalive
	idle := atomic_clock.Since(atomic_clock.Latest(&m.lastRecv, &m.lastSend))
	if idle >= m.opt.Keepalive {
		m.ch.stat.Keepalives.Add(1)
		m.enqueue(KeepaliveMessage())
	} else {
		next -= idle
	}
	m.armKeepalive(next)
}

func (m *machine) onStreamStart(name string, attrs map[string]string) {
	m.sess.streamOpen = true
	m.log.Debugf("xmpp: stream open name=%s id=%s from=%s", name, attrs["id"], attrs["from"])
}

func (m *machine) onStreamEnd(name string) {
	m.fail(errors.Annotatef(ErrStreamClosed, "state=%s", m.sess.state))
}

func (m *machine) onStanza(n *Node) {
	m.ch.stat.Recv.Count.Add(1)
	state := m.sess.state
	switch {
	case n.Name == "stream:error":
		m.fail(errors.Annotatef(ErrStreamClosed, "state=%s stream error %s", state, n))
		return
	case isFeatures(n) && !m.sess.streamOpen:
		m.fail(errors.Annotatef(ErrUnexpectedStanza, "state=%s features before stream header", state))
		return
	}

	switch state {
	case Started:
		if isFeatures(n) {
			if n.FindFirstChild("starttls", false) == nil {
				m.fail(errors.Annotatef(ErrTLSRequired, "features=%s", n))
				return
			}
			m.setState(TlsStarted)
			m.send(StartTLSMessage())
			return
		}

	case TlsStarted:
		if n.Name == "proceed" && !m.sess.upgrading {
			m.startTLS()
			return
		}

	case TlsCompleted:
		if isFeatures(n) && hasMechanism(n, mechanismOAuth2) {
			m.setState(AuthenticationStarted)
			m.log.Debugf("xmpp: send auth mechanism=%s account=%s", mechanismOAuth2, m.opt.Account)
			m.enqueue(AuthMessage(m.opt.Account, m.opt.Token))
			return
		}

	case AuthenticationStarted:
		switch {
		case n.Name == "success":
			m.setState(StreamRestartedPostAuthentication)
			m.startStream()
			return
		case n.Name == "failure" && n.FindFirstChild("not-authorized", false) != nil:
			m.setState(AuthenticationFailed)
			m.ch.stat.AuthFailures.Add(1)
			m.log.Errorf("xmpp: authentication failed account=%s access token not authorized", m.opt.Account)
			m.delegate.OnAuthFailure(Name)
			m.fail(ErrNotAuthorized)
			return
		}

	case StreamRestartedPostAuthentication:
		if isFeatures(n) && n.FindFirstChild("bind", false) != nil {
			m.setState(BindSent)
			m.send(BindMessage())
			return
		}

	case BindSent:
		if isIqResult(n, iqBindID) {
			m.setState(SessionStarted)
			m.send(SessionMessage())
			return
		}

	case SessionStarted:
		if isIqResult(n, iqSessionID) {
			m.setState(SubscribeStarted)
			m.send(SubscribeMessage(m.opt.Account))
			return
		}

	case SubscribeStarted:
		if isIqResult(n, iqSubscribeID) {
			m.subscribed()
			return
		}

	default:
		m.onIdleStanza(n)
		return
	}
	m.fail(errors.Annotatef(ErrUnexpectedStanza, "state=%s stanza=%s", state, n))
}

func (m *machine) subscribed() {
	m.setState(Subscribed)
	m.ch.backoff.Reset()
	m.ch.stat.Subscribes.Add(1)
	m.log.Infof("xmpp: subscribed account=%s", m.opt.Account)
	m.delegate.OnConnected(Name)
	m.armKeepalive(m.opt.Keepalive)
}

func (m *machine) onIdleStanza(n *Node) {
	switch n.Name {
	case "message":
		var msg stanza.Message
		if err := n.Decode(&msg); err != nil {
			m.log.Errorf("xmpp: ignore message err=%v", err)
			return
		}
		m.onMessage(n, &msg)
	case "iq":
		var iq stanza.IQ
		if err := n.Decode(&iq); err != nil {
			m.log.Errorf("xmpp: ignore iq err=%v", err)
			return
		}
		switch {
		case iq.Type == stanza.IQGet && isPing(&iq):
			m.send(IqResultMessage(&iq))
		case iq.Type == stanza.IQGet || iq.Type == stanza.IQSet:
			m.log.Debugf("xmpp: unsupported iq=%s", n)
			m.send(IqServiceUnavailableMessage(&iq))
		default:
			m.log.Debugf("xmpp: ignore iq type=%s id=%s", iq.Type, iq.ID)
		}
	default:
		m.log.Debugf("xmpp: ignore state=%s stanza=%s", m.sess.state, n.Name)
	}
}

func (m *machine) onMessage(n *Node, msg *stanza.Message) {
	payload, ok, err := PushData(msg)
	switch {
	case !ok:
		m.log.Debugf("xmpp: ignore message without push data %s", n)
	case err != nil:
		m.log.Errorf("xmpp: notification data err=%v", err)
	default:
		m.ch.stat.Notifications.Add(1)
		m.delegate.OnNotification(Name, payload)
	}
}

// parserDelegate drops parser events after teardown of its connection.
type parserDelegate struct {
	m   *machine
	gen uint64
}

func (pd parserDelegate) OnStreamStart(name string, attrs map[string]string) {
	if pd.gen == pd.m.gen {
		pd.m.onStreamStart(name, attrs)
	}
}

func (pd parserDelegate) OnStreamEnd(name string) {
	if pd.gen == pd.m.gen {
		pd.m.onStreamEnd(name)
	}
}

func (pd parserDelegate) OnStanza(n *Node) {
	if pd.gen == pd.m.gen {
		pd.m.onStanza(n)
	}
}
