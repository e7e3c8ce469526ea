package xmpp

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/notify/helpers"
	"github.com/temoto/notify/log2"
)

const testWait = 5 * time.Second

const (
	testAccount = "device@clouddevices.example"
	testToken   = "token-1"

	testHeader          = `<stream:stream from='talk.example' id='S1' version='1.0' xmlns:stream='http://etherx.jabber.org/streams' xmlns='jabber:client'>`
	testFeaturesTLS     = `<stream:features><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>X-OAUTH2</mechanism></mechanisms></stream:features>`
	testFeaturesSASL    = `<stream:features><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism><mechanism>X-OAUTH2</mechanism></mechanisms></stream:features>`
	testFeaturesBind    = `<stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/><session xmlns='urn:ietf:params:xml:ns:xmpp-session'/></stream:features>`
	testProceed         = `<proceed xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>`
	testSuccess         = `<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>`
	testNotAuthorized   = `<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><not-authorized/></failure>`
	testBindResult      = `<iq type='result' id='0'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>device@clouddevices.example/r1</jid></bind></iq>`
	testSessionResult   = `<iq type='result' id='1'/>`
	testSubscribeResult = `<iq to='device@clouddevices.example/r1' type='result' id='pushsubscribe1'/>`
)

func testNotification(data string) string {
	return `<message from='cloud-devices@clouddevices.example' to='device@clouddevices.example/r1'>` +
		`<push:push channel='cloud_devices' xmlns:push='google:push'>` +
		`<push:recipient to='device@clouddevices.example'></push:recipient>` +
		`<push:data>` + data + `</push:data></push:push></message>`
}

type serverEvent struct {
	kind string // start, stanza, end, eof
	node *Node
}

func (ev serverEvent) String() string {
	if ev.kind == "stanza" {
		return ev.node.String()
	}
	return ev.kind
}

// testServer is scripted server side of one client connection.
type testServer struct {
	t      testing.TB
	conn   net.Conn
	events chan serverEvent
	parser *StreamParser
	// ByteByByte writes replies one byte per Write
	ByteByByte bool
}

func newTestServer(t testing.TB, conn net.Conn) *testServer {
	s := &testServer{
		t:      t,
		conn:   conn,
		events: make(chan serverEvent, 64),
	}
	s.parser = NewStreamParser(s)
	go s.reader()
	return s
}

func (s *testServer) reader() {
	buf := make([]byte, 1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if perr := s.parser.ParseData(buf[:n]); perr != nil {
				s.t.Errorf("test server parse err=%v", perr)
			}
		}
		if err != nil {
			s.events <- serverEvent{kind: "eof"}
			return
		}
	}
}

func (s *testServer) OnStreamStart(name string, attrs map[string]string) {
	s.events <- serverEvent{kind: "start"}
}
func (s *testServer) OnStreamEnd(name string) { s.events <- serverEvent{kind: "end"} }
func (s *testServer) OnStanza(n *Node) {
	// client restarts stream after these
	if n.Name == "starttls" || n.Name == "auth" {
		s.parser.Reset()
	}
	s.events <- serverEvent{kind: "stanza", node: n}
}

func (s *testServer) next() serverEvent {
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(testWait):
		s.t.Fatal("test server timeout waiting client")
		return serverEvent{}
	}
}

func (s *testServer) expectStart() {
	ev := s.next()
	require.Equal(s.t, "start", ev.kind, ev.String())
}

func (s *testServer) expectStanza(name string) *Node {
	ev := s.next()
	require.Equal(s.t, "stanza", ev.kind, ev.String())
	require.Equal(s.t, name, ev.node.Name, ev.String())
	return ev.node
}

func (s *testServer) expectEOF() {
	for {
		ev := s.next()
		if ev.kind == "eof" {
			return
		}
	}
}

func (s *testServer) write(data string) {
	if !s.ByteByByte {
		_, err := s.conn.Write([]byte(data))
		require.NoError(s.t, err)
		return
	}
	for i := 0; i < len(data); i++ {
		_, err := s.conn.Write([]byte{data[i]})
		require.NoError(s.t, err)
	}
}

func (s *testServer) close() { _ = s.conn.Close() }

// handshake plays server side of connection up to Subscribed.
func (s *testServer) handshake() {
	s.handshakeAuth(true)
	s.expectIq("0")
	s.write(testBindResult)
	s.expectIq("1")
	s.write(testSessionResult)
	iq := s.expectIq("pushsubscribe1")
	assert.Equal(s.t, testAccount, iq.AttrOrEmpty("to"))
	s.write(testSubscribeResult)
}

func (s *testServer) handshakeAuth(accept bool) {
	s.expectStart()
	s.write(testHeader + testFeaturesTLS)
	s.expectStanza("starttls")
	s.write(testProceed)
	s.expectStart()
	s.write(testHeader + testFeaturesSASL)
	auth := s.expectStanza("auth")
	assert.Equal(s.t, "X-OAUTH2", auth.AttrOrEmpty("mechanism"))
	assert.Equal(s.t, "AGRldmljZUBjbG91ZGRldmljZXMuZXhhbXBsZQB0b2tlbi0x", auth.Text)
	if !accept {
		s.write(testNotAuthorized)
		return
	}
	s.write(testSuccess)
	s.expectStart()
	s.write(testHeader + testFeaturesBind)
}

func (s *testServer) expectIq(id string) *Node {
	iq := s.expectStanza("iq")
	require.Equal(s.t, id, iq.AttrOrEmpty("id"), iq.String())
	require.Equal(s.t, "set", iq.AttrOrEmpty("type"), iq.String())
	return iq
}

// testDialer connects channel to in-memory test servers.
type testDialer struct {
	t         testing.TB
	servers   chan *testServer
	dials     int32
	upgrades  int32
	failDials int32 // number of next dials to fail
	wrap      func(Stream) Stream
	startTLS  func(ctx context.Context, plain Stream) (Stream, error)
}

var errTestDial = errors.New("test network unreachable")

func newTestDialer(t testing.TB) *testDialer {
	return &testDialer{t: t, servers: make(chan *testServer, 16)}
}

func (d *testDialer) Dial(ctx context.Context, address string) (Stream, error) {
	atomic.AddInt32(&d.dials, 1)
	if atomic.AddInt32(&d.failDials, -1) >= 0 {
		return nil, errTestDial
	}
	client, server := net.Pipe()
	var s Stream = client
	if d.wrap != nil {
		s = d.wrap(client)
	}
	d.servers <- newTestServer(d.t, server)
	return s, nil
}

// StartTLS pretends upgrade, stream stays plain.
func (d *testDialer) StartTLS(ctx context.Context, plain Stream, serverName string) (Stream, error) {
	atomic.AddInt32(&d.upgrades, 1)
	if serverName != DefaultHost {
		_ = plain.Close()
		return nil, errors.Errorf("unexpected serverName=%s", serverName)
	}
	if d.startTLS != nil {
		return d.startTLS(ctx, plain)
	}
	return plain, nil
}

func (d *testDialer) Dials() int { return int(atomic.LoadInt32(&d.dials)) }

func (d *testDialer) accept() *testServer {
	select {
	case s := <-d.servers:
		return s
	case <-time.After(testWait):
		d.t.Fatal("timeout waiting client dial")
		return nil
	}
}

// testDelegate records calls as strings.
type testDelegate struct {
	calls          chan string
	onNotification func(payload []byte)
}

func newTestDelegate() *testDelegate { return &testDelegate{calls: make(chan string, 64)} }

func (d *testDelegate) OnConnected(name string)   { d.calls <- "connected " + name }
func (d *testDelegate) OnDisconnected()           { d.calls <- "disconnected" }
func (d *testDelegate) OnAuthFailure(name string) { d.calls <- "auth-failure " + name }
func (d *testDelegate) OnNotification(name string, payload []byte) {
	if d.onNotification != nil {
		d.onNotification(payload)
	}
	d.calls <- "notification " + name + " " + string(payload)
}

func (d *testDelegate) expect(t testing.TB, call string) {
	select {
	case c := <-d.calls:
		require.Equal(t, call, c)
	case <-time.After(testWait):
		t.Fatalf("timeout waiting delegate call=%s", call)
	}
}

func (d *testDelegate) expectNone(t testing.TB, wait time.Duration) {
	select {
	case c := <-d.calls:
		t.Fatalf("unexpected delegate call=%s", c)
	case <-time.After(wait):
	}
}

// stateLog records state changes.
type stateLog struct {
	mu     sync.Mutex
	states []string
}

func (sl *stateLog) OnStateChange(from, to State) {
	sl.mu.Lock()
	sl.states = append(sl.states, from.String()+">"+to.String())
	sl.mu.Unlock()
}

func (sl *stateLog) String() string {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return strings.Join(sl.states, " ")
}

func testOptions(t testing.TB, d Dialer) Options {
	return Options{
		Account:        testAccount,
		Token:          testToken,
		Dialer:         d,
		Log:            log2.NewTest(t, log2.LDebug),
		NetworkTimeout: testWait,
		Backoff:        helpers.NewBackoff(time.Millisecond, 10*time.Millisecond, 2, 0),
	}
}
