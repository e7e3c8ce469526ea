package xmpp

import (
	"fmt"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder formats parser events into strings
type recorder struct {
	events  []string
	onEvent func(ev string)
}

func (r *recorder) add(ev string) {
	r.events = append(r.events, ev)
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

func (r *recorder) OnStreamStart(name string, attrs map[string]string) {
	r.add(fmt.Sprintf("start %s id=%s", name, attrs["id"]))
}
func (r *recorder) OnStreamEnd(name string) { r.add("end " + name) }
func (r *recorder) OnStanza(n *Node)        { r.add(n.String()) }

const testServerHeader = `<?xml version='1.0'?><stream:stream from='talk.example' id='A1' ` +
	`version='1.0' xmlns:stream='http://etherx.jabber.org/streams' xmlns='jabber:client'>`

func TestParser(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		input  string
		expect []string
	}{
		{"header", testServerHeader,
			[]string{"start stream:stream id=A1"}},
		{"features", testServerHeader + `<stream:features><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls></stream:features>`,
			[]string{"start stream:stream id=A1", "<stream:features><starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'><required/></starttls></stream:features>"}},
		{"many", testServerHeader + `<a/> <b x='1'/>` + "\n" + `<c>t</c>`,
			[]string{"start stream:stream id=A1", "<a/>", "<b x='1'/>", "<c>t</c>"}},
		{"comment-pi", testServerHeader + `<!-- hello > --><?pi x?><a><!-- <b> --><?p?>t</a>`,
			[]string{"start stream:stream id=A1", "<a>t</a>"}},
		{"cdata", testServerHeader + `<a><![CDATA[<not-tag>]]></a>`,
			[]string{"start stream:stream id=A1", "<a>&lt;not-tag&gt;</a>"}},
		{"quoted-gt", testServerHeader + `<a x='1>2' y="/>"/>`,
			[]string{"start stream:stream id=A1", "<a x='1&gt;2' y='/&gt;'/>"}},
		{"entity", testServerHeader + `<a>&amp;&lt;</a>`,
			[]string{"start stream:stream id=A1", "<a>&amp;&lt;</a>"}},
		{"text-between", testServerHeader + `junk<a/>`,
			[]string{"start stream:stream id=A1", "<a/>"}},
		{"stream-end", testServerHeader + `<a/></stream:stream>`,
			[]string{"start stream:stream id=A1", "<a/>", "end stream:stream"}},
		{"before-header", `<stream:features/>` + testServerHeader,
			[]string{"<stream:features/>", "start stream:stream id=A1"}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			// whole input at once
			r := &recorder{}
			p := NewStreamParser(r)
			require.NoError(t, p.ParseData([]byte(c.input)))
			assert.Equal(t, c.expect, r.events)

			// byte by byte
			r = &recorder{}
			p = NewStreamParser(r)
			for i := 0; i < len(c.input); i++ {
				require.NoError(t, p.ParseData([]byte{c.input[i]}), "offset=%d", i)
			}
			assert.Equal(t, c.expect, r.events)
		})
	}
}

func TestParserSplit(t *testing.T) {
	t.Parallel()

	input := testServerHeader + `<message from='x'><push:push xmlns:push='google:push'><push:data>aGk=</push:data></push:push></message>`
	for split := 1; split < len(input); split++ {
		r := &recorder{}
		p := NewStreamParser(r)
		require.NoError(t, p.ParseData([]byte(input[:split])))
		require.NoError(t, p.ParseData([]byte(input[split:])))
		require.Len(t, r.events, 2, "split=%d", split)
	}
}

func TestParserResetInHandler(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	p := NewStreamParser(r)
	r.onEvent = func(ev string) {
		if ev == "<success/>" {
			p.Reset()
		}
	}
	input := testServerHeader + `<success/>` +
		strings.Replace(testServerHeader, "A1", "B2", 1) + `<stream:features/>`
	require.NoError(t, p.ParseData([]byte(input)))
	assert.Equal(t, []string{
		"start stream:stream id=A1",
		"<success/>",
		"start stream:stream id=B2",
		"<stream:features/>",
	}, r.events)
	assert.True(t, p.InStream())
}

func TestParserError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
		cause error
	}{
		{"mismatched", testServerHeader + `<a><b></a></b>`, nil},
		{"wrong-stream-end", testServerHeader + `</other>`, nil},
		{"duplicate-attr", testServerHeader + `<a x='1' x='2'/>`, nil},
		{"text-outside", `hello`, nil},
		{"doctype", `<!DOCTYPE x>`, nil},
		{"bad-entity", testServerHeader + `<a>&unknown;</a>`, nil},
		{"too-large", testServerHeader + `<a>` + strings.Repeat("x", DefaultMaxStanzaSize), ErrStanzaTooLarge},
		{"too-large-complete", testServerHeader + `<a>` + strings.Repeat("x", DefaultMaxStanzaSize) + `</a>`, ErrStanzaTooLarge},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			p := NewStreamParser(&recorder{})
			err := p.ParseData([]byte(c.input))
			require.Error(t, err)
			if c.cause != nil {
				assert.Equal(t, c.cause, errors.Cause(err))
			}
		})
	}
}

func TestParserMaxStanzaSize(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	p := NewStreamParser(r)
	p.MaxStanzaSize = 16
	require.NoError(t, p.ParseData([]byte(testServerHeader+`<a>0123456</a>`)))
	err := p.ParseData([]byte(`<a>0123456789</a>`))
	assert.Equal(t, ErrStanzaTooLarge, errors.Cause(err))
}
