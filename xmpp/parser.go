package xmpp

import (
	"bytes"
	"encoding/xml"
	"io"

	"github.com/juju/errors"
)

const DefaultMaxStanzaSize = 64 << 10

type ParserDelegate interface {
	OnStreamStart(name string, attrs map[string]string)
	OnStreamEnd(name string)
	OnStanza(n *Node)
}

// StreamParser is push-style parser of XML stream.
// Bytes are fed by ParseData in arbitrary chunks, complete top level elements
// inside stream root are emitted as stanzas.
// Element boundaries are found by lightweight scanner, element bytes are decoded with encoding/xml.
type StreamParser struct {
	MaxStanzaSize int

	d          ParserDelegate
	buf        []byte
	streamName string // empty until stream root is open
}

func NewStreamParser(d ParserDelegate) *StreamParser {
	return &StreamParser{
		MaxStanzaSize: DefaultMaxStanzaSize,
		d:             d,
	}
}

// Reset forgets open stream, remaining bytes are parsed as new stream.
// Safe to call from delegate callbacks.
func (p *StreamParser) Reset() {
	p.streamName = ""
}

func (p *StreamParser) InStream() bool { return p.streamName != "" }

// ParseData appends b to internal buffer and synchronously emits all complete events.
func (p *StreamParser) ParseData(b []byte) error {
	p.buf = append(p.buf, b...)
	err := p.parse()
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return err
}

func (p *StreamParser) parse() error {
	for {
		p.buf = skipSpace(p.buf, p.InStream())
		if len(p.buf) == 0 {
			return nil
		}
		if p.buf[0] != '<' {
			return errors.NotValidf("text outside stream %q", truncate(p.buf, 16))
		}
		end, err := p.next()
		if err != nil {
			return err
		}
		if end < 0 {
			if max := p.maxSize(); len(p.buf) > max {
				return errors.Annotatef(ErrStanzaTooLarge, "buffered=%d max=%d", len(p.buf), max)
			}
			// compact so buffer does not grow with consumed prefix
			p.buf = append(make([]byte, 0, len(p.buf)), p.buf...)
			return nil
		}
	}
}

// next consumes one unit from buffer and emits its event.
// Returns -1 when more data is needed.
func (p *StreamParser) next() (int, error) {
	b := p.buf
	switch {
	case len(b) < 2, needMore(b, "<!--"):
		return -1, nil
	case bytes.HasPrefix(b, []byte("<?")):
		end := bytes.Index(b, []byte("?>"))
		if end < 0 {
			return -1, nil
		}
		p.consume(end + 2)
		return end + 2, nil
	case bytes.HasPrefix(b, []byte("<!--")):
		end := bytes.Index(b[4:], []byte("-->"))
		if end < 0 {
			return -1, nil
		}
		p.consume(4 + end + 3)
		return 4 + end + 3, nil
	case bytes.HasPrefix(b, []byte("<!")):
		return 0, errors.NotSupportedf("stream markup %q", truncate(b, 16))
	case bytes.HasPrefix(b, []byte("</")):
		return p.streamEnd()
	}

	if !p.InStream() {
		tagEnd, err := scanTag(b)
		if tagEnd < 0 || err != nil {
			return tagEnd, err
		}
		if isStreamRoot(b[:tagEnd]) {
			return p.streamStart(tagEnd)
		}
	}

	end, err := scanElement(b, p.maxSize())
	if end < 0 || err != nil {
		return end, err
	}
	if end > p.maxSize() {
		return 0, errors.Annotatef(ErrStanzaTooLarge, "size=%d max=%d", end, p.maxSize())
	}
	n, err := decodeNode(b[:end])
	if err != nil {
		return 0, err
	}
	p.consume(end)
	p.d.OnStanza(n)
	return end, nil
}

func (p *StreamParser) streamStart(tagEnd int) (int, error) {
	selfClosing := p.buf[tagEnd-2] == '/'
	tok, err := xml.NewDecoder(bytes.NewReader(p.buf[:tagEnd])).RawToken()
	if err != nil {
		return 0, errors.Annotate(err, "stream start")
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return 0, errors.NotValidf("stream start token=%T", tok)
	}
	name := rawName(start.Name)
	attrs := make(map[string]string, len(start.Attr))
	for _, a := range start.Attr {
		attrs[rawName(a.Name)] = a.Value
	}
	p.consume(tagEnd)
	p.streamName = name
	p.d.OnStreamStart(name, attrs)
	if selfClosing && p.streamName == name {
		p.streamName = ""
		p.d.OnStreamEnd(name)
	}
	return tagEnd, nil
}

func (p *StreamParser) streamEnd() (int, error) {
	end := bytes.IndexByte(p.buf, '>')
	if end < 0 {
		return -1, nil
	}
	name := string(bytes.TrimSpace(p.buf[2:end]))
	if !p.InStream() || name != p.streamName {
		return 0, errors.NotValidf("end tag=%s open stream=%s", name, p.streamName)
	}
	p.consume(end + 1)
	p.streamName = ""
	p.d.OnStreamEnd(name)
	return end + 1, nil
}

func (p *StreamParser) consume(n int) { p.buf = p.buf[n:] }

func (p *StreamParser) maxSize() int {
	if p.MaxStanzaSize <= 0 {
		return DefaultMaxStanzaSize
	}
	return p.MaxStanzaSize
}

// skipSpace drops whitespace before next markup.
// Character data between stanzas is not meaningful in XMPP and also dropped.
func skipSpace(b []byte, inStream bool) []byte {
	i := 0
	for i < len(b) && b[i] != '<' {
		if !inStream && !isSpace(b[i]) {
			break
		}
		i++
	}
	return b[i:]
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\r' || c == '\n' }

func needMore(b []byte, prefix string) bool {
	return len(b) < len(prefix) && bytes.HasPrefix([]byte(prefix), b)
}

func isStreamRoot(tag []byte) bool {
	name := tag[1:]
	if i := bytes.IndexAny(name, " \t\r\n/>"); i >= 0 {
		name = name[:i]
	}
	if i := bytes.IndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	return string(name) == "stream"
}

// scanTag returns index after '>' of tag at b[0], or -1 if incomplete.
// '>' inside quoted attribute values does not end the tag.
func scanTag(b []byte) (int, error) {
	if len(b) == 0 || b[0] != '<' {
		return 0, errors.NotValidf("markup %q", truncate(b, 16))
	}
	var quote byte
	for i := 1; i < len(b); i++ {
		c := b[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '<':
			return 0, errors.NotValidf("markup %q", truncate(b[:i+1], 32))
		case c == '>':
			return i + 1, nil
		}
	}
	return -1, nil
}

// scanElement returns length of complete element at b[0], or -1 if incomplete.
func scanElement(b []byte, limit int) (int, error) {
	depth := 0
	i := 0
	for i < len(b) {
		if i > limit {
			return 0, errors.Annotatef(ErrStanzaTooLarge, "max=%d", limit)
		}
		if b[i] != '<' {
			if depth == 0 {
				return 0, errors.NotValidf("text outside element %q", truncate(b[i:], 16))
			}
			i++
			continue
		}
		rest := b[i:]
		switch {
		case needMore(rest, "<![CDATA["), needMore(rest, "<!--"), len(rest) < 2:
			return -1, nil
		case bytes.HasPrefix(rest, []byte("<![CDATA[")):
			end := bytes.Index(rest, []byte("]]>"))
			if end < 0 {
				return -1, nil
			}
			i += end + 3
		case bytes.HasPrefix(rest, []byte("<!--")):
			end := bytes.Index(rest[4:], []byte("-->"))
			if end < 0 {
				return -1, nil
			}
			i += 4 + end + 3
		case bytes.HasPrefix(rest, []byte("<?")):
			end := bytes.Index(rest, []byte("?>"))
			if end < 0 {
				return -1, nil
			}
			i += end + 2
		case bytes.HasPrefix(rest, []byte("<!")):
			return 0, errors.NotSupportedf("markup %q", truncate(rest, 16))
		case rest[1] == '/':
			end := bytes.IndexByte(rest, '>')
			if end < 0 {
				return -1, nil
			}
			i += end + 1
			depth--
			if depth < 0 {
				return 0, errors.NotValidf("unexpected end tag %q", truncate(rest, 32))
			}
			if depth == 0 {
				return i, nil
			}
		default:
			end, err := scanTag(rest)
			if end < 0 || err != nil {
				return end, err
			}
			i += end
			if rest[end-2] != '/' {
				depth++
			} else if depth == 0 {
				return i, nil
			}
		}
	}
	return -1, nil
}

// decodeNode builds Node tree from bytes of exactly one complete element.
func decodeNode(b []byte) (*Node, error) {
	d := xml.NewDecoder(bytes.NewReader(b))
	var root *Node
	var stack []*Node
	for {
		tok, err := d.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Annotate(err, "decode stanza")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: rawName(t.Name), Attrs: make([]Attr, 0, len(t.Attr))}
			for _, a := range t.Attr {
				name := rawName(a.Name)
				if _, dup := n.Attr(name); dup {
					return nil, errors.NotValidf("element=%s duplicate attribute=%s", n.Name, name)
				}
				n.Attrs = append(n.Attrs, Attr{Name: name, Value: a.Value})
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, errors.NotValidf("second root element=%s", n.Name)
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			name := rawName(t.Name)
			if len(stack) == 0 || stack[len(stack)-1].Name != name {
				return nil, errors.NotValidf("mismatched end tag=%s", name)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) != 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}
	if root == nil || len(stack) != 0 {
		return nil, errors.NotValidf("incomplete element")
	}
	root.raw = append([]byte(nil), b...)
	return root, nil
}

func rawName(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

func truncate(b []byte, max int) []byte {
	if len(b) > max {
		return b[:max]
	}
	return b
}
