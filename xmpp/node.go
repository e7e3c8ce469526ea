package xmpp

import (
	"bytes"
	"encoding/xml"
	"strings"

	"github.com/juju/errors"
)

type Attr struct {
	Name  string
	Value string
}

// Node is one parsed element. Names keep raw namespace prefixes, e.g. "stream:features".
type Node struct {
	Name     string
	Attrs    []Attr
	Text     string
	Children []*Node

	raw []byte // source of top level element
}

func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

func (n *Node) AttrOrEmpty(name string) string {
	v, _ := n.Attr(name)
	return v
}

// FindFirstChild returns first node matching slash separated path of names, e.g. "push:push/push:data".
// With recursive=true the first path element may be found at any depth.
func (n *Node) FindFirstChild(path string, recursive bool) *Node {
	if found := n.find(strings.Split(path, "/"), recursive, true); len(found) != 0 {
		return found[0]
	}
	return nil
}

func (n *Node) FindChildren(path string, recursive bool) []*Node {
	return n.find(strings.Split(path, "/"), recursive, false)
}

func (n *Node) find(path []string, recursive, first bool) []*Node {
	var result []*Node
	for _, child := range n.Children {
		if child.Name == path[0] {
			if len(path) == 1 {
				result = append(result, child)
			} else {
				result = append(result, child.find(path[1:], false, first)...)
			}
		}
		if first && len(result) != 0 {
			return result
		}
		if recursive {
			result = append(result, child.find(path, true, first)...)
			if first && len(result) != 0 {
				return result
			}
		}
	}
	return result
}

// Decode unmarshals element into v, e.g. *stanza.IQ or *stanza.Message.
func (n *Node) Decode(v interface{}) error {
	src := n.raw
	if src == nil {
		src = []byte(n.String())
	}
	return errors.Annotatef(xml.Unmarshal(src, v), "decode %s", n.Name)
}

// String formats node as XML, for logs.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	var buf bytes.Buffer
	n.write(&buf)
	return buf.String()
}

func (n *Node) write(buf *bytes.Buffer) {
	buf.WriteByte('<')
	buf.WriteString(n.Name)
	for _, a := range n.Attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.Name)
		buf.WriteString("='")
		escapeAttr(buf, a.Value)
		buf.WriteByte('\'')
	}
	if n.Text == "" && len(n.Children) == 0 {
		buf.WriteString("/>")
		return
	}
	buf.WriteByte('>')
	_ = xml.EscapeText(buf, []byte(n.Text))
	for _, child := range n.Children {
		child.write(buf)
	}
	buf.WriteString("</")
	buf.WriteString(n.Name)
	buf.WriteByte('>')
}

func escapeAttr(buf *bytes.Buffer, s string) {
	_ = xml.EscapeText(buf, []byte(s))
}
