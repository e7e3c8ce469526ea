package xmpp

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"io"
	"strings"

	"github.com/juju/errors"
	"github.com/meszmate/xmpp-go/stanza"
)

const (
	DefaultHost   = "talk.google.com"
	DefaultPort   = 5222
	DefaultDomain = "clouddevices.gserviceaccount.com"

	nsPing = "urn:xmpp:ping"

	mechanismOAuth2 = "X-OAUTH2"
	pushChannel     = "cloud_devices"

	iqBindID      = "0"
	iqSessionID   = "1"
	iqSubscribeID = "pushsubscribe1"
)

func StreamHeader(domain string) []byte {
	return []byte("<stream:stream to='" + attrEscape(domain) + "' " +
		"xmlns:stream='http://etherx.jabber.org/streams' " +
		"xml:lang='*' version='1.0' xmlns='jabber:client'>")
}

func StartTLSMessage() []byte {
	return []byte("<starttls xmlns='urn:ietf:params:xml:ns:xmpp-tls'/>")
}

// AuthMessage is SASL X-OAUTH2 request, credential is base64("\x00" + account + "\x00" + token).
func AuthMessage(account, token string) []byte {
	credential := base64.StdEncoding.EncodeToString([]byte("\x00" + account + "\x00" + token))
	return []byte("<auth xmlns='urn:ietf:params:xml:ns:xmpp-sasl' mechanism='" + mechanismOAuth2 + "' " +
		"auth:service='oauth2' auth:allow-non-google-login='true' " +
		"auth:client-uses-full-bind-result='true' " +
		"xmlns:auth='http://www.google.com/talk/protocol/auth'>" +
		credential + "</auth>")
}

func BindMessage() []byte {
	return []byte("<iq type='set' id='" + iqBindID + "'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/></iq>")
}

func SessionMessage() []byte {
	return []byte("<iq type='set' id='" + iqSessionID + "'><session xmlns='urn:ietf:params:xml:ns:xmpp-session'/></iq>")
}

func SubscribeMessage(account string) []byte {
	return []byte("<iq type='set' to='" + attrEscape(account) + "' id='" + iqSubscribeID + "'>" +
		"<subscribe xmlns='google:push'><item channel='" + pushChannel + "' from=''/></subscribe></iq>")
}

// IqResultMessage acknowledges server iq, e.g. ping.
func IqResultMessage(iq *stanza.IQ) []byte { return marshalStanza(iq.ResultIQ()) }

// IqServiceUnavailableMessage rejects unsupported server iq get/set.
func IqServiceUnavailableMessage(iq *stanza.IQ) []byte {
	return marshalStanza(iq.ErrorIQ(stanza.NewStanzaError(stanza.ErrorTypeCancel, stanza.ErrorServiceUnavailable, "")))
}

func KeepaliveMessage() []byte { return []byte(" ") }

func marshalStanza(v interface{}) []byte {
	b, err := xml.Marshal(v)
	if err != nil {
		panic(errors.Annotate(err, "code error xmpp marshal stanza"))
	}
	return b
}

func attrEscape(s string) string {
	var buf bytes.Buffer
	escapeAttr(&buf, s)
	return buf.String()
}

// PushData extracts base64 decoded payload of push notification message.
// ok=false when message has no push:push/push:data element.
func PushData(msg *stanza.Message) ([]byte, bool, error) {
	for _, ext := range msg.Extensions {
		if ext.XMLName.Local != "push" {
			continue
		}
		text, found, err := childText(ext.Inner, "data")
		if err != nil {
			return nil, true, errors.Annotate(err, "push data")
		}
		if !found {
			continue
		}
		payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
		if err != nil {
			return nil, true, errors.Annotate(err, "push data")
		}
		return payload, true, nil
	}
	return nil, false, nil
}

// childText returns text of first top level element with local name in inner XML.
func childText(inner []byte, local string) (string, bool, error) {
	d := xml.NewDecoder(bytes.NewReader(inner))
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != local {
			if err := d.Skip(); err != nil {
				return "", false, err
			}
			continue
		}
		var text string
		err = d.DecodeElement(&text, &start)
		return text, err == nil, err
	}
}

func isFeatures(n *Node) bool { return n.Name == "stream:features" }

func hasMechanism(features *Node, mechanism string) bool {
	for _, m := range features.FindChildren("mechanisms/mechanism", false) {
		if m.Text == mechanism {
			return true
		}
	}
	return false
}

func isIqResult(n *Node, id string) bool {
	if n.Name != "iq" {
		return false
	}
	var iq stanza.IQ
	return n.Decode(&iq) == nil && iq.Type == stanza.IQResult && iq.ID == id
}

func isPing(iq *stanza.IQ) bool {
	d := xml.NewDecoder(bytes.NewReader(iq.Query))
	for {
		tok, err := d.Token()
		if err != nil {
			return false
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Space == nsPing && start.Name.Local == "ping"
		}
	}
}
