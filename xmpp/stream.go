package xmpp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"io/ioutil"
	"net"

	"github.com/juju/errors"
)

// Stream is connection transport, plain TCP before starttls and TLS after.
type Stream = io.ReadWriteCloser

type Dialer interface {
	Dial(ctx context.Context, address string) (Stream, error)
	// StartTLS takes ownership of plain stream, closes it on error.
	StartTLS(ctx context.Context, plain Stream, serverName string) (Stream, error)
}

type NetDialer struct {
	Dialer    net.Dialer
	TLSConfig *tls.Config
}

var _ Dialer = &NetDialer{}

func (d *NetDialer) Dial(ctx context.Context, address string) (Stream, error) {
	conn, err := d.Dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Annotatef(err, "dial %s", address)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	return conn, nil
}

func (d *NetDialer) StartTLS(ctx context.Context, plain Stream, serverName string) (Stream, error) {
	conn, ok := plain.(net.Conn)
	if !ok {
		_ = plain.Close()
		return nil, errors.NotSupportedf("starttls on %T", plain)
	}
	var config *tls.Config
	if d.TLSConfig != nil {
		config = d.TLSConfig.Clone()
	} else {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		config.ServerName = serverName
	}
	tlsConn := tls.Client(conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, errors.Annotatef(err, "tls handshake server=%s", config.ServerName)
	}
	return tlsConn, nil
}

// NewTLSConfig returns nil when system defaults are enough.
func NewTLSConfig(caFile, serverName string) (*tls.Config, error) {
	if caFile == "" && serverName == "" {
		return nil, nil
	}
	config := &tls.Config{ServerName: serverName}
	if caFile != "" {
		pem, err := ioutil.ReadFile(caFile)
		if err != nil {
			return nil, errors.Annotate(err, "tls ca file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.NotValidf("tls ca file=%s no certificates", caFile)
		}
		config.RootCAs = pool
	}
	return config, nil
}
