package client

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/brunopadz/pgwire/conn"
	"github.com/brunopadz/pgwire/protocol"
	"github.com/brunopadz/pgwire/util/log"
)

/*
 * First determine if SSL is allowed by the backend. To do this, send an
 * SSL request. The response from the backend is a single byte message.
 * If the value is 'S', then SSL connections are allowed and an upgrade
 * to the connection should be attempted. If the value is 'N', then the
 * backend does not support SSL connections.
 */
func negotiateSSL(c net.Conn, cfg conn.ConnectionConfig) (net.Conn, error) {
	if cfg.SSLMode == conn.SSLDisable {
		return c, nil
	}

	if _, err := c.Write((&protocol.SSLRequest{}).Serialize()); err != nil {
		return nil, fmt.Errorf("sending SSL request: %w", err)
	}

	response := []byte{0}
	if _, err := c.Read(response); err != nil {
		return nil, fmt.Errorf("reading SSL response: %w", err)
	}

	switch response[0] {
	case protocol.SSLAllowed:
		log.Debugf("Upgrading connection to %s to TLS", cfg.Addr())
		tlsConn := tls.Client(c, &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: cfg.SSLMode != conn.SSLRequire,
		})
		if err := tlsConn.Handshake(); err != nil {
			return nil, fmt.Errorf("TLS handshake: %w", err)
		}
		return tlsConn, nil
	case protocol.SSLNotAllowed:
		if cfg.SSLMode == conn.SSLRequire {
			return nil, fmt.Errorf("server at %s does not allow SSL connections", cfg.Addr())
		}
		log.Debugf("Server at %s does not allow SSL, continuing in cleartext", cfg.Addr())
		return c, nil
	}
	return nil, &protocol.InvalidMessageError{Tag: response[0], Detail: "unexpected SSL response"}
}
