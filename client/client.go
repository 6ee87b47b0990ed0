// Package client is a minimal embedder for the protocol core: it owns the
// TCP/TLS transport and pumps bytes between the socket and the state
// machine. Anything higher level (row decoding, pooling) belongs to the
// application.
package client

import (
	"fmt"
	"net"

	"github.com/brunopadz/pgwire/conn"
	"github.com/brunopadz/pgwire/protocol"
	"github.com/brunopadz/pgwire/util/log"
)

type Client struct {
	cfg     conn.ConnectionConfig
	conn    net.Conn
	machine *conn.Machine
}

// Dial opens the transport and negotiates SSL according to the
// configuration. The protocol handshake is left to Connect.
func Dial(cfg conn.ConnectionConfig) (*Client, error) {
	c, err := net.Dial("tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.Addr(), err)
	}

	c, err = negotiateSSL(c, cfg)
	if err != nil {
		c.Close()
		return nil, err
	}

	return &Client{cfg: cfg, conn: c, machine: conn.NewMachine(cfg)}, nil
}

// Connect runs the startup and authentication exchange until the server
// reports ReadyForQuery.
func (c *Client) Connect() error {
	startup, err := c.machine.Startup()
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(startup.Serialize()); err != nil {
		return fmt.Errorf("writing startup message: %w", err)
	}

	for c.machine.State() != conn.StateReadyForQuery {
		msg, err := c.receive()
		if err != nil {
			return err
		}

		reply, err := c.machine.Receive(msg)
		if err != nil {
			return err
		}
		if reply != nil {
			if _, err := c.conn.Write(reply.Serialize()); err != nil {
				return fmt.Errorf("writing authentication reply: %w", err)
			}
		}

		if c.machine.State() == conn.StateError {
			if sqlErr := c.machine.LastError(); sqlErr != nil {
				return sqlErr
			}
			return fmt.Errorf("connection failed: %s", c.machine.ErrorDetail())
		}
	}

	log.WithFields(map[string]interface{}{
		"host": c.cfg.Addr(),
		"user": c.cfg.User,
	}).Debug("connection ready")
	return nil
}

// SimpleQuery sends one simple-protocol statement and collects every
// response message up to the closing ReadyForQuery. The messages are
// surfaced as parsed; interpreting row values is the caller's business.
func (c *Client) SimpleQuery(sql string) ([]protocol.BackendMessage, error) {
	query := &protocol.Query{SQL: sql}
	if err := c.machine.Send(query); err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(query.Serialize()); err != nil {
		return nil, fmt.Errorf("writing query: %w", err)
	}

	var messages []protocol.BackendMessage
	for {
		msg, err := c.receive()
		if err != nil {
			return messages, err
		}
		if _, err := c.machine.Receive(msg); err != nil {
			return messages, err
		}
		messages = append(messages, msg)
		if _, ok := msg.(*protocol.ReadyForQuery); ok {
			return messages, nil
		}
	}
}

// Cancel opens a dedicated connection and fires a CancelRequest carrying
// the key data saved during startup. The server closes the extra connection
// without replying.
func (c *Client) Cancel() error {
	keyData, ok := c.machine.BackendKeyData()
	if !ok {
		return fmt.Errorf("no backend key data received during startup")
	}
	return SendCancel(c.cfg, keyData.ProcessID, keyData.SecretKey)
}

// SendCancel delivers a CancelRequest for the given key data on a fresh
// connection.
func SendCancel(cfg conn.ConnectionConfig, pid, secret int32) error {
	cancelConn, err := net.Dial("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("dialing %s for cancel: %w", cfg.Addr(), err)
	}
	defer cancelConn.Close()

	request := &protocol.CancelRequest{ProcessID: pid, SecretKey: secret}
	if _, err := cancelConn.Write(request.Serialize()); err != nil {
		return fmt.Errorf("writing cancel request: %w", err)
	}
	return nil
}

// Machine exposes the state machine for inspection.
func (c *Client) Machine() *conn.Machine { return c.machine }

// Close sends Terminate if the session still allows it and closes the
// transport.
func (c *Client) Close() error {
	terminate := &protocol.Terminate{}
	if err := c.machine.Send(terminate); err == nil {
		if _, err := c.conn.Write(terminate.Serialize()); err != nil {
			log.Debugf("writing terminate: %v", err)
		}
	}
	return c.conn.Close()
}

func (c *Client) receive() (protocol.BackendMessage, error) {
	tag, payload, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return protocol.ParseBackend(tag, payload)
}
