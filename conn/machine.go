package conn

import (
	"fmt"

	"github.com/brunopadz/pgwire/auth"
	"github.com/brunopadz/pgwire/protocol"
)

// Machine is the connection state machine. It is a pure function of
// (state, event): Send validates and applies caller-originated messages,
// Receive applies server messages and may hand back an authentication reply
// for the embedder to put on the wire. The Machine itself never touches a
// socket.
//
// Callers must serialize access; the Machine does no locking.
type Machine struct {
	cfg ConnectionConfig

	state     State
	tx        protocol.TransactionStatus
	errDetail string

	params  map[string]string
	keyData *protocol.BackendKeyData
	scram   *auth.SCRAMAuthenticator
	lastErr *protocol.SQLError
}

func NewMachine(cfg ConnectionConfig) *Machine {
	return &Machine{
		cfg:    cfg,
		state:  StateConnecting,
		tx:     protocol.TxIdle,
		params: make(map[string]string),
	}
}

// Startup produces the StartupMessage for this configuration and moves the
// machine into the authentication phase.
func (m *Machine) Startup() (*protocol.StartupMessage, error) {
	if m.state != StateConnecting {
		return nil, &IllegalTransitionError{State: m.state, Event: "send StartupMessage"}
	}
	m.state = StateAuthenticating
	return &protocol.StartupMessage{
		User:     m.cfg.User,
		Database: m.cfg.Database,
		Options:  m.cfg.startupOptions(),
	}, nil
}

// State returns the current lifecycle state.
func (m *Machine) State() State { return m.state }

// TransactionStatus returns the status reported by the last ReadyForQuery.
func (m *Machine) TransactionStatus() protocol.TransactionStatus { return m.tx }

// ErrorDetail describes why the machine entered StateError.
func (m *Machine) ErrorDetail() string { return m.errDetail }

// ServerParameter looks up a parameter reported via ParameterStatus.
func (m *Machine) ServerParameter(name string) (string, bool) {
	v, ok := m.params[name]
	return v, ok
}

// BackendKeyData returns the cancellation key received during startup.
func (m *Machine) BackendKeyData() (protocol.BackendKeyData, bool) {
	if m.keyData == nil {
		return protocol.BackendKeyData{}, false
	}
	return *m.keyData, true
}

// LastError returns the most recent server ErrorResponse, if any.
func (m *Machine) LastError() *protocol.SQLError { return m.lastErr }

// Send validates that msg is legal in the current state and applies the
// transition it induces. The caller remains responsible for writing the
// serialized bytes, in call order.
func (m *Machine) Send(msg protocol.FrontendMessage) error {
	illegal := func() error {
		return &IllegalTransitionError{State: m.state, Event: fmt.Sprintf("send %T", msg)}
	}

	switch msg.(type) {
	case *protocol.Terminate:
		if m.state == StateTerminated {
			return illegal()
		}
		m.state = StateTerminated
		return nil

	case *protocol.StartupMessage:
		if m.state != StateConnecting {
			return illegal()
		}
		m.state = StateAuthenticating
		return nil

	case *protocol.SSLRequest, *protocol.CancelRequest:
		// Both belong to a connection that has not started up yet.
		if m.state != StateConnecting {
			return illegal()
		}
		return nil

	case *protocol.PasswordMessage, *protocol.SASLInitialResponse, *protocol.SASLResponse:
		if m.state != StateAuthenticating {
			return illegal()
		}
		return nil

	case *protocol.Query:
		if m.state != StateReadyForQuery {
			return illegal()
		}
		m.state = StateBusy
		return nil

	case *protocol.Parse, *protocol.Bind, *protocol.Describe, *protocol.Execute,
		*protocol.Close, *protocol.Sync, *protocol.Flush:
		// An extended-query cycle starts from ReadyForQuery but its
		// remaining messages are written before the server replies, so
		// they stay legal while busy. Cycle boundaries are not tracked, so
		// a message that opens a new cycle is also accepted while busy;
		// only Query requires ReadyForQuery.
		switch m.state {
		case StateReadyForQuery:
			m.state = StateBusy
			return nil
		case StateBusy:
			return nil
		}
		return illegal()

	case *protocol.CopyData:
		if m.state != StateCopyIn {
			return illegal()
		}
		return nil

	case *protocol.CopyDone, *protocol.CopyFail:
		if m.state != StateCopyIn {
			return illegal()
		}
		m.state = StateBusy
		return nil
	}

	return illegal()
}

// Receive applies one parsed backend message. When the server demands
// authentication material, the reply to write is returned; it is nil
// otherwise. An error return leaves the machine in StateError, except in
// StateTerminated, where the message is rejected and the state is unchanged.
func (m *Machine) Receive(msg protocol.BackendMessage) (protocol.FrontendMessage, error) {
	switch m.state {
	case StateTerminated:
		return nil, &IllegalTransitionError{State: m.state, Event: fmt.Sprintf("receive %T", msg)}
	case StateError:
		// The wire is already poisoned; swallow whatever trails in.
		return nil, nil
	}

	switch msg := msg.(type) {
	// Asynchronous messages are valid in every post-startup state and do
	// not move the machine.
	case *protocol.ParameterStatus:
		if m.state == StateConnecting {
			return nil, m.fail(msg)
		}
		m.params[msg.Name] = msg.Value
		return nil, nil
	case *protocol.NoticeResponse:
		if m.state == StateConnecting {
			return nil, m.fail(msg)
		}
		return nil, nil
	case *protocol.NotificationResponse:
		if m.state == StateConnecting {
			return nil, m.fail(msg)
		}
		return nil, nil

	case *protocol.ErrorResponse:
		return nil, m.receiveError(msg)

	case *protocol.ReadyForQuery:
		switch m.state {
		case StateAuthenticating, StateReadyForQuery, StateBusy, StateCopyIn, StateCopyOut:
			m.state = StateReadyForQuery
			m.tx = msg.Status
			return nil, nil
		}
		return nil, m.fail(msg)

	case *protocol.BackendKeyData:
		if m.state != StateAuthenticating || m.keyData != nil {
			return nil, m.fail(msg)
		}
		m.keyData = &protocol.BackendKeyData{ProcessID: msg.ProcessID, SecretKey: msg.SecretKey}
		return nil, nil

	case *protocol.AuthenticationOk:
		if m.state != StateAuthenticating {
			return nil, m.fail(msg)
		}
		return nil, nil

	case *protocol.AuthenticationCleartextPassword:
		if m.state != StateAuthenticating {
			return nil, m.fail(msg)
		}
		if m.cfg.Password == "" {
			return nil, m.failAuth(&auth.Error{Reason: "server requested a password but none was configured"})
		}
		return &protocol.PasswordMessage{Password: m.cfg.Password}, nil

	case *protocol.AuthenticationMD5Password:
		if m.state != StateAuthenticating {
			return nil, m.fail(msg)
		}
		if m.cfg.Password == "" {
			return nil, m.failAuth(&auth.Error{Reason: "server requested a password but none was configured"})
		}
		hashed := auth.HashMD5Password(m.cfg.User, m.cfg.Password, msg.Salt)
		return &protocol.PasswordMessage{Password: hashed}, nil

	case *protocol.AuthenticationSASL:
		if m.state != StateAuthenticating {
			return nil, m.fail(msg)
		}
		supported := false
		for _, mech := range msg.Mechanisms {
			if mech == auth.MechanismSCRAMSHA256 {
				supported = true
				break
			}
		}
		if !supported {
			return nil, m.failAuth(&auth.Error{Reason: fmt.Sprintf("no supported SASL mechanism offered (server offered %v)", msg.Mechanisms)})
		}
		// The username goes in the startup message, not the SCRAM
		// exchange.
		sc, err := auth.NewSCRAMAuthenticator("", m.cfg.Password)
		if err != nil {
			return nil, m.failAuth(err)
		}
		m.scram = sc
		return &protocol.SASLInitialResponse{
			Mechanism: auth.MechanismSCRAMSHA256,
			Data:      sc.InitialResponse(),
		}, nil

	case *protocol.AuthenticationSASLContinue:
		if m.state != StateAuthenticating || m.scram == nil {
			return nil, m.fail(msg)
		}
		final, err := m.scram.ProcessServerFirst(msg.Data)
		if err != nil {
			return nil, m.failAuth(err)
		}
		return &protocol.SASLResponse{Data: final}, nil

	case *protocol.AuthenticationSASLFinal:
		if m.state != StateAuthenticating || m.scram == nil {
			return nil, m.fail(msg)
		}
		if err := m.scram.ProcessServerFinal(msg.Data); err != nil {
			return nil, m.failAuth(err)
		}
		return nil, nil

	case *protocol.AuthenticationKerberosV5:
		return nil, m.failAuth(&protocol.UnsupportedAuthError{Code: protocol.AuthenticationKerberosV5Code})
	case *protocol.AuthenticationGSS:
		return nil, m.failAuth(&protocol.UnsupportedAuthError{Code: protocol.AuthenticationGSSCode})
	case *protocol.AuthenticationSSPI:
		return nil, m.failAuth(&protocol.UnsupportedAuthError{Code: protocol.AuthenticationSSPICode})

	case *protocol.RowDescription, *protocol.DataRow, *protocol.CommandComplete,
		*protocol.EmptyQueryResponse, *protocol.NoData, *protocol.PortalSuspended,
		*protocol.ParseComplete, *protocol.BindComplete, *protocol.CloseComplete,
		*protocol.ParameterDescription, *protocol.FunctionCallResponse:
		if m.state != StateBusy {
			return nil, m.fail(msg)
		}
		return nil, nil

	case *protocol.CopyInResponse:
		if m.state != StateBusy {
			return nil, m.fail(msg)
		}
		m.state = StateCopyIn
		return nil, nil

	case *protocol.CopyOutResponse, *protocol.CopyBothResponse:
		// CopyBoth only appears on replication connections; its receive
		// path behaves like CopyOut.
		if m.state != StateBusy {
			return nil, m.fail(msg)
		}
		m.state = StateCopyOut
		return nil, nil

	case *protocol.CopyData:
		if m.state != StateCopyOut {
			return nil, m.fail(msg)
		}
		return nil, nil

	case *protocol.CopyDone:
		if m.state != StateCopyOut {
			return nil, m.fail(msg)
		}
		m.state = StateBusy
		return nil, nil
	}

	return nil, m.fail(msg)
}

// receiveError applies a server ErrorResponse. During startup it is fatal;
// afterwards it is recorded and the state holds until ReadyForQuery.
func (m *Machine) receiveError(msg *protocol.ErrorResponse) error {
	sqlErr := protocol.SQLErrorFromFields(msg.Fields)
	m.lastErr = sqlErr

	switch m.state {
	case StateAuthenticating:
		m.state = StateError
		m.errDetail = sqlErr.Error()
		return nil
	case StateReadyForQuery, StateBusy, StateCopyIn, StateCopyOut:
		return nil
	}
	return m.fail(msg)
}

// fail marks a protocol contract violation: the machine enters StateError
// and only Terminate may follow.
func (m *Machine) fail(msg protocol.BackendMessage) error {
	err := &IllegalTransitionError{State: m.state, Event: fmt.Sprintf("receive %T", msg)}
	m.state = StateError
	m.errDetail = err.Error()
	return err
}

// failAuth marks a failed authentication exchange.
func (m *Machine) failAuth(err error) error {
	m.state = StateError
	m.errDetail = err.Error()
	return err
}
