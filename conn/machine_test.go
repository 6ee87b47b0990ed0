package conn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	"github.com/brunopadz/pgwire/auth"
	"github.com/brunopadz/pgwire/protocol"
)

func testConfig() ConnectionConfig {
	cfg := DefaultConfig()
	cfg.User = "alice"
	cfg.Database = "app"
	cfg.Password = "hunter2"
	return cfg
}

func authenticatedMachine(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine(testConfig())
	_, err := m.Startup()
	require.NoError(t, err)

	for _, msg := range []protocol.BackendMessage{
		&protocol.AuthenticationOk{},
		&protocol.ParameterStatus{Name: "server_version", Value: "16.2"},
		&protocol.BackendKeyData{ProcessID: 1234, SecretKey: 5678},
		&protocol.ReadyForQuery{Status: protocol.TxIdle},
	} {
		_, err := m.Receive(msg)
		require.NoError(t, err)
	}
	require.Equal(t, StateReadyForQuery, m.State())
	return m
}

func TestStartupToReady(t *testing.T) {
	m := NewMachine(testConfig())
	require.Equal(t, StateConnecting, m.State())

	startup, err := m.Startup()
	require.NoError(t, err)
	require.Equal(t, "alice", startup.User)
	require.Equal(t, "app", startup.Database)
	require.Equal(t, StateAuthenticating, m.State())

	// Starting up twice is illegal.
	_, err = m.Startup()
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)

	m2 := authenticatedMachine(t)
	v, ok := m2.ServerParameter("server_version")
	require.True(t, ok)
	require.Equal(t, "16.2", v)

	keyData, ok := m2.BackendKeyData()
	require.True(t, ok)
	require.Equal(t, int32(1234), keyData.ProcessID)
	require.Equal(t, int32(5678), keyData.SecretKey)
	require.Equal(t, protocol.TxIdle, m2.TransactionStatus())
}

func TestCleartextAuthentication(t *testing.T) {
	m := NewMachine(testConfig())
	_, err := m.Startup()
	require.NoError(t, err)

	reply, err := m.Receive(&protocol.AuthenticationCleartextPassword{})
	require.NoError(t, err)
	require.Equal(t, &protocol.PasswordMessage{Password: "hunter2"}, reply)
}

func TestMD5Authentication(t *testing.T) {
	m := NewMachine(testConfig())
	_, err := m.Startup()
	require.NoError(t, err)

	reply, err := m.Receive(&protocol.AuthenticationMD5Password{Salt: [4]byte{1, 2, 3, 4}})
	require.NoError(t, err)

	pw := reply.(*protocol.PasswordMessage)
	require.True(t, strings.HasPrefix(pw.Password, "md5"))
	require.Len(t, pw.Password, 35)
	require.Equal(t, auth.HashMD5Password("alice", "hunter2", [4]byte{1, 2, 3, 4}), pw.Password)
}

func TestPasswordRequiredButMissing(t *testing.T) {
	cfg := testConfig()
	cfg.Password = ""
	m := NewMachine(cfg)
	_, err := m.Startup()
	require.NoError(t, err)

	_, err = m.Receive(&protocol.AuthenticationCleartextPassword{})
	var authErr *auth.Error
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, StateError, m.State())
}

func TestUnsupportedAuthentication(t *testing.T) {
	for _, msg := range []protocol.BackendMessage{
		&protocol.AuthenticationKerberosV5{},
		&protocol.AuthenticationGSS{},
		&protocol.AuthenticationSSPI{},
	} {
		m := NewMachine(testConfig())
		_, err := m.Startup()
		require.NoError(t, err)

		_, err = m.Receive(msg)
		var unsupported *protocol.UnsupportedAuthError
		require.ErrorAs(t, err, &unsupported, "message %T", msg)
		require.Equal(t, StateError, m.State())
	}
}

// TestSCRAMAuthentication plays the server side of a full SCRAM-SHA-256
// exchange against the machine, deriving the server signature from the same
// inputs.
func TestSCRAMAuthentication(t *testing.T) {
	m := NewMachine(testConfig())
	_, err := m.Startup()
	require.NoError(t, err)

	reply, err := m.Receive(&protocol.AuthenticationSASL{Mechanisms: []string{"SCRAM-SHA-256"}})
	require.NoError(t, err)

	initial := reply.(*protocol.SASLInitialResponse)
	require.Equal(t, "SCRAM-SHA-256", initial.Mechanism)
	require.True(t, strings.HasPrefix(string(initial.Data), "n,,n=,r="))
	clientNonce := strings.TrimPrefix(string(initial.Data), "n,,n=,r=")
	clientFirstBare := "n=,r=" + clientNonce

	salt := []byte("0123456789abcdef")
	serverNonce := clientNonce + "serverpart"
	serverFirst := "r=" + serverNonce + ",s=" + base64.StdEncoding.EncodeToString(salt) + ",i=4096"

	reply, err = m.Receive(&protocol.AuthenticationSASLContinue{Data: []byte(serverFirst)})
	require.NoError(t, err)
	clientFinal := string(reply.(*protocol.SASLResponse).Data)
	require.True(t, strings.HasPrefix(clientFinal, "c=biws,r="+serverNonce+",p="))

	// Verify the proof and sign the exchange like the server would.
	saltedPassword := pbkdf2.Key([]byte("hunter2"), salt, 4096, 32, sha256.New)
	authMessage := clientFirstBare + "," + serverFirst + ",c=biws,r=" + serverNonce

	clientKey := hmacSHA256(saltedPassword, "Client Key")
	storedKey := sha256.Sum256(clientKey)
	clientSignature := hmacSHA256(storedKey[:], authMessage)

	proofB64 := clientFinal[strings.Index(clientFinal, ",p=")+3:]
	proof, err := base64.StdEncoding.DecodeString(proofB64)
	require.NoError(t, err)
	recovered := make([]byte, len(proof))
	for i := range proof {
		recovered[i] = proof[i] ^ clientSignature[i]
	}
	require.Equal(t, clientKey, recovered)

	serverKey := hmacSHA256(saltedPassword, "Server Key")
	serverSignature := hmacSHA256(serverKey, authMessage)
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSignature)

	reply, err = m.Receive(&protocol.AuthenticationSASLFinal{Data: []byte(serverFinal)})
	require.NoError(t, err)
	require.Nil(t, reply)

	_, err = m.Receive(&protocol.AuthenticationOk{})
	require.NoError(t, err)
	_, err = m.Receive(&protocol.ReadyForQuery{Status: protocol.TxIdle})
	require.NoError(t, err)
	require.Equal(t, StateReadyForQuery, m.State())
}

func TestSCRAMNoSupportedMechanism(t *testing.T) {
	m := NewMachine(testConfig())
	_, err := m.Startup()
	require.NoError(t, err)

	_, err = m.Receive(&protocol.AuthenticationSASL{Mechanisms: []string{"SCRAM-SHA-1"}})
	var authErr *auth.Error
	require.ErrorAs(t, err, &authErr)
	require.Equal(t, StateError, m.State())
}

func TestSCRAMContinueWithoutInitial(t *testing.T) {
	m := NewMachine(testConfig())
	_, err := m.Startup()
	require.NoError(t, err)

	_, err = m.Receive(&protocol.AuthenticationSASLContinue{Data: []byte("r=x,s=eA==,i=1")})
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	require.Equal(t, StateError, m.State())
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func TestSimpleQueryCycle(t *testing.T) {
	m := authenticatedMachine(t)

	require.NoError(t, m.Send(&protocol.Query{SQL: "SELECT 1"}))
	require.Equal(t, StateBusy, m.State())

	for _, msg := range []protocol.BackendMessage{
		&protocol.RowDescription{Fields: []protocol.FieldDescription{{Name: "?column?"}}},
		&protocol.DataRow{Columns: [][]byte{[]byte("1")}},
		&protocol.CommandComplete{Tag: "SELECT 1"},
	} {
		_, err := m.Receive(msg)
		require.NoError(t, err)
		require.Equal(t, StateBusy, m.State())
	}

	_, err := m.Receive(&protocol.ReadyForQuery{Status: protocol.TxIdle})
	require.NoError(t, err)
	require.Equal(t, StateReadyForQuery, m.State())
}

func TestExtendedQueryCycle(t *testing.T) {
	m := authenticatedMachine(t)

	require.NoError(t, m.Send(&protocol.Parse{Name: "s", SQL: "SELECT $1"}))
	require.Equal(t, StateBusy, m.State())
	// The rest of the cycle is written before any reply arrives.
	require.NoError(t, m.Send(&protocol.Bind{Statement: "s"}))
	require.NoError(t, m.Send(&protocol.Describe{Kind: 'P'}))
	require.NoError(t, m.Send(&protocol.Execute{}))
	require.NoError(t, m.Send(&protocol.Sync{}))

	// A new simple query cannot interleave.
	err := m.Send(&protocol.Query{SQL: "SELECT 2"})
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)

	for _, msg := range []protocol.BackendMessage{
		&protocol.ParseComplete{},
		&protocol.BindComplete{},
		&protocol.RowDescription{Fields: nil},
		&protocol.DataRow{Columns: nil},
		&protocol.CommandComplete{Tag: "SELECT 1"},
		&protocol.ReadyForQuery{Status: protocol.TxIdle},
	} {
		_, err := m.Receive(msg)
		require.NoError(t, err)
	}
	require.Equal(t, StateReadyForQuery, m.State())
}

func TestErrorResponseKeepsStateUntilReadyForQuery(t *testing.T) {
	m := authenticatedMachine(t)
	require.NoError(t, m.Send(&protocol.Query{SQL: "SELEC 1"}))

	_, err := m.Receive(&protocol.ErrorResponse{Fields: []protocol.ErrorField{
		{Type: protocol.FieldSeverity, Value: "ERROR"},
		{Type: protocol.FieldCode, Value: "42601"},
		{Type: protocol.FieldMessage, Value: "syntax error"},
	}})
	require.NoError(t, err)
	require.Equal(t, StateBusy, m.State())
	require.True(t, m.LastError().IsSyntaxError())

	_, err = m.Receive(&protocol.ReadyForQuery{Status: protocol.TxFailed})
	require.NoError(t, err)
	require.Equal(t, StateReadyForQuery, m.State())
	require.Equal(t, protocol.TxFailed, m.TransactionStatus())
}

func TestCopyInCycle(t *testing.T) {
	m := authenticatedMachine(t)
	require.NoError(t, m.Send(&protocol.Query{SQL: "COPY t FROM STDIN"}))

	_, err := m.Receive(&protocol.CopyInResponse{Format: protocol.TextFormat})
	require.NoError(t, err)
	require.Equal(t, StateCopyIn, m.State())

	require.NoError(t, m.Send(&protocol.CopyData{Data: []byte("1\tx\n")}))
	require.Equal(t, StateCopyIn, m.State())
	require.NoError(t, m.Send(&protocol.CopyDone{}))
	require.Equal(t, StateBusy, m.State())

	for _, msg := range []protocol.BackendMessage{
		&protocol.CommandComplete{Tag: "COPY 1"},
		&protocol.ReadyForQuery{Status: protocol.TxIdle},
	} {
		_, err := m.Receive(msg)
		require.NoError(t, err)
	}
	require.Equal(t, StateReadyForQuery, m.State())
}

func TestCopyOutCycle(t *testing.T) {
	m := authenticatedMachine(t)
	require.NoError(t, m.Send(&protocol.Query{SQL: "COPY t TO STDOUT"}))

	_, err := m.Receive(&protocol.CopyOutResponse{Format: protocol.TextFormat})
	require.NoError(t, err)
	require.Equal(t, StateCopyOut, m.State())

	_, err = m.Receive(&protocol.CopyData{Data: []byte("1\tx\n")})
	require.NoError(t, err)
	require.Equal(t, StateCopyOut, m.State())

	_, err = m.Receive(&protocol.CopyDone{})
	require.NoError(t, err)
	require.Equal(t, StateBusy, m.State())
}

func TestCopyFailAborts(t *testing.T) {
	m := authenticatedMachine(t)
	require.NoError(t, m.Send(&protocol.Query{SQL: "COPY t FROM STDIN"}))
	_, err := m.Receive(&protocol.CopyInResponse{Format: protocol.TextFormat})
	require.NoError(t, err)

	require.NoError(t, m.Send(&protocol.CopyFail{Reason: "client changed its mind"}))
	require.Equal(t, StateBusy, m.State())
}

func TestNotificationsDoNotChangeState(t *testing.T) {
	m := authenticatedMachine(t)

	for _, msg := range []protocol.BackendMessage{
		&protocol.NotificationResponse{ProcessID: 9, Channel: "jobs", Payload: "go"},
		&protocol.NoticeResponse{},
		&protocol.ParameterStatus{Name: "TimeZone", Value: "UTC"},
	} {
		_, err := m.Receive(msg)
		require.NoError(t, err)
		require.Equal(t, StateReadyForQuery, m.State())
	}

	tz, ok := m.ServerParameter("TimeZone")
	require.True(t, ok)
	require.Equal(t, "UTC", tz)

	// Also mid-query.
	require.NoError(t, m.Send(&protocol.Query{SQL: "SELECT 1"}))
	_, err := m.Receive(&protocol.NotificationResponse{ProcessID: 9, Channel: "jobs", Payload: "again"})
	require.NoError(t, err)
	require.Equal(t, StateBusy, m.State())
}

func TestDuplicateBackendKeyDataIsFatal(t *testing.T) {
	m := NewMachine(testConfig())
	_, err := m.Startup()
	require.NoError(t, err)

	_, err = m.Receive(&protocol.BackendKeyData{ProcessID: 1, SecretKey: 2})
	require.NoError(t, err)
	_, err = m.Receive(&protocol.BackendKeyData{ProcessID: 3, SecretKey: 4})
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	require.Equal(t, StateError, m.State())
}

func TestIllegalSendsLeaveStateIntact(t *testing.T) {
	m := authenticatedMachine(t)

	var illegal *IllegalTransitionError
	require.ErrorAs(t, m.Send(&protocol.CopyData{Data: []byte("x")}), &illegal)
	require.ErrorAs(t, m.Send(&protocol.PasswordMessage{Password: "pw"}), &illegal)
	require.ErrorAs(t, m.Send(&protocol.SSLRequest{}), &illegal)
	require.Equal(t, StateReadyForQuery, m.State())
}

func TestIllegalReceiveEntersErrorState(t *testing.T) {
	m := authenticatedMachine(t)

	_, err := m.Receive(&protocol.ParseComplete{})
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
	require.Equal(t, StateError, m.State())
	require.NotEmpty(t, m.ErrorDetail())

	// Only Terminate may still be sent.
	require.Error(t, m.Send(&protocol.Query{SQL: "SELECT 1"}))
	require.NoError(t, m.Send(&protocol.Terminate{}))
	require.Equal(t, StateTerminated, m.State())
}

func TestErrorDuringAuthenticationIsFatal(t *testing.T) {
	m := NewMachine(testConfig())
	_, err := m.Startup()
	require.NoError(t, err)

	_, err = m.Receive(&protocol.ErrorResponse{Fields: []protocol.ErrorField{
		{Type: protocol.FieldSeverity, Value: "FATAL"},
		{Type: protocol.FieldCode, Value: "28P01"},
		{Type: protocol.FieldMessage, Value: "password authentication failed"},
	}})
	require.NoError(t, err)
	require.Equal(t, StateError, m.State())
	require.True(t, m.LastError().IsInvalidPassword())
}

func TestTerminateFromAnyLiveState(t *testing.T) {
	builders := map[string]func(*testing.T) *Machine{
		"connecting": func(t *testing.T) *Machine { return NewMachine(testConfig()) },
		"authenticating": func(t *testing.T) *Machine {
			m := NewMachine(testConfig())
			_, err := m.Startup()
			require.NoError(t, err)
			return m
		},
		"ready": authenticatedMachine,
		"busy": func(t *testing.T) *Machine {
			m := authenticatedMachine(t)
			require.NoError(t, m.Send(&protocol.Query{SQL: "SELECT 1"}))
			return m
		},
	}
	for name, build := range builders {
		t.Run(name, func(t *testing.T) {
			m := build(t)
			require.NoError(t, m.Send(&protocol.Terminate{}))
			require.Equal(t, StateTerminated, m.State())

			// Nothing more may be sent or received.
			require.Error(t, m.Send(&protocol.Terminate{}))
			_, err := m.Receive(&protocol.ReadyForQuery{Status: protocol.TxIdle})
			require.Error(t, err)
		})
	}
}

// TestStateClosure drives every reachable state with every message kind and
// requires a defined outcome each time: a transition or an
// IllegalTransitionError, never a panic.
func TestStateClosure(t *testing.T) {
	builders := map[State]func(*testing.T) *Machine{
		StateConnecting:     func(t *testing.T) *Machine { return NewMachine(testConfig()) },
		StateAuthenticating: func(t *testing.T) *Machine { m := NewMachine(testConfig()); mustStartup(t, m); return m },
		StateReadyForQuery:  authenticatedMachine,
		StateBusy: func(t *testing.T) *Machine {
			m := authenticatedMachine(t)
			require.NoError(t, m.Send(&protocol.Query{SQL: "SELECT 1"}))
			return m
		},
		StateCopyIn: func(t *testing.T) *Machine {
			m := authenticatedMachine(t)
			require.NoError(t, m.Send(&protocol.Query{SQL: "COPY t FROM STDIN"}))
			_, err := m.Receive(&protocol.CopyInResponse{})
			require.NoError(t, err)
			return m
		},
		StateCopyOut: func(t *testing.T) *Machine {
			m := authenticatedMachine(t)
			require.NoError(t, m.Send(&protocol.Query{SQL: "COPY t TO STDOUT"}))
			_, err := m.Receive(&protocol.CopyOutResponse{})
			require.NoError(t, err)
			return m
		},
		StateError: func(t *testing.T) *Machine {
			m := authenticatedMachine(t)
			_, _ = m.Receive(&protocol.ParseComplete{})
			require.Equal(t, StateError, m.State())
			return m
		},
		StateTerminated: func(t *testing.T) *Machine {
			m := NewMachine(testConfig())
			require.NoError(t, m.Send(&protocol.Terminate{}))
			return m
		},
	}

	backendMessages := []protocol.BackendMessage{
		&protocol.AuthenticationOk{},
		&protocol.AuthenticationCleartextPassword{},
		&protocol.AuthenticationMD5Password{},
		&protocol.AuthenticationSASL{Mechanisms: []string{"SCRAM-SHA-256"}},
		&protocol.AuthenticationSASLContinue{},
		&protocol.AuthenticationSASLFinal{},
		&protocol.AuthenticationKerberosV5{},
		&protocol.AuthenticationGSS{},
		&protocol.AuthenticationSSPI{},
		&protocol.ParameterStatus{Name: "k", Value: "v"},
		&protocol.BackendKeyData{},
		&protocol.ReadyForQuery{Status: protocol.TxIdle},
		&protocol.RowDescription{},
		&protocol.DataRow{},
		&protocol.CommandComplete{},
		&protocol.EmptyQueryResponse{},
		&protocol.ErrorResponse{},
		&protocol.NoticeResponse{},
		&protocol.NotificationResponse{},
		&protocol.NoData{},
		&protocol.PortalSuspended{},
		&protocol.ParseComplete{},
		&protocol.BindComplete{},
		&protocol.CloseComplete{},
		&protocol.CopyInResponse{},
		&protocol.CopyOutResponse{},
		&protocol.CopyBothResponse{},
		&protocol.CopyData{},
		&protocol.CopyDone{},
		&protocol.ParameterDescription{},
		&protocol.FunctionCallResponse{},
	}

	frontendMessages := []protocol.FrontendMessage{
		&protocol.StartupMessage{User: "u"},
		&protocol.SSLRequest{},
		&protocol.CancelRequest{},
		&protocol.PasswordMessage{},
		&protocol.SASLInitialResponse{},
		&protocol.SASLResponse{},
		&protocol.Query{},
		&protocol.Parse{},
		&protocol.Bind{},
		&protocol.Describe{},
		&protocol.Execute{},
		&protocol.Close{},
		&protocol.Sync{},
		&protocol.Flush{},
		&protocol.CopyData{},
		&protocol.CopyDone{},
		&protocol.CopyFail{},
		&protocol.Terminate{},
	}

	for state, build := range builders {
		for _, msg := range backendMessages {
			t.Run(state.String()+" recv", func(t *testing.T) {
				m := build(t)
				_, err := m.Receive(msg)
				if err != nil {
					requireKnownError(t, err)
				}
			})
		}
		for _, msg := range frontendMessages {
			t.Run(state.String()+" send", func(t *testing.T) {
				m := build(t)
				if err := m.Send(msg); err != nil {
					var illegal *IllegalTransitionError
					require.ErrorAs(t, err, &illegal)
				}
			})
		}
	}
}

func mustStartup(t *testing.T, m *Machine) {
	t.Helper()
	_, err := m.Startup()
	require.NoError(t, err)
}

// requireKnownError accepts the three failure shapes Receive may produce.
func requireKnownError(t *testing.T, err error) {
	t.Helper()
	var illegal *IllegalTransitionError
	var authErr *auth.Error
	var unsupported *protocol.UnsupportedAuthError
	ok := errors.As(err, &illegal) || errors.As(err, &authErr) || errors.As(err, &unsupported)
	require.True(t, ok, "unexpected error type: %v", err)
}
