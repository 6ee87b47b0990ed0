package protocol

import "sort"

// FrontendMessage is implemented by every message the client can send.
// Serialize returns the complete frame ready for the transport.
type FrontendMessage interface {
	Frontend()
	Serialize() []byte
}

// StartupMessage opens the connection. It is untagged; the protocol version
// takes the place of the tag. Options are written in sorted key order so
// the frame is deterministic.
type StartupMessage struct {
	User     string
	Database string
	Options  map[string]string
}

func (*StartupMessage) Frontend() {}

func (m *StartupMessage) Serialize() []byte {
	w := NewMessageWriter(0x00)
	w.WriteInt32(ProtocolVersion)
	w.WriteString("user")
	w.WriteString(m.User)
	if m.Database != "" && m.Database != m.User {
		w.WriteString("database")
		w.WriteString(m.Database)
	}
	keys := make([]string, 0, len(m.Options))
	for k := range m.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.WriteString(k)
		w.WriteString(m.Options[k])
	}
	w.WriteByte(0x00)
	return w.Bytes()
}

// SSLRequest probes whether the server accepts a TLS upgrade. The reply is a
// single raw byte, not a frame.
type SSLRequest struct{}

func (*SSLRequest) Frontend() {}

func (*SSLRequest) Serialize() []byte {
	w := NewMessageWriter(0x00)
	w.WriteInt32(SSLRequestCode)
	return w.Bytes()
}

// CancelRequest is sent on a dedicated connection to cancel the query
// running on the connection identified by the key data.
type CancelRequest struct {
	ProcessID int32
	SecretKey int32
}

func (*CancelRequest) Frontend() {}

func (m *CancelRequest) Serialize() []byte {
	w := NewMessageWriter(0x00)
	w.WriteInt32(CancelRequestCode)
	w.WriteInt32(m.ProcessID)
	w.WriteInt32(m.SecretKey)
	return w.Bytes()
}

// PasswordMessage answers a cleartext or MD5 authentication request.
type PasswordMessage struct {
	Password string
}

func (*PasswordMessage) Frontend() {}

func (m *PasswordMessage) Serialize() []byte {
	w := NewMessageWriter(PasswordMessageType)
	w.WriteString(m.Password)
	return w.Bytes()
}

// SASLInitialResponse carries the selected mechanism and the
// client-first-message.
type SASLInitialResponse struct {
	Mechanism string
	Data      []byte
}

func (*SASLInitialResponse) Frontend() {}

func (m *SASLInitialResponse) Serialize() []byte {
	w := NewMessageWriter(PasswordMessageType)
	w.WriteString(m.Mechanism)
	if len(m.Data) == 0 {
		w.WriteInt32(-1)
	} else {
		w.WriteInt32(int32(len(m.Data)))
		w.Write(m.Data)
	}
	return w.Bytes()
}

// SASLResponse carries a mechanism-specific continuation, for SCRAM the
// client-final-message.
type SASLResponse struct {
	Data []byte
}

func (*SASLResponse) Frontend() {}

func (m *SASLResponse) Serialize() []byte {
	w := NewMessageWriter(PasswordMessageType)
	w.Write(m.Data)
	return w.Bytes()
}

// Query runs a simple-protocol statement.
type Query struct {
	SQL string
}

func (*Query) Frontend() {}

func (m *Query) Serialize() []byte {
	w := NewMessageWriter(SimpleQueryMessageType)
	w.WriteString(m.SQL)
	return w.Bytes()
}

// Parse creates a prepared statement.
type Parse struct {
	Name          string
	SQL           string
	ParameterOIDs []int32
}

func (*Parse) Frontend() {}

func (m *Parse) Serialize() []byte {
	w := NewMessageWriter(ParseMessageType)
	w.WriteString(m.Name)
	w.WriteString(m.SQL)
	w.WriteInt16(int16(len(m.ParameterOIDs)))
	for _, oid := range m.ParameterOIDs {
		w.WriteInt32(oid)
	}
	return w.Bytes()
}

// Bind binds a prepared statement to a portal. A nil parameter is sent as
// NULL.
type Bind struct {
	Portal           string
	Statement        string
	ParameterFormats []FormatCode
	Parameters       [][]byte
	ResultFormats    []FormatCode
}

func (*Bind) Frontend() {}

func (m *Bind) Serialize() []byte {
	w := NewMessageWriter(BindMessageType)
	w.WriteString(m.Portal)
	w.WriteString(m.Statement)
	w.WriteInt16(int16(len(m.ParameterFormats)))
	for _, f := range m.ParameterFormats {
		w.WriteInt16(f.Int16())
	}
	w.WriteInt16(int16(len(m.Parameters)))
	for _, p := range m.Parameters {
		if p == nil {
			w.WriteInt32(-1)
			continue
		}
		w.WriteInt32(int32(len(p)))
		w.Write(p)
	}
	w.WriteInt16(int16(len(m.ResultFormats)))
	for _, f := range m.ResultFormats {
		w.WriteInt16(f.Int16())
	}
	return w.Bytes()
}

// Describe requests the description of a prepared statement ('S') or a
// portal ('P').
type Describe struct {
	Kind byte
	Name string
}

func (*Describe) Frontend() {}

func (m *Describe) Serialize() []byte {
	w := NewMessageWriter(DescribeMessageType)
	w.WriteByte(m.Kind)
	w.WriteString(m.Name)
	return w.Bytes()
}

// Execute runs a bound portal. MaxRows zero means unlimited.
type Execute struct {
	Portal  string
	MaxRows int32
}

func (*Execute) Frontend() {}

func (m *Execute) Serialize() []byte {
	w := NewMessageWriter(ExecuteMessageType)
	w.WriteString(m.Portal)
	w.WriteInt32(m.MaxRows)
	return w.Bytes()
}

// Close releases a prepared statement ('S') or portal ('P').
type Close struct {
	Kind byte
	Name string
}

func (*Close) Frontend() {}

func (m *Close) Serialize() []byte {
	w := NewMessageWriter(CloseMessageType)
	w.WriteByte(m.Kind)
	w.WriteString(m.Name)
	return w.Bytes()
}

type Sync struct{}

func (*Sync) Frontend() {}

func (*Sync) Serialize() []byte {
	return NewMessageWriter(SyncMessageType).Bytes()
}

type Flush struct{}

func (*Flush) Frontend() {}

func (*Flush) Serialize() []byte {
	return NewMessageWriter(FlushMessageType).Bytes()
}

type Terminate struct{}

func (*Terminate) Frontend() {}

func (*Terminate) Serialize() []byte {
	return NewMessageWriter(TerminateMessageType).Bytes()
}

// CopyData flows in both directions during COPY.
type CopyData struct {
	Data []byte
}

func (*CopyData) Frontend() {}
func (*CopyData) Backend()  {}

func (m *CopyData) Serialize() []byte {
	w := NewMessageWriter(CopyDataMessageType)
	w.Write(m.Data)
	return w.Bytes()
}

// CopyDone ends a COPY stream in either direction.
type CopyDone struct{}

func (*CopyDone) Frontend() {}
func (*CopyDone) Backend()  {}

func (*CopyDone) Serialize() []byte {
	return NewMessageWriter(CopyDoneMessageType).Bytes()
}

// CopyFail aborts a COPY FROM STDIN with the given reason.
type CopyFail struct {
	Reason string
}

func (*CopyFail) Frontend() {}

func (m *CopyFail) Serialize() []byte {
	w := NewMessageWriter(CopyFailMessageType)
	w.WriteString(m.Reason)
	return w.Bytes()
}
