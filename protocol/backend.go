package protocol

import "fmt"

// BackendMessage is implemented by every message the server can send.
type BackendMessage interface {
	Backend()
}

type AuthenticationOk struct{}

type AuthenticationKerberosV5 struct{}

type AuthenticationCleartextPassword struct{}

type AuthenticationMD5Password struct {
	Salt [4]byte
}

type AuthenticationGSS struct{}

type AuthenticationSSPI struct{}

type AuthenticationSASL struct {
	Mechanisms []string
}

type AuthenticationSASLContinue struct {
	Data []byte
}

type AuthenticationSASLFinal struct {
	Data []byte
}

type ParameterStatus struct {
	Name  string
	Value string
}

type BackendKeyData struct {
	ProcessID int32
	SecretKey int32
}

type ReadyForQuery struct {
	Status TransactionStatus
}

// FieldDescription describes one column of a RowDescription.
type FieldDescription struct {
	Name         string
	TableOID     int32
	ColumnAttr   int16
	TypeOID      int32
	TypeSize     int16
	TypeModifier int32
	Format       FormatCode
}

type RowDescription struct {
	Fields []FieldDescription
}

// DataRow carries one result row. A nil column is SQL NULL. Column slices
// alias the payload handed to ParseBackend.
type DataRow struct {
	Columns [][]byte
}

type CommandComplete struct {
	Tag string
}

type EmptyQueryResponse struct{}

type ErrorResponse struct {
	Fields []ErrorField
}

type NoticeResponse struct {
	Fields []ErrorField
}

type NotificationResponse struct {
	ProcessID int32
	Channel   string
	Payload   string
}

type NoData struct{}

type PortalSuspended struct{}

type ParseComplete struct{}

type BindComplete struct{}

type CloseComplete struct{}

type CopyInResponse struct {
	Format        FormatCode
	ColumnFormats []FormatCode
}

type CopyOutResponse struct {
	Format        FormatCode
	ColumnFormats []FormatCode
}

type CopyBothResponse struct {
	Format        FormatCode
	ColumnFormats []FormatCode
}

type ParameterDescription struct {
	ParameterOIDs []int32
}

// FunctionCallResponse carries the function result value; nil means NULL.
type FunctionCallResponse struct {
	Result []byte
}

func (*AuthenticationOk) Backend()                {}
func (*AuthenticationKerberosV5) Backend()        {}
func (*AuthenticationCleartextPassword) Backend() {}
func (*AuthenticationMD5Password) Backend()       {}
func (*AuthenticationGSS) Backend()               {}
func (*AuthenticationSSPI) Backend()              {}
func (*AuthenticationSASL) Backend()              {}
func (*AuthenticationSASLContinue) Backend()      {}
func (*AuthenticationSASLFinal) Backend()         {}
func (*ParameterStatus) Backend()                 {}
func (*BackendKeyData) Backend()                  {}
func (*ReadyForQuery) Backend()                   {}
func (*RowDescription) Backend()                  {}
func (*DataRow) Backend()                         {}
func (*CommandComplete) Backend()                 {}
func (*EmptyQueryResponse) Backend()              {}
func (*ErrorResponse) Backend()                   {}
func (*NoticeResponse) Backend()                  {}
func (*NotificationResponse) Backend()            {}
func (*NoData) Backend()                          {}
func (*PortalSuspended) Backend()                 {}
func (*ParseComplete) Backend()                   {}
func (*BindComplete) Backend()                    {}
func (*CloseComplete) Backend()                   {}
func (*CopyInResponse) Backend()                  {}
func (*CopyOutResponse) Backend()                 {}
func (*CopyBothResponse) Backend()                {}
func (*ParameterDescription) Backend()            {}
func (*FunctionCallResponse) Backend()            {}

// ParseBackend turns one delimited frame into its typed message. The payload
// must be exactly the frame body; residual bytes after the documented shape
// are rejected, except on Authentication frames where the protocol reserves
// room for method-specific extensions.
func ParseBackend(tag byte, payload []byte) (BackendMessage, error) {
	r := NewMessageReader(payload)

	var msg BackendMessage
	var err error

	switch tag {
	case AuthenticationMessageType:
		return parseAuthentication(r)
	case ParameterStatusMessageType:
		msg, err = parseParameterStatus(r)
	case BackendKeyDataMessageType:
		msg, err = parseBackendKeyData(r)
	case ReadyForQueryMessageType:
		msg, err = parseReadyForQuery(r)
	case RowDescriptionMessageType:
		msg, err = parseRowDescription(r)
	case DataRowMessageType:
		msg, err = parseDataRow(r)
	case CommandCompleteMessageType:
		msg, err = parseCommandComplete(r)
	case EmptyQueryMessageType:
		msg = &EmptyQueryResponse{}
	case ErrorMessageType:
		fields, ferr := readErrorFields(r)
		msg, err = &ErrorResponse{Fields: fields}, ferr
	case NoticeMessageType:
		fields, ferr := readErrorFields(r)
		msg, err = &NoticeResponse{Fields: fields}, ferr
	case NotificationMessageType:
		msg, err = parseNotification(r)
	case NoDataMessageType:
		msg = &NoData{}
	case PortalSuspendedMessageType:
		msg = &PortalSuspended{}
	case ParseCompleteMessageType:
		msg = &ParseComplete{}
	case BindCompleteMessageType:
		msg = &BindComplete{}
	case CloseCompleteMessageType:
		msg = &CloseComplete{}
	case CopyInResponseMessageType:
		format, formats, cerr := parseCopyResponse(r)
		msg, err = &CopyInResponse{Format: format, ColumnFormats: formats}, cerr
	case CopyOutResponseMessageType:
		format, formats, cerr := parseCopyResponse(r)
		msg, err = &CopyOutResponse{Format: format, ColumnFormats: formats}, cerr
	case CopyBothResponseMessageType:
		format, formats, cerr := parseCopyResponse(r)
		msg, err = &CopyBothResponse{Format: format, ColumnFormats: formats}, cerr
	case CopyDataMessageType:
		data, derr := r.ReadBytes(r.Remaining())
		msg, err = &CopyData{Data: data}, derr
	case CopyDoneMessageType:
		msg = &CopyDone{}
	case ParameterDescriptionMessageType:
		msg, err = parseParameterDescription(r)
	case FunctionCallResponseMessageType:
		msg, err = parseFunctionCallResponse(r)
	default:
		return nil, &InvalidMessageError{Tag: tag, Detail: "unknown backend message type"}
	}

	if err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, &InvalidMessageError{Tag: tag, Detail: fmt.Sprintf("%d residual bytes after payload", r.Remaining())}
	}
	return msg, nil
}

func parseAuthentication(r *MessageReader) (BackendMessage, error) {
	code, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}

	switch code {
	case AuthenticationOkCode:
		return &AuthenticationOk{}, nil
	case AuthenticationKerberosV5Code:
		return &AuthenticationKerberosV5{}, nil
	case AuthenticationClearTextCode:
		return &AuthenticationCleartextPassword{}, nil
	case AuthenticationMD5Code:
		salt, err := r.ReadBytes(4)
		if err != nil {
			return nil, err
		}
		m := &AuthenticationMD5Password{}
		copy(m.Salt[:], salt)
		return m, nil
	case AuthenticationGSSCode:
		return &AuthenticationGSS{}, nil
	case AuthenticationSSPICode:
		return &AuthenticationSSPI{}, nil
	case AuthenticationSASLCode:
		// NUL-terminated mechanism names, closed by an empty name.
		var mechanisms []string
		for {
			name, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			if name == "" {
				return &AuthenticationSASL{Mechanisms: mechanisms}, nil
			}
			mechanisms = append(mechanisms, name)
		}
	case AuthenticationSASLContinueCode:
		data, err := r.ReadBytes(r.Remaining())
		if err != nil {
			return nil, err
		}
		return &AuthenticationSASLContinue{Data: data}, nil
	case AuthenticationSASLFinalCode:
		data, err := r.ReadBytes(r.Remaining())
		if err != nil {
			return nil, err
		}
		return &AuthenticationSASLFinal{Data: data}, nil
	}
	return nil, &InvalidMessageError{Tag: AuthenticationMessageType, Detail: fmt.Sprintf("unknown authentication code %d", code)}
}

func parseParameterStatus(r *MessageReader) (*ParameterStatus, error) {
	name, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	value, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &ParameterStatus{Name: name, Value: value}, nil
}

func parseBackendKeyData(r *MessageReader) (*BackendKeyData, error) {
	pid, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	secret, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	return &BackendKeyData{ProcessID: pid, SecretKey: secret}, nil
}

func parseReadyForQuery(r *MessageReader) (*ReadyForQuery, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	status, err := TransactionStatusFromByte(b)
	if err != nil {
		return nil, err
	}
	return &ReadyForQuery{Status: status}, nil
}

func parseRowDescription(r *MessageReader) (*RowDescription, error) {
	count, err := r.ReadInt16()
	if err != nil {
		return nil, err
	}
	fields := make([]FieldDescription, count)
	for i := range fields {
		f := &fields[i]
		if f.Name, err = r.ReadString(); err != nil {
			return nil, err
		}
		if f.TableOID, err = r.ReadInt32(); err != nil {
			return nil, err
		}
		if f.ColumnAttr, err = r.ReadInt16(); err != nil {
			return nil, err
		}
		if f.TypeOID, err = r.ReadInt32(); err != nil {
			return nil, err
		}
		if f.TypeSize, err = r.ReadInt16(); err != nil {
			return nil, err
		}
		if f.TypeModifier, err = r.ReadInt32(); err != nil {
			return nil, err
		}
		code, err := r.ReadInt16()
		if err != nil {
			return nil, err
		}
		if f.Format, err = FormatCodeFromInt16(code); err != nil {
			return nil, err
		}
	}
	return &RowDescription{Fields: fields}, nil
}

func parseDataRow(r *MessageReader) (*DataRow, error) {
	count, err := r.ReadInt16()
	if err != nil {
		return nil, err
	}
	columns := make([][]byte, count)
	for i := range columns {
		size, err := r.ReadInt32()
		if err != nil {
			return nil, err
		}
		if size == -1 {
			continue // NULL
		}
		if columns[i], err = r.ReadBytes(int(size)); err != nil {
			return nil, err
		}
	}
	return &DataRow{Columns: columns}, nil
}

func parseCommandComplete(r *MessageReader) (*CommandComplete, error) {
	tag, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &CommandComplete{Tag: tag}, nil
}

func parseNotification(r *MessageReader) (*NotificationResponse, error) {
	pid, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	channel, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	payload, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return &NotificationResponse{ProcessID: pid, Channel: channel, Payload: payload}, nil
}

func parseCopyResponse(r *MessageReader) (FormatCode, []FormatCode, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	format, err := FormatCodeFromInt16(int16(b))
	if err != nil {
		return 0, nil, err
	}
	count, err := r.ReadInt16()
	if err != nil {
		return 0, nil, err
	}
	formats := make([]FormatCode, count)
	for i := range formats {
		code, err := r.ReadInt16()
		if err != nil {
			return 0, nil, err
		}
		if formats[i], err = FormatCodeFromInt16(code); err != nil {
			return 0, nil, err
		}
	}
	return format, formats, nil
}

func parseParameterDescription(r *MessageReader) (*ParameterDescription, error) {
	count, err := r.ReadInt16()
	if err != nil {
		return nil, err
	}
	oids := make([]int32, count)
	for i := range oids {
		if oids[i], err = r.ReadInt32(); err != nil {
			return nil, err
		}
	}
	return &ParameterDescription{ParameterOIDs: oids}, nil
}

func parseFunctionCallResponse(r *MessageReader) (*FunctionCallResponse, error) {
	size, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	if size == -1 {
		return &FunctionCallResponse{}, nil
	}
	result, err := r.ReadBytes(int(size))
	if err != nil {
		return nil, err
	}
	return &FunctionCallResponse{Result: result}, nil
}
