package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSQLErrorFromFields(t *testing.T) {
	fields := []ErrorField{
		{Type: FieldSeverity, Value: "ERROR"},
		{Type: FieldCode, Value: "23505"},
		{Type: FieldMessage, Value: "duplicate key value violates unique constraint \"users_pkey\""},
		{Type: FieldConstraintName, Value: "users_pkey"},
		{Type: FieldTableName, Value: "users"},
		{Type: FieldSchemaName, Value: "public"},
	}

	e := SQLErrorFromFields(fields)
	require.Equal(t, "ERROR", e.Severity)
	require.Equal(t, "23505", e.Code)
	require.Equal(t, "users_pkey", e.Constraint)
	require.Equal(t, "users", e.Table)
	require.Equal(t, "public", e.Schema)
	require.True(t, e.IsUniqueViolation())
	require.False(t, e.IsSyntaxError())
	require.Equal(t, "23", e.Class())
}

func TestSQLErrorClassification(t *testing.T) {
	tests := []struct {
		code  string
		check func(*SQLError) bool
	}{
		{ErrorCodeSyntaxError, (*SQLError).IsSyntaxError},
		{ErrorCodeUndefinedTable, (*SQLError).IsUndefinedTable},
		{ErrorCodeUniqueViolation, (*SQLError).IsUniqueViolation},
		{ErrorCodeInvalidPassword, (*SQLError).IsInvalidPassword},
		{ErrorCodeConnectionFailure, (*SQLError).IsConnectionFailure},
		{ErrorCodeClientUnableToConnect, (*SQLError).IsConnectionFailure},
	}
	for _, tt := range tests {
		e := &SQLError{Code: tt.code}
		require.True(t, tt.check(e), "code %s", tt.code)
	}
}

func TestSQLErrorError(t *testing.T) {
	e := &SQLError{Severity: "ERROR", Code: "42601", Message: "syntax error at or near \"SELEC\""}
	require.Equal(t, `ERROR: syntax error at or near "SELEC" (SQLSTATE 42601)`, e.Error())
}

func TestUnknownErrorFieldPreserved(t *testing.T) {
	payload := []byte("Stest\x00\x81future\x00\x00")
	msg, err := ParseBackend('E', payload)
	require.NoError(t, err)

	resp := msg.(*ErrorResponse)
	require.Len(t, resp.Fields, 2)
	require.Equal(t, FieldType('S'), resp.Fields[0].Type)
	require.Equal(t, FieldType(0x81), resp.Fields[1].Type)
	require.Equal(t, "future", resp.Fields[1].Value)
	require.False(t, resp.Fields[1].Type.Known())
	require.True(t, resp.Fields[0].Type.Known())
}

func TestFieldTypeChar(t *testing.T) {
	require.Equal(t, byte('C'), FieldCode.Char())
	require.Equal(t, FieldMessage, FieldTypeFromChar('M'))
}

func TestFormatCode(t *testing.T) {
	f, err := FormatCodeFromInt16(0)
	require.NoError(t, err)
	require.Equal(t, TextFormat, f)

	f, err = FormatCodeFromInt16(1)
	require.NoError(t, err)
	require.Equal(t, BinaryFormat, f)

	_, err = FormatCodeFromInt16(3)
	require.Error(t, err)
}
