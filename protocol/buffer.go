package protocol

import "encoding/binary"

// MessageWriter accumulates one wire frame in memory. It writes the tag (if
// any) up front, reserves the four length bytes, and backpatches the length
// when Bytes is called. The length field counts itself but not the tag.
type MessageWriter struct {
	buf    []byte
	lenOff int
}

// NewMessageWriter starts a frame for the given message type. A zero msgType
// starts an untagged frame (StartupMessage, SSLRequest, CancelRequest).
func NewMessageWriter(msgType byte) *MessageWriter {
	w := &MessageWriter{}
	if msgType != 0x00 {
		w.buf = append(w.buf, msgType)
	}
	w.lenOff = len(w.buf)
	w.buf = append(w.buf, 0, 0, 0, 0)
	return w
}

func (w *MessageWriter) Write(b []byte) error {
	w.buf = append(w.buf, b...)
	return nil
}

func (w *MessageWriter) WriteByte(b byte) error {
	w.buf = append(w.buf, b)
	return nil
}

func (w *MessageWriter) WriteInt16(i int16) error {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(i))
	return nil
}

func (w *MessageWriter) WriteInt32(i int32) error {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(i))
	return nil
}

// WriteString appends str followed by the NUL terminator.
func (w *MessageWriter) WriteString(str string) error {
	w.buf = append(w.buf, str...)
	w.buf = append(w.buf, 0x00)
	return nil
}

// Len returns the number of bytes written so far, tag and length field
// included.
func (w *MessageWriter) Len() int { return len(w.buf) }

// PatchInt32 overwrites four bytes at off with i in big-endian order. Used
// for length fields that are only known after the payload is written.
func (w *MessageWriter) PatchInt32(off int, i int32) {
	binary.BigEndian.PutUint32(w.buf[off:off+4], uint32(i))
}

// Bytes finalizes the frame: the reserved length field is patched to cover
// everything from itself to the end, and the framed bytes are returned. The
// writer must not be reused afterwards.
func (w *MessageWriter) Bytes() []byte {
	w.PatchInt32(w.lenOff, int32(len(w.buf)-w.lenOff))
	return w.buf
}
