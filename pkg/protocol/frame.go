package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WriteMessage writes h to w as a single message.
//
// Example:
//
//	err := protocol.WriteMessage(conn, resp)
//
// Returns:
//   - Error if h cannot be marshaled or writing fails
func WriteMessage(w io.Writer, h *Header) error {
	data, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadMessage reads one complete message from r and returns its raw bytes.
// The total length field of the header decides how many bytes follow it, so
// partial reads from the underlying stream are accumulated.
//
// Returns:
//   - io.EOF if the stream ends cleanly before the first byte of a message
//   - a [*ProtocolError] wrapping [ErrBadFrame] if the length field is smaller
//     than the header itself; the stream cannot be resynchronized after it
//   - any other read error, including io.ErrUnexpectedEOF
//
// Decoding the returned bytes with [Decode] may still fail. Such errors leave
// the stream aligned on the next message.
func ReadMessage(r io.Reader) ([]byte, error) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}

	total := int(binary.BigEndian.Uint16(head[4:6]))
	if total < HeaderSize {
		return nil, &ProtocolError{Err: fmt.Errorf("%w: total length %d is shorter than the header", ErrBadFrame, total)}
	}

	buf := make([]byte, total)
	copy(buf, head)
	if _, err := io.ReadFull(r, buf[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// ReadHeader reads and decodes one message.
func ReadHeader(r io.Reader) (*Header, error) {
	buf, err := ReadMessage(r)
	if err != nil {
		return nil, err
	}
	return Decode(buf)
}
