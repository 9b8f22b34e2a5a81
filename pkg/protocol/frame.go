package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// TypeText carries a length-prefixed UTF-8 string. Handshake control
	// strings and chat text share this frame type.
	TypeText uint8 = 0x01

	// TypeFile carries a length-prefixed filename, an 8-byte payload
	// length, and the raw payload bytes.
	TypeFile uint8 = 0x02

	// MaxFileSize is the maximum accepted file payload (50 MB).
	MaxFileSize = 50_000_000

	// MaxStringLen is the maximum encodable string length. Strings are
	// prefixed with a 2-byte length, so anything longer cannot be framed.
	MaxStringLen = math.MaxUint16
)

var (
	ErrUnknownFrameType = errors.New("unknown frame type")
	ErrStringTooLong    = errors.New("string exceeds maximum encodable length (65535 bytes)")
	ErrFileTooLarge     = errors.New("file exceeds maximum size (50 MB)")
)

// Frame is one decoded unit of the wire protocol.
//
// For TypeText only Text is populated. For TypeFile, FileName and
// FileData are populated and Text is empty.
type Frame struct {
	Type     uint8
	Text     string
	FileName string
	FileData []byte
}

// WriteString writes a 2-byte big-endian length followed by the UTF-8
// bytes of s.
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxStringLen {
		return ErrStringTooLong
	}
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(s)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a 2-byte big-endian length prefix and exactly that
// many bytes. A short read is an error; no resynchronization is
// attempted.
func ReadString(r io.Reader) (string, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(prefix[:])
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteUint8 writes a single byte.
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// ReadUint8 reads a single byte.
func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteUint64 writes an 8-byte big-endian integer.
func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadUint64 reads an 8-byte big-endian integer.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// EncodeText writes one TEXT frame and flushes if the writer supports
// it. Callers sharing a writer must serialize around this call so
// concurrent frames never interleave on the wire.
func EncodeText(w io.Writer, text string) error {
	if err := WriteUint8(w, TypeText); err != nil {
		return err
	}
	if err := WriteString(w, text); err != nil {
		return err
	}
	return flush(w)
}

// EncodeFile writes one FILE frame and flushes if the writer supports
// it. The same serialization rule as EncodeText applies.
func EncodeFile(w io.Writer, name string, data []byte) error {
	if len(data) > MaxFileSize {
		return ErrFileTooLarge
	}
	if err := WriteUint8(w, TypeFile); err != nil {
		return err
	}
	if err := WriteString(w, name); err != nil {
		return err
	}
	if err := WriteUint64(w, uint64(len(data))); err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return flush(w)
}

// DecodeFrame reads the next frame from the stream. Decoding is strict
// and blocking: a short read or malformed length is fatal for the
// connection.
//
// A FILE frame whose declared payload exceeds MaxFileSize is drained
// completely so the stream stays frame-aligned, and ErrFileTooLarge is
// returned with the frame's filename populated. The caller decides
// whether the connection continues.
func DecodeFrame(r io.Reader) (*Frame, error) {
	tag, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}

	switch tag {
	case TypeText:
		text, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		return &Frame{Type: TypeText, Text: text}, nil

	case TypeFile:
		name, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		size, err := ReadUint64(r)
		if err != nil {
			return nil, err
		}
		if size > MaxFileSize {
			if err := drain(r, size); err != nil {
				return nil, err
			}
			return &Frame{Type: TypeFile, FileName: name}, ErrFileTooLarge
		}
		data := make([]byte, size)
		if size > 0 {
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, err
			}
		}
		return &Frame{Type: TypeFile, FileName: name, FileData: data}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownFrameType, tag)
	}
}

// drain consumes exactly n bytes of a rejected payload so the stream
// stays usable for the next frame.
func drain(r io.Reader, n uint64) error {
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}

func flush(w io.Writer) error {
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}
