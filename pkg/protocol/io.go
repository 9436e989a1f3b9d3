package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/google/uuid"
)

// Primitive wire encoding: big-endian integers, length-prefixed strings
// (uint16) and byte blobs (uint32), optionals as a presence bool.

var (
	ErrStringTooLong = errors.New("string exceeds maximum length (65535 bytes)")
	ErrBlobTooLarge  = errors.New("byte blob exceeds maximum frame size")
)

func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func WriteUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func WriteUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func WriteFloat64(w io.Writer, v float64) error {
	return WriteUint64(w, math.Float64bits(v))
}

func ReadFloat64(r io.Reader) (float64, error) {
	bits, err := ReadUint64(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

func WriteBool(w io.Writer, v bool) error {
	if v {
		return WriteUint8(w, 1)
	}
	return WriteUint8(w, 0)
}

func ReadBool(r io.Reader) (bool, error) {
	b, err := ReadUint8(r)
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func WriteString(w io.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return ErrStringTooLong
	}
	if err := WriteUint16(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func WriteBytes(w io.Writer, b []byte) error {
	if len(b) > MaxFrameSize {
		return ErrBlobTooLarge
	}
	if err := WriteUint32(w, uint32(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

func ReadBytes(r io.Reader) ([]byte, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, ErrBlobTooLarge
	}
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func WriteUUID(w io.Writer, id uuid.UUID) error {
	_, err := w.Write(id[:])
	return err
}

func ReadUUID(r io.Reader) (uuid.UUID, error) {
	var id uuid.UUID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func WriteOptionalString(w io.Writer, s *string) error {
	if s == nil {
		return WriteBool(w, false)
	}
	if err := WriteBool(w, true); err != nil {
		return err
	}
	return WriteString(w, *s)
}

func ReadOptionalString(r io.Reader) (*string, error) {
	present, err := ReadBool(r)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	s, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
