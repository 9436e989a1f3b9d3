package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB)
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current protocol version
	ProtocolVersion = 1

	// CompressionThreshold is the minimum payload size to consider compression
	CompressionThreshold = 512
)

// Flag constants
const (
	FlagCompressed = 0x01 // Bit 0: LZ4 compression
	FlagEncrypted  = 0x02 // Bit 1: payload is an encrypted envelope
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame is the unit of transport framing.
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Payload (N bytes)]
type Frame struct {
	Version uint8
	Type    uint8
	Flags   uint8
	Payload []byte
}

// CompressPayload compresses data with LZ4, prepending the uncompressed size.
// Returns the original data unchanged when compression does not save space.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 || 4+n >= len(data) {
		return data, false
	}
	return compressed[:4+n], true
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}
	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	decompressed := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], decompressed)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}
	return decompressed, nil
}

// EncodeFrame writes a frame, compressing payloads above CompressionThreshold
// when that saves space.
func EncodeFrame(w io.Writer, f *Frame) error {
	payload := f.Payload
	flags := f.Flags

	if len(payload) >= CompressionThreshold && flags&FlagCompressed == 0 {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	length := uint32(1 + 1 + 1 + len(payload))
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	if err := WriteUint32(w, length); err != nil {
		return err
	}
	if err := WriteUint8(w, f.Version); err != nil {
		return err
	}
	if err := WriteUint8(w, f.Type); err != nil {
		return err
	}
	if err := WriteUint8(w, flags); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// DecodeFrame reads a frame, transparently decompressing the payload.
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length < 3 {
		return nil, ErrInvalidFrameLength
	}

	version, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}
	msgType, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}
	flags, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length-3)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	if flags&FlagCompressed != 0 && len(payload) > 0 {
		payload, err = DecompressPayload(payload)
		if err != nil {
			return nil, err
		}
		flags &^= FlagCompressed
	}

	return &Frame{
		Version: version,
		Type:    msgType,
		Flags:   flags,
		Payload: payload,
	}, nil
}

// EncodeMessage encodes a frame to a byte slice.
func EncodeMessage(version, msgType, flags uint8, payload []byte) ([]byte, error) {
	frame := &Frame{Version: version, Type: msgType, Flags: flags, Payload: payload}
	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, frame); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage decodes a frame from a byte slice.
func DecodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}
