package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{
			name: "empty payload",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    TypeKeepAlive,
				Flags:   0,
				Payload: []byte{},
			},
		},
		{
			name: "small payload",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    TypeIdentify,
				Flags:   0,
				Payload: []byte("hello"),
			},
		},
		{
			name: "encrypted flag set",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    TypeGroupEnvelope,
				Flags:   FlagEncrypted,
				Payload: []byte("sealed bytes"),
			},
		},
		{
			name: "max payload size",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    TypeTextureUpload,
				Flags:   0,
				Payload: make([]byte, MaxFrameSize-3),
			},
		},
		{
			name: "oversized payload",
			frame: Frame{
				Version: ProtocolVersion,
				Type:    TypeTextureUpload,
				Flags:   FlagCompressed, // already-compressed, skips the compression attempt
				Payload: make([]byte, MaxFrameSize),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			err := EncodeFrame(buf, &tt.frame)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, ErrFrameTooLarge, err)
				return
			}
			require.NoError(t, err)

			decoded, err := DecodeFrame(buf)
			require.NoError(t, err)

			assert.Equal(t, tt.frame.Version, decoded.Version)
			assert.Equal(t, tt.frame.Type, decoded.Type)
			assert.Equal(t, tt.frame.Payload, decoded.Payload)
		})
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	t.Run("empty reader", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader(nil))
		assert.Error(t, err)
	})

	t.Run("length exceeds maximum", func(t *testing.T) {
		buf := new(bytes.Buffer)
		WriteUint32(buf, MaxFrameSize+1)

		_, err := DecodeFrame(buf)
		assert.Equal(t, ErrFrameTooLarge, err)
	})

	t.Run("length below header size", func(t *testing.T) {
		buf := new(bytes.Buffer)
		WriteUint32(buf, 2)

		_, err := DecodeFrame(buf)
		assert.Equal(t, ErrInvalidFrameLength, err)
	})

	t.Run("truncated payload", func(t *testing.T) {
		buf := new(bytes.Buffer)
		WriteUint32(buf, 100)
		WriteUint8(buf, ProtocolVersion)
		WriteUint8(buf, TypeKeepAlive)
		WriteUint8(buf, 0)
		buf.Write([]byte("short"))

		_, err := DecodeFrame(buf)
		assert.Error(t, err)
	})

	t.Run("garbage compressed payload", func(t *testing.T) {
		payload := []byte{0, 0, 0, 64, 0xde, 0xad, 0xbe, 0xef}
		buf := new(bytes.Buffer)
		WriteUint32(buf, uint32(3+len(payload)))
		WriteUint8(buf, ProtocolVersion)
		WriteUint8(buf, TypeKeepAlive)
		WriteUint8(buf, FlagCompressed)
		buf.Write(payload)

		_, err := DecodeFrame(buf)
		assert.Equal(t, ErrDecompressionFailed, err)
	})
}

func TestCompressionTransparency(t *testing.T) {
	// A highly compressible payload over the threshold gets compressed on the
	// wire but decodes back to the original with the flag cleared.
	payload := bytes.Repeat([]byte("lodestone"), 200)
	require.Greater(t, len(payload), CompressionThreshold)

	buf := new(bytes.Buffer)
	err := EncodeFrame(buf, &Frame{
		Version: ProtocolVersion,
		Type:    TypeGroupEnvelope,
		Flags:   0,
		Payload: payload,
	})
	require.NoError(t, err)
	assert.Less(t, buf.Len(), len(payload))

	decoded, err := DecodeFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), decoded.Flags&FlagCompressed)
	assert.Equal(t, payload, decoded.Payload)
}

func TestCompressPayloadSkipsIncompressible(t *testing.T) {
	// Short payloads and random-looking data should come back untouched.
	data := []byte{1, 2, 3}
	out, compressed := CompressPayload(data)
	assert.False(t, compressed)
	assert.Equal(t, data, out)

	out, compressed = CompressPayload(nil)
	assert.False(t, compressed)
	assert.Empty(t, out)
}

func TestDecompressPayloadErrors(t *testing.T) {
	_, err := DecompressPayload([]byte{1, 2})
	assert.Equal(t, ErrInvalidCompressedLen, err)

	oversized := make([]byte, 8)
	oversized[0] = 0xFF
	oversized[1] = 0xFF
	oversized[2] = 0xFF
	oversized[3] = 0xFF
	_, err = DecompressPayload(oversized)
	assert.Equal(t, ErrFrameTooLarge, err)
}

func TestEncodeDecodeMessage(t *testing.T) {
	data, err := EncodeMessage(ProtocolVersion, TypeIdentify, 0, []byte("payload"))
	require.NoError(t, err)

	frame, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, uint8(TypeIdentify), frame.Type)
	assert.Equal(t, []byte("payload"), frame.Payload)
}
