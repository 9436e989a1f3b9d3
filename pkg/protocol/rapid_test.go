package protocol

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"pgregory.net/rapid"
)

// TestFrameRoundTrip checks that any valid frame survives encode/decode.
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msgType := rapid.Byte().Draw(t, "type")
		// Compressed frames need valid LZ4 payloads, covered separately.
		flags := rapid.Byte().Draw(t, "flags") &^ FlagCompressed
		payloadLen := rapid.IntRange(0, 1024).Draw(t, "payloadLen")
		payload := rapid.SliceOfN(rapid.Byte(), payloadLen, payloadLen).Draw(t, "payload")

		original := &Frame{
			Version: ProtocolVersion,
			Type:    msgType,
			Flags:   flags,
			Payload: payload,
		}

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded.Version != original.Version {
			t.Fatalf("version mismatch: got %d, want %d", decoded.Version, original.Version)
		}
		if decoded.Type != original.Type {
			t.Fatalf("type mismatch: got %d, want %d", decoded.Type, original.Type)
		}
		if !bytes.Equal(decoded.Payload, original.Payload) {
			t.Fatalf("payload mismatch")
		}
	})
}

// TestCompressionRoundTripRapid checks compressible payloads of any shape
// survive the transparent compression path.
func TestCompressionRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		patternLen := rapid.IntRange(1, 50).Draw(t, "patternLen")
		pattern := rapid.SliceOfN(rapid.Byte(), patternLen, patternLen).Draw(t, "pattern")
		repeatCount := rapid.IntRange(20, 200).Draw(t, "repeatCount")
		payload := bytes.Repeat(pattern, repeatCount)

		var buf bytes.Buffer
		err := EncodeFrame(&buf, &Frame{
			Version: ProtocolVersion,
			Type:    TypeGroupEnvelope,
			Payload: payload,
		})
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if !bytes.Equal(decoded.Payload, payload) {
			t.Fatalf("payload mismatch after compression round-trip")
		}
	})
}

// TestPrimitiveRoundTrip checks the wire primitives against arbitrary values.
func TestPrimitiveRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var buf bytes.Buffer

		u32 := rapid.Uint32().Draw(t, "u32")
		u64 := rapid.Uint64().Draw(t, "u64")
		s := rapid.StringN(0, 200, -1).Draw(t, "s")
		blobLen := rapid.IntRange(0, 512).Draw(t, "blobLen")
		blob := rapid.SliceOfN(rapid.Byte(), blobLen, blobLen).Draw(t, "blob")
		id := uuid.New()
		b := rapid.Bool().Draw(t, "b")

		if err := WriteUint32(&buf, u32); err != nil {
			t.Fatal(err)
		}
		if err := WriteUint64(&buf, u64); err != nil {
			t.Fatal(err)
		}
		if err := WriteString(&buf, s); err != nil {
			t.Fatal(err)
		}
		if err := WriteBytes(&buf, blob); err != nil {
			t.Fatal(err)
		}
		if err := WriteUUID(&buf, id); err != nil {
			t.Fatal(err)
		}
		if err := WriteBool(&buf, b); err != nil {
			t.Fatal(err)
		}

		gotU32, err := ReadUint32(&buf)
		if err != nil || gotU32 != u32 {
			t.Fatalf("uint32 round-trip: got %d err %v", gotU32, err)
		}
		gotU64, err := ReadUint64(&buf)
		if err != nil || gotU64 != u64 {
			t.Fatalf("uint64 round-trip: got %d err %v", gotU64, err)
		}
		gotS, err := ReadString(&buf)
		if err != nil || gotS != s {
			t.Fatalf("string round-trip: got %q err %v", gotS, err)
		}
		gotBlob, err := ReadBytes(&buf)
		if err != nil || !bytes.Equal(gotBlob, blob) {
			t.Fatalf("bytes round-trip failed: err %v", err)
		}
		gotID, err := ReadUUID(&buf)
		if err != nil || gotID != id {
			t.Fatalf("uuid round-trip: got %s err %v", gotID, err)
		}
		gotB, err := ReadBool(&buf)
		if err != nil || gotB != b {
			t.Fatalf("bool round-trip: got %v err %v", gotB, err)
		}
	})
}
